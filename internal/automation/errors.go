package automation

import "errors"

// Sentinel errors for the automation engine.
var (
	ErrInvalidOutcome = errors.New("invalid dispatch outcome")
	ErrInvalidEvent   = errors.New("invalid trigger event")
)
