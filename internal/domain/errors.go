package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the engine and its stores.
var (
	ErrRuleNotFound      = errors.New("automation rule not found")
	ErrExecutionNotFound = errors.New("execution not found")
	ErrContactNotFound   = errors.New("contact not found")
	ErrTemplateNotFound  = errors.New("template not found")

	// ErrLeaseLost is returned when an outcome is reported for an execution
	// that is no longer leased by the caller.
	ErrLeaseLost = errors.New("execution lease lost")

	// ErrInvalidTransition is returned when a status change would move an
	// execution backwards or out of a terminal state.
	ErrInvalidTransition = errors.New("invalid execution status transition")
)

// ConfigError describes a malformed rule. The rule is excluded from
// matching; other rules are unaffected.
type ConfigError struct {
	RuleID string
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.RuleID == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("rule %s: invalid %s: %s", e.RuleID, e.Field, e.Reason)
}

func configErr(field, format string, args ...any) error {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// WithRule stamps the rule id onto a ConfigError, leaving other errors untouched.
func WithRule(ruleID string, err error) error {
	var ce *ConfigError
	if errors.As(err, &ce) {
		cp := *ce
		cp.RuleID = ruleID
		return &cp
	}
	return err
}
