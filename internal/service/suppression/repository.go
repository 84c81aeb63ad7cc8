package suppression

import (
	"context"

	"github.com/EcrTech/insync-automation/internal/domain"
)

// Repository stores suppression entries. Callers pass normalized
// addresses.
type Repository interface {
	IsSuppressed(ctx context.Context, orgID, email string) (bool, error)

	// Suppress inserts s unless the address is already on the org's list,
	// in which case the stored entry wins. s.ID is filled in on insert.
	Suppress(ctx context.Context, s *domain.Suppression) error

	// Remove returns ErrNotFound when nothing was deleted.
	Remove(ctx context.Context, orgID, email string) error

	// List returns one page of matches, newest first, plus the total
	// match count.
	List(ctx context.Context, orgID string, filter ListFilter) ([]domain.Suppression, int, error)

	Count(ctx context.Context, orgID string) (int, error)
}

// ListFilter narrows a List call. Search is a substring of the address.
// A zero Limit returns every match.
type ListFilter struct {
	Reason string
	Search string
	Limit  int
	Offset int
}
