package suppression

import (
	"context"
	"fmt"
	"time"

	"github.com/EcrTech/insync-automation/internal/domain"
)

// Service normalizes addresses before they reach the repository. The
// engine, the dispatch worker, the feedback consumer and the API all go
// through it.
type Service struct {
	repo Repository
	now  func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// SetClock overrides the time source stamped on new entries.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// IsSuppressed reports whether sends to email are blocked for the org. An
// empty address is never suppressed.
func (s *Service) IsSuppressed(ctx context.Context, orgID, email string) (bool, error) {
	email = domain.NormalizeEmail(email)
	if email == "" {
		return false, nil
	}
	return s.repo.IsSuppressed(ctx, orgID, email)
}

// Suppress blocks email for the org. Suppressing twice keeps the first
// entry and its reason.
func (s *Service) Suppress(ctx context.Context, orgID, email string, reason domain.SuppressionReason) error {
	email = domain.NormalizeEmail(email)
	if email == "" {
		return ErrEmailRequired
	}
	if !reason.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidReason, reason)
	}

	entry := &domain.Suppression{
		OrganizationID: orgID,
		Email:          email,
		Reason:         reason,
		SuppressedAt:   s.now().UTC(),
	}
	return s.repo.Suppress(ctx, entry)
}

// Remove unblocks email. ErrNotFound means it was never suppressed.
func (s *Service) Remove(ctx context.Context, orgID, email string) error {
	email = domain.NormalizeEmail(email)
	if email == "" {
		return ErrEmailRequired
	}
	return s.repo.Remove(ctx, orgID, email)
}

func (s *Service) List(ctx context.Context, orgID string, filter ListFilter) ([]domain.Suppression, int, error) {
	filter.Search = domain.NormalizeEmail(filter.Search)
	return s.repo.List(ctx, orgID, filter)
}

func (s *Service) Count(ctx context.Context, orgID string) (int, error) {
	return s.repo.Count(ctx, orgID)
}

// Stats summarizes an org's list.
type Stats struct {
	Total       int            `json:"total"`
	ByReason    map[string]int `json:"by_reason"`
	Last24Hours int            `json:"last_24_hours"`
}

// GetStats counts entries per reason and those added in the last day.
func (s *Service) GetStats(ctx context.Context, orgID string) (*Stats, error) {
	entries, total, err := s.repo.List(ctx, orgID, ListFilter{Limit: 0})
	if err != nil {
		return nil, err
	}

	cutoff := s.now().Add(-24 * time.Hour)
	stats := &Stats{
		Total:    total,
		ByReason: make(map[string]int),
	}
	for _, e := range entries {
		stats.ByReason[string(e.Reason)]++
		if e.SuppressedAt.After(cutoff) {
			stats.Last24Hours++
		}
	}
	return stats, nil
}
