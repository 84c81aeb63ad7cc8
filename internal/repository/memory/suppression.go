package memory

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/EcrTech/insync-automation/internal/domain"
	"github.com/EcrTech/insync-automation/internal/service/suppression"
)

var _ suppression.Repository = (*Store)(nil)

func (s *Store) IsSuppressed(_ context.Context, orgID, email string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.suppressed[key(orgID, domain.NormalizeEmail(email))]
	return ok, nil
}

func (s *Store) Suppress(_ context.Context, entry *domain.Suppression) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(entry.OrganizationID, domain.NormalizeEmail(entry.Email))
	if _, exists := s.suppressed[k]; exists {
		return nil
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	cp := *entry
	s.suppressed[k] = &cp
	return nil
}

func (s *Store) Remove(_ context.Context, orgID, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(orgID, domain.NormalizeEmail(email))
	if _, ok := s.suppressed[k]; !ok {
		return suppression.ErrNotFound
	}
	delete(s.suppressed, k)
	return nil
}

func (s *Store) List(_ context.Context, orgID string, f suppression.ListFilter) ([]domain.Suppression, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []domain.Suppression
	for _, e := range s.suppressed {
		if e.OrganizationID != orgID {
			continue
		}
		if f.Reason != "" && string(e.Reason) != f.Reason {
			continue
		}
		if f.Search != "" && !strings.Contains(e.Email, strings.ToLower(f.Search)) {
			continue
		}
		matched = append(matched, *e)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].SuppressedAt.Equal(matched[j].SuppressedAt) {
			return matched[i].SuppressedAt.After(matched[j].SuppressedAt)
		}
		return matched[i].Email < matched[j].Email
	})
	return page(matched, f.Offset, f.Limit), len(matched), nil
}

func (s *Store) Count(_ context.Context, orgID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.suppressed {
		if e.OrganizationID == orgID {
			n++
		}
	}
	return n, nil
}

func page[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
