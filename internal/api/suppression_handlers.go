package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/EcrTech/insync-automation/internal/domain"
	"github.com/EcrTech/insync-automation/internal/pkg/httputil"
	"github.com/EcrTech/insync-automation/internal/service/suppression"
)

//	GET /api/automation/suppressions?reason=&search=&page=&limit=
func (h *Handlers) ListSuppressions(w http.ResponseWriter, r *http.Request) {
	page := ParsePagination(r, 100, 1000)
	entries, total, err := h.deps.Suppressions.List(r.Context(), OrgID(r.Context()), suppression.ListFilter{
		Reason: r.URL.Query().Get("reason"),
		Search: r.URL.Query().Get("search"),
		Limit:  page.Limit,
		Offset: page.Offset,
	})
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if entries == nil {
		entries = []domain.Suppression{}
	}
	httputil.OK(w, NewPaginatedResponse(entries, page, total))
}

type suppressRequest struct {
	Email  string                   `json:"email"`
	Reason domain.SuppressionReason `json:"reason"`
}

//	POST /api/automation/suppressions
func (h *Handlers) AddSuppression(w http.ResponseWriter, r *http.Request) {
	var req suppressRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = domain.ReasonManual
	}

	err := h.deps.Suppressions.Suppress(r.Context(), OrgID(r.Context()), req.Email, req.Reason)
	if errors.Is(err, suppression.ErrEmailRequired) || errors.Is(err, suppression.ErrInvalidReason) {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.Created(w, map[string]string{
		"email":  domain.NormalizeEmail(req.Email),
		"reason": string(req.Reason),
	})
}

//	DELETE /api/automation/suppressions/{email}
func (h *Handlers) RemoveSuppression(w http.ResponseWriter, r *http.Request) {
	err := h.deps.Suppressions.Remove(r.Context(), OrgID(r.Context()), chi.URLParam(r, "email"))
	switch {
	case errors.Is(err, suppression.ErrNotFound):
		httputil.NotFound(w, "email is not suppressed")
	case errors.Is(err, suppression.ErrEmailRequired):
		httputil.BadRequest(w, err.Error())
	case err != nil:
		httputil.InternalError(w, err)
	default:
		httputil.NoContent(w)
	}
}

//	GET /api/automation/suppressions/stats
func (h *Handlers) SuppressionStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.deps.Suppressions.GetStats(r.Context(), OrgID(r.Context()))
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, stats)
}
