package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/EcrTech/insync-automation/internal/automation"
	"github.com/EcrTech/insync-automation/internal/domain"
	"github.com/EcrTech/insync-automation/internal/pkg/httputil"
)

// HandleEvent runs one trigger event through the org's rules.
//
//	POST /api/automation/events
func (h *Handlers) HandleEvent(w http.ResponseWriter, r *http.Request) {
	orgID := OrgID(r.Context())

	var ev domain.TriggerEvent
	if !httputil.Decode(w, r, &ev) {
		return
	}
	if ev.OrganizationID == "" {
		ev.OrganizationID = orgID
	}
	if ev.OrganizationID != orgID {
		httputil.BadRequest(w, "organization_id does not match "+OrgHeader)
		return
	}

	res, err := h.deps.Engine.HandleEvent(r.Context(), &ev)
	if errors.Is(err, automation.ErrInvalidEvent) {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.Accepted(w, res)
}

var listableStatuses = map[domain.ExecutionStatus]bool{
	domain.ExecutionPending:   true,
	domain.ExecutionScheduled: true,
	domain.ExecutionSent:      true,
	domain.ExecutionFailed:    true,
}

// ListExecutions pages the org's ledger, newest first.
//
//	GET /api/automation/executions?rule_id=&contact_id=&status=&page=&limit=
func (h *Handlers) ListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := domain.ExecutionStatus(q.Get("status"))
	if status != "" && !listableStatuses[status] {
		httputil.BadRequest(w, "unknown status "+strconv.Quote(string(status)))
		return
	}

	page := ParsePagination(r, 50, 500)
	execs, total, err := h.deps.Ledger.ListExecutions(r.Context(), domain.ExecutionFilter{
		OrganizationID: OrgID(r.Context()),
		RuleID:         q.Get("rule_id"),
		ContactID:      q.Get("contact_id"),
		Status:         status,
		Limit:          page.Limit,
		Offset:         page.Offset,
	})
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	for i := range execs {
		execs[i].Status = execs[i].PublicStatus()
	}
	httputil.OK(w, NewPaginatedResponse(execs, page, total))
}

// GetExecution returns one ledger row of the org.
//
//	GET /api/automation/executions/{id}
func (h *Handlers) GetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := h.deps.Ledger.GetExecution(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, domain.ErrExecutionNotFound) || (err == nil && exec.OrganizationID != OrgID(r.Context())) {
		httputil.NotFound(w, "execution not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	exec.Status = exec.PublicStatus()
	httputil.OK(w, exec)
}

// ownRule writes a 404 and returns false unless the rule belongs to the
// request's org.
func (h *Handlers) ownRule(w http.ResponseWriter, r *http.Request, ruleID string) bool {
	orgID, err := h.deps.Rules.RuleOrg(r.Context(), ruleID)
	if errors.Is(err, domain.ErrRuleNotFound) || (err == nil && orgID != OrgID(r.Context())) {
		httputil.NotFound(w, "rule not found")
		return false
	}
	if err != nil {
		httputil.InternalError(w, err)
		return false
	}
	return true
}

// RuleDiagnostics returns counters, status, skip and variant breakdowns.
//
//	GET /api/automation/rules/{id}/diagnostics
func (h *Handlers) RuleDiagnostics(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")
	if !h.ownRule(w, r, ruleID) {
		return
	}
	diag, err := h.deps.Ledger.Diagnostics(r.Context(), ruleID)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, diag)
}

// DeactivateRule stops a rule from matching. With cancel_pending=true its
// scheduled executions are failed as well.
//
//	POST /api/automation/rules/{id}/deactivate
func (h *Handlers) DeactivateRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")
	if !h.ownRule(w, r, ruleID) {
		return
	}
	cancelPending, _ := strconv.ParseBool(r.URL.Query().Get("cancel_pending"))

	n, err := h.deps.Dispatcher.DeactivateRule(r.Context(), ruleID, cancelPending)
	if errors.Is(err, domain.ErrRuleNotFound) {
		httputil.NotFound(w, "rule not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{
		"rule_id":   ruleID,
		"is_active": false,
		"cancelled": n,
	})
}

// CancelPending fails the rule's pending and scheduled executions.
//
//	POST /api/automation/rules/{id}/cancel-pending
func (h *Handlers) CancelPending(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")
	if !h.ownRule(w, r, ruleID) {
		return
	}
	n, err := h.deps.Dispatcher.CancelPendingForRule(r.Context(), ruleID)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{"rule_id": ruleID, "cancelled": n})
}

type claimRequest struct {
	Limit int `json:"limit"`
}

// ClaimDue leases due executions to an external sender.
//
//	POST /api/automation/dispatch/claim
func (h *Handlers) ClaimDue(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if r.ContentLength != 0 && !httputil.Decode(w, r, &req) {
		return
	}
	if req.Limit > 1000 {
		req.Limit = 1000
	}
	claim, err := h.deps.Dispatcher.ClaimDue(r.Context(), req.Limit)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if claim.Executions == nil {
		claim.Executions = []domain.Execution{}
	}
	httputil.OK(w, claim)
}

type outcomeRequest struct {
	LeaseToken string             `json:"lease_token"`
	Kind       domain.OutcomeKind `json:"kind"`
	Error      string             `json:"error"`
	Reason     string             `json:"reason"`
}

// ReportOutcome records the result of a send attempt.
//
//	POST /api/automation/executions/{id}/outcome
func (h *Handlers) ReportOutcome(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req outcomeRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.LeaseToken == "" {
		httputil.BadRequest(w, "lease_token is required")
		return
	}

	status, err := h.deps.Dispatcher.ReportOutcome(r.Context(), id, req.LeaseToken, domain.Outcome{
		Kind:   req.Kind,
		Error:  req.Error,
		Reason: req.Reason,
	})
	switch {
	case errors.Is(err, automation.ErrInvalidOutcome):
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, domain.ErrExecutionNotFound):
		httputil.NotFound(w, "execution not found")
	case errors.Is(err, domain.ErrLeaseLost):
		httputil.ErrorWithCode(w, http.StatusConflict, "lease_lost", err.Error())
	case err != nil:
		httputil.InternalError(w, err)
	default:
		httputil.OK(w, map[string]interface{}{"execution_id": id, "status": status})
	}
}
