package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/EcrTech/insync-automation/internal/pkg/httputil"
)

// OrgHeader carries the tenant. Authentication and tenant resolution
// happen upstream of this service.
const OrgHeader = "X-Org-ID"

// OrgContextKey is the key for storing the organization id
type OrgContextKey struct{}

// RequireOrg rejects requests without an org header and stores the org in
// the request context.
func RequireOrg(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		orgID := strings.TrimSpace(r.Header.Get(OrgHeader))
		if orgID == "" {
			httputil.ErrorWithCode(w, http.StatusBadRequest, "missing_org", OrgHeader+" header is required")
			return
		}
		ctx := context.WithValue(r.Context(), OrgContextKey{}, orgID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// OrgID returns the org stored by RequireOrg.
func OrgID(ctx context.Context) string {
	id, _ := ctx.Value(OrgContextKey{}).(string)
	return id
}
