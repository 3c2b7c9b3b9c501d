package middleware

import (
	"net/http"
	"strings"

	"github.com/malwarebo/inboxflow/utils"
)

const (
	TenantIDHeader = "X-Tenant-ID"
	UserIDHeader   = "X-User-ID"
)

// TenantContextMiddleware copies the tenant and acting user into the request
// context. Requests without a tenant are rejected.
func TenantContextMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := strings.TrimSpace(r.Header.Get(TenantIDHeader))
		if tenantID == "" {
			writeErrorResponse(w, http.StatusUnauthorized, "Tenant header required")
			return
		}

		ctx := utils.WithTenantID(r.Context(), tenantID)
		if userID := strings.TrimSpace(r.Header.Get(UserIDHeader)); userID != "" {
			ctx = utils.WithUserID(ctx, userID)
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
