package middleware

import (
	"net/http"

	"github.com/malwarebo/inboxflow/utils"
)

// RequestSizeLimitMiddleware rejects declared oversize bodies and caps the rest.
func RequestSizeLimitMiddleware(maxSize int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := utils.ValidateRequestSize(r, maxSize); err != nil {
				utils.WriteValidationError(w, err)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxSize)
			next.ServeHTTP(w, r)
		})
	}
}
