package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/malwarebo/inboxflow/utils"
)

const (
	maxPageLimit     = 100
	maxWebhookBody   = 1 << 20
	maxAPIRequestLen = 64 << 10
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}

// writeError maps err to its APIError status. Validation failures carry
// per-field messages; anything unrecognised is a 500 with a generic message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verrs utils.ValidationErrors
	if errors.As(err, &verrs) {
		utils.WriteValidationError(w, verrs)
		return
	}

	status := utils.GetHTTPStatusFromError(err)
	if status >= http.StatusInternalServerError {
		utils.LogError(r.Context(), err, "Request failed", map[string]interface{}{
			"method": r.Method,
			"path":   r.URL.Path,
		})
	}
	writeJSON(w, status, ErrorResponse{Error: utils.PublicMessage(err)})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if err := utils.ValidateRequestSize(r, maxAPIRequestLen); err != nil {
		return err
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAPIRequestLen)).Decode(v); err != nil {
		return utils.WrapAPIError(err, utils.ErrInvalidRequest)
	}
	return nil
}

// tenantFrom returns the tenant set by middleware.TenantHeaders.
func tenantFrom(r *http.Request) (string, error) {
	tenantID := utils.GetTenantID(r.Context())
	if tenantID == "" {
		return "", utils.ErrUnauthorized
	}
	return tenantID, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > maxPageLimit {
		return maxPageLimit
	}
	return limit
}

func pageParams(r *http.Request) (int, int) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	return clampLimit(limit), offset
}
