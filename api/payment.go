package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/malwarebo/inboxflow/models"
	"github.com/malwarebo/inboxflow/services"
)

type PaymentHandler struct {
	paymentService *services.PaymentService
}

func CreatePaymentHandler(paymentService *services.PaymentService) *PaymentHandler {
	return &PaymentHandler{
		paymentService: paymentService,
	}
}

// HandleInitiate answers 200 with success false when the gateway refused the
// payment; the failed attempt is already stored.
func (h *PaymentHandler) HandleInitiate(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenantFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req models.InitiatePaymentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	resp, err := h.paymentService.Initiate(r.Context(), tenantID, &req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	status := http.StatusCreated
	if !resp.Success {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func (h *PaymentHandler) HandleGetTransaction(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenantFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	tx, err := h.paymentService.GetTransaction(r.Context(), tenantID, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (h *PaymentHandler) HandleListTransactions(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenantFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var status *models.PaymentStatus
	if s := r.URL.Query().Get("status"); s != "" {
		ps := models.PaymentStatus(s)
		status = &ps
	}
	limit, offset := pageParams(r)

	txs, err := h.paymentService.ListTransactions(r.Context(), tenantID, status, limit, offset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": txs,
		"limit":        limit,
		"offset":       offset,
	})
}
