package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/malwarebo/inboxflow/models"
	"github.com/malwarebo/inboxflow/monitoring"
	"github.com/malwarebo/inboxflow/security"
	"github.com/malwarebo/inboxflow/services"
	"github.com/malwarebo/inboxflow/utils"
)

const metaSignatureHeader = "X-Hub-Signature-256"

type MetaWebhookConfig struct {
	AppSecret   string
	VerifyToken string
}

// WebhookHandler is the ingestion boundary for Meta, Paymob and Stripe.
// Rejected and duplicate deliveries are acknowledged so providers do not retry them.
type WebhookHandler struct {
	router        *services.Router
	reconciler    *services.ReconciliationService
	subscriptions *services.SubscriptionWebhookService
	meta          MetaWebhookConfig
	metrics       *monitoring.Metrics
}

func CreateWebhookHandler(
	router *services.Router,
	reconciler *services.ReconciliationService,
	subscriptions *services.SubscriptionWebhookService,
	meta MetaWebhookConfig,
	metrics *monitoring.Metrics,
) *WebhookHandler {
	if metrics == nil {
		metrics = monitoring.Default()
	}
	return &WebhookHandler{
		router:        router,
		reconciler:    reconciler,
		subscriptions: subscriptions,
		meta:          meta,
		metrics:       metrics,
	}
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	return io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
}

// HandleMetaVerify answers the subscription handshake for every Meta source.
func (h *WebhookHandler) HandleMetaVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	challenge, ok := security.VerifyChallenge(q.Get("hub.mode"), q.Get("hub.verify_token"), q.Get("hub.challenge"), h.meta.VerifyToken)
	if !ok {
		utils.Warn(r.Context(), "Meta webhook verification failed", map[string]interface{}{
			"mode": q.Get("hub.mode"),
		})
		writeJSON(w, http.StatusForbidden, ErrorResponse{Error: utils.ErrVerificationFailed.Message})
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(challenge))
}

// HandleMetaEvent returns a handler bound to one source. An empty source
// accepts any Meta object type.
func (h *WebhookHandler) HandleMetaEvent(source models.Source) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := readBody(w, r)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Failed to read webhook payload"})
			return
		}

		if !security.VerifyMetaSignature(body, r.Header.Get(metaSignatureHeader), h.meta.AppSecret) {
			h.metrics.RecordWebhookEvent(models.PlatformMeta, string(services.OutcomeRejected))
			utils.Warn(r.Context(), "Meta webhook signature rejected", map[string]interface{}{
				"source": string(source),
			})
			writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
			return
		}

		result, err := h.router.HandleMetaEvent(r.Context(), source, body)
		if err != nil {
			if services.IsInvalidPayload(err) {
				writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: utils.ErrWebhookInvalidPayload.Message})
				return
			}
			utils.LogError(r.Context(), err, "Meta webhook processing failed", map[string]interface{}{
				"source": string(source),
			})
			writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: utils.ErrInternalServer.Message})
			return
		}

		utils.Debug(r.Context(), "Meta webhook handled", map[string]interface{}{
			"object":     result.Object,
			"processed":  result.Processed,
			"duplicates": result.Duplicates,
			"ignored":    result.Ignored,
			"statuses":   result.Statuses,
		})
		writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
	}
}

func (h *WebhookHandler) HandlePaymobCallback(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"received": false, "error": "Failed to read webhook payload"})
		return
	}

	result, err := h.reconciler.HandlePaymobCallback(r.Context(), body, r.URL.Query().Get("hmac"))
	if err != nil {
		if errors.Is(err, utils.ErrWebhookInvalidPayload) {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"received": false, "error": utils.ErrWebhookInvalidPayload.Message})
			return
		}
		utils.LogError(r.Context(), err, "Paymob callback processing failed", nil)
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"received": false, "error": utils.ErrInternalServer.Message})
		return
	}

	if result.Outcome == services.OutcomeRejected {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"received": false,
			"outcome":  result.Outcome,
			"error":    result.Reason,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"received": true,
		"outcome":  result.Outcome,
		"status":   result.Status,
	})
}

func (h *WebhookHandler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Failed to read webhook payload"})
		return
	}

	outcome, err := h.subscriptions.HandleStripeWebhook(r.Context(), body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, utils.ErrSignatureInvalid) {
			utils.Warn(r.Context(), "Stripe webhook signature rejected", nil)
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: utils.ErrSignatureInvalid.Message})
			return
		}
		if errors.Is(err, utils.ErrWebhookInvalidPayload) {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: utils.ErrWebhookInvalidPayload.Message})
			return
		}
		utils.LogError(r.Context(), err, "Stripe webhook processing failed", nil)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: utils.ErrInternalServer.Message})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"received": true, "outcome": outcome})
}
