package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/malwarebo/inboxflow/middleware"
	"github.com/malwarebo/inboxflow/models"
	"github.com/malwarebo/inboxflow/monitoring"
	"github.com/malwarebo/inboxflow/security"
)

type RouterDeps struct {
	Webhooks       *WebhookHandler
	Payments       *PaymentHandler
	Conversations  *ConversationHandler
	Health         *HealthHandler
	Metrics        *monitoring.Metrics
	Auth           *middleware.AuthMiddleware
	WebhookLimiter *security.RateLimiter
	APILimiter     *security.RateLimiter
	AllowedOrigins []string
}

// NewRouter mounts webhook ingestion under /webhooks and the agent API under
// /api/v1. Only the agent API requires an API key and tenant headers.
func NewRouter(deps RouterDeps) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.CorrelationIDMiddleware)
	router.Use(middleware.LoggingMiddleware)
	router.Use(middleware.HeadersMiddleware)
	router.Use(middleware.CORSMiddleware(deps.AllowedOrigins))
	router.Use(middleware.RecoveryMiddleware)

	router.HandleFunc("/health", deps.Health.HandleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", MetricsHandler(deps.Metrics)).Methods(http.MethodGet)

	webhookRouter := router.PathPrefix("/webhooks").Subrouter()
	webhookRouter.Use(middleware.RateLimitMiddleware(deps.WebhookLimiter))
	for path, source := range map[string]models.Source{
		"/facebook":  models.SourceFacebook,
		"/instagram": models.SourceInstagram,
		"/whatsapp":  models.SourceWhatsApp,
		"/meta":      "",
	} {
		webhookRouter.HandleFunc(path, deps.Webhooks.HandleMetaVerify).Methods(http.MethodGet)
		webhookRouter.HandleFunc(path, deps.Webhooks.HandleMetaEvent(source)).Methods(http.MethodPost)
	}
	webhookRouter.HandleFunc("/paymob", deps.Webhooks.HandlePaymobCallback).Methods(http.MethodPost)
	webhookRouter.HandleFunc("/stripe", deps.Webhooks.HandleStripeWebhook).Methods(http.MethodPost)

	apiRouter := router.PathPrefix("/api/v1").Subrouter()
	apiRouter.Use(middleware.RateLimitMiddleware(deps.APILimiter))
	if deps.Auth != nil {
		apiRouter.Use(deps.Auth.APIKeyMiddleware)
	}
	apiRouter.Use(middleware.TenantContextMiddleware)
	apiRouter.Use(middleware.RequestSizeLimitMiddleware(maxAPIRequestLen))

	apiRouter.HandleFunc("/payments", deps.Payments.HandleInitiate).Methods(http.MethodPost)
	apiRouter.HandleFunc("/payments", deps.Payments.HandleListTransactions).Methods(http.MethodGet)
	apiRouter.HandleFunc("/payments/{id}", deps.Payments.HandleGetTransaction).Methods(http.MethodGet)

	apiRouter.HandleFunc("/conversations", deps.Conversations.HandleListConversations).Methods(http.MethodGet)
	apiRouter.HandleFunc("/conversations/{id}/messages", deps.Conversations.HandleListMessages).Methods(http.MethodGet)
	apiRouter.HandleFunc("/conversations/{id}/messages", deps.Conversations.HandleSendMessage).Methods(http.MethodPost)
	apiRouter.HandleFunc("/conversations/{id}/read", deps.Conversations.HandleMarkRead).Methods(http.MethodPost)

	return router
}
