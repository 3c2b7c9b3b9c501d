package utils

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return e.Message
}

func NewAPIError(code int, message string) *APIError {
	return &APIError{
		Code:    code,
		Message: message,
	}
}

func NewAPIErrorWithDetails(code int, message, details string) *APIError {
	return &APIError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

var (
	ErrInvalidRequest = NewAPIError(http.StatusBadRequest, "Invalid request")
	ErrUnauthorized   = NewAPIError(http.StatusUnauthorized, "Unauthorized")
	ErrNotFound       = NewAPIError(http.StatusNotFound, "Resource not found")
	ErrInternalServer = NewAPIError(http.StatusInternalServerError, "Internal server error")
)

var (
	ErrSignatureInvalid         = NewAPIError(http.StatusUnauthorized, "Invalid webhook signature")
	ErrWebhookInvalidPayload    = NewAPIError(http.StatusBadRequest, "Invalid webhook payload")
	ErrVerificationFailed       = NewAPIError(http.StatusForbidden, "فشل التحقق من التوقيع")
	ErrGatewayAuthFailure       = NewAPIError(http.StatusBadGateway, "Failed to authenticate with payment gateway")
	ErrGatewayRequestFailure    = NewAPIError(http.StatusBadGateway, "Payment gateway request failed")
	ErrUnsupportedPaymentMethod = NewAPIError(http.StatusBadRequest, "Unsupported payment method")
	ErrTransactionNotFound      = NewAPIError(http.StatusNotFound, "Payment transaction not found")
	ErrConversationNotFound     = NewAPIError(http.StatusNotFound, "Conversation not found")
	ErrWindowExpired            = NewAPIError(http.StatusForbidden, "خارج نافذة الـ 24 ساعة المسموح بها للرد")
	ErrConfigMissing            = NewAPIError(http.StatusUnprocessableEntity, "Payment configuration not found")
	ErrChannelNotConnected      = NewAPIError(http.StatusUnprocessableEntity, "قناة التواصل غير مربوطة أو الرمز مفقود")
	ErrOutboundSendFailed       = NewAPIError(http.StatusBadGateway, "Failed to deliver message to platform")
)

func WrapError(err error, message string) error {
	return fmt.Errorf("%s: %w", message, err)
}

// WrapAPIError keeps both apiErr and err reachable through errors.Is.
func WrapAPIError(err error, apiErr *APIError) error {
	if err == nil {
		return apiErr
	}
	return fmt.Errorf("%w: %w", apiErr, err)
}

func GetHTTPStatusFromError(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// PublicMessage returns the user-facing message of the outermost APIError in err.
func PublicMessage(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return ErrInternalServer.Message
}

func LogError(ctx context.Context, err error, message string, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}

	fields["error"] = err.Error()

	Error(ctx, message, fields)
}
