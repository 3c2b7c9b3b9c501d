package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/malwarebo/inboxflow/models"
	"github.com/malwarebo/inboxflow/monitoring"
	"github.com/malwarebo/inboxflow/utils"
)

const (
	DefaultGraphURL     = "https://graph.facebook.com"
	DefaultGraphVersion = "v20.0"
)

// GraphError is a non-2xx Graph API response.
type GraphError struct {
	Status int
	Body   string
}

func (e *GraphError) Error() string {
	return fmt.Sprintf("graph API error (status %d): %s", e.Status, e.Body)
}

// IsRetryableSendError reports whether a failed Send may succeed on retry:
// transport failures, throttling and Graph 5xx responses.
func IsRetryableSendError(err error) bool {
	if err == nil || errors.Is(err, utils.ErrChannelNotConnected) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var graphErr *GraphError
	if errors.As(err, &graphErr) {
		return graphErr.Status == http.StatusTooManyRequests || graphErr.Status >= 500
	}
	return true
}

// MetaSender delivers text messages through the Graph API.
type MetaSender struct {
	baseURL    string
	httpClient *http.Client
	metrics    *monitoring.Metrics
}

func CreateMetaSender(graphURL, version string, httpClient *http.Client, metrics *monitoring.Metrics) *MetaSender {
	if graphURL == "" {
		graphURL = DefaultGraphURL
	}
	if version == "" {
		version = DefaultGraphVersion
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if metrics == nil {
		metrics = monitoring.Default()
	}
	return &MetaSender{
		baseURL:    strings.TrimRight(graphURL, "/") + "/" + version,
		httpClient: httpClient,
		metrics:    metrics,
	}
}

type messengerRequest struct {
	Recipient     messengerRecipient `json:"recipient"`
	MessagingType string             `json:"messaging_type"`
	Message       messengerText      `json:"message"`
}

type messengerRecipient struct {
	ID string `json:"id"`
}

type messengerText struct {
	Text string `json:"text"`
}

type messengerResponse struct {
	RecipientID string `json:"recipient_id"`
	MessageID   string `json:"message_id"`
}

type whatsappRequest struct {
	MessagingProduct string       `json:"messaging_product"`
	To               string       `json:"to"`
	Type             string       `json:"type"`
	Text             whatsappBody `json:"text"`
}

type whatsappBody struct {
	Body string `json:"body"`
}

type whatsappResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// Send posts text to recipientID over channel and returns the platform message id.
func (s *MetaSender) Send(ctx context.Context, channel *models.Channel, recipientID, text string) (string, error) {
	if !channel.CanSend() {
		return "", utils.ErrChannelNotConnected
	}

	var (
		messageID string
		err       error
	)
	switch channel.Platform {
	case models.SourceWhatsApp:
		var resp whatsappResponse
		err = s.post(ctx, "/"+channel.PlatformID+"/messages", channel.Token, whatsappRequest{
			MessagingProduct: "whatsapp",
			To:               recipientID,
			Type:             "text",
			Text:             whatsappBody{Body: text},
		}, &resp)
		if err == nil && len(resp.Messages) > 0 {
			messageID = resp.Messages[0].ID
		}
	default:
		var resp messengerResponse
		err = s.post(ctx, "/me/messages", channel.Token, messengerRequest{
			Recipient:     messengerRecipient{ID: recipientID},
			MessagingType: "RESPONSE",
			Message:       messengerText{Text: text},
		}, &resp)
		messageID = resp.MessageID
	}

	s.metrics.RecordOutboundSend(string(channel.Platform), err == nil)
	if err != nil {
		return "", utils.WrapAPIError(err, utils.ErrOutboundSendFailed)
	}
	return messageID, nil
}

func (s *MetaSender) post(ctx context.Context, path, token string, body, out interface{}) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return &GraphError{Status: resp.StatusCode, Body: string(respBody)}
	}
	if len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
