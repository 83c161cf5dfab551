// Package gateway sends WhatsApp text messages through the configured
// provider.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/notifywise/libs/apperr"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

// Sender delivers one message and returns the provider's message id.
type Sender interface {
	SendText(ctx context.Context, to string, body string) (string, error)
	ProviderID() string
}

// StatusChecker is implemented by providers that can be polled for the
// delivery status of a sent message.
type StatusChecker interface {
	MessageStatus(ctx context.Context, providerMessageID string) (string, error)
}

const (
	oneConfirmedProvider   = "1confirmed"
	DefaultOneConfirmedURL = "https://1confirmed.com/api/v1"

	defaultTemplateID    = 97
	defaultLanguageID    = 3
	defaultTemplateImage = "https://1confirmed.com/images/default_template_img.jpeg"
)

type OneConfirmedConfig struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	RatePerSec float64
	Burst      int
}

// OneConfirmedSender talks to the 1Confirmed JSON API. Outbound calls share
// one token bucket.
type OneConfirmedSender struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
}

func NewOneConfirmedSender(cfg OneConfirmedConfig) *OneConfirmedSender {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultOneConfirmedURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &OneConfirmedSender{
		baseURL: base,
		apiKey:  strings.TrimSpace(cfg.APIKey),
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter: rate.NewLimiter(limit, burst),
	}
}

func (s *OneConfirmedSender) ProviderID() string {
	return oneConfirmedProvider
}

type messageData struct {
	Image   string `json:"broadcast_template_image"`
	Phone   string `json:"phone"`
	Message string `json:"message"`
}

type sendRequest struct {
	LanguageID int         `json:"language_id"`
	TemplateID int         `json:"template_id"`
	Phone      string      `json:"phone"`
	Data       messageData `json:"data"`
}

type sendResponse struct {
	ID json.RawMessage `json:"id"`
}

func (s *OneConfirmedSender) SendText(ctx context.Context, to string, body string) (string, error) {
	if s.apiKey == "" {
		return "", s.fail(0, errors.New("api key not configured"))
	}
	raw, err := json.Marshal(sendRequest{
		LanguageID: defaultLanguageID,
		TemplateID: defaultTemplateID,
		Phone:      to,
		Data:       messageData{Image: defaultTemplateImage, Phone: to, Message: body},
	})
	if err != nil {
		return "", err
	}

	var out sendResponse
	if err := s.do(ctx, http.MethodPost, "/messages", raw, &out); err != nil {
		return "", err
	}
	id := strings.Trim(strings.TrimSpace(string(out.ID)), `"`)
	if id == "" || id == "null" {
		return "", s.fail(0, errors.New("response carried no message id"))
	}
	return id, nil
}

// MessageStatus returns the provider's raw status string for a message.
func (s *OneConfirmedSender) MessageStatus(ctx context.Context, providerMessageID string) (string, error) {
	if s.apiKey == "" {
		return "", s.fail(0, errors.New("api key not configured"))
	}
	var out struct {
		Status string `json:"status"`
	}
	if err := s.do(ctx, http.MethodGet, "/messages/"+url.PathEscape(providerMessageID)+"/status", nil, &out); err != nil {
		return "", err
	}
	return strings.ToLower(strings.TrimSpace(out.Status)), nil
}

func (s *OneConfirmedSender) do(ctx context.Context, method, path string, body []byte, dst any) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return s.fail(0, err)
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.http.Do(req)
	if err != nil {
		return s.fail(0, err)
	}
	defer resp.Body.Close()
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return s.fail(resp.StatusCode, errors.New(providerMessage(payload, resp.Status)))
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return s.fail(resp.StatusCode, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (s *OneConfirmedSender) fail(status int, err error) error {
	return &apperr.GatewayError{Provider: oneConfirmedProvider, StatusCode: status, Err: err}
}

// providerMessage pulls a readable reason out of an error body.
func providerMessage(payload []byte, fallback string) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(payload, &body) == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	return fallback
}

// NoopSender logs messages instead of sending them.
type NoopSender struct {
	logger *slog.Logger
}

func NewNoopSender(logger *slog.Logger) *NoopSender {
	return &NoopSender{logger: logger}
}

func (s *NoopSender) ProviderID() string {
	return "whatsapp-noop"
}

func (s *NoopSender) SendText(_ context.Context, to string, body string) (string, error) {
	id := "noop-" + uuid.NewString()
	if s.logger != nil {
		s.logger.Info("whatsapp message not sent (noop provider)", "to", to, "chars", len(body), "provider_message_id", id)
	}
	return id, nil
}
