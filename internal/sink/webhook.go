package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Emmyhack/osem-sub002/internal/domain/event"
	"github.com/Emmyhack/osem-sub002/internal/pipeline/retry"
)

const (
	internalSourceHeader = "X-Internal-Source"
	internalSourceValue  = "event-listener"
	maxErrorBody         = 512
	tokenTTL             = 5 * time.Minute
)

type WebhookOption func(*WebhookSink)

func WithHTTPClient(c *http.Client) WebhookOption {
	return func(s *WebhookSink) {
		if c != nil {
			s.client = c
		}
	}
}

// WithSigningSecret enables an HS256 bearer token on every callback.
func WithSigningSecret(secret string) WebhookOption {
	return func(s *WebhookSink) { s.secret = []byte(secret) }
}

func WithWebhookLogger(logger *slog.Logger) WebhookOption {
	return func(s *WebhookSink) { s.logger = logger }
}

func withWebhookClock(now func() time.Time) WebhookOption {
	return func(s *WebhookSink) { s.now = now }
}

// WebhookSink posts each envelope to the backend event callback.
type WebhookSink struct {
	url    string
	client *http.Client
	secret []byte
	now    func() time.Time
	logger *slog.Logger
}

func NewWebhookSink(url string, opts ...WebhookOption) *WebhookSink {
	s := &WebhookSink{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "sink.webhook")
	return s
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Deliver(ctx context.Context, env event.EventEnvelope) error {
	body, err := json.Marshal(struct {
		Events []webhookEvent `json:"events"`
	}{Events: []webhookEvent{newWebhookEvent(env)}})
	if err != nil {
		return retry.Terminal(fmt.Errorf("marshal webhook body: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return retry.Terminal(fmt.Errorf("build webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(internalSourceHeader, internalSourceValue)
	if len(s.secret) > 0 {
		token, err := s.token()
		if err != nil {
			return retry.Terminal(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return retry.Transient(fmt.Errorf("post webhook: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &retry.HTTPStatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	s.logger.Debug("webhook delivered", "kind", env.Kind(), "signature", env.Signature, "status", resp.StatusCode)
	return nil
}

func (s *WebhookSink) token() (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Issuer:    internalSourceValue,
		Subject:   "events",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign webhook token: %w", err)
	}
	return signed, nil
}
