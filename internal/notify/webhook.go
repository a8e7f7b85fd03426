package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/sony/gobreaker"
	"go.uber.org/ratelimit"

	"github.com/klingon-exchange/barter/internal/storage"
	"github.com/klingon-exchange/barter/pkg/logging"
)

// Webhook request headers.
const (
	HeaderEvent     = "X-Barter-Event"
	HeaderMessageID = "X-Barter-Message-Id"
)

// ErrWebhookUnavailable is returned while the webhook breaker is open.
var ErrWebhookUnavailable = errors.New("webhook endpoint unavailable")

// WebhookClaims are signed into the bearer token of each webhook POST.
type WebhookClaims struct {
	MessageID string `json:"message_id"`
	Event     string `json:"event"`
	jwt.StandardClaims
}

// WebhookSink POSTs each notification payload to a single endpoint.
type WebhookSink struct {
	endpoint   string
	secret     []byte
	httpClient *http.Client
	limiter    ratelimit.Limiter
	cb         *gobreaker.CircuitBreaker
	now        func() time.Time
}

// NewWebhookSink creates a webhook sink. An empty secret sends no
// Authorization header; ratePerSecond <= 0 disables pacing.
func NewWebhookSink(endpoint, secret string, ratePerSecond int, log *logging.Logger) *WebhookSink {
	if log == nil {
		log = logging.GetDefault()
	}
	log = log.Component("webhook")

	limiter := ratelimit.NewUnlimited()
	if ratePerSecond > 0 {
		limiter = ratelimit.New(ratePerSecond)
	}

	return &WebhookSink{
		endpoint:   endpoint,
		secret:     []byte(secret),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		limiter:    limiter,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "webhook",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Info("Webhook breaker state changed", "from", from.String(), "to", to.String())
			},
		}),
		now: time.Now,
	}
}

// Name implements Sink.
func (w *WebhookSink) Name() string { return "webhook" }

// Deliver implements Sink. Any 2xx response counts as accepted.
func (w *WebhookSink) Deliver(ctx context.Context, msg *storage.OutboxMessage) error {
	w.limiter.Take()

	_, err := w.cb.Execute(func() (interface{}, error) {
		return nil, w.post(ctx, msg)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrWebhookUnavailable
	}
	return err
}

func (w *WebhookSink) post(ctx context.Context, msg *storage.OutboxMessage) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(msg.Payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, msg.Event)
	req.Header.Set(HeaderMessageID, msg.MessageID)

	if len(w.secret) > 0 {
		token, err := w.sign(msg)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return nil
}

func (w *WebhookSink) sign(msg *storage.OutboxMessage) (string, error) {
	now := w.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, WebhookClaims{
		MessageID: msg.MessageID,
		Event:     msg.Event,
		StandardClaims: jwt.StandardClaims{
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(5 * time.Minute).Unix(),
			Subject:   msg.RequestID,
		},
	})
	return token.SignedString(w.secret)
}
