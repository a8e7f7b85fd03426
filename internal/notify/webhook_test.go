package notify

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/golang-jwt/jwt"

	"github.com/klingon-exchange/barter/internal/storage"
	"github.com/klingon-exchange/barter/pkg/logging"
)

func testMessage() *storage.OutboxMessage {
	return &storage.OutboxMessage{
		MessageID: "swap_disputed:d-1",
		Event:     "swap_disputed",
		RequestID: "req-1",
		Payload:   []byte(`{"id":"swap_disputed:d-1"}`),
	}
}

func TestWebhookSignsRequests(t *testing.T) {
	var (
		gotAuth  string
		gotEvent string
		gotBody  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotEvent = r.Header.Get(HeaderEvent)
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, "hook-secret", 0, logging.Discard())
	if err := sink.Deliver(context.Background(), testMessage()); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	if gotEvent != "swap_disputed" {
		t.Errorf("event header = %q", gotEvent)
	}
	if gotBody != `{"id":"swap_disputed:d-1"}` {
		t.Errorf("body = %q", gotBody)
	}

	raw := strings.TrimPrefix(gotAuth, "Bearer ")
	claims := &WebhookClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return []byte("hook-secret"), nil
	})
	if err != nil || !token.Valid {
		t.Fatalf("token did not verify: %v", err)
	}
	if claims.MessageID != "swap_disputed:d-1" || claims.Subject != "req-1" {
		t.Errorf("claims = %+v", claims)
	}

	_, err = jwt.ParseWithClaims(raw, &WebhookClaims{}, func(*jwt.Token) (interface{}, error) {
		return []byte("wrong"), nil
	})
	if err == nil {
		t.Error("token verified with the wrong secret")
	}
}

func TestWebhookWithoutSecret(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, "", 100, logging.Discard())
	if err := sink.Deliver(context.Background(), testMessage()); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if gotAuth != "" {
		t.Errorf("Authorization = %q, want none", gotAuth)
	}
}

func TestWebhookNon2xxFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, "", 0, logging.Discard())
	err := sink.Deliver(context.Background(), testMessage())
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Errorf("Deliver() error = %v, want 503", err)
	}
}

func TestWebhookBreakerOpens(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, "", 0, logging.Discard())
	for i := 0; i < 5; i++ {
		sink.Deliver(context.Background(), testMessage())
	}

	err := sink.Deliver(context.Background(), testMessage())
	if !errors.Is(err, ErrWebhookUnavailable) {
		t.Errorf("Deliver() error = %v, want ErrWebhookUnavailable", err)
	}
	if calls.Load() != 5 {
		t.Errorf("endpoint saw %d calls, want 5", calls.Load())
	}
}
