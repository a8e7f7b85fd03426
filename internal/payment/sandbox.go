package payment

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/klingon-exchange/barter/internal/swap"
)

// AuthStatus is the state of a sandbox authorization.
type AuthStatus string

const (
	AuthAuthorized AuthStatus = "authorized"
	AuthCaptured   AuthStatus = "captured"
	AuthRefunded   AuthStatus = "refunded"
)

// Authorization is a sandbox record of one Authorize call.
type Authorization struct {
	Ref     string
	Request swap.AuthorizeRequest
	Status  AuthStatus
}

// Sandbox is an in-memory PaymentGateway. It honours idempotency keys and
// repeated captures and refunds the way a real gateway must, and lets tests
// inject failures per operation.
type Sandbox struct {
	mu      sync.Mutex
	byKey   map[string]string
	auths   map[string]*Authorization
	calls   map[string]int
	failNow map[string][]error
	failAll map[string]error
}

// NewSandbox creates an empty sandbox gateway.
func NewSandbox() *Sandbox {
	return &Sandbox{
		byKey:   make(map[string]string),
		auths:   make(map[string]*Authorization),
		calls:   make(map[string]int),
		failNow: make(map[string][]error),
		failAll: make(map[string]error),
	}
}

// FailNext makes the next call of op return err.
func (s *Sandbox) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNow[op] = append(s.failNow[op], err)
}

// FailAlways makes every call of op return err until ClearFailures.
func (s *Sandbox) FailAlways(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAll[op] = err
}

// ClearFailures removes every injected failure.
func (s *Sandbox) ClearFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNow = make(map[string][]error)
	s.failAll = make(map[string]error)
}

// injected returns the failure to report for op, if any. Caller holds s.mu.
func (s *Sandbox) injected(op string) error {
	s.calls[op]++
	if queue := s.failNow[op]; len(queue) > 0 {
		s.failNow[op] = queue[1:]
		return queue[0]
	}
	return s.failAll[op]
}

// Authorize places a hold. A repeated idempotency key returns the first
// reference.
func (s *Sandbox) Authorize(ctx context.Context, req swap.AuthorizeRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injected(OpAuthorize); err != nil {
		return "", err
	}
	if req.IdempotencyKey == "" {
		return "", fmt.Errorf("idempotency key is required")
	}
	if !req.Amount.GreaterThan(decimal.Zero) {
		return "", fmt.Errorf("amount must be positive, got %s", req.Amount)
	}
	if ref, ok := s.byKey[req.IdempotencyKey]; ok {
		return ref, nil
	}

	ref := "sbx_" + uuid.New().String()
	s.byKey[req.IdempotencyKey] = ref
	s.auths[ref] = &Authorization{Ref: ref, Request: req, Status: AuthAuthorized}
	return ref, nil
}

// Capture settles an authorization to the payee.
func (s *Sandbox) Capture(ctx context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injected(OpCapture); err != nil {
		return err
	}
	auth, ok := s.auths[ref]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRef, ref)
	}
	switch auth.Status {
	case AuthCaptured:
		return nil
	case AuthRefunded:
		return fmt.Errorf("%w: %s", ErrAlreadyRefunded, ref)
	}
	auth.Status = AuthCaptured
	return nil
}

// Refund voids an authorization or returns a captured payment.
func (s *Sandbox) Refund(ctx context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injected(OpRefund); err != nil {
		return err
	}
	auth, ok := s.auths[ref]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRef, ref)
	}
	auth.Status = AuthRefunded
	return nil
}

// Authorization returns a copy of the record for ref.
func (s *Sandbox) Authorization(ref string) (Authorization, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	auth, ok := s.auths[ref]
	if !ok {
		return Authorization{}, false
	}
	return *auth, true
}

// Authorizations returns how many distinct holds were placed.
func (s *Sandbox) Authorizations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.auths)
}

// Calls returns how many times op was invoked, failures included.
func (s *Sandbox) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

var _ swap.PaymentGateway = (*Sandbox)(nil)
