package swap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/klingon-exchange/barter/internal/metrics"
	"github.com/klingon-exchange/barter/pkg/logging"
)

// EscrowCoordinator places, captures and refunds escrow deposits through the
// payment gateway. Every operation is idempotent by request id.
type EscrowCoordinator struct {
	store   EscrowStore
	gateway PaymentGateway
	now     func() time.Time
	log     *logging.Logger

	locks sync.Map // per-request mutexes, serializes gateway calls for one request
}

func (e *EscrowCoordinator) requestLock(requestID string) *sync.Mutex {
	v, _ := e.locks.LoadOrStore(requestID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Hold ensures an authorization for the request's current terms is held and
// returns its gateway reference. The initiator pays, the target receives.
// A hold placed for an earlier terms version is refunded once the new one
// succeeds.
func (e *EscrowCoordinator) Hold(ctx context.Context, req *SwapRequest) (*EscrowHold, error) {
	if !req.Terms.EscrowRequired {
		return nil, statef("swap request %s does not require escrow", req.ID)
	}

	mu := e.requestLock(req.ID)
	mu.Lock()
	defer mu.Unlock()

	prev, err := e.store.GetHold(ctx, req.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to load escrow hold: %w", err)
	}
	if prev != nil {
		switch {
		case prev.Status == EscrowReleased:
			return nil, statef("escrow for %s was already released", req.ID)
		case prev.Status == EscrowHeld && prev.TermsVersion == req.TermsVersion:
			return prev, nil
		}
	}

	attempt := 1
	if prev != nil {
		attempt = prev.Attempt + 1
	}

	ref, err := e.gateway.Authorize(ctx, AuthorizeRequest{
		IdempotencyKey: fmt.Sprintf("%s/v%d/%d", req.ID, req.TermsVersion, attempt),
		RequestID:      req.ID,
		PayerID:        req.InitiatorID,
		PayeeID:        req.TargetID,
		Amount:         req.Terms.EscrowAmount,
	})
	metrics.GatewayCall("authorize", err)
	if err != nil {
		return nil, fmt.Errorf("%w: authorize escrow for %s: %v", ErrPayment, req.ID, err)
	}

	now := e.now()
	hold := &EscrowHold{
		RequestID:    req.ID,
		Attempt:      attempt,
		TermsVersion: req.TermsVersion,
		PayerID:      req.InitiatorID,
		PayeeID:      req.TargetID,
		Amount:       req.Terms.EscrowAmount,
		GatewayRef:   ref,
		Status:       EscrowHeld,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.store.SaveHold(ctx, hold); err != nil {
		if rerr := e.gateway.Refund(ctx, ref); rerr != nil {
			e.log.Error("Failed to void authorization after store error", "request_id", req.ID, "ref", ref, "error", rerr)
		}
		return nil, fmt.Errorf("failed to record escrow hold: %w", err)
	}

	if prev != nil && prev.Status == EscrowHeld {
		e.refundHold(ctx, prev)
	}

	e.log.Info("Escrow held", "request_id", req.ID, "amount", hold.Amount.String(), "version", hold.TermsVersion)
	return hold, nil
}

// Release captures the held deposit to the target. Releasing twice is a
// no-op; releasing a refunded deposit is a state error.
func (e *EscrowCoordinator) Release(ctx context.Context, requestID string) (*EscrowHold, error) {
	mu := e.requestLock(requestID)
	mu.Lock()
	defer mu.Unlock()

	hold, err := e.store.GetHold(ctx, requestID)
	if errors.Is(err, ErrNotFound) {
		return nil, statef("swap request %s has no escrow hold", requestID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load escrow hold: %w", err)
	}

	switch hold.Status {
	case EscrowReleased:
		return hold, nil
	case EscrowRefunded:
		return nil, statef("escrow for %s was already refunded", requestID)
	}

	err = e.gateway.Capture(ctx, hold.GatewayRef)
	metrics.GatewayCall("capture", err)
	if err != nil {
		return nil, fmt.Errorf("%w: capture escrow for %s: %v", ErrPayment, requestID, err)
	}

	hold.Status = EscrowReleased
	hold.UpdatedAt = e.now()
	if err := e.store.SaveHold(ctx, hold); err != nil {
		return nil, fmt.Errorf("failed to record escrow release: %w", err)
	}

	e.log.Info("Escrow released", "request_id", requestID, "amount", hold.Amount.String())
	return hold, nil
}

// Refund returns the deposit to the initiator, whether it is still held or
// was already captured. A request without a hold has nothing to refund and
// returns nil, nil.
func (e *EscrowCoordinator) Refund(ctx context.Context, requestID string) (*EscrowHold, error) {
	mu := e.requestLock(requestID)
	mu.Lock()
	defer mu.Unlock()

	hold, err := e.store.GetHold(ctx, requestID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load escrow hold: %w", err)
	}
	if hold.Status == EscrowRefunded {
		return hold, nil
	}

	err = e.gateway.Refund(ctx, hold.GatewayRef)
	metrics.GatewayCall("refund", err)
	if err != nil {
		return nil, fmt.Errorf("%w: refund escrow for %s: %v", ErrPayment, requestID, err)
	}

	hold.Status = EscrowRefunded
	hold.UpdatedAt = e.now()
	if err := e.store.SaveHold(ctx, hold); err != nil {
		return nil, fmt.Errorf("failed to record escrow refund: %w", err)
	}

	e.log.Info("Escrow refunded", "request_id", requestID, "amount", hold.Amount.String())
	return hold, nil
}

// Get returns the latest hold of a request.
func (e *EscrowCoordinator) Get(ctx context.Context, requestID string) (*EscrowHold, error) {
	return e.store.GetHold(ctx, requestID)
}

// refundHold voids a superseded hold. Caller holds the request mutex.
func (e *EscrowCoordinator) refundHold(ctx context.Context, h *EscrowHold) {
	err := e.gateway.Refund(ctx, h.GatewayRef)
	metrics.GatewayCall("refund", err)
	if err != nil {
		e.log.Error("Failed to refund superseded escrow hold", "request_id", h.RequestID, "attempt", h.Attempt, "error", err)
		return
	}
	h.Status = EscrowRefunded
	h.UpdatedAt = e.now()
	if err := e.store.SaveHold(ctx, h); err != nil {
		e.log.Error("Failed to record superseded hold refund", "request_id", h.RequestID, "attempt", h.Attempt, "error", err)
	}
}
