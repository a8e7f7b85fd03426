package swap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/klingon-exchange/barter/internal/metrics"
	"github.com/klingon-exchange/barter/pkg/logging"
)

// DisputeCode categorizes a dispute.
type DisputeCode string

const (
	DisputeNotDelivered   DisputeCode = "not_delivered"
	DisputeNotAsDescribed DisputeCode = "not_as_described"
	DisputeNonPayment     DisputeCode = "non_payment"
	DisputeFraud          DisputeCode = "fraud"
	DisputeOther          DisputeCode = "other"
)

const (
	maxDisputeDetailsLen = 4000
	maxDisputeEvidence   = 10
)

// DisputeReason is the disputer's claim.
type DisputeReason struct {
	Code     DisputeCode `json:"code"`
	Details  string      `json:"details,omitempty"`
	Evidence []string    `json:"evidence,omitempty"`
}

// Validate checks the reason.
func (r DisputeReason) Validate() error {
	switch r.Code {
	case DisputeNotDelivered, DisputeNotAsDescribed, DisputeNonPayment, DisputeFraud:
	case DisputeOther:
		if strings.TrimSpace(r.Details) == "" {
			return validationf("a dispute of type other needs details")
		}
	default:
		return validationf("unknown dispute code %q", r.Code)
	}
	if len(r.Details) > maxDisputeDetailsLen {
		return validationf("dispute details longer than %d characters", maxDisputeDetailsLen)
	}
	if len(r.Evidence) > maxDisputeEvidence {
		return validationf("at most %d evidence references", maxDisputeEvidence)
	}
	for _, ev := range r.Evidence {
		if strings.TrimSpace(ev) == "" {
			return validationf("empty evidence reference")
		}
	}
	return nil
}

// settleRecoveryDelay is how long a resolved dispute may stay unsettled
// before the timeout sweep finishes its settlement.
const settleRecoveryDelay = 5 * time.Minute

// DisputeResolver runs the dispute lifecycle: raise, manual resolution and
// the timeout sweep that refunds disputes left open past their deadline.
type DisputeResolver struct {
	store DisputeStore
	m     *Manager
	grace time.Duration
	log   *logging.Logger
}

// Raise opens a dispute on an accepted or completed request and moves the
// request to disputed. The deadline is stored with the dispute. A request
// whose earlier dispute was resolved cannot be disputed again.
func (r *DisputeResolver) Raise(ctx context.Context, requestID, actorID string, reason DisputeReason) (*Dispute, error) {
	if err := reason.Validate(); err != nil {
		return nil, err
	}
	m := r.m
	defer m.guard(requestID)()

	req, err := m.requests.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !req.IsParty(actorID) {
		return nil, unauthorizedf("%s is not a party to swap request %s", actorID, requestID)
	}
	if req.Status == StatusDisputed {
		return nil, ErrOpenDispute
	}
	if req.Status != StatusAccepted && req.Status != StatusCompleted {
		return nil, statef("swap request %s is %s and cannot be disputed", requestID, req.Status)
	}
	// A resolution is final for the request.
	prior, err := r.store.ListDisputes(ctx, req.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list disputes: %w", err)
	}
	for _, d := range prior {
		if d.Status == DisputeResolved {
			return nil, statef("swap request %s was settled by dispute %s", requestID, d.ID)
		}
	}

	now := m.now()
	if err := m.requests.TransitionRequest(ctx, req.ID, []Status{req.Status}, StatusDisputed, now); err != nil {
		return nil, err
	}

	d := &Dispute{
		ID:          uuid.New().String(),
		RequestID:   req.ID,
		DisputerID:  actorID,
		DisputedID:  req.Counterparty(actorID),
		Reason:      reason,
		PriorStatus: req.Status,
		Status:      DisputeOpen,
		RaisedAt:    now,
		Deadline:    now.Add(r.grace),
	}
	if err := r.store.CreateDispute(ctx, d); err != nil {
		m.revert(ctx, req.ID, StatusDisputed, req.Status)
		return nil, err
	}

	metrics.Transition(string(req.Status), string(StatusDisputed))
	r.log.Info("Dispute raised", "dispute_id", d.ID, "request_id", req.ID, "code", reason.Code,
		"deadline", d.Deadline.Format(time.RFC3339))
	m.notify.send(ctx, EventSwapDisputed, d.ID, []string{req.InitiatorID, req.TargetID},
		NotificationData{RequestID: req.ID, Status: StatusDisputed, DisputeID: d.ID, ActorID: actorID})
	return d, nil
}

// Resolve closes an open dispute. A completed resolution transfers ownership
// as a normal completion would; a refunded one returns the escrow deposit
// and unlocks both assets. The resolver must not be a party to the swap.
func (r *DisputeResolver) Resolve(ctx context.Context, disputeID, resolverID string, resolution Resolution) (*Dispute, error) {
	if !resolution.Valid() {
		return nil, validationf("unknown resolution %q", resolution)
	}
	if strings.TrimSpace(resolverID) == "" {
		return nil, validationf("resolver is required")
	}
	d, err := r.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	m := r.m
	defer m.guard(d.RequestID)()

	req, err := m.requests.GetRequest(ctx, d.RequestID)
	if err != nil {
		return nil, err
	}
	if req.IsParty(resolverID) {
		return nil, unauthorizedf("a party to swap request %s cannot resolve its dispute", req.ID)
	}
	if d.Status != DisputeOpen {
		return nil, statef("dispute %s is already %s", d.ID, d.Status)
	}

	if err := r.claimAndSettle(ctx, d, resolution, resolverID); err != nil {
		return nil, err
	}

	r.log.Info("Dispute resolved", "dispute_id", d.ID, "request_id", d.RequestID,
		"resolution", resolution, "resolver", resolverID)
	m.notify.send(ctx, EventDisputeResolved, d.ID, []string{req.InitiatorID, req.TargetID},
		NotificationData{RequestID: req.ID, Status: Status(resolution), DisputeID: d.ID,
			Resolution: resolution, ActorID: resolverID})
	return r.store.GetDispute(ctx, d.ID)
}

// Get returns a dispute.
func (r *DisputeResolver) Get(ctx context.Context, disputeID string) (*Dispute, error) {
	return r.store.GetDispute(ctx, disputeID)
}

// List returns every dispute raised on a request, oldest first.
func (r *DisputeResolver) List(ctx context.Context, requestID string) ([]*Dispute, error) {
	return r.store.ListDisputes(ctx, requestID)
}

// claimAndSettle resolves d in the store before any side effect and reopens
// it if settlement fails, so another resolver or sweep can try again.
func (r *DisputeResolver) claimAndSettle(ctx context.Context, d *Dispute, resolution Resolution, resolverID string) error {
	if err := r.store.ClaimDispute(ctx, d.ID, resolution, resolverID, r.m.now()); err != nil {
		if errors.Is(err, ErrStaleStatus) {
			return statef("dispute %s is no longer open", d.ID)
		}
		return err
	}
	if err := r.settle(ctx, d, resolution); err != nil {
		if rerr := r.store.ReopenDispute(ctx, d.ID); rerr != nil {
			r.log.Error("Failed to reopen dispute after settlement failure", "dispute_id", d.ID, "error", rerr)
		}
		return err
	}
	return nil
}

// settle applies a resolution to the disputed request. Every step is
// idempotent, so a settlement interrupted after the request moved on can be
// finished by running it again.
func (r *DisputeResolver) settle(ctx context.Context, d *Dispute, resolution Resolution) error {
	m := r.m
	req, err := m.requests.GetRequest(ctx, d.RequestID)
	if err != nil {
		return err
	}
	target := Status(resolution)
	if req.Status != StatusDisputed && req.Status != target {
		return statef("swap request %s is %s, expected disputed", req.ID, req.Status)
	}

	assets, err := m.requests.ListAssets(ctx, req.ID)
	if err != nil {
		return err
	}

	switch resolution {
	case ResolutionCompleted:
		if req.Terms.EscrowRequired {
			if _, err := m.escrow.Release(ctx, req.ID); err != nil {
				return err
			}
		}
		if _, err := m.ledger.Record(ctx, req, assets, nil); err != nil {
			return err
		}
	case ResolutionRefunded:
		if _, err := m.escrow.Refund(ctx, req.ID); err != nil {
			return err
		}
		m.locks.releaseAll(ctx, req.ID, assets)
	}

	now := m.now()
	if req.Status == StatusDisputed {
		if err := m.requests.TransitionRequest(ctx, req.ID, []Status{StatusDisputed}, target, now); err != nil {
			return err
		}
		metrics.Transition(string(StatusDisputed), string(target))
	}

	// The request has reached its final state; a failure to mark the
	// dispute is finished by the recovery pass of SweepTimeouts.
	if err := r.store.MarkDisputeSettled(ctx, d.ID, now); err != nil {
		r.log.Warn("Failed to mark dispute settled", "dispute_id", d.ID, "error", err)
	}
	return nil
}

// DisputeSweepResult summarizes one SweepTimeouts run.
type DisputeSweepResult struct {
	Refunded  int `json:"refunded"`
	Recovered int `json:"recovered"`
	Failed    int `json:"failed"`
}

// SweepTimeouts refunds every open dispute whose deadline has passed, then
// finishes settlement of disputes that were resolved but never settled.
// Disputes already resolved are left alone, so repeated runs are no-ops.
func (r *DisputeResolver) SweepTimeouts(ctx context.Context, now time.Time) (*DisputeSweepResult, error) {
	m := r.m
	res := &DisputeSweepResult{}

	overdue, err := r.store.ListOverdueDisputes(ctx, now, m.batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list overdue disputes: %w", err)
	}
	for _, d := range overdue {
		refunded, err := r.timeout(ctx, d)
		switch {
		case err != nil:
			r.log.Warn("Failed to refund overdue dispute", "dispute_id", d.ID, "error", err)
			metrics.SweepItem("dispute_timeout", "failed")
			res.Failed++
		case refunded:
			metrics.SweepItem("dispute_timeout", "refunded")
			res.Refunded++
		default:
			metrics.SweepItem("dispute_timeout", "skipped")
		}
	}

	unsettled, err := r.store.ListUnsettledDisputes(ctx, now.Add(-settleRecoveryDelay), m.batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list unsettled disputes: %w", err)
	}
	for _, d := range unsettled {
		unlock := m.guard(d.RequestID)
		err := r.settle(ctx, d, d.Resolution)
		unlock()
		if err != nil {
			r.log.Warn("Failed to finish dispute settlement", "dispute_id", d.ID, "error", err)
			metrics.SweepItem("dispute_recovery", "failed")
			res.Failed++
			continue
		}
		metrics.SweepItem("dispute_recovery", "settled")
		res.Recovered++
	}

	if res.Refunded > 0 || res.Recovered > 0 || res.Failed > 0 {
		r.log.Info("Dispute sweep finished", "refunded", res.Refunded, "recovered", res.Recovered, "failed", res.Failed)
	}
	return res, nil
}

// timeout refunds one overdue dispute. It returns false when another
// resolver got there first.
func (r *DisputeResolver) timeout(ctx context.Context, d *Dispute) (bool, error) {
	m := r.m
	defer m.guard(d.RequestID)()

	err := r.claimAndSettle(ctx, d, ResolutionRefunded, TimeoutResolver)
	if errors.Is(err, ErrState) {
		if current, gerr := r.store.GetDispute(ctx, d.ID); gerr == nil && current.Status != DisputeOpen {
			return false, nil
		}
	}
	if err != nil {
		return false, err
	}

	req, err := m.requests.GetRequest(ctx, d.RequestID)
	if err != nil {
		r.log.Warn("Refunded dispute but could not load its request for notification", "dispute_id", d.ID, "error", err)
		return true, nil
	}
	r.log.Info("Dispute refunded on timeout", "dispute_id", d.ID, "request_id", d.RequestID,
		"deadline", d.Deadline.Format(time.RFC3339))
	m.notify.send(ctx, EventSwapRefundedOnTimeout, d.ID, []string{req.InitiatorID, req.TargetID},
		NotificationData{RequestID: d.RequestID, Status: StatusRefunded, DisputeID: d.ID,
			Resolution: ResolutionRefunded, ActorID: TimeoutResolver})
	return true, nil
}
