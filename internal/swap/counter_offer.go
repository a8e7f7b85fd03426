package swap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/klingon-exchange/barter/internal/metrics"
	"github.com/klingon-exchange/barter/pkg/logging"
)

// CounterOfferEngine manages alternate-terms proposals against an open swap
// request. Accepting one rewrites the original request's terms; it never
// creates a second request.
type CounterOfferEngine struct {
	store CounterOfferStore
	m     *Manager
	ttl   time.Duration
	log   *logging.Logger
}

// Propose records a counter-offer from a party of a pending or accepted
// request. expiresAt may be nil for the default TTL.
func (e *CounterOfferEngine) Propose(ctx context.Context, requestID, actorID string, terms Terms, expiresAt *time.Time) (*CounterOffer, error) {
	if err := terms.Validate(); err != nil {
		return nil, err
	}
	req, err := e.m.requests.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !req.IsParty(actorID) {
		return nil, unauthorizedf("%s is not a party to swap request %s", actorID, requestID)
	}
	if req.Status != StatusPending && req.Status != StatusAccepted {
		return nil, statef("swap request %s is %s and cannot be countered", requestID, req.Status)
	}

	now := e.m.now()
	if req.Status == StatusPending && !now.Before(req.ExpiresAt) {
		return nil, statef("swap request %s has expired", requestID)
	}
	expiry := now.Add(e.ttl)
	if expiresAt != nil {
		if !expiresAt.After(now) {
			return nil, validationf("expiry must be in the future")
		}
		expiry = *expiresAt
	}

	co := &CounterOffer{
		ID:                 uuid.New().String(),
		RequestID:          req.ID,
		CounterInitiatorID: actorID,
		Terms:              terms,
		Status:             CounterPending,
		ExpiresAt:          expiry.UTC(),
		CreatedAt:          now,
	}
	if err := e.store.CreateCounterOffer(ctx, co); err != nil {
		return nil, fmt.Errorf("failed to store counter-offer: %w", err)
	}

	e.log.Info("Counter-offer proposed", "counter_id", co.ID, "request_id", req.ID, "by", actorID)
	e.m.notify.send(ctx, EventCounterOfferProposed, co.ID, []string{req.Counterparty(actorID)},
		NotificationData{RequestID: req.ID, Status: req.Status, CounterOfferID: co.ID, ActorID: actorID})
	return co, nil
}

// Accept applies a pending counter-offer to its request. Only the party who
// did not make the offer may accept it. A pending request goes through the
// full accept path; an accepted one gets its escrow and contract redone for
// the new terms, which invalidates earlier signatures. Sibling pending
// counter-offers are superseded.
func (e *CounterOfferEngine) Accept(ctx context.Context, counterID, actorID string) (*SwapRequest, error) {
	co, err := e.store.GetCounterOffer(ctx, counterID)
	if err != nil {
		return nil, err
	}
	defer e.m.guard(co.RequestID)()

	req, err := e.m.requests.GetRequest(ctx, co.RequestID)
	if err != nil {
		return nil, err
	}
	if err := e.checkResponder(req, co, actorID); err != nil {
		return nil, err
	}
	if err := e.checkOpen(ctx, co); err != nil {
		return nil, err
	}
	if req.Status != StatusPending && req.Status != StatusAccepted {
		return nil, statef("swap request %s is %s and can no longer change terms", req.ID, req.Status)
	}
	if req.Status == StatusPending && !e.m.now().Before(req.ExpiresAt) {
		return nil, statef("swap request %s has expired", req.ID)
	}
	if req.ListingID != "" {
		initiator, err := e.m.profiles.GetProfile(ctx, req.InitiatorID)
		if err != nil {
			return nil, fmt.Errorf("initiator profile: %w", err)
		}
		p := ProposeParams{InitiatorID: req.InitiatorID, TargetID: req.TargetID, ListingID: req.ListingID, Terms: co.Terms}
		if err := e.m.checkListing(ctx, p, initiator); err != nil {
			return nil, err
		}
	}

	now := e.m.now()
	if err := e.store.TransitionCounterOffer(ctx, co.ID, CounterPending, CounterAccepted, now); err != nil {
		return nil, err
	}
	if err := e.apply(ctx, req, co.Terms); err != nil {
		if rerr := e.store.TransitionCounterOffer(ctx, co.ID, CounterAccepted, CounterPending, now); rerr != nil {
			e.log.Error("Failed to reopen counter-offer", "counter_id", co.ID, "error", rerr)
		}
		return nil, err
	}

	superseded, err := e.store.SupersedePending(ctx, req.ID, co.ID, now)
	if err != nil {
		e.log.Warn("Failed to supersede sibling counter-offers", "request_id", req.ID, "error", err)
	}

	e.log.Info("Counter-offer accepted", "counter_id", co.ID, "request_id", req.ID, "superseded", superseded)
	e.m.notify.send(ctx, EventCounterOfferAccepted, co.ID, []string{co.CounterInitiatorID},
		NotificationData{RequestID: req.ID, Status: StatusAccepted, CounterOfferID: co.ID, ActorID: actorID})

	return e.m.requests.GetRequest(ctx, req.ID)
}

// Reject declines a pending counter-offer. The request is left as it is.
func (e *CounterOfferEngine) Reject(ctx context.Context, counterID, actorID string) (*CounterOffer, error) {
	co, err := e.store.GetCounterOffer(ctx, counterID)
	if err != nil {
		return nil, err
	}
	req, err := e.m.requests.GetRequest(ctx, co.RequestID)
	if err != nil {
		return nil, err
	}
	if err := e.checkResponder(req, co, actorID); err != nil {
		return nil, err
	}
	if err := e.checkOpen(ctx, co); err != nil {
		return nil, err
	}
	if err := e.store.TransitionCounterOffer(ctx, co.ID, CounterPending, CounterRejected, e.m.now()); err != nil {
		return nil, err
	}
	e.log.Info("Counter-offer rejected", "counter_id", co.ID, "request_id", req.ID)
	return e.store.GetCounterOffer(ctx, co.ID)
}

// Get returns a counter-offer.
func (e *CounterOfferEngine) Get(ctx context.Context, counterID string) (*CounterOffer, error) {
	return e.store.GetCounterOffer(ctx, counterID)
}

// List returns the counter-offers of a request, oldest first.
func (e *CounterOfferEngine) List(ctx context.Context, requestID string) ([]*CounterOffer, error) {
	return e.store.ListCounterOffers(ctx, requestID)
}

func (e *CounterOfferEngine) checkResponder(req *SwapRequest, co *CounterOffer, actorID string) error {
	if !req.IsParty(actorID) {
		return unauthorizedf("%s is not a party to swap request %s", actorID, req.ID)
	}
	if actorID == co.CounterInitiatorID {
		return unauthorizedf("counter-offer %s must be answered by the other party", co.ID)
	}
	return nil
}

// checkOpen fails unless the counter-offer is pending and unexpired. An
// offer found past its expiry is expired on the spot.
func (e *CounterOfferEngine) checkOpen(ctx context.Context, co *CounterOffer) error {
	if co.Status != CounterPending {
		return statef("counter-offer %s is %s", co.ID, co.Status)
	}
	now := e.m.now()
	if now.Before(co.ExpiresAt) {
		return nil
	}
	err := e.store.TransitionCounterOffer(ctx, co.ID, CounterPending, CounterExpired, now)
	if err != nil && !errors.Is(err, ErrStaleStatus) {
		e.log.Warn("Failed to expire counter-offer", "counter_id", co.ID, "error", err)
	}
	return statef("counter-offer %s has expired", co.ID)
}

// apply swaps terms into req. Changed asset refs on locked sides are locked
// before the write and the old refs released after everything succeeded.
func (e *CounterOfferEngine) apply(ctx context.Context, req *SwapRequest, terms Terms) error {
	m := e.m
	oldAssets, err := m.requests.ListAssets(ctx, req.ID)
	if err != nil {
		return err
	}

	next := *req
	next.Terms = terms
	next.TermsVersion = req.TermsVersion + 1
	newAssets := buildAssets(&next)

	lockedSides := []Side{SideOffering}
	if req.Status == StatusAccepted {
		lockedSides = append(lockedSides, SideRequesting)
	}

	var acquired, superseded []string
	releaseAcquired := func() {
		for _, ref := range acquired {
			m.unlock(ctx, ref, req.ID)
		}
	}
	for _, side := range lockedSides {
		oldRef := assetFor(oldAssets, side).AssetRef
		newRef := assetFor(newAssets, side).AssetRef
		if oldRef == newRef {
			continue
		}
		if err := m.locks.TryLock(ctx, newRef, req.ID); err != nil {
			releaseAcquired()
			return err
		}
		acquired = append(acquired, newRef)
		superseded = append(superseded, oldRef)
	}

	if err := m.requests.ReplaceTerms(ctx, &next, newAssets, req.TermsVersion, m.now()); err != nil {
		releaseAcquired()
		return err
	}
	restore := func() {
		back := *req
		back.TermsVersion = next.TermsVersion + 1
		if err := m.requests.ReplaceTerms(ctx, &back, oldAssets, next.TermsVersion, m.now()); err != nil {
			e.log.Error("Failed to restore terms after counter-offer failure", "request_id", req.ID, "error", err)
			return
		}
		if req.Status == StatusAccepted {
			if back.Terms.EscrowRequired {
				if _, err := m.escrow.Hold(ctx, &back); err != nil {
					e.log.Error("Failed to restore escrow after counter-offer failure", "request_id", req.ID, "error", err)
				}
			}
			if _, err := m.contracts.Materialize(ctx, &back); err != nil {
				e.log.Error("Failed to restore contract after counter-offer failure", "request_id", req.ID, "error", err)
			}
		}
		releaseAcquired()
	}

	if req.Status == StatusPending {
		err = m.acceptRequest(ctx, &next)
	} else {
		err = e.reaccept(ctx, req, &next)
	}
	if err != nil {
		restore()
		return err
	}

	for _, ref := range superseded {
		m.unlock(ctx, ref, req.ID)
	}
	return nil
}

// reaccept redoes escrow and the contract of an accepted request whose
// terms changed from prev to next.
func (e *CounterOfferEngine) reaccept(ctx context.Context, prev, next *SwapRequest) error {
	m := e.m
	if next.Terms.EscrowRequired {
		if _, err := m.escrow.Hold(ctx, next); err != nil {
			return err
		}
	}
	if _, err := m.contracts.Materialize(ctx, next); err != nil {
		return err
	}
	if prev.Terms.EscrowRequired && !next.Terms.EscrowRequired {
		if _, err := m.escrow.Refund(ctx, next.ID); err != nil {
			return err
		}
	}
	return nil
}

// expire moves pending counter-offers past their expiry to expired. It
// returns how many changed and how many failed.
func (e *CounterOfferEngine) expire(ctx context.Context, now time.Time, limit int) (int, int, error) {
	due, err := e.store.ListExpiredCounterOffers(ctx, now, limit)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list expired counter-offers: %w", err)
	}
	expired, failed := 0, 0
	for _, co := range due {
		err := e.store.TransitionCounterOffer(ctx, co.ID, CounterPending, CounterExpired, now)
		switch {
		case errors.Is(err, ErrStaleStatus):
			metrics.SweepItem("counter_offer", "skipped")
		case err != nil:
			e.log.Warn("Failed to expire counter-offer", "counter_id", co.ID, "error", err)
			metrics.SweepItem("counter_offer", "failed")
			failed++
		default:
			metrics.SweepItem("counter_offer", "expired")
			expired++
		}
	}
	return expired, failed, nil
}
