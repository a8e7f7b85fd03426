package swap

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/klingon-exchange/barter/internal/config"
	"github.com/klingon-exchange/barter/internal/metrics"
	"github.com/klingon-exchange/barter/pkg/logging"
)

// Default policy values, used when Config leaves them zero.
const (
	DefaultProposalTTL     = config.DefaultProposalTTL
	DefaultCounterOfferTTL = config.DefaultCounterOfferTTL
	DefaultDisputeGrace    = config.DefaultDisputeGrace
	DefaultSweepBatchSize  = config.DefaultSweepBatchSize
)

// Config wires a Manager to its stores and external ports.
type Config struct {
	Stores   Stores
	Payments PaymentGateway
	Notifier Notifier
	Profiles ProfileStore
	Listings ListingStore

	ProposalTTL     time.Duration
	CounterOfferTTL time.Duration
	DisputeGrace    time.Duration
	SweepBatchSize  int

	Now    func() time.Time
	Logger *logging.Logger
}

// Manager is the entry point of the engine. It validates eligibility, drives
// the swap request state machine and composes the other components.
type Manager struct {
	requests RequestStore
	profiles ProfileStore
	listings ListingStore

	locks     *LockRegistry
	contracts *ContractNegotiator
	escrow    *EscrowCoordinator
	ledger    *TransferLedger
	counters  *CounterOfferEngine
	disputes  *DisputeResolver
	notify    *notifier

	proposalTTL time.Duration
	batchSize   int
	now         func() time.Time
	log         *logging.Logger

	guards sync.Map // per-request mutexes for multi-step transitions
}

// NewManager creates a Manager. Every store and port except Notifier is
// required.
func NewManager(cfg Config) (*Manager, error) {
	s := cfg.Stores
	switch {
	case s.Requests == nil, s.Locks == nil, s.Contracts == nil, s.Transfers == nil,
		s.CounterOffers == nil, s.Disputes == nil, s.Escrow == nil:
		return nil, errors.New("swap: all stores are required")
	case cfg.Payments == nil:
		return nil, errors.New("swap: payment gateway is required")
	case cfg.Profiles == nil || cfg.Listings == nil:
		return nil, errors.New("swap: profile and listing stores are required")
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = logging.GetDefault()
	}
	if cfg.ProposalTTL <= 0 {
		cfg.ProposalTTL = DefaultProposalTTL
	}
	if cfg.CounterOfferTTL <= 0 {
		cfg.CounterOfferTTL = DefaultCounterOfferTTL
	}
	if cfg.DisputeGrace <= 0 {
		cfg.DisputeGrace = DefaultDisputeGrace
	}
	if cfg.SweepBatchSize <= 0 {
		cfg.SweepBatchSize = DefaultSweepBatchSize
	}

	m := &Manager{
		requests:    s.Requests,
		profiles:    cfg.Profiles,
		listings:    cfg.Listings,
		proposalTTL: cfg.ProposalTTL,
		batchSize:   cfg.SweepBatchSize,
		now:         now,
		log:         log.Component("swap"),
	}
	m.notify = &notifier{port: cfg.Notifier, now: now, log: log.Component("notify")}
	m.locks = &LockRegistry{store: s.Locks, now: now, log: log.Component("locks")}
	m.contracts = &ContractNegotiator{
		store:    s.Contracts,
		requests: s.Requests,
		notify:   m.notify,
		now:      now,
		log:      log.Component("contract"),
	}
	m.escrow = &EscrowCoordinator{store: s.Escrow, gateway: cfg.Payments, now: now, log: log.Component("escrow")}
	m.ledger = &TransferLedger{store: s.Transfers, now: now, log: log.Component("ledger")}
	m.counters = &CounterOfferEngine{
		store: s.CounterOffers,
		m:     m,
		ttl:   cfg.CounterOfferTTL,
		log:   log.Component("counter"),
	}
	m.disputes = &DisputeResolver{
		store: s.Disputes,
		m:     m,
		grace: cfg.DisputeGrace,
		log:   log.Component("dispute"),
	}
	return m, nil
}

// Locks returns the asset lock registry.
func (m *Manager) Locks() *LockRegistry { return m.locks }

// Contracts returns the contract negotiator.
func (m *Manager) Contracts() *ContractNegotiator { return m.contracts }

// Escrow returns the escrow coordinator.
func (m *Manager) Escrow() *EscrowCoordinator { return m.escrow }

// Ledger returns the ownership-transfer ledger.
func (m *Manager) Ledger() *TransferLedger { return m.ledger }

// CounterOffers returns the counter-offer engine.
func (m *Manager) CounterOffers() *CounterOfferEngine { return m.counters }

// Disputes returns the dispute resolver.
func (m *Manager) Disputes() *DisputeResolver { return m.disputes }

// =============================================================================
// Proposal
// =============================================================================

// ProposeParams are the inputs of Propose.
type ProposeParams struct {
	InitiatorID string     `json:"initiator_id"`
	TargetID    string     `json:"target_id"`
	ListingID   string     `json:"listing_id,omitempty"`
	Terms       Terms      `json:"terms"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// Propose validates and stores a new pending swap request and locks the
// offered asset. Nothing is stored when validation or locking fails.
func (m *Manager) Propose(ctx context.Context, p ProposeParams) (*SwapRequest, error) {
	p.InitiatorID = strings.TrimSpace(p.InitiatorID)
	p.TargetID = strings.TrimSpace(p.TargetID)
	if p.InitiatorID == "" || p.TargetID == "" {
		return nil, validationf("initiator and target are required")
	}
	if p.InitiatorID == p.TargetID {
		return nil, validationf("cannot propose a swap to yourself")
	}
	if err := p.Terms.Validate(); err != nil {
		return nil, err
	}

	now := m.now()
	expiresAt := now.Add(m.proposalTTL)
	if p.ExpiresAt != nil {
		if !p.ExpiresAt.After(now) {
			return nil, validationf("expiry must be in the future")
		}
		expiresAt = *p.ExpiresAt
	}

	initiator, err := m.profiles.GetProfile(ctx, p.InitiatorID)
	if err != nil {
		return nil, fmt.Errorf("initiator profile: %w", err)
	}
	if _, err := m.profiles.GetProfile(ctx, p.TargetID); err != nil {
		return nil, fmt.Errorf("target profile: %w", err)
	}
	if p.ListingID != "" {
		if err := m.checkListing(ctx, p, initiator); err != nil {
			return nil, err
		}
	}

	req := &SwapRequest{
		ID:           uuid.New().String(),
		InitiatorID:  p.InitiatorID,
		TargetID:     p.TargetID,
		ListingID:    p.ListingID,
		Terms:        p.Terms,
		TermsVersion: 1,
		Status:       StatusPending,
		ExpiresAt:    expiresAt.UTC(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	assets := buildAssets(req)
	offering := assetFor(assets, SideOffering)

	if err := m.locks.TryLock(ctx, offering.AssetRef, req.ID); err != nil {
		return nil, err
	}
	offering.Locked = true
	offering.LockedAt = &now

	if err := m.requests.CreateRequest(ctx, req, assets); err != nil {
		m.unlock(ctx, offering.AssetRef, req.ID)
		return nil, fmt.Errorf("failed to store swap request: %w", err)
	}

	metrics.Transition("", string(StatusPending))
	m.log.Info("Swap proposed", "request_id", req.ID, "mode", req.Terms.Mode,
		"initiator", req.InitiatorID, "target", req.TargetID)
	m.notify.send(ctx, EventSwapProposed, req.ID, []string{req.TargetID},
		NotificationData{RequestID: req.ID, Status: req.Status, ActorID: req.InitiatorID})

	return req, nil
}

// checkListing applies the target listing's swap settings to a proposal.
func (m *Manager) checkListing(ctx context.Context, p ProposeParams, initiator *Profile) error {
	listing, err := m.listings.GetListing(ctx, p.ListingID)
	if err != nil {
		return fmt.Errorf("listing: %w", err)
	}
	if !listing.SwapEnabled {
		return validationf("listing %s does not accept swaps", listing.ID)
	}
	if listing.OwnerID != "" && listing.OwnerID != p.TargetID {
		return validationf("listing %s is not owned by %s", listing.ID, p.TargetID)
	}
	if len(listing.AcceptedSwapTypes) > 0 && !slices.Contains(listing.AcceptedSwapTypes, p.Terms.Mode) {
		return validationf("listing %s does not accept %s swaps", listing.ID, p.Terms.Mode)
	}
	if len(listing.AcceptedAssetTypes) > 0 {
		for _, t := range []AssetType{p.Terms.Offering.Type, p.Terms.Requesting.Type} {
			if !slices.Contains(listing.AcceptedAssetTypes, t) {
				return validationf("listing %s does not accept %s assets", listing.ID, t)
			}
		}
	}
	if initiator.Reputation < listing.MinimumReputation {
		return validationf("reputation %d is below the listing minimum of %d",
			initiator.Reputation, listing.MinimumReputation)
	}
	if listing.RequireVerified && !initiator.Verified {
		return validationf("listing %s requires a verified profile", listing.ID)
	}
	return nil
}

// buildAssets derives the asset rows of a request from its terms.
func buildAssets(req *SwapRequest) []*SwapAsset {
	owners := map[Side]string{SideOffering: req.InitiatorID, SideRequesting: req.TargetID}
	assets := make([]*SwapAsset, 0, 2)
	for _, side := range []Side{SideOffering, SideRequesting} {
		d := req.Terms.Descriptor(side)
		assets = append(assets, &SwapAsset{
			ID:          uuid.New().String(),
			RequestID:   req.ID,
			Side:        side,
			AssetType:   d.Type,
			AssetRef:    d.LockRef(req.ID, side),
			OwnerID:     owners[side],
			Description: d.Description,
			Value:       d.Value,
		})
	}
	return assets
}

func assetFor(assets []*SwapAsset, side Side) *SwapAsset {
	for _, a := range assets {
		if a.Side == side {
			return a
		}
	}
	return nil
}

// =============================================================================
// Response
// =============================================================================

// Respond lets the target accept or reject a pending request.
func (m *Manager) Respond(ctx context.Context, requestID, actorID string, action Action) (*SwapRequest, error) {
	if action != ActionAccept && action != ActionReject {
		return nil, validationf("unknown action %q", action)
	}
	defer m.guard(requestID)()

	req, err := m.requests.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if actorID != req.TargetID {
		return nil, unauthorizedf("only the target may respond to swap request %s", requestID)
	}
	if req.Status != StatusPending {
		return nil, statef("swap request %s is %s, not pending", requestID, req.Status)
	}
	if !m.now().Before(req.ExpiresAt) {
		return nil, statef("swap request %s has expired", requestID)
	}

	if action == ActionReject {
		return m.reject(ctx, req)
	}
	if err := m.acceptRequest(ctx, req); err != nil {
		return nil, err
	}
	return m.requests.GetRequest(ctx, requestID)
}

// acceptRequest runs the accept path for a pending request: lock the
// requested asset, hold escrow, materialize the contract and move the
// request to accepted. Each completed step is undone if a later one fails.
func (m *Manager) acceptRequest(ctx context.Context, req *SwapRequest) error {
	assets, err := m.requests.ListAssets(ctx, req.ID)
	if err != nil {
		return err
	}
	requesting := assetFor(assets, SideRequesting)
	if requesting == nil {
		return fmt.Errorf("swap request %s has no requesting asset", req.ID)
	}

	if err := m.locks.TryLock(ctx, requesting.AssetRef, req.ID); err != nil {
		return err
	}

	held := false
	undo := func() {
		if held {
			if _, err := m.escrow.Refund(ctx, req.ID); err != nil {
				m.log.Error("Failed to refund escrow while undoing accept", "request_id", req.ID, "error", err)
			}
		}
		m.unlock(ctx, requesting.AssetRef, req.ID)
	}

	if req.Terms.EscrowRequired {
		if _, err := m.escrow.Hold(ctx, req); err != nil {
			undo()
			return err
		}
		held = true
	}

	if _, err := m.contracts.Materialize(ctx, req); err != nil {
		undo()
		return err
	}

	if err := m.requests.TransitionRequest(ctx, req.ID, []Status{StatusPending}, StatusAccepted, m.now()); err != nil {
		undo()
		return err
	}

	metrics.Transition(string(StatusPending), string(StatusAccepted))
	m.log.Info("Swap accepted", "request_id", req.ID, "escrow", req.Terms.EscrowRequired)
	m.notify.send(ctx, EventSwapAccepted, fmt.Sprintf("%s:v%d", req.ID, req.TermsVersion),
		[]string{req.InitiatorID, req.TargetID},
		NotificationData{RequestID: req.ID, Status: StatusAccepted, ActorID: req.TargetID})
	return nil
}

func (m *Manager) reject(ctx context.Context, req *SwapRequest) (*SwapRequest, error) {
	if err := m.requests.TransitionRequest(ctx, req.ID, []Status{StatusPending}, StatusRejected, m.now()); err != nil {
		return nil, err
	}
	metrics.Transition(string(StatusPending), string(StatusRejected))

	assets, err := m.requests.ListAssets(ctx, req.ID)
	if err != nil {
		m.log.Warn("Failed to load assets of rejected request", "request_id", req.ID, "error", err)
	}
	m.locks.releaseAll(ctx, req.ID, assets)

	m.log.Info("Swap rejected", "request_id", req.ID)
	m.notify.send(ctx, EventSwapRejected, req.ID, []string{req.InitiatorID},
		NotificationData{RequestID: req.ID, Status: StatusRejected, ActorID: req.TargetID})
	return m.requests.GetRequest(ctx, req.ID)
}

// =============================================================================
// Cancellation and completion
// =============================================================================

// Cancel lets either party withdraw from a pending or accepted request. Any
// escrow hold is refunded before the request leaves its status, and the
// request's locks are released last.
func (m *Manager) Cancel(ctx context.Context, requestID, actorID string) (*SwapRequest, error) {
	defer m.guard(requestID)()

	req, err := m.requests.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !req.IsParty(actorID) {
		return nil, unauthorizedf("%s is not a party to swap request %s", actorID, requestID)
	}
	if req.Status != StatusPending && req.Status != StatusAccepted {
		return nil, statef("swap request %s is %s and can no longer be cancelled", requestID, req.Status)
	}

	from := req.Status
	if _, err := m.escrow.Refund(ctx, req.ID); err != nil {
		return nil, err
	}
	if err := m.requests.TransitionRequest(ctx, req.ID, []Status{from}, StatusCancelled, m.now()); err != nil {
		m.log.Warn("Escrow refunded but cancel lost the status race", "request_id", req.ID, "error", err)
		return nil, err
	}
	metrics.Transition(string(from), string(StatusCancelled))

	assets, err := m.requests.ListAssets(ctx, req.ID)
	if err != nil {
		m.log.Warn("Failed to load assets of cancelled request", "request_id", req.ID, "error", err)
	}
	m.locks.releaseAll(ctx, req.ID, assets)

	m.log.Info("Swap cancelled", "request_id", req.ID, "by", actorID, "was", from)
	m.notify.send(ctx, EventSwapCancelled, req.ID, []string{req.Counterparty(actorID)},
		NotificationData{RequestID: req.ID, Status: StatusCancelled, ActorID: actorID})
	return m.requests.GetRequest(ctx, req.ID)
}

// CompleteParams are the optional inputs of Complete.
type CompleteParams struct {
	// ChainRefs attaches a settlement transaction hash to a side's ledger
	// entry.
	ChainRefs map[Side]string `json:"chain_refs,omitempty"`
}

// Complete finishes an accepted swap whose contract both parties signed. The
// escrow deposit, if any, is captured before the ledger is written.
func (m *Manager) Complete(ctx context.Context, requestID, actorID string, p CompleteParams) (*SwapRequest, []*OwnershipTransfer, error) {
	if err := ValidateChainRefs(p.ChainRefs); err != nil {
		return nil, nil, err
	}
	defer m.guard(requestID)()

	req, err := m.requests.GetRequest(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	if !req.IsParty(actorID) {
		return nil, nil, unauthorizedf("%s is not a party to swap request %s", actorID, requestID)
	}
	if req.Status != StatusAccepted {
		return nil, nil, statef("swap request %s is %s, not accepted", requestID, req.Status)
	}
	signed, err := m.contracts.IsFullySigned(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	if !signed {
		return nil, nil, statef("contract of swap request %s is not signed by both parties", requestID)
	}
	assets, err := m.requests.ListAssets(ctx, req.ID)
	if err != nil {
		return nil, nil, err
	}

	// Capture before the status write. Capturing again on retry is a no-op.
	if req.Terms.EscrowRequired {
		if _, err := m.escrow.Release(ctx, req.ID); err != nil {
			return nil, nil, err
		}
	}
	if err := m.requests.TransitionRequest(ctx, req.ID, []Status{StatusAccepted}, StatusCompleted, m.now()); err != nil {
		if req.Terms.EscrowRequired {
			m.log.Warn("Escrow captured but completion lost the status race", "request_id", req.ID, "error", err)
		}
		return nil, nil, err
	}

	transfers, err := m.ledger.Record(ctx, req, assets, p.ChainRefs)
	if err != nil {
		m.revert(ctx, req.ID, StatusCompleted, StatusAccepted)
		return nil, nil, err
	}

	metrics.Transition(string(StatusAccepted), string(StatusCompleted))
	m.log.Info("Swap completed", "request_id", req.ID, "transfers", len(transfers))
	m.notify.send(ctx, EventSwapCompleted, req.ID, []string{req.InitiatorID, req.TargetID},
		NotificationData{RequestID: req.ID, Status: StatusCompleted, ActorID: actorID})

	done, err := m.requests.GetRequest(ctx, req.ID)
	if err != nil {
		return nil, nil, err
	}
	return done, transfers, nil
}

// Sign records a party's signature over the contract terms hash.
func (m *Manager) Sign(ctx context.Context, requestID, actorID, termsHash, signature string) (*SwapContract, error) {
	return m.contracts.Sign(ctx, requestID, actorID, termsHash, signature)
}

// RaiseDispute opens a dispute against the counterparty.
func (m *Manager) RaiseDispute(ctx context.Context, requestID, actorID string, reason DisputeReason) (*Dispute, error) {
	return m.disputes.Raise(ctx, requestID, actorID, reason)
}

// =============================================================================
// Reads
// =============================================================================

// Get returns a swap request.
func (m *Manager) Get(ctx context.Context, requestID string) (*SwapRequest, error) {
	return m.requests.GetRequest(ctx, requestID)
}

// List returns swap requests matching filter, newest first.
func (m *Manager) List(ctx context.Context, filter RequestFilter) ([]*SwapRequest, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, validationf("unknown status %q", filter.Status)
	}
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	return m.requests.ListRequests(ctx, filter)
}

// Assets returns the asset rows of a request.
func (m *Manager) Assets(ctx context.Context, requestID string) ([]*SwapAsset, error) {
	if _, err := m.requests.GetRequest(ctx, requestID); err != nil {
		return nil, err
	}
	return m.requests.ListAssets(ctx, requestID)
}

// Transfers returns the ledger entries of a request.
func (m *Manager) Transfers(ctx context.Context, requestID string) ([]*OwnershipTransfer, error) {
	return m.ledger.List(ctx, requestID)
}

// =============================================================================
// Expiry sweep
// =============================================================================

// SweepResult summarizes one SweepExpired run.
type SweepResult struct {
	Expired              int `json:"expired"`
	CounterOffersExpired int `json:"counter_offers_expired"`
	LocksReleased        int `json:"locks_released"`
	Failed               int `json:"failed"`
}

// SweepExpired moves pending requests past their expiry to expired and
// releases their locks, expires stale counter-offers and reconciles locks
// left behind by terminal requests. It only acts on persisted state, so
// concurrent or repeated runs converge on the same result.
func (m *Manager) SweepExpired(ctx context.Context, now time.Time) (*SweepResult, error) {
	res := &SweepResult{}

	expired, err := m.requests.ListExpiredRequests(ctx, now, m.batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired requests: %w", err)
	}
	for _, req := range expired {
		err := m.requests.TransitionRequest(ctx, req.ID, []Status{StatusPending}, StatusExpired, now)
		if errors.Is(err, ErrStaleStatus) {
			metrics.SweepItem("expire", "skipped")
			continue
		}
		if err != nil {
			m.log.Warn("Failed to expire swap request", "request_id", req.ID, "error", err)
			metrics.SweepItem("expire", "failed")
			res.Failed++
			continue
		}
		metrics.Transition(string(StatusPending), string(StatusExpired))
		metrics.SweepItem("expire", "expired")
		res.Expired++

		assets, err := m.requests.ListAssets(ctx, req.ID)
		if err != nil {
			m.log.Warn("Failed to load assets of expired request", "request_id", req.ID, "error", err)
		}
		m.locks.releaseAll(ctx, req.ID, assets)
		m.notify.send(ctx, EventSwapExpired, req.ID, []string{req.InitiatorID, req.TargetID},
			NotificationData{RequestID: req.ID, Status: StatusExpired})
	}

	n, failed, err := m.counters.expire(ctx, now, m.batchSize)
	if err != nil {
		return nil, err
	}
	res.CounterOffersExpired = n
	res.Failed += failed

	released, err := m.locks.releaseStale(ctx, now, m.batchSize)
	if err != nil {
		return nil, err
	}
	res.LocksReleased = released

	if res.Expired > 0 || res.CounterOffersExpired > 0 || res.LocksReleased > 0 {
		m.log.Info("Expiry sweep finished", "expired", res.Expired,
			"counter_offers", res.CounterOffersExpired, "locks", res.LocksReleased, "failed", res.Failed)
	}
	return res, nil
}

// =============================================================================
// Helpers
// =============================================================================

// guard serializes multi-step operations on one request within this
// process and returns the unlock function. Status changes are still
// compare-and-set in the store.
func (m *Manager) guard(requestID string) func() {
	v, _ := m.guards.LoadOrStore(requestID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (m *Manager) unlock(ctx context.Context, assetRef, requestID string) {
	if err := m.locks.Unlock(ctx, assetRef, requestID); err != nil {
		m.log.Error("Failed to release lock during compensation", "request_id", requestID, "asset", assetRef, "error", err)
	}
}

// revert undoes a status change made earlier in the same operation.
func (m *Manager) revert(ctx context.Context, requestID string, from, to Status) {
	if err := m.requests.RevertRequest(ctx, requestID, from, to, m.now()); err != nil {
		m.log.ForRequest(requestID).Error("Failed to revert swap request status",
			"from", from, "to", to, "error", err)
	}
}
