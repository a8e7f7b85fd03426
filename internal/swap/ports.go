package swap

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// Repository Ports
// =============================================================================

// RequestFilter narrows ListRequests.
type RequestFilter struct {
	UserID string // initiator or target
	Status Status
	Limit  int
	Offset int
}

// RequestStore persists swap requests and their assets.
type RequestStore interface {
	// CreateRequest inserts the request and its assets atomically.
	CreateRequest(ctx context.Context, req *SwapRequest, assets []*SwapAsset) error
	GetRequest(ctx context.Context, id string) (*SwapRequest, error)
	ListRequests(ctx context.Context, filter RequestFilter) ([]*SwapRequest, error)
	ListAssets(ctx context.Context, requestID string) ([]*SwapAsset, error)

	// TransitionRequest moves the request to status to only if its current
	// status is one of from. It returns ErrStaleStatus when it is not.
	// Moving to accepted or completed stamps the matching timestamp.
	TransitionRequest(ctx context.Context, id string, from []Status, to Status, at time.Time) error

	// RevertRequest undoes a transition during compensation without
	// touching the lifecycle timestamps.
	RevertRequest(ctx context.Context, id string, from, to Status, at time.Time) error

	// ReplaceTerms stores req.Terms, req.TermsVersion and assets in place of
	// the current ones, only if the stored version equals expectVersion and
	// the stored status is still req.Status. at stamps updated_at.
	ReplaceTerms(ctx context.Context, req *SwapRequest, assets []*SwapAsset, expectVersion int, at time.Time) error

	ListExpiredRequests(ctx context.Context, now time.Time, limit int) ([]*SwapRequest, error)
}

// LockStore persists asset locks. AcquireLock must be a single atomic
// conditional write: it succeeds when the asset is free or already held by
// requestID, and returns ErrAssetLocked otherwise.
type LockStore interface {
	AcquireLock(ctx context.Context, assetRef, requestID string, at time.Time) error
	ReleaseLock(ctx context.Context, assetRef, requestID string) error
	LockHolder(ctx context.Context, assetRef string) (string, error)

	// ListStaleLocks returns locks whose request is in a terminal state, and
	// locks taken before orphanedBefore whose request was never stored.
	ListStaleLocks(ctx context.Context, orphanedBefore time.Time, limit int) ([]*AssetLock, error)
}

// ContractStore persists swap contracts.
type ContractStore interface {
	// SaveContract inserts or replaces the contract, clearing signatures.
	SaveContract(ctx context.Context, c *SwapContract) error
	GetContract(ctx context.Context, requestID string) (*SwapContract, error)

	// SetSignature writes a side's signature only if the stored hash is
	// still termsHash; it returns ErrStaleTerms otherwise.
	SetSignature(ctx context.Context, requestID string, side Side, termsHash, signature string, at time.Time) error
}

// TransferStore persists the ownership-transfer ledger.
type TransferStore interface {
	// RecordTransfers appends the entries, ignoring any (request, asset)
	// pair already present, stamps the assets as transferred and releases
	// their locks, all in one transaction.
	RecordTransfers(ctx context.Context, requestID string, transfers []*OwnershipTransfer, at time.Time) error
	ListTransfers(ctx context.Context, requestID string) ([]*OwnershipTransfer, error)
}

// CounterOfferStore persists counter-offers.
type CounterOfferStore interface {
	CreateCounterOffer(ctx context.Context, co *CounterOffer) error
	GetCounterOffer(ctx context.Context, id string) (*CounterOffer, error)
	ListCounterOffers(ctx context.Context, requestID string) ([]*CounterOffer, error)
	TransitionCounterOffer(ctx context.Context, id string, from, to CounterStatus, at time.Time) error

	// SupersedePending marks every other pending counter-offer of the
	// request superseded and returns how many changed.
	SupersedePending(ctx context.Context, requestID, exceptID string, at time.Time) (int, error)
	ListExpiredCounterOffers(ctx context.Context, now time.Time, limit int) ([]*CounterOffer, error)
}

// DisputeStore persists disputes. At most one open dispute may exist per
// request; CreateDispute returns ErrOpenDispute otherwise.
type DisputeStore interface {
	CreateDispute(ctx context.Context, d *Dispute) error
	GetDispute(ctx context.Context, id string) (*Dispute, error)
	GetOpenDispute(ctx context.Context, requestID string) (*Dispute, error)
	ListDisputes(ctx context.Context, requestID string) ([]*Dispute, error)

	// ClaimDispute moves an open dispute to resolved; ErrStaleStatus if it
	// is no longer open.
	ClaimDispute(ctx context.Context, id string, resolution Resolution, resolverID string, at time.Time) error

	// ReopenDispute returns a claimed but unsettled dispute to open.
	ReopenDispute(ctx context.Context, id string) error
	MarkDisputeSettled(ctx context.Context, id string, at time.Time) error

	ListOverdueDisputes(ctx context.Context, now time.Time, limit int) ([]*Dispute, error)
	ListUnsettledDisputes(ctx context.Context, resolvedBefore time.Time, limit int) ([]*Dispute, error)
}

// EscrowStore persists escrow holds.
type EscrowStore interface {
	// GetHold returns the latest hold of a request.
	GetHold(ctx context.Context, requestID string) (*EscrowHold, error)
	SaveHold(ctx context.Context, h *EscrowHold) error
}

// Stores bundles the repositories the engine needs.
type Stores struct {
	Requests      RequestStore
	Locks         LockStore
	Contracts     ContractStore
	Transfers     TransferStore
	CounterOffers CounterOfferStore
	Disputes      DisputeStore
	Escrow        EscrowStore
}

// =============================================================================
// External Ports
// =============================================================================

// AuthorizeRequest is sent to the payment gateway to place a hold.
type AuthorizeRequest struct {
	IdempotencyKey string          `json:"idempotency_key"`
	RequestID      string          `json:"request_id"`
	PayerID        string          `json:"payer_id"`
	PayeeID        string          `json:"payee_id"`
	Amount         decimal.Decimal `json:"amount"`
}

// PaymentGateway moves money. Implementations must treat a repeated
// IdempotencyKey, Capture or Refund as a no-op returning the first result.
type PaymentGateway interface {
	Authorize(ctx context.Context, req AuthorizeRequest) (string, error)
	Capture(ctx context.Context, ref string) error
	Refund(ctx context.Context, ref string) error
}

// Notifier hands notifications to the delivery pipeline. Delivery itself is
// asynchronous and retried by the implementation.
type Notifier interface {
	Notify(ctx context.Context, n *Notification) error
}

// ProfileStore looks up user profiles.
type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (*Profile, error)
}

// ListingStore looks up listing swap settings.
type ListingStore interface {
	GetListing(ctx context.Context, listingID string) (*Listing, error)
}
