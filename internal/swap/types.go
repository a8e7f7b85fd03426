// Package swap implements barter-style swap negotiation between two parties:
// proposals, asset locks, contract sign-off, escrow, the ownership-transfer
// ledger, counter-offers and disputes.
package swap

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a swap request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusCompleted Status = "completed"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
	StatusDisputed  Status = "disputed"
	StatusRefunded  Status = "refunded"
)

// IsTerminal returns true for states no ordinary operation leaves.
// A completed request can still be disputed.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusRejected, StatusCancelled, StatusExpired, StatusRefunded:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusCompleted, StatusRejected,
		StatusCancelled, StatusExpired, StatusDisputed, StatusRefunded:
		return true
	}
	return false
}

// Mode is the kind of exchange being negotiated.
type Mode string

const (
	ModeDirectSwap      Mode = "direct_swap"
	ModeValueDifference Mode = "value_difference"
	ModeContractBased   Mode = "contract_based"
	ModeTimeBased       Mode = "time_based"
	ModeEquityBased     Mode = "equity_based"
	ModeLicenseBased    Mode = "license_based"
	ModeUpgradePath     Mode = "upgrade_path"
)

// Modes lists every supported mode.
var Modes = []Mode{
	ModeDirectSwap, ModeValueDifference, ModeContractBased, ModeTimeBased,
	ModeEquityBased, ModeLicenseBased, ModeUpgradePath,
}

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return slices.Contains(Modes, m)
}

// Side identifies which half of a swap an asset belongs to.
type Side string

const (
	SideOffering   Side = "offering"
	SideRequesting Side = "requesting"
)

// Action is a target's response to a pending request.
type Action string

const (
	ActionAccept Action = "accept"
	ActionReject Action = "reject"
)

// TransferType labels a ledger entry.
type TransferType string

const (
	TransferSwap            TransferType = "swap"
	TransferValueDifference TransferType = "value_difference"
	TransferContract        TransferType = "contract"
	TransferTimeShare       TransferType = "time_share"
	TransferEquity          TransferType = "equity"
	TransferLicense         TransferType = "license"
	TransferUpgrade         TransferType = "upgrade"
)

// TransferTypeFor maps a swap mode to the ledger entry type it produces.
func TransferTypeFor(m Mode) TransferType {
	switch m {
	case ModeValueDifference:
		return TransferValueDifference
	case ModeContractBased:
		return TransferContract
	case ModeTimeBased:
		return TransferTimeShare
	case ModeEquityBased:
		return TransferEquity
	case ModeLicenseBased:
		return TransferLicense
	case ModeUpgradePath:
		return TransferUpgrade
	default:
		return TransferSwap
	}
}

// =============================================================================
// Records
// =============================================================================

// SwapRequest is the aggregate root of a negotiation.
type SwapRequest struct {
	ID           string     `json:"id"`
	InitiatorID  string     `json:"initiator_id"`
	TargetID     string     `json:"target_id"`
	ListingID    string     `json:"listing_id,omitempty"`
	Terms        Terms      `json:"terms"`
	TermsVersion int        `json:"terms_version"`
	Status       Status     `json:"status"`
	ExpiresAt    time.Time  `json:"expires_at"`
	AcceptedAt   *time.Time `json:"accepted_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// IsParty reports whether userID is the initiator or the target.
func (r *SwapRequest) IsParty(userID string) bool {
	return userID != "" && (userID == r.InitiatorID || userID == r.TargetID)
}

// Counterparty returns the other party, or "" if userID is not a party.
func (r *SwapRequest) Counterparty(userID string) string {
	switch userID {
	case r.InitiatorID:
		return r.TargetID
	case r.TargetID:
		return r.InitiatorID
	}
	return ""
}

// SideOf returns the contract slot a party signs in.
func (r *SwapRequest) SideOf(userID string) (Side, bool) {
	switch userID {
	case r.InitiatorID:
		return SideOffering, true
	case r.TargetID:
		return SideRequesting, true
	}
	return "", false
}

// SwapAsset is one side of a swap request as persisted.
type SwapAsset struct {
	ID            string           `json:"id"`
	RequestID     string           `json:"request_id"`
	Side          Side             `json:"side"`
	AssetType     AssetType        `json:"asset_type"`
	AssetRef      string           `json:"asset_ref"`
	OwnerID       string           `json:"owner_id"`
	Description   string           `json:"description"`
	Value         *decimal.Decimal `json:"value,omitempty"`
	Locked        bool             `json:"locked"`
	LockedAt      *time.Time       `json:"locked_at,omitempty"`
	TransferredAt *time.Time       `json:"transferred_at,omitempty"`
}

// AssetLock is a row of the lock table.
type AssetLock struct {
	AssetRef  string    `json:"asset_ref"`
	RequestID string    `json:"request_id"`
	LockedAt  time.Time `json:"locked_at"`
}

// SwapContract is the signed record of a request's terms.
type SwapContract struct {
	RequestID          string     `json:"request_id"`
	TermsHash          string     `json:"terms_hash"`
	TermsVersion       int        `json:"terms_version"`
	TermsSnapshot      []byte     `json:"terms_snapshot"`
	InitiatorSignature string     `json:"initiator_signature,omitempty"`
	InitiatorSignedAt  *time.Time `json:"initiator_signed_at,omitempty"`
	TargetSignature    string     `json:"target_signature,omitempty"`
	TargetSignedAt     *time.Time `json:"target_signed_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

// Signature returns the signature stored for a side.
func (c *SwapContract) Signature(side Side) string {
	if side == SideOffering {
		return c.InitiatorSignature
	}
	return c.TargetSignature
}

// OwnershipTransfer is an append-only ledger entry.
type OwnershipTransfer struct {
	ID           string           `json:"id"`
	RequestID    string           `json:"request_id"`
	AssetRef     string           `json:"asset_ref"`
	AssetType    AssetType        `json:"asset_type"`
	FromID       string           `json:"from_id"`
	ToID         string           `json:"to_id"`
	TransferType TransferType     `json:"transfer_type"`
	Amount       *decimal.Decimal `json:"amount,omitempty"`
	ChainRef     string           `json:"chain_ref,omitempty"`
	CompletedAt  time.Time        `json:"completed_at"`
}

// CounterStatus is the state of a counter-offer.
type CounterStatus string

const (
	CounterPending    CounterStatus = "pending"
	CounterAccepted   CounterStatus = "accepted"
	CounterRejected   CounterStatus = "rejected"
	CounterExpired    CounterStatus = "expired"
	CounterSuperseded CounterStatus = "superseded"
)

// CounterOffer proposes replacement terms for an open request.
type CounterOffer struct {
	ID                 string        `json:"id"`
	RequestID          string        `json:"request_id"`
	CounterInitiatorID string        `json:"counter_initiator_id"`
	Terms              Terms         `json:"terms"`
	Status             CounterStatus `json:"status"`
	ExpiresAt          time.Time     `json:"expires_at"`
	CreatedAt          time.Time     `json:"created_at"`
	RespondedAt        *time.Time    `json:"responded_at,omitempty"`
}

// DisputeStatus is the state of a dispute.
type DisputeStatus string

const (
	DisputeOpen     DisputeStatus = "open"
	DisputeResolved DisputeStatus = "resolved"
)

// Resolution is the outcome of a dispute.
type Resolution string

const (
	ResolutionCompleted Resolution = "completed"
	ResolutionRefunded  Resolution = "refunded"
)

// Valid reports whether r is a known resolution.
func (r Resolution) Valid() bool {
	return r == ResolutionCompleted || r == ResolutionRefunded
}

// TimeoutResolver is recorded as the resolver of disputes refunded by the
// timeout sweep.
const TimeoutResolver = "system:timeout"

// Dispute is a claim raised by one party against the other.
type Dispute struct {
	ID          string        `json:"id"`
	RequestID   string        `json:"request_id"`
	DisputerID  string        `json:"disputer_id"`
	DisputedID  string        `json:"disputed_id"`
	Reason      DisputeReason `json:"reason"`
	PriorStatus Status        `json:"prior_status"`
	Status      DisputeStatus `json:"status"`
	Resolution  Resolution    `json:"resolution,omitempty"`
	ResolverID  string        `json:"resolver_id,omitempty"`
	RaisedAt    time.Time     `json:"raised_at"`
	Deadline    time.Time     `json:"deadline"`
	ResolvedAt  *time.Time    `json:"resolved_at,omitempty"`
	Settled     bool          `json:"settled"`
}

// EscrowStatus is the state of an escrow hold.
type EscrowStatus string

const (
	EscrowHeld     EscrowStatus = "held"
	EscrowReleased EscrowStatus = "released"
	EscrowRefunded EscrowStatus = "refunded"
)

// EscrowHold records one gateway authorization for a request. A request may
// accumulate several holds as its terms change; the latest is authoritative.
type EscrowHold struct {
	RequestID    string          `json:"request_id"`
	Attempt      int             `json:"attempt"`
	TermsVersion int             `json:"terms_version"`
	PayerID      string          `json:"payer_id"`
	PayeeID      string          `json:"payee_id"`
	Amount       decimal.Decimal `json:"amount"`
	GatewayRef   string          `json:"gateway_ref"`
	Status       EscrowStatus    `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Profile is the read model of a user's marketplace identity.
type Profile struct {
	UserID     string `json:"user_id"`
	Reputation int    `json:"reputation"`
	Verified   bool   `json:"verified"`
}

// Listing is the read model of a marketplace listing's swap settings.
type Listing struct {
	ID                 string      `json:"id"`
	OwnerID            string      `json:"owner_id"`
	SwapEnabled        bool        `json:"swap_enabled"`
	AcceptedSwapTypes  []Mode      `json:"accepted_swap_types,omitempty"`
	AcceptedAssetTypes []AssetType `json:"accepted_asset_types,omitempty"`
	MinimumReputation  int         `json:"minimum_reputation"`
	RequireVerified    bool        `json:"require_verified"`
}
