package swap

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// AssetType discriminates the AssetDetails variants.
type AssetType string

const (
	AssetIdea     AssetType = "idea"
	AssetTalent   AssetType = "talent"
	AssetService  AssetType = "service"
	AssetEquity   AssetType = "equity"
	AssetLicense  AssetType = "license"
	AssetNFT      AssetType = "nft"
	AssetPhysical AssetType = "physical"
)

// AssetTypes lists every supported asset type.
var AssetTypes = []AssetType{
	AssetIdea, AssetTalent, AssetService, AssetEquity, AssetLicense, AssetNFT, AssetPhysical,
}

// Valid reports whether t is a known asset type.
func (t AssetType) Valid() bool {
	return slices.Contains(AssetTypes, t)
}

const maxDescriptionLen = 2000

// AssetDetails is the type-specific half of an asset descriptor.
type AssetDetails interface {
	AssetType() AssetType
	Validate() error
}

// AssetDescriptor describes what one side of a swap puts on the table.
// AssetID names a concrete marketplace asset when there is one; the lock
// registry keys on it.
type AssetDescriptor struct {
	Type        AssetType
	Description string
	Value       *decimal.Decimal
	AssetID     string
	Details     AssetDetails
}

// NewAssetDescriptor builds a descriptor and validates it.
func NewAssetDescriptor(t AssetType, description string, value *decimal.Decimal, assetID string, details AssetDetails) (AssetDescriptor, error) {
	d := AssetDescriptor{
		Type:        t,
		Description: description,
		Value:       value,
		AssetID:     assetID,
		Details:     details,
	}
	return d, d.Validate()
}

// Validate checks the descriptor and its details variant.
func (d AssetDescriptor) Validate() error {
	if !d.Type.Valid() {
		return validationf("unknown asset type %q", d.Type)
	}
	desc := strings.TrimSpace(d.Description)
	if desc == "" {
		return validationf("%s asset: description is required", d.Type)
	}
	if len(desc) > maxDescriptionLen {
		return validationf("%s asset: description longer than %d characters", d.Type, maxDescriptionLen)
	}
	if d.Value != nil && d.Value.IsNegative() {
		return validationf("%s asset: value must not be negative", d.Type)
	}
	if d.Details == nil {
		return nil
	}
	if d.Details.AssetType() != d.Type {
		return validationf("asset type %s carries %s details", d.Type, d.Details.AssetType())
	}
	if err := d.Details.Validate(); err != nil {
		return fmt.Errorf("%w: %s asset: %v", ErrValidation, d.Type, err)
	}
	return nil
}

// LockRef returns the key this asset is locked under. Assets without a
// concrete identity get a key scoped to the request, so locking them never
// contends.
func (d AssetDescriptor) LockRef(requestID string, side Side) string {
	if d.AssetID != "" {
		return d.AssetID
	}
	if nft, ok := d.Details.(*NFTDetails); ok && nft.ContractAddress != "" {
		return fmt.Sprintf("nft:%s:%s:%s", nft.chain(), strings.ToLower(nft.ContractAddress), nft.TokenID)
	}
	return fmt.Sprintf("request:%s:%s", requestID, side)
}

type assetDescriptorJSON struct {
	Type        AssetType        `json:"type"`
	Description string           `json:"description"`
	Value       *decimal.Decimal `json:"value,omitempty"`
	AssetID     string           `json:"asset_id,omitempty"`
	Details     json.RawMessage  `json:"details,omitempty"`
}

// MarshalJSON encodes the descriptor with its type as the details discriminator.
func (d AssetDescriptor) MarshalJSON() ([]byte, error) {
	out := assetDescriptorJSON{
		Type:        d.Type,
		Description: d.Description,
		Value:       d.Value,
		AssetID:     d.AssetID,
	}
	if d.Details != nil {
		raw, err := json.Marshal(d.Details)
		if err != nil {
			return nil, err
		}
		out.Details = raw
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the details variant selected by the type field.
func (d *AssetDescriptor) UnmarshalJSON(data []byte) error {
	var in assetDescriptorJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	d.Type = in.Type
	d.Description = in.Description
	d.Value = in.Value
	d.AssetID = in.AssetID
	d.Details = nil

	if len(in.Details) == 0 || string(in.Details) == "null" {
		return nil
	}
	details, err := newDetails(in.Type)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(in.Details, details); err != nil {
		return fmt.Errorf("%s details: %w", in.Type, err)
	}
	d.Details = details
	return nil
}

func newDetails(t AssetType) (AssetDetails, error) {
	switch t {
	case AssetIdea:
		return &IdeaDetails{}, nil
	case AssetTalent:
		return &TalentDetails{}, nil
	case AssetService:
		return &ServiceDetails{}, nil
	case AssetEquity:
		return &EquityDetails{}, nil
	case AssetLicense:
		return &LicenseDetails{}, nil
	case AssetNFT:
		return &NFTDetails{}, nil
	case AssetPhysical:
		return &PhysicalDetails{}, nil
	}
	return nil, validationf("unknown asset type %q", t)
}

// =============================================================================
// Details Variants
// =============================================================================

// IdeaDetails describes an idea or concept.
type IdeaDetails struct {
	Category    string `json:"category"`
	NDARequired bool   `json:"nda_required"`
}

func (*IdeaDetails) AssetType() AssetType { return AssetIdea }

func (d *IdeaDetails) Validate() error {
	if strings.TrimSpace(d.Category) == "" {
		return fmt.Errorf("category is required")
	}
	return nil
}

// TalentDetails describes work a person performs.
type TalentDetails struct {
	Skill        string `json:"skill"`
	Hours        int    `json:"hours,omitempty"`
	DeliveryDays int    `json:"delivery_days,omitempty"`
}

func (*TalentDetails) AssetType() AssetType { return AssetTalent }

func (d *TalentDetails) Validate() error {
	if strings.TrimSpace(d.Skill) == "" {
		return fmt.Errorf("skill is required")
	}
	if d.Hours < 0 || d.DeliveryDays < 0 {
		return fmt.Errorf("hours and delivery days must not be negative")
	}
	return nil
}

// ServiceDetails describes a metered service such as hosting credit.
type ServiceDetails struct {
	Provider string `json:"provider,omitempty"`
	Quantity int    `json:"quantity,omitempty"`
	Unit     string `json:"unit,omitempty"`
}

func (*ServiceDetails) AssetType() AssetType { return AssetService }

func (d *ServiceDetails) Validate() error {
	if d.Quantity < 0 {
		return fmt.Errorf("quantity must not be negative")
	}
	if d.Quantity > 0 && strings.TrimSpace(d.Unit) == "" {
		return fmt.Errorf("unit is required with a quantity")
	}
	return nil
}

// EquityDetails describes a stake in a company.
type EquityDetails struct {
	Company       string          `json:"company"`
	Percentage    decimal.Decimal `json:"percentage"`
	VestingMonths int             `json:"vesting_months,omitempty"`
}

func (*EquityDetails) AssetType() AssetType { return AssetEquity }

var hundred = decimal.NewFromInt(100)

func (d *EquityDetails) Validate() error {
	if strings.TrimSpace(d.Company) == "" {
		return fmt.Errorf("company is required")
	}
	if !d.Percentage.IsPositive() || d.Percentage.GreaterThan(hundred) {
		return fmt.Errorf("percentage must be in (0, 100]")
	}
	if d.VestingMonths < 0 {
		return fmt.Errorf("vesting months must not be negative")
	}
	return nil
}

// LicenseDetails describes a usage license.
type LicenseDetails struct {
	Scope        string `json:"scope"`
	Territory    string `json:"territory,omitempty"`
	DurationDays int    `json:"duration_days,omitempty"`
	Exclusive    bool   `json:"exclusive"`
}

func (*LicenseDetails) AssetType() AssetType { return AssetLicense }

func (d *LicenseDetails) Validate() error {
	if strings.TrimSpace(d.Scope) == "" {
		return fmt.Errorf("scope is required")
	}
	if d.DurationDays < 0 {
		return fmt.Errorf("duration days must not be negative")
	}
	return nil
}

// NFTDetails identifies a token on an EVM chain.
type NFTDetails struct {
	Chain           string `json:"chain,omitempty"`
	ContractAddress string `json:"contract_address"`
	TokenID         string `json:"token_id"`
}

func (*NFTDetails) AssetType() AssetType { return AssetNFT }

func (d *NFTDetails) Validate() error {
	if !common.IsHexAddress(d.ContractAddress) {
		return fmt.Errorf("contract address %q is not a hex address", d.ContractAddress)
	}
	if strings.TrimSpace(d.TokenID) == "" {
		return fmt.Errorf("token id is required")
	}
	return nil
}

func (d *NFTDetails) chain() string {
	if d.Chain == "" {
		return "ethereum"
	}
	return strings.ToLower(d.Chain)
}

// PhysicalDetails describes a tangible good.
type PhysicalDetails struct {
	Condition string `json:"condition,omitempty"`
	ShipsFrom string `json:"ships_from,omitempty"`
}

func (*PhysicalDetails) AssetType() AssetType { return AssetPhysical }

var physicalConditions = []string{"new", "like_new", "used", "for_parts"}

func (d *PhysicalDetails) Validate() error {
	if d.Condition != "" && !slices.Contains(physicalConditions, d.Condition) {
		return fmt.Errorf("unknown condition %q", d.Condition)
	}
	return nil
}
