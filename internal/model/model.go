// Package model defines the core domain types for the CDP engine.
//
// Collateral is counted in satoshis and debt in stablecoin cents. Prices are
// integer USD cents per whole BTC. No floating point is used for money.
package model

import (
	"time"
)

// SatsPerBTC is the number of satoshis in one BTC.
const SatsPerBTC uint64 = 100_000_000

// BpsDenominator is 100% expressed in basis points.
const BpsDenominator uint64 = 10_000

// Status is the lifecycle state of a CDP.
type Status string

const (
	StatusActive     Status = "active"
	StatusLiquidated Status = "liquidated"
	StatusClosed     Status = "closed"
)

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusLiquidated || s == StatusClosed
}

// CDP is a collateralized debt position.
type CDP struct {
	ID               uint64    `json:"id"`
	Owner            string    `json:"owner"`
	PayoutAddress    string    `json:"payout_address,omitempty"`
	CollateralAmount uint64    `json:"collateral_amount"` // satoshis
	MintedAmount     uint64    `json:"minted_amount"`     // cents
	Status           Status    `json:"status"`
	CreatedAt        time.Time `json:"created_at"`
	LastUpdated      time.Time `json:"last_updated"`
}

// PriceSample is one observation of the BTC/USD price.
type PriceSample struct {
	PriceCents uint64    `json:"price_cents"`
	ObservedAt time.Time `json:"observed_at"`
	Confidence uint8     `json:"confidence"` // 0-100
	Source     string    `json:"source,omitempty"`
}

// PriceRecord is the persisted state of the price feed: the last accepted
// sample, when it was accepted, and whether it is being served degraded.
type PriceRecord struct {
	Sample     PriceSample `json:"sample"`
	AcceptedAt time.Time   `json:"accepted_at"`
	Degraded   bool        `json:"degraded"`
}

// Totals are the system-wide aggregates over all active positions.
type Totals struct {
	TotalCollateral uint64 `json:"total_collateral"`
	TotalMinted     uint64 `json:"total_minted"`
}

// TotalsDelta is a change to Totals applied in the same commit as the CDP
// mutation that causes it.
type TotalsDelta struct {
	CollateralAdded   uint64 `json:"collateral_added,omitempty"`
	CollateralRemoved uint64 `json:"collateral_removed,omitempty"`
	MintedAdded       uint64 `json:"minted_added,omitempty"`
	MintedRemoved     uint64 `json:"minted_removed,omitempty"`
}

// Apply returns t with d applied. Removals saturate at zero.
func (t Totals) Apply(d TotalsDelta) Totals {
	t.TotalCollateral = subFloor(t.TotalCollateral+d.CollateralAdded, d.CollateralRemoved)
	t.TotalMinted = subFloor(t.TotalMinted+d.MintedAdded, d.MintedRemoved)
	return t
}

// IsZero reports whether d changes nothing.
func (d TotalsDelta) IsZero() bool {
	return d == TotalsDelta{}
}

func subFloor(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

// EventType classifies a ledger event.
type EventType string

const (
	EventCreated    EventType = "created"
	EventMinted     EventType = "minted"
	EventBurned     EventType = "burned"
	EventClosed     EventType = "closed"
	EventLiquidated EventType = "liquidated"
)

// LedgerEvent is an immutable audit record of one CDP mutation.
type LedgerEvent struct {
	ID              string    `json:"id"`
	CDPID           uint64    `json:"cdp_id"`
	Type            EventType `json:"type"`
	Actor           string    `json:"actor"`
	Amount          uint64    `json:"amount"`
	CollateralAfter uint64    `json:"collateral_after"`
	MintedAfter     uint64    `json:"minted_after"`
	PriceCents      uint64    `json:"price_cents,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// LiquidationOutcome is what the ledger committed for one liquidation.
type LiquidationOutcome struct {
	CDPID       uint64 `json:"cdp_id"`
	Owner       string `json:"owner"`
	Liquidator  string `json:"liquidator"`
	Reward      uint64 `json:"reward"`
	OwnerShare  uint64 `json:"owner_share"`
	BurnedDebt  uint64 `json:"burned_debt"`
	PriceCents  uint64 `json:"price_cents"`
	OwnerPayout string `json:"owner_payout_address,omitempty"`
}

// LiquidationCandidate is an active CDP found eligible by a scan.
type LiquidationCandidate struct {
	CDPID                 uint64 `json:"cdp_id"`
	Owner                 string `json:"owner"`
	CollateralAmount      uint64 `json:"collateral_amount"`
	MintedAmount          uint64 `json:"minted_amount"`
	RatioBps              uint64 `json:"ratio_bps"`
	LiquidationPriceCents uint64 `json:"liquidation_price_cents"`
	Reward                uint64 `json:"reward"`
	PriceCents            uint64 `json:"price_cents"`
}

// SettlementKind is the external action a settlement job performs.
type SettlementKind string

const (
	SettleTokenMint   SettlementKind = "token_mint"
	SettleTokenBurn   SettlementKind = "token_burn"
	SettleTransferOut SettlementKind = "transfer_out"
)

// SettlementJob is a post-commit external action that has not yet been
// confirmed by its collaborator. Key is the idempotency key passed on
// every attempt.
type SettlementJob struct {
	Key       string         `json:"key"`
	Kind      SettlementKind `json:"kind"`
	CDPID     uint64         `json:"cdp_id"`
	Target    string         `json:"target"`
	Amount    uint64         `json:"amount"`
	Attempts  int            `json:"attempts"`
	LastError string         `json:"last_error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
