package types

import (
	"strings"
	"time"
)

// OptionRight is the option side: call or put.
type OptionRight string

const (
	RightCall OptionRight = "C"
	RightPut  OptionRight = "P"
)

// ParseRight accepts "C"/"CALL"/"P"/"PUT" in any case.
func ParseRight(s string) OptionRight {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "C", "CALL":
		return RightCall
	case "P", "PUT":
		return RightPut
	default:
		return ""
	}
}

// Contract identifies one option (or stock when Right is empty) at the broker.
// ID is the broker contract id (IB conid) rendered as a string.
type Contract struct {
	ID         string      `json:"contract_id"`
	Symbol     string      `json:"symbol"`
	Right      OptionRight `json:"right,omitempty"`
	Strike     float64     `json:"strike,omitempty"`
	Expiry     time.Time   `json:"expiry,omitempty"`
	Multiplier float64     `json:"multiplier,omitempty"`
}

// IsOption reports whether the contract carries option terms.
func (c Contract) IsOption() bool {
	return c.Right != "" && !c.Expiry.IsZero()
}

// ContractMultiplier defaults to the standard equity option multiplier.
func (c Contract) ContractMultiplier() float64 {
	if c.Multiplier > 0 {
		return c.Multiplier
	}
	if c.IsOption() {
		return 100
	}
	return 1
}

// DTE returns whole calendar days until expiry; negative once expired.
func DTE(expiry, now time.Time) int {
	if expiry.IsZero() {
		return 0
	}
	ey, em, ed := expiry.Date()
	ny, nm, nd := now.In(expiry.Location()).Date()
	e := time.Date(ey, em, ed, 0, 0, 0, 0, time.UTC)
	n := time.Date(ny, nm, nd, 0, 0, 0, 0, time.UTC)
	return int(e.Sub(n).Hours() / 24)
}

// ActiveContract is a contract currently under active strategy management.
type ActiveContract struct {
	Contract
	StrategyID   string    `json:"strategy_id"`
	RegisteredAt time.Time `json:"registered_at"`
}

// SnapshotSource tags which path produced a snapshot.
type SnapshotSource string

const (
	SourceStreamed SnapshotSource = "STREAMED"
	SourceBatch    SnapshotSource = "BATCH"
)

type Greeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
}

// PositionSnapshot is one immutable observation of a position. Reconciliation
// always produces a new snapshot; the current view of a contract is the one
// with the latest Timestamp regardless of Source.
type PositionSnapshot struct {
	ContractID    string         `json:"contract_id"`
	Symbol        string         `json:"symbol"`
	Right         OptionRight    `json:"right,omitempty"`
	Strike        float64        `json:"strike,omitempty"`
	Expiry        time.Time      `json:"expiry,omitempty"`
	Quantity      float64        `json:"quantity"`
	AvgCost       float64        `json:"avg_cost,omitempty"`
	MarketPrice   float64        `json:"market_price"`
	UnrealizedPnL float64        `json:"unrealized_pnl"`
	Greeks        Greeks         `json:"greeks"`
	ImpliedVol    float64        `json:"implied_vol,omitempty"`
	Timestamp     time.Time      `json:"ts"`
	Source        SnapshotSource `json:"source"`
}

// Contract projects the contract terms carried by the snapshot.
func (s PositionSnapshot) Contract() Contract {
	return Contract{
		ID:     s.ContractID,
		Symbol: s.Symbol,
		Right:  s.Right,
		Strike: s.Strike,
		Expiry: s.Expiry,
	}
}

// IsOpen reports a non-flat position.
func (s PositionSnapshot) IsOpen() bool {
	return s.Quantity != 0
}

// IsShort reports a net short (premium-selling) position.
func (s PositionSnapshot) IsShort() bool {
	return s.Quantity < 0
}

// NewerThan implements the last-writer-wins-by-timestamp rule.
func (s PositionSnapshot) NewerThan(other PositionSnapshot) bool {
	return s.Timestamp.After(other.Timestamp)
}
