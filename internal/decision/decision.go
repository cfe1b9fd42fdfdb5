package decision

import (
	"time"
)

// Action is the recommended handling of one position.
type Action string

const (
	ActionHold   Action = "HOLD"
	ActionClose  Action = "CLOSE"
	ActionRoll   Action = "ROLL"
	ActionAdjust Action = "ADJUST"
	ActionReduce Action = "REDUCE"
)

type Urgency string

const (
	UrgencyImmediate Urgency = "IMMEDIATE"
	UrgencyHigh      Urgency = "HIGH"
	UrgencyNormal    Urgency = "NORMAL"
	UrgencyMedium    Urgency = "MEDIUM"
	UrgencyLow       Urgency = "LOW"
)

// Bypasses reports whether the urgency skips alert de-duplication.
func (u Urgency) Bypasses() bool {
	return u == UrgencyImmediate || u == UrgencyHigh
}

// DefaultReason is the reason carried by the fallback HOLD.
const DefaultReason = "no rule triggered"

// Decision is immutable once returned by the engine.
type Decision struct {
	ContractID string         `json:"contract_id"`
	Symbol     string         `json:"symbol"`
	Action     Action         `json:"action"`
	Reason     string         `json:"reason"`
	Rule       string         `json:"rule,omitempty"`
	Urgency    Urgency        `json:"urgency"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	DecidedAt  time.Time      `json:"decided_at"`
}

func (d Decision) IsHold() bool { return d.Action == ActionHold }

// MarketContext is everything a rule may look at besides the snapshot.
type MarketContext struct {
	Now             time.Time
	UnderlyingPrice float64
	// IVRank is 0..100; HasIVRank is false when no rank is available.
	IVRank    float64
	HasIVRank bool
	// PeakPnL is the highest unrealized P&L seen over the lookback window.
	PeakPnL float64
	HasPeak bool
}
