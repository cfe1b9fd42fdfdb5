package rules

import (
	"fmt"

	"possync/internal/decision"
	"possync/internal/types"
)

type TrailingParams struct {
	// ActivationPct is the peak profit, as a fraction of entry cost, that
	// arms the stop.
	ActivationPct float64 `mapstructure:"activation_pct"`
	// TrailPct is the fraction of peak profit that may be given back.
	TrailPct float64 `mapstructure:"trail_pct"`
}

type trailingRule struct {
	base
	p TrailingParams
}

func init() {
	register(ruleDef{
		id:       IDTrailing,
		priority: 4,
		schema: `{
			"type": "object",
			"properties": {
				"activation_pct": {"type": "number", "exclusiveMinimum": 0},
				"trail_pct": {"type": "number", "exclusiveMinimum": 0, "exclusiveMaximum": 1}
			},
			"additionalProperties": false
		}`,
		build: func(b base, params map[string]any) (decision.Rule, error) {
			p := TrailingParams{ActivationPct: 0.30, TrailPct: 0.25}
			if err := decodeParams(params, &p); err != nil {
				return nil, err
			}
			if p.TrailPct <= 0 || p.TrailPct >= 1 {
				return nil, fmt.Errorf("trail_pct 需位于 (0, 1)")
			}
			return &trailingRule{base: b, p: p}, nil
		},
	})
}

func (r *trailingRule) Evaluate(snap types.PositionSnapshot, mc decision.MarketContext) (*decision.Decision, error) {
	if !snap.IsOpen() || !mc.HasPeak || mc.PeakPnL <= 0 {
		return nil, nil
	}
	peakRatio, ok := pnlRatio(mc.PeakPnL, snap)
	if !ok || !decimalGTE(peakRatio, r.p.ActivationPct) {
		return nil, nil
	}
	peak := decFromFloat(mc.PeakPnL)
	floor := peak.Mul(decFromFloat(1).Sub(decFromFloat(r.p.TrailPct)))
	if decFromFloat(snap.UnrealizedPnL).GreaterThan(floor) {
		return nil, nil
	}
	giveback := decToFloat(peak.Sub(decFromFloat(snap.UnrealizedPnL)).Div(peak))
	return &decision.Decision{
		Action:  decision.ActionClose,
		Urgency: decision.UrgencyHigh,
		Reason:  fmt.Sprintf("profit retraced %.1f%% from peak %.2f", giveback*100, mc.PeakPnL),
		Metadata: map[string]any{
			"peak_pnl":     mc.PeakPnL,
			"current_pnl":  snap.UnrealizedPnL,
			"stop_pnl":     decToFloat(floor),
			"trail_pct":    r.p.TrailPct,
			"giveback_pct": round4(giveback),
		},
	}, nil
}
