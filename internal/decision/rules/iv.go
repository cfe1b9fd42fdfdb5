package rules

import (
	"fmt"

	"possync/internal/decision"
	"possync/internal/types"
)

type IVParams struct {
	IVRankHigh   float64 `mapstructure:"iv_rank_high"`
	IVRankLow    float64 `mapstructure:"iv_rank_low"`
	MinProfitPct float64 `mapstructure:"min_profit_pct"`
}

type ivRule struct {
	base
	p IVParams
}

func init() {
	register(ruleDef{
		id:       IDIVExit,
		priority: 5,
		schema: `{
			"type": "object",
			"properties": {
				"iv_rank_high": {"type": "number", "minimum": 0, "maximum": 100},
				"iv_rank_low": {"type": "number", "minimum": 0, "maximum": 100},
				"min_profit_pct": {"type": "number", "minimum": 0}
			},
			"additionalProperties": false
		}`,
		build: func(b base, params map[string]any) (decision.Rule, error) {
			p := IVParams{IVRankHigh: 80, IVRankLow: 20, MinProfitPct: 0.25}
			if err := decodeParams(params, &p); err != nil {
				return nil, err
			}
			if p.IVRankLow >= p.IVRankHigh {
				return nil, fmt.Errorf("iv_rank_low 需小于 iv_rank_high")
			}
			return &ivRule{base: b, p: p}, nil
		},
	})
}

// Evaluate: a short premium position in profit while IV rank is elevated
// takes the gain before a vol spike reverses it; long premium in an IV crush
// is trimmed.
func (r *ivRule) Evaluate(snap types.PositionSnapshot, mc decision.MarketContext) (*decision.Decision, error) {
	if !snap.IsOpen() || !mc.HasIVRank || !snap.Contract().IsOption() {
		return nil, nil
	}
	meta := map[string]any{"iv_rank": mc.IVRank, "implied_vol": snap.ImpliedVol}
	if snap.IsShort() {
		if !decimalGTE(mc.IVRank, r.p.IVRankHigh) {
			return nil, nil
		}
		profit, ok := pnlRatio(snap.UnrealizedPnL, snap)
		if !ok || !decimalGTE(profit, r.p.MinProfitPct) {
			return nil, nil
		}
		meta["profit_pct"] = round4(profit)
		return &decision.Decision{
			Action:   decision.ActionClose,
			Urgency:  decision.UrgencyMedium,
			Reason:   fmt.Sprintf("IV rank %.0f >= %.0f with %.1f%% profit on short premium", mc.IVRank, r.p.IVRankHigh, profit*100),
			Metadata: meta,
		}, nil
	}
	if !decimalLTE(mc.IVRank, r.p.IVRankLow) {
		return nil, nil
	}
	return &decision.Decision{
		Action:   decision.ActionReduce,
		Urgency:  decision.UrgencyLow,
		Reason:   fmt.Sprintf("IV rank %.0f <= %.0f, long premium exposed to IV crush", mc.IVRank, r.p.IVRankLow),
		Metadata: meta,
	}, nil
}
