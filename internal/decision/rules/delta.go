package rules

import (
	"fmt"
	"math"

	"possync/internal/decision"
	"possync/internal/types"
)

type DeltaParams struct {
	MaxAbsDelta    float64 `mapstructure:"max_abs_delta"`
	ReduceAbsDelta float64 `mapstructure:"reduce_abs_delta"`
}

type deltaRule struct {
	base
	p DeltaParams
}

func init() {
	register(ruleDef{
		id:       IDDeltaRisk,
		priority: 3,
		schema: `{
			"type": "object",
			"properties": {
				"max_abs_delta": {"type": "number", "exclusiveMinimum": 0, "maximum": 1},
				"reduce_abs_delta": {"type": "number", "exclusiveMinimum": 0, "maximum": 1}
			},
			"additionalProperties": false
		}`,
		build: func(b base, params map[string]any) (decision.Rule, error) {
			p := DeltaParams{MaxAbsDelta: 0.70, ReduceAbsDelta: 0.50}
			if err := decodeParams(params, &p); err != nil {
				return nil, err
			}
			if p.ReduceAbsDelta > p.MaxAbsDelta {
				return nil, fmt.Errorf("reduce_abs_delta 需 <= max_abs_delta")
			}
			return &deltaRule{base: b, p: p}, nil
		},
	})
}

// Evaluate looks at per-share delta of option positions.
func (r *deltaRule) Evaluate(snap types.PositionSnapshot, _ decision.MarketContext) (*decision.Decision, error) {
	if !snap.IsOpen() || !snap.Contract().IsOption() {
		return nil, nil
	}
	d := math.Abs(snap.Greeks.Delta)
	meta := map[string]any{
		"delta":            snap.Greeks.Delta,
		"max_abs_delta":    r.p.MaxAbsDelta,
		"reduce_abs_delta": r.p.ReduceAbsDelta,
	}
	switch {
	case decimalGTE(d, r.p.MaxAbsDelta):
		return &decision.Decision{
			Action:   decision.ActionAdjust,
			Urgency:  decision.UrgencyHigh,
			Reason:   fmt.Sprintf("|delta| %.2f >= %.2f", d, r.p.MaxAbsDelta),
			Metadata: meta,
		}, nil
	case decimalGTE(d, r.p.ReduceAbsDelta):
		return &decision.Decision{
			Action:   decision.ActionReduce,
			Urgency:  decision.UrgencyMedium,
			Reason:   fmt.Sprintf("|delta| %.2f >= %.2f", d, r.p.ReduceAbsDelta),
			Metadata: meta,
		}, nil
	}
	return nil, nil
}
