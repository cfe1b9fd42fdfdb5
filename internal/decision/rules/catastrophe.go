package rules

import (
	"fmt"

	"possync/internal/decision"
	"possync/internal/types"
)

type CatastropheParams struct {
	// MaxLossPct is the loss, as a fraction of entry cost, that forces a
	// close. Short premium can lose more than 100%.
	MaxLossPct float64 `mapstructure:"max_loss_pct"`
}

type catastropheRule struct {
	base
	p CatastropheParams
}

func init() {
	register(ruleDef{
		id:       IDCatastrophe,
		priority: 1,
		schema: `{
			"type": "object",
			"properties": {"max_loss_pct": {"type": "number", "exclusiveMinimum": 0}},
			"additionalProperties": false
		}`,
		build: func(b base, params map[string]any) (decision.Rule, error) {
			p := CatastropheParams{MaxLossPct: 2.0}
			if err := decodeParams(params, &p); err != nil {
				return nil, err
			}
			if p.MaxLossPct <= 0 {
				return nil, fmt.Errorf("max_loss_pct 需 >0")
			}
			return &catastropheRule{base: b, p: p}, nil
		},
	})
}

func (r *catastropheRule) Evaluate(snap types.PositionSnapshot, _ decision.MarketContext) (*decision.Decision, error) {
	if !snap.IsOpen() || snap.UnrealizedPnL >= 0 {
		return nil, nil
	}
	ratio, ok := pnlRatio(snap.UnrealizedPnL, snap)
	if !ok {
		return nil, nil
	}
	loss := -ratio
	if !decimalGTE(loss, r.p.MaxLossPct) {
		return nil, nil
	}
	return &decision.Decision{
		Action:  decision.ActionClose,
		Urgency: decision.UrgencyImmediate,
		Reason:  fmt.Sprintf("loss %.1f%% of entry cost breaches %.1f%% limit", loss*100, r.p.MaxLossPct*100),
		Metadata: map[string]any{
			"loss_pct":     round4(loss),
			"max_loss_pct": r.p.MaxLossPct,
			"entry_cost":   decToFloat(entryCost(snap)),
		},
	}, nil
}
