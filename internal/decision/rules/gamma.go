package rules

import (
	"fmt"

	"possync/internal/decision"
	"possync/internal/types"
)

type GammaParams struct {
	MaxDTE int `mapstructure:"max_dte"`
	// GammaThreshold applies to position gamma, |gamma * qty * multiplier|.
	GammaThreshold float64 `mapstructure:"gamma_threshold"`
}

type gammaRule struct {
	base
	p GammaParams
}

func init() {
	register(ruleDef{
		id:       IDGammaRisk,
		priority: 2,
		schema: `{
			"type": "object",
			"properties": {
				"max_dte": {"type": "integer", "minimum": 0},
				"gamma_threshold": {"type": "number", "exclusiveMinimum": 0}
			},
			"additionalProperties": false
		}`,
		build: func(b base, params map[string]any) (decision.Rule, error) {
			p := GammaParams{MaxDTE: 5, GammaThreshold: 25}
			if err := decodeParams(params, &p); err != nil {
				return nil, err
			}
			if p.GammaThreshold <= 0 {
				return nil, fmt.Errorf("gamma_threshold 需 >0")
			}
			return &gammaRule{base: b, p: p}, nil
		},
	})
}

func (r *gammaRule) Evaluate(snap types.PositionSnapshot, mc decision.MarketContext) (*decision.Decision, error) {
	c := snap.Contract()
	if !snap.IsOpen() || !c.IsOption() {
		return nil, nil
	}
	dte := types.DTE(snap.Expiry, mc.Now)
	if dte > r.p.MaxDTE {
		return nil, nil
	}
	g := positionGamma(snap)
	if !decimalGTE(g, r.p.GammaThreshold) {
		return nil, nil
	}
	return &decision.Decision{
		Action:  decision.ActionClose,
		Urgency: decision.UrgencyHigh,
		Reason:  fmt.Sprintf("position gamma %.2f >= %.2f with %d DTE", g, r.p.GammaThreshold, dte),
		Metadata: map[string]any{
			"position_gamma":  round4(g),
			"gamma_threshold": r.p.GammaThreshold,
			"dte":             dte,
		},
	}, nil
}
