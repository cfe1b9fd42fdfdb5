package rules

import (
	"fmt"

	"possync/internal/decision"
	"possync/internal/types"
)

type TimeExitParams struct {
	ExitDTE int `mapstructure:"exit_dte"`
}

type timeExitRule struct {
	base
	p TimeExitParams
}

type RollParams struct {
	RollDTE int `mapstructure:"roll_dte"`
	// MinProfitPct is the lowest P&L ratio still considered worth rolling;
	// slightly negative values allow near-flat positions.
	MinProfitPct float64 `mapstructure:"min_profit_pct"`
}

type rollRule struct {
	base
	p RollParams
}

func init() {
	register(ruleDef{
		id:       IDTimeExit,
		priority: 6,
		schema: `{
			"type": "object",
			"properties": {"exit_dte": {"type": "integer", "minimum": 0}},
			"additionalProperties": false
		}`,
		build: func(b base, params map[string]any) (decision.Rule, error) {
			p := TimeExitParams{ExitDTE: 1}
			if err := decodeParams(params, &p); err != nil {
				return nil, err
			}
			return &timeExitRule{base: b, p: p}, nil
		},
	})
	register(ruleDef{
		id:       IDDTERoll,
		priority: 7,
		schema: `{
			"type": "object",
			"properties": {
				"roll_dte": {"type": "integer", "minimum": 0},
				"min_profit_pct": {"type": "number", "minimum": -1}
			},
			"additionalProperties": false
		}`,
		build: func(b base, params map[string]any) (decision.Rule, error) {
			p := RollParams{RollDTE: 7, MinProfitPct: -0.05}
			if err := decodeParams(params, &p); err != nil {
				return nil, err
			}
			return &rollRule{base: b, p: p}, nil
		},
	})
}

func (r *timeExitRule) Evaluate(snap types.PositionSnapshot, mc decision.MarketContext) (*decision.Decision, error) {
	if !snap.IsOpen() || !snap.Contract().IsOption() {
		return nil, nil
	}
	dte := types.DTE(snap.Expiry, mc.Now)
	if dte > r.p.ExitDTE {
		return nil, nil
	}
	return &decision.Decision{
		Action:   decision.ActionClose,
		Urgency:  decision.UrgencyNormal,
		Reason:   fmt.Sprintf("%d DTE <= exit threshold %d", dte, r.p.ExitDTE),
		Metadata: map[string]any{"dte": dte, "exit_dte": r.p.ExitDTE},
	}, nil
}

func (r *rollRule) Evaluate(snap types.PositionSnapshot, mc decision.MarketContext) (*decision.Decision, error) {
	if !snap.IsOpen() || !snap.Contract().IsOption() {
		return nil, nil
	}
	dte := types.DTE(snap.Expiry, mc.Now)
	if dte > r.p.RollDTE {
		return nil, nil
	}
	profit, ok := pnlRatio(snap.UnrealizedPnL, snap)
	if !ok || !decimalGTE(profit, r.p.MinProfitPct) {
		return nil, nil
	}
	return &decision.Decision{
		Action:  decision.ActionRoll,
		Urgency: decision.UrgencyNormal,
		Reason:  fmt.Sprintf("%d DTE <= roll threshold %d, P&L %.1f%%", dte, r.p.RollDTE, profit*100),
		Metadata: map[string]any{
			"dte":        dte,
			"roll_dte":   r.p.RollDTE,
			"profit_pct": round4(profit),
		},
	}, nil
}
