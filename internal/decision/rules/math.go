package rules

import (
	"math"

	"possync/internal/types"

	"github.com/shopspring/decimal"
)

var decimalZero = decimal.Zero

func decFromFloat(val float64) decimal.Decimal {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return decimalZero
	}
	return decimal.NewFromFloat(val)
}

func decToFloat(val decimal.Decimal) float64 {
	f, _ := val.Float64()
	return f
}

func decimalGTE(a, b float64) bool { return decFromFloat(a).Cmp(decFromFloat(b)) >= 0 }
func decimalLTE(a, b float64) bool { return decFromFloat(a).Cmp(decFromFloat(b)) <= 0 }

// entryCost is the absolute premium paid or received. AvgCost follows the IB
// convention of already including the contract multiplier.
func entryCost(snap types.PositionSnapshot) decimal.Decimal {
	return decFromFloat(snap.AvgCost).Mul(decFromFloat(snap.Quantity)).Abs()
}

// pnlRatio is unrealized P&L over entry cost; ok is false without a cost basis.
func pnlRatio(pnl float64, snap types.PositionSnapshot) (float64, bool) {
	cost := entryCost(snap)
	if cost.IsZero() {
		return 0, false
	}
	return decToFloat(decFromFloat(pnl).Div(cost)), true
}

// positionGamma is |gamma * qty * multiplier|.
func positionGamma(snap types.PositionSnapshot) float64 {
	mult := snap.Contract().ContractMultiplier()
	return decToFloat(decFromFloat(snap.Greeks.Gamma).
		Mul(decFromFloat(snap.Quantity)).
		Mul(decFromFloat(mult)).Abs())
}

func round4(v float64) float64 {
	return decToFloat(decFromFloat(v).Round(4))
}
