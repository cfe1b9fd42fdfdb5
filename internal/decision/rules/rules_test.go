package rules

import (
	"testing"
	"time"

	"possync/internal/decision"
	"possync/internal/rulepolicy"
	"possync/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 6, 1, 15, 0, 0, 0, time.UTC)

func option(dte int) types.PositionSnapshot {
	return types.PositionSnapshot{
		ContractID:  "555",
		Symbol:      "SPY",
		Right:       types.RightPut,
		Strike:      500,
		Expiry:      now.AddDate(0, 0, dte),
		Quantity:    -2,
		AvgCost:     150,
		MarketPrice: 1.2,
		Timestamp:   now,
	}
}

func build(t *testing.T, id string, params map[string]any) decision.Rule {
	t.Helper()
	rs, err := Build(rulepolicy.Policy{Entries: []rulepolicy.Entry{{ID: id, Params: params}}})
	require.NoError(t, err)
	require.Len(t, rs, 1)
	return rs[0]
}

func eval(t *testing.T, r decision.Rule, snap types.PositionSnapshot, mc decision.MarketContext) *decision.Decision {
	t.Helper()
	if mc.Now.IsZero() {
		mc.Now = now
	}
	d, err := r.Evaluate(snap, mc)
	require.NoError(t, err)
	return d
}

func TestCatalogDefaults(t *testing.T) {
	assert.Equal(t, []string{IDCatastrophe, IDGammaRisk, IDDeltaRisk, IDTrailing, IDIVExit, IDTimeExit, IDDTERoll}, IDs())
	rs, err := Build(DefaultPolicy())
	require.NoError(t, err)
	require.Len(t, rs, 7)
	for i, r := range rs {
		assert.Equal(t, i+1, r.Priority())
	}
}

func TestCatastrophe(t *testing.T) {
	r := build(t, IDCatastrophe, map[string]any{"max_loss_pct": 1.0})
	snap := option(30)
	snap.UnrealizedPnL = -299
	assert.Nil(t, eval(t, r, snap, decision.MarketContext{}))

	snap.UnrealizedPnL = -300
	d := eval(t, r, snap, decision.MarketContext{})
	require.NotNil(t, d)
	assert.Equal(t, decision.ActionClose, d.Action)
	assert.Equal(t, decision.UrgencyImmediate, d.Urgency)

	snap.AvgCost = 0
	assert.Nil(t, eval(t, r, snap, decision.MarketContext{}))
}

func TestGammaNearExpiry(t *testing.T) {
	r := build(t, IDGammaRisk, map[string]any{"max_dte": float64(3), "gamma_threshold": 20.0})
	snap := option(2)
	snap.Greeks.Gamma = 0.1
	d := eval(t, r, snap, decision.MarketContext{})
	require.NotNil(t, d)
	assert.Equal(t, decision.UrgencyHigh, d.Urgency)
	assert.Equal(t, 2, d.Metadata["dte"])

	far := option(10)
	far.Greeks.Gamma = 0.1
	assert.Nil(t, eval(t, r, far, decision.MarketContext{}))

	snap.Greeks.Gamma = 0.05
	assert.Nil(t, eval(t, r, snap, decision.MarketContext{}))
}

func TestDeltaRisk(t *testing.T) {
	r := build(t, IDDeltaRisk, nil)
	snap := option(30)

	snap.Greeks.Delta = -0.75
	d := eval(t, r, snap, decision.MarketContext{})
	require.NotNil(t, d)
	assert.Equal(t, decision.ActionAdjust, d.Action)

	snap.Greeks.Delta = 0.55
	d = eval(t, r, snap, decision.MarketContext{})
	require.NotNil(t, d)
	assert.Equal(t, decision.ActionReduce, d.Action)
	assert.Equal(t, decision.UrgencyMedium, d.Urgency)

	snap.Greeks.Delta = 0.2
	assert.Nil(t, eval(t, r, snap, decision.MarketContext{}))
}

func TestDeltaRejectsInvertedThresholds(t *testing.T) {
	_, err := Build(rulepolicy.Policy{Entries: []rulepolicy.Entry{{
		ID: IDDeltaRisk, Params: map[string]any{"max_abs_delta": 0.4, "reduce_abs_delta": 0.6},
	}}})
	assert.Error(t, err)
}

func TestTrailingStop(t *testing.T) {
	r := build(t, IDTrailing, map[string]any{"activation_pct": 0.3, "trail_pct": 0.25})
	snap := option(30)
	mc := decision.MarketContext{PeakPnL: 200, HasPeak: true}

	snap.UnrealizedPnL = 160
	assert.Nil(t, eval(t, r, snap, mc))

	snap.UnrealizedPnL = 150
	d := eval(t, r, snap, mc)
	require.NotNil(t, d)
	assert.Equal(t, decision.ActionClose, d.Action)

	mc.PeakPnL = 50
	snap.UnrealizedPnL = 10
	assert.Nil(t, eval(t, r, snap, mc), "peak below activation")

	assert.Nil(t, eval(t, r, snap, decision.MarketContext{}))
}

func TestIVExit(t *testing.T) {
	r := build(t, IDIVExit, nil)
	short := option(30)
	short.UnrealizedPnL = 120

	d := eval(t, r, short, decision.MarketContext{IVRank: 85, HasIVRank: true})
	require.NotNil(t, d)
	assert.Equal(t, decision.ActionClose, d.Action)
	assert.Nil(t, eval(t, r, short, decision.MarketContext{IVRank: 50, HasIVRank: true}))
	assert.Nil(t, eval(t, r, short, decision.MarketContext{}))

	long := option(30)
	long.Quantity = 1
	d = eval(t, r, long, decision.MarketContext{IVRank: 10, HasIVRank: true})
	require.NotNil(t, d)
	assert.Equal(t, decision.ActionReduce, d.Action)
	assert.Equal(t, decision.UrgencyLow, d.Urgency)
}

func TestTimeExitAndRoll(t *testing.T) {
	exit := build(t, IDTimeExit, nil)
	roll := build(t, IDDTERoll, nil)

	snap := option(1)
	d := eval(t, exit, snap, decision.MarketContext{})
	require.NotNil(t, d)
	assert.Equal(t, decision.ActionClose, d.Action)

	snap = option(5)
	assert.Nil(t, eval(t, exit, snap, decision.MarketContext{}))
	snap.UnrealizedPnL = 10
	d = eval(t, roll, snap, decision.MarketContext{})
	require.NotNil(t, d)
	assert.Equal(t, decision.ActionRoll, d.Action)

	snap.UnrealizedPnL = -100
	assert.Nil(t, eval(t, roll, snap, decision.MarketContext{}))
}

func TestEngineWithDefaultRuleSet(t *testing.T) {
	rs, err := Build(DefaultPolicy())
	require.NoError(t, err)
	e := decision.NewEngine(rs...)

	snap := option(1)
	snap.UnrealizedPnL = -700
	snap.Greeks.Gamma = 0.2
	d := e.Evaluate(snap, decision.MarketContext{Now: now})
	assert.Equal(t, IDCatastrophe, d.Rule)

	calm := option(40)
	calm.Greeks.Delta = -0.1
	d = e.Evaluate(calm, decision.MarketContext{Now: now})
	assert.True(t, d.IsHold())
	assert.Equal(t, decision.DefaultReason, d.Reason)
}

func TestUnknownParamRejected(t *testing.T) {
	_, err := Build(rulepolicy.Policy{Entries: []rulepolicy.Entry{{ID: IDTimeExit, Params: map[string]any{"exit_days": 3}}}})
	assert.Error(t, err)
}
