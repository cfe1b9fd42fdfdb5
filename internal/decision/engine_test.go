package decision

import (
	"errors"
	"testing"
	"time"

	"possync/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRule struct {
	name     string
	priority int
	action   Action
	fire     bool
	err      error
	panics   bool
	calls    int
}

func (r *stubRule) Name() string  { return r.name }
func (r *stubRule) Priority() int { return r.priority }
func (r *stubRule) Evaluate(types.PositionSnapshot, MarketContext) (*Decision, error) {
	r.calls++
	if r.panics {
		panic("boom")
	}
	if r.err != nil {
		return nil, r.err
	}
	if !r.fire {
		return nil, nil
	}
	return &Decision{Action: r.action, Reason: r.name + " fired", Urgency: UrgencyHigh}, nil
}

var (
	snap = types.PositionSnapshot{ContractID: "1001", Symbol: "SPY", Quantity: -1}
	mc   = MarketContext{Now: time.Date(2026, 6, 1, 15, 0, 0, 0, time.UTC)}
)

func TestFirstWinsByPriority(t *testing.T) {
	for _, order := range [][]int{{1, 2}, {2, 1}} {
		rules := map[int]*stubRule{
			1: {name: "p1", priority: 1, action: ActionClose, fire: true},
			2: {name: "p2", priority: 2, action: ActionRoll, fire: true},
		}
		e := NewEngine()
		for _, p := range order {
			e.RegisterRule(rules[p])
		}
		d := e.Evaluate(snap, mc)
		assert.Equal(t, "p1", d.Rule)
		assert.Equal(t, ActionClose, d.Action)
		assert.Equal(t, 0, rules[2].calls, "lower priority rule must not run")
	}
}

func TestEqualPriorityRegistrationOrderWins(t *testing.T) {
	for i := 0; i < 20; i++ {
		e := NewEngine(
			&stubRule{name: "first", priority: 3, action: ActionReduce, fire: true},
			&stubRule{name: "second", priority: 3, action: ActionClose, fire: true},
		)
		assert.Equal(t, "first", e.Evaluate(snap, mc).Rule)
	}
}

func TestDefaultHold(t *testing.T) {
	t.Run("no rules", func(t *testing.T) {
		d := NewEngine().Evaluate(snap, mc)
		assert.Equal(t, ActionHold, d.Action)
		assert.Equal(t, DefaultReason, d.Reason)
		assert.Equal(t, "1001", d.ContractID)
		assert.Equal(t, mc.Now, d.DecidedAt)
	})
	t.Run("nothing fires", func(t *testing.T) {
		e := NewEngine(&stubRule{name: "a", priority: 1}, &stubRule{name: "b", priority: 2})
		d := e.Evaluate(snap, mc)
		assert.True(t, d.IsHold())
		assert.Equal(t, DefaultReason, d.Reason)
	})
}

func TestFaultyRuleFallsThrough(t *testing.T) {
	e := NewEngine(
		&stubRule{name: "panics", priority: 1, panics: true},
		&stubRule{name: "errors", priority: 2, err: errors.New("bad params")},
		&stubRule{name: "fires", priority: 3, action: ActionAdjust, fire: true},
	)
	d := e.Evaluate(snap, mc)
	assert.Equal(t, "fires", d.Rule)
	assert.Equal(t, ActionAdjust, d.Action)
}

func TestRulesSorted(t *testing.T) {
	e := NewEngine(
		&stubRule{name: "c", priority: 5},
		&stubRule{name: "a", priority: 1},
		&stubRule{name: "b", priority: 5},
	)
	rules := e.Rules()
	require.Len(t, rules, 3)
	assert.Equal(t, []string{"a", "c", "b"}, []string{rules[0].Name(), rules[1].Name(), rules[2].Name()})
}
