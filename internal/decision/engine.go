package decision

import (
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"possync/internal/logger"
	"possync/internal/types"
)

var log = logger.For("DecisionEngine")

// Rule is one risk check. Evaluate returns nil when the rule does not fire.
// Rules must be pure: same inputs, same answer.
type Rule interface {
	Name() string
	Priority() int
	Evaluate(snap types.PositionSnapshot, mc MarketContext) (*Decision, error)
}

type registeredRule struct {
	rule  Rule
	index int
}

// Engine evaluates rules in ascending priority and returns the first decision
// produced. Equal priorities keep registration order.
type Engine struct {
	mu    sync.RWMutex
	rules []registeredRule
	next  int
}

func NewEngine(rules ...Rule) *Engine {
	e := &Engine{}
	for _, r := range rules {
		e.RegisterRule(r)
	}
	return e
}

func (e *Engine) RegisterRule(r Rule) {
	if r == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, registeredRule{rule: r, index: e.next})
	e.next++
	sort.SliceStable(e.rules, func(i, j int) bool {
		a, b := e.rules[i], e.rules[j]
		if a.rule.Priority() != b.rule.Priority() {
			return a.rule.Priority() < b.rule.Priority()
		}
		return a.index < b.index
	})
}

// Rules returns the rules in evaluation order.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, len(e.rules))
	for i, r := range e.rules {
		out[i] = r.rule
	}
	return out
}

// Evaluate never fails: a rule that errors or panics counts as not firing
// and evaluation falls through to the next one.
func (e *Engine) Evaluate(snap types.PositionSnapshot, mc MarketContext) Decision {
	for _, r := range e.Rules() {
		d, err := safeEvaluate(r, snap, mc)
		if err != nil {
			log.Errorf("rule=%s contract=%s: %v", r.Name(), snap.ContractID, err)
			continue
		}
		if d == nil {
			continue
		}
		out := *d
		if out.Rule == "" {
			out.Rule = r.Name()
		}
		return stamp(out, snap, mc)
	}
	return stamp(Decision{
		Action:  ActionHold,
		Reason:  DefaultReason,
		Urgency: UrgencyLow,
	}, snap, mc)
}

func stamp(d Decision, snap types.PositionSnapshot, mc MarketContext) Decision {
	d.ContractID = snap.ContractID
	d.Symbol = snap.Symbol
	d.DecidedAt = mc.Now
	if d.Urgency == "" {
		d.Urgency = UrgencyNormal
	}
	return d
}

func safeEvaluate(r Rule, snap types.PositionSnapshot, mc MarketContext) (d *Decision, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v\n%s", rec, debug.Stack())
			d = nil
		}
	}()
	return r.Evaluate(snap, mc)
}
