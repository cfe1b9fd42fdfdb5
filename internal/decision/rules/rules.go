// Package rules holds the risk rule set evaluated by the decision engine.
// Every rule reads its thresholds from the rule policy file.
package rules

import (
	"fmt"
	"sort"

	"possync/internal/decision"
	"possync/internal/rulepolicy"

	"github.com/mitchellh/mapstructure"
)

const (
	IDCatastrophe = "catastrophe_protection"
	IDGammaRisk   = "gamma_risk_near_expiry"
	IDDeltaRisk   = "delta_risk"
	IDTrailing    = "trailing_stop"
	IDIVExit      = "iv_exit"
	IDTimeExit    = "time_exit"
	IDDTERoll     = "dte_roll"
)

type ruleDef struct {
	id       string
	priority int
	schema   string
	build    func(base base, params map[string]any) (decision.Rule, error)
}

var catalog = map[string]ruleDef{}

func register(s ruleDef) { catalog[s.id] = s }

type base struct {
	id       string
	priority int
}

func (b base) Name() string  { return b.id }
func (b base) Priority() int { return b.priority }

// Schemas returns the params JSON Schema of every known rule.
func Schemas() map[string]string {
	out := make(map[string]string, len(catalog))
	for id, s := range catalog {
		out[id] = s.schema
	}
	return out
}

// IDs lists known rules in default priority order.
func IDs() []string {
	out := make([]string, 0, len(catalog))
	for id := range catalog {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := catalog[out[i]], catalog[out[j]]
		if a.priority != b.priority {
			return a.priority < b.priority
		}
		return a.id < b.id
	})
	return out
}

// DefaultPolicy enables every rule with its default priority and thresholds.
func DefaultPolicy() rulepolicy.Policy {
	var p rulepolicy.Policy
	for _, id := range IDs() {
		p.Entries = append(p.Entries, rulepolicy.Entry{ID: id, Priority: catalog[id].priority})
	}
	return p
}

// Build instantiates the enabled rules of p. A zero priority falls back to
// the rule's default.
func Build(p rulepolicy.Policy) ([]decision.Rule, error) {
	var out []decision.Rule
	for _, e := range p.Enabled() {
		s, ok := catalog[e.ID]
		if !ok {
			return nil, fmt.Errorf("unknown rule: %s", e.ID)
		}
		prio := e.Priority
		if prio == 0 {
			prio = s.priority
		}
		r, err := s.build(base{id: s.id, priority: prio}, e.Params)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", e.ID, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// decodeParams overlays params onto out, which carries the defaults.
func decodeParams(params map[string]any, out any) error {
	if len(params) == 0 {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(params)
}
