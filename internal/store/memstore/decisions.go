package memstore

import (
	"context"
	"sync"

	"possync/internal/store"
)

type Decisions struct {
	mu   sync.Mutex
	rows []store.DecisionRecord
}

func NewDecisions() *Decisions { return &Decisions{} }

func (d *Decisions) AppendDecisions(_ context.Context, recs []store.DecisionRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range recs {
		r.ID = int64(len(d.rows) + 1)
		d.rows = append(d.rows, r)
	}
	return nil
}

func (d *Decisions) RecentDecisions(_ context.Context, limit int) ([]store.DecisionRecord, error) {
	return d.filter("", limit), nil
}

func (d *Decisions) DecisionsForContract(_ context.Context, contractID string, limit int) ([]store.DecisionRecord, error) {
	return d.filter(contractID, limit), nil
}

func (d *Decisions) filter(contractID string, limit int) []store.DecisionRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []store.DecisionRecord
	for i := len(d.rows) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		if contractID != "" && d.rows[i].ContractID != contractID {
			continue
		}
		out = append(out, d.rows[i])
	}
	return out
}
