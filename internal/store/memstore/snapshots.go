// Package memstore holds process-local implementations of the store
// interfaces, used for ephemeral runs and tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"possync/internal/store"
	"possync/internal/types"
)

type Snapshots struct {
	mu   sync.RWMutex
	rows map[string][]types.PositionSnapshot
}

func NewSnapshots() *Snapshots {
	return &Snapshots{rows: make(map[string][]types.PositionSnapshot)}
}

func (s *Snapshots) Append(_ context.Context, snap types.PositionSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[snap.ContractID] = append(s.rows[snap.ContractID], snap)
	return nil
}

func (s *Snapshots) Reconcile(_ context.Context, snap types.PositionSnapshot) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := latestOf(s.rows[snap.ContractID]); ok && !snap.NewerThan(cur) {
		return false, nil
	}
	s.rows[snap.ContractID] = append(s.rows[snap.ContractID], snap)
	return true, nil
}

func (s *Snapshots) Latest(_ context.Context, contractID string) (types.PositionSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := latestOf(s.rows[contractID])
	if !ok {
		return types.PositionSnapshot{}, store.ErrNotFound
	}
	return snap, nil
}

func (s *Snapshots) LatestAll(_ context.Context) ([]types.PositionSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.PositionSnapshot, 0, len(s.rows))
	for _, rows := range s.rows {
		if snap, ok := latestOf(rows); ok {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].ContractID < out[j].ContractID
	})
	return out, nil
}

func (s *Snapshots) Range(_ context.Context, contractID string, from, to time.Time) ([]types.PositionSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.PositionSnapshot
	for _, snap := range s.rows[contractID] {
		if snap.Timestamp.Before(from) || snap.Timestamp.After(to) {
			continue
		}
		out = append(out, snap)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// latestOf returns the row with the greatest timestamp; among equal
// timestamps the later-appended row wins.
func latestOf(rows []types.PositionSnapshot) (types.PositionSnapshot, bool) {
	if len(rows) == 0 {
		return types.PositionSnapshot{}, false
	}
	best := rows[0]
	for _, r := range rows[1:] {
		if !best.NewerThan(r) {
			best = r
		}
	}
	return best, true
}
