package memstore

import (
	"context"
	"sync"

	"possync/internal/store"
	"possync/internal/types"
)

type Registry struct {
	mu      sync.Mutex
	active  map[string]types.ActiveContract
	changes []store.RegistryChange
	version int64

	// FailWith, when set, is returned by every mutating call.
	FailWith error
}

func NewRegistry() *Registry {
	return &Registry{active: make(map[string]types.ActiveContract)}
}

func (r *Registry) LoadActive(context.Context) ([]types.ActiveContract, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.ActiveContract, 0, len(r.active))
	for _, c := range r.active {
		out = append(out, c)
	}
	return out, r.version, nil
}

func (r *Registry) SaveActive(_ context.Context, c types.ActiveContract, change store.RegistryChange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailWith != nil {
		return r.FailWith
	}
	r.active[c.ID] = c
	r.record(change)
	return nil
}

func (r *Registry) DeleteActive(_ context.Context, contractID string, change store.RegistryChange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailWith != nil {
		return r.FailWith
	}
	delete(r.active, contractID)
	r.record(change)
	return nil
}

func (r *Registry) record(change store.RegistryChange) {
	r.changes = append(r.changes, change)
	if change.Version > r.version {
		r.version = change.Version
	}
}

func (r *Registry) ListChanges(_ context.Context, limit int) ([]store.RegistryChange, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]store.RegistryChange, 0, len(r.changes))
	for i := len(r.changes) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, r.changes[i])
	}
	return out, nil
}
