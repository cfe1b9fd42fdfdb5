// Package registry tracks which contracts are under active strategy
// management. Membership is the admission input for streaming.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"possync/internal/logger"
	"possync/internal/store"
	"possync/internal/types"
)

var (
	ErrNotFound        = errors.New("registry: contract not active")
	ErrInvalidContract = errors.New("registry: contract id required")
)

var log = logger.For("Registry")

// Change is delivered to subscribers after a mutation is durable.
type Change struct {
	Op       store.ChangeOp
	Contract types.ActiveContract
	Version  int64
}

type Registry struct {
	repo  store.RegistryRepository
	nowFn func() time.Time

	// writeMu serializes persist-then-apply so versions are gap free.
	writeMu sync.Mutex

	mu        sync.RWMutex
	active    map[string]types.ActiveContract
	version   int64
	listeners []func(Change)
}

func New(repo store.RegistryRepository) *Registry {
	return &Registry{
		repo:   repo,
		nowFn:  time.Now,
		active: make(map[string]types.ActiveContract),
	}
}

// Load rebuilds the in-memory view from the repository.
func (r *Registry) Load(ctx context.Context) error {
	rows, version, err := r.repo.LoadActive(ctx)
	if err != nil {
		return fmt.Errorf("load registry: %w", err)
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	r.mu.Lock()
	r.active = make(map[string]types.ActiveContract, len(rows))
	for _, c := range rows {
		r.active[c.ID] = c
	}
	r.version = version
	r.mu.Unlock()
	log.Infof("loaded %d active contracts version=%d", len(rows), version)
	return nil
}

// Subscribe registers fn for every future change. fn runs on the mutating
// goroutine and must not block.
func (r *Registry) Subscribe(fn func(Change)) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

// AddActive registers contract under strategyID. Registering the same
// contract for the same strategy again is a no-op.
func (r *Registry) AddActive(ctx context.Context, contract types.Contract, strategyID string) (types.ActiveContract, error) {
	contract.ID = strings.TrimSpace(contract.ID)
	if contract.ID == "" {
		return types.ActiveContract{}, ErrInvalidContract
	}
	r.writeMu.Lock()
	r.mu.RLock()
	existing, ok := r.active[contract.ID]
	next := r.version + 1
	r.mu.RUnlock()
	if ok && existing.StrategyID == strategyID {
		r.writeMu.Unlock()
		return existing, nil
	}

	ac := types.ActiveContract{Contract: contract, StrategyID: strategyID, RegisteredAt: r.nowFn().UTC()}
	if ok {
		ac.RegisteredAt = existing.RegisteredAt
	}
	change := store.RegistryChange{Version: next, Op: store.OpAdd, ContractID: ac.ID, StrategyID: strategyID, At: r.nowFn().UTC()}
	if err := r.repo.SaveActive(ctx, ac, change); err != nil {
		r.writeMu.Unlock()
		return types.ActiveContract{}, fmt.Errorf("persist add %s: %w", ac.ID, err)
	}
	r.mu.Lock()
	r.active[ac.ID] = ac
	r.version = next
	listeners := append([]func(Change){}, r.listeners...)
	r.mu.Unlock()
	r.writeMu.Unlock()

	log.Infof("add contract=%s symbol=%s strategy=%s version=%d", ac.ID, ac.Symbol, strategyID, next)
	notify(listeners, Change{Op: store.OpAdd, Contract: ac, Version: next})
	return ac, nil
}

// RemoveActive deregisters contractID.
func (r *Registry) RemoveActive(ctx context.Context, contractID string) error {
	r.writeMu.Lock()
	r.mu.RLock()
	existing, ok := r.active[contractID]
	next := r.version + 1
	r.mu.RUnlock()
	if !ok {
		r.writeMu.Unlock()
		return ErrNotFound
	}
	change := store.RegistryChange{Version: next, Op: store.OpRemove, ContractID: contractID, StrategyID: existing.StrategyID, At: r.nowFn().UTC()}
	if err := r.repo.DeleteActive(ctx, contractID, change); err != nil {
		r.writeMu.Unlock()
		return fmt.Errorf("persist remove %s: %w", contractID, err)
	}
	r.mu.Lock()
	delete(r.active, contractID)
	r.version = next
	listeners := append([]func(Change){}, r.listeners...)
	r.mu.Unlock()
	r.writeMu.Unlock()

	log.Infof("remove contract=%s strategy=%s version=%d", contractID, existing.StrategyID, next)
	notify(listeners, Change{Op: store.OpRemove, Contract: existing, Version: next})
	return nil
}

func (r *Registry) IsActive(contractID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.active[contractID]
	return ok
}

func (r *Registry) Get(contractID string) (types.ActiveContract, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.active[contractID]
	return c, ok
}

// ListActive returns a copy ordered by registration time, then contract id.
func (r *Registry) ListActive() []types.ActiveContract {
	r.mu.RLock()
	out := make([]types.ActiveContract, 0, len(r.active))
	for _, c := range r.active {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].RegisteredAt.Before(out[j].RegisteredAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}

func (r *Registry) Version() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// Changes proxies the persisted change log.
func (r *Registry) Changes(ctx context.Context, limit int) ([]store.RegistryChange, error) {
	return r.repo.ListChanges(ctx, limit)
}

func notify(listeners []func(Change), ch Change) {
	for _, fn := range listeners {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					log.Errorf("listener panic on %s %s: %v", ch.Op, ch.Contract.ID, rec)
				}
			}()
			fn(ch)
		}()
	}
}
