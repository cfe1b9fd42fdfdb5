package memstore

import (
	"context"
	"sort"
	"sync"

	"possync/internal/types"
)

type Queue struct {
	mu       sync.Mutex
	items    map[string]types.QueuedItem
	failures []types.QueueFailure

	FailWith error
}

func NewQueue() *Queue {
	return &Queue{items: make(map[string]types.QueuedItem)}
}

func (q *Queue) LoadPending(context.Context) ([]types.QueuedItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]types.QueuedItem, 0, len(q.items))
	for _, it := range q.items {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (q *Queue) UpsertItem(_ context.Context, item types.QueuedItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.FailWith != nil {
		return q.FailWith
	}
	q.items[item.Contract.ID] = item
	return nil
}

func (q *Queue) DeleteItem(_ context.Context, contractID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.FailWith != nil {
		return q.FailWith
	}
	delete(q.items, contractID)
	return nil
}

func (q *Queue) MoveToFailures(_ context.Context, f types.QueueFailure) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.FailWith != nil {
		return q.FailWith
	}
	delete(q.items, f.Contract.ID)
	q.failures = append(q.failures, f)
	return nil
}

func (q *Queue) ListFailures(_ context.Context, limit int) ([]types.QueueFailure, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]types.QueueFailure, 0, len(q.failures))
	for i := len(q.failures) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, q.failures[i])
	}
	return out, nil
}
