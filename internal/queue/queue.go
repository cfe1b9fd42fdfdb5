// Package queue is the durable, tiered backlog of contracts waiting for a
// batch refresh. Lower tiers drain first; within a tier items keep FIFO order.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"possync/internal/logger"
	"possync/internal/pkg/text"
	"possync/internal/retry"
	"possync/internal/store"
	"possync/internal/types"
)

var (
	ErrUnknownItem     = errors.New("queue: item not in flight")
	ErrInvalidContract = errors.New("queue: contract id required")
)

var log = logger.For("PositionQueue")

// maxErrorLen bounds the broker message kept on an item.
const maxErrorLen = 512

type Config struct {
	// MaxRetries is the number of retries after the first failed attempt.
	MaxRetries int
	// EscalateAfter moves an item one tier more urgent every N failures;
	// 0 disables escalation.
	EscalateAfter int
	// MinTier bounds escalation.
	MinTier int
}

type Outcome int

const (
	OutcomeDropped Outcome = iota
	OutcomeRequeued
	OutcomePermanentlyFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDropped:
		return "dropped"
	case OutcomeRequeued:
		return "requeued"
	case OutcomePermanentlyFailed:
		return "permanently_failed"
	default:
		return "unknown"
	}
}

type Queue struct {
	repo  store.QueueRepository
	cfg   Config
	nowFn func() time.Time

	mu       sync.Mutex
	pending  map[string]types.QueuedItem
	inflight map[string]types.QueuedItem
	seq      int64
}

func New(repo store.QueueRepository, cfg Config) *Queue {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Queue{
		repo:     repo,
		cfg:      cfg,
		nowFn:    time.Now,
		pending:  make(map[string]types.QueuedItem),
		inflight: make(map[string]types.QueuedItem),
	}
}

// Load restores pending items persisted by a previous process. Items that
// were in flight at shutdown were never deleted and come back as pending.
func (q *Queue) Load(ctx context.Context) error {
	items, err := q.repo.LoadPending(ctx)
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = make(map[string]types.QueuedItem, len(items))
	q.inflight = make(map[string]types.QueuedItem)
	q.seq = 0
	for _, it := range items {
		q.pending[it.Contract.ID] = it
		if it.Seq > q.seq {
			q.seq = it.Seq
		}
	}
	log.Infof("loaded %d pending items", len(items))
	return nil
}

// Enqueue inserts contract at tier or refreshes an existing entry. A refresh
// never creates a second entry: it keeps the item's place, only ever moves it
// to a more urgent tier and resets retry metadata.
func (q *Queue) Enqueue(ctx context.Context, contract types.Contract, tier int) (types.QueuedItem, error) {
	contract.ID = strings.TrimSpace(contract.ID)
	if contract.ID == "" {
		return types.QueuedItem{}, ErrInvalidContract
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if it, ok := q.inflight[contract.ID]; ok {
		it.Tier = min(it.Tier, tier)
		it.RetryCount = 0
		it.LastError, it.LastErrorCategory = "", ""
		if err := q.repo.UpsertItem(ctx, it); err != nil {
			return types.QueuedItem{}, fmt.Errorf("persist enqueue %s: %w", contract.ID, err)
		}
		q.inflight[contract.ID] = it
		return it, nil
	}

	it, exists := q.pending[contract.ID]
	if exists {
		tier = min(it.Tier, tier)
	} else {
		it.Seq = q.seq + 1
		it.EnqueuedAt = q.nowFn().UTC()
	}
	it.Contract = contract
	it.Tier = tier
	it.RetryCount = 0
	it.LastError, it.LastErrorCategory = "", ""
	if err := q.repo.UpsertItem(ctx, it); err != nil {
		return types.QueuedItem{}, fmt.Errorf("persist enqueue %s: %w", contract.ID, err)
	}
	if it.Seq > q.seq {
		q.seq = it.Seq
	}
	q.pending[contract.ID] = it
	if !exists {
		log.Debugf("enqueue contract=%s symbol=%s tier=%d", contract.ID, contract.Symbol, tier)
	}
	return it, nil
}

// DequeueBatch hands out up to limit items whose tier is <= maxTier, most
// urgent first. limit <= 0 means no limit. Returned items leave the pending
// view until ReportResult, Release or Remove is called for them.
func (q *Queue) DequeueBatch(_ context.Context, maxTier, limit int) []types.QueuedItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	eligible := make([]types.QueuedItem, 0, len(q.pending))
	for _, it := range q.pending {
		if it.Tier <= maxTier {
			eligible = append(eligible, it)
		}
	}
	sortItems(eligible)
	if limit > 0 && len(eligible) > limit {
		eligible = eligible[:limit]
	}
	for _, it := range eligible {
		delete(q.pending, it.Contract.ID)
		q.inflight[it.Contract.ID] = it
	}
	return eligible
}

// ReportResult finalizes one attempt of an in-flight item.
func (q *Queue) ReportResult(ctx context.Context, contractID string, success bool, cause error) (Outcome, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.inflight[contractID]
	if !ok {
		return OutcomeDropped, ErrUnknownItem
	}
	if success {
		if err := q.repo.DeleteItem(ctx, contractID); err != nil {
			return OutcomeDropped, fmt.Errorf("persist drop %s: %w", contractID, err)
		}
		delete(q.inflight, contractID)
		return OutcomeDropped, nil
	}

	cls := retry.Classify(cause)
	it.RetryCount++
	it.LastErrorCategory = string(cls.Category)
	if cause != nil {
		it.LastError = text.Truncate(cause.Error(), maxErrorLen)
	}
	if !cls.Retryable || it.RetryCount > q.cfg.MaxRetries {
		f := types.QueueFailure{
			Contract:   it.Contract,
			Tier:       it.Tier,
			RetryCount: it.RetryCount,
			Category:   it.LastErrorCategory,
			Retryable:  cls.Retryable,
			Error:      it.LastError,
			FailedAt:   q.nowFn().UTC(),
		}
		if err := q.repo.MoveToFailures(ctx, f); err != nil {
			return OutcomePermanentlyFailed, fmt.Errorf("persist failure %s: %w", contractID, err)
		}
		delete(q.inflight, contractID)
		log.Warnf("permanent failure contract=%s symbol=%s retries=%d category=%s err=%s",
			contractID, it.Contract.Symbol, it.RetryCount, cls.Category, it.LastError)
		return OutcomePermanentlyFailed, nil
	}

	if q.cfg.EscalateAfter > 0 && it.RetryCount%q.cfg.EscalateAfter == 0 && it.Tier > q.cfg.MinTier {
		it.Tier--
		log.Infof("escalate contract=%s to tier=%d after %d failures", contractID, it.Tier, it.RetryCount)
	}
	it.Seq = q.seq + 1
	if err := q.repo.UpsertItem(ctx, it); err != nil {
		return OutcomeRequeued, fmt.Errorf("persist requeue %s: %w", contractID, err)
	}
	q.seq = it.Seq
	delete(q.inflight, contractID)
	q.pending[contractID] = it
	return OutcomeRequeued, nil
}

// Release returns an in-flight item to pending without counting an attempt.
func (q *Queue) Release(contractID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.inflight[contractID]
	if !ok {
		return false
	}
	delete(q.inflight, contractID)
	q.pending[contractID] = it
	return true
}

// Remove deletes contractID whether pending or in flight. A later
// ReportResult for it returns ErrUnknownItem.
func (q *Queue) Remove(ctx context.Context, contractID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, inPending := q.pending[contractID]
	_, inFlight := q.inflight[contractID]
	if !inPending && !inFlight {
		return false, nil
	}
	if err := q.repo.DeleteItem(ctx, contractID); err != nil {
		return false, fmt.Errorf("persist remove %s: %w", contractID, err)
	}
	delete(q.pending, contractID)
	delete(q.inflight, contractID)
	return true, nil
}

// Contains reports membership in either the pending or in-flight set.
func (q *Queue) Contains(contractID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, a := q.pending[contractID]
	_, b := q.inflight[contractID]
	return a || b
}

// Pending returns the pending view in drain order.
func (q *Queue) Pending() []types.QueuedItem {
	q.mu.Lock()
	out := make([]types.QueuedItem, 0, len(q.pending))
	for _, it := range q.pending {
		out = append(out, it)
	}
	q.mu.Unlock()
	sortItems(out)
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

func (q *Queue) PermanentFailures(ctx context.Context, limit int) ([]types.QueueFailure, error) {
	return q.repo.ListFailures(ctx, limit)
}

func sortItems(items []types.QueuedItem) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Tier != items[j].Tier {
			return items[i].Tier < items[j].Tier
		}
		return items[i].Seq < items[j].Seq
	})
}
