// Package worker drains the position queue on an interval and reconciles the
// fetched state into the snapshot store with source BATCH.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"possync/internal/logger"
	"possync/internal/pkg/circuit"
	"possync/internal/queue"
	"possync/internal/retry"
	"possync/internal/scheduler"
	"possync/internal/store"
	"possync/internal/types"
)

var ErrAlreadyStarted = errors.New("worker: already started")

var log = logger.For("QueueWorker")

type Config struct {
	Interval       time.Duration
	BatchSize      int
	MaxTier        int
	DrainTimeout   time.Duration
	RunImmediately bool
	Align          bool
}

// Fetcher is the slice of the broker the worker needs.
type Fetcher interface {
	FetchCurrent(ctx context.Context, contract types.Contract) (types.PositionSnapshot, error)
}

type Queue interface {
	DequeueBatch(ctx context.Context, maxTier, limit int) []types.QueuedItem
	ReportResult(ctx context.Context, contractID string, success bool, cause error) (queue.Outcome, error)
	Release(contractID string) bool
}

// Stats are cumulative since process start.
type Stats struct {
	TotalProcessed int64 `json:"total_processed"`
	TotalSuccess   int64 `json:"total_success"`
	TotalFailed    int64 `json:"total_failed"`
}

// BatchResult summarizes one RunOnce.
type BatchResult struct {
	Dequeued  int
	Success   int
	Failed    int
	Requeued  int
	Permanent int
	Released  int
	Stale     int
}

type Worker struct {
	fetcher   Fetcher
	queue     Queue
	snapshots store.SnapshotStore
	policy    retry.Policy
	breaker   *circuit.CircuitBreaker
	cfg       Config
	nowFn     func() time.Time

	processed atomic.Int64
	success   atomic.Int64
	failed    atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(f Fetcher, q Queue, snapshots store.SnapshotStore, policy retry.Policy, cfg Config) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 10 * time.Second
	}
	return &Worker{
		fetcher:   f,
		queue:     q,
		snapshots: snapshots,
		policy:    policy,
		cfg:       cfg,
		nowFn:     time.Now,
	}
}

// WithBreaker makes the worker skip batches while cb is open.
func (w *Worker) WithBreaker(cb *circuit.CircuitBreaker) *Worker {
	w.breaker = cb
	return w
}

func (w *Worker) Stats() Stats {
	return Stats{
		TotalProcessed: w.processed.Load(),
		TotalSuccess:   w.success.Load(),
		TotalFailed:    w.failed.Load(),
	}
}

func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done != nil {
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	loop := scheduler.NewLoop("QueueWorker", w.cfg.Interval)
	loop.RunImmediately = w.cfg.RunImmediately
	loop.Align = w.cfg.Align
	go func(done chan struct{}) {
		defer close(done)
		loop.Run(runCtx, w.tick)
	}(w.done)
	log.Infof("started interval=%s batch=%d max_tier=%d", w.cfg.Interval, w.cfg.BatchSize, w.cfg.MaxTier)
	return nil
}

// Stop cancels the loop and waits for the in-flight batch. The batch itself
// is cut off after the drain timeout; Stop additionally honours ctx.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.mu.Unlock()
	if done == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		w.mu.Lock()
		w.done, w.cancel = nil, nil
		w.mu.Unlock()
		log.Infof("stopped %+v", w.Stats())
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker stop: %w", ctx.Err())
	}
}

// tick runs one batch. Cancelling loopCtx does not abort the batch at once;
// it gets DrainTimeout to finish.
func (w *Worker) tick(loopCtx context.Context) {
	batchCtx, cancel := context.WithCancel(context.WithoutCancel(loopCtx))
	defer cancel()
	stopDrain := context.AfterFunc(loopCtx, func() {
		t := time.NewTimer(w.cfg.DrainTimeout)
		defer t.Stop()
		select {
		case <-t.C:
			log.Warnf("drain timeout %s reached, abandoning batch", w.cfg.DrainTimeout)
			cancel()
		case <-batchCtx.Done():
		}
	})
	defer stopDrain()
	w.RunOnce(batchCtx)
}

// RunOnce dequeues and processes a single batch.
func (w *Worker) RunOnce(ctx context.Context) BatchResult {
	var res BatchResult
	if w.breaker != nil && !w.breaker.Allow() {
		log.Warnf("broker circuit open, skip batch")
		return res
	}
	items := w.queue.DequeueBatch(ctx, w.cfg.MaxTier, w.cfg.BatchSize)
	res.Dequeued = len(items)
	if len(items) == 0 {
		return res
	}
	start := w.nowFn()
	for i, it := range items {
		if ctx.Err() != nil || (w.breaker != nil && !w.breaker.Allow()) {
			for _, rest := range items[i:] {
				if w.queue.Release(rest.Contract.ID) {
					res.Released++
				}
			}
			break
		}
		w.process(ctx, it, &res)
	}
	log.Infof("batch dequeued=%d success=%d failed=%d requeued=%d permanent=%d released=%d stale=%d took=%s",
		res.Dequeued, res.Success, res.Failed, res.Requeued, res.Permanent, res.Released, res.Stale,
		w.nowFn().Sub(start).Truncate(time.Millisecond))
	return res
}

func (w *Worker) process(ctx context.Context, it types.QueuedItem, res *BatchResult) {
	id := it.Contract.ID
	var snap types.PositionSnapshot
	out, err := retry.Do(ctx, w.policy, func(ctx context.Context) error {
		var ferr error
		snap, ferr = w.fetcher.FetchCurrent(ctx, it.Contract)
		return ferr
	})
	if err != nil && ctx.Err() != nil {
		// Cut off by shutdown: not an attempt against the item.
		if w.queue.Release(id) {
			res.Released++
		}
		log.Debugf("contract=%s released, batch cancelled: %v", id, err)
		return
	}
	w.processed.Add(1)

	if err == nil {
		snap = w.normalize(it.Contract, snap)
		committed, rerr := w.snapshots.Reconcile(ctx, snap)
		if rerr != nil {
			err = fmt.Errorf("reconcile %s: %w", id, rerr)
		} else if !committed {
			res.Stale++
			log.Debugf("contract=%s batch snapshot older than current, kept newer", id)
		}
	}

	if err == nil {
		w.success.Add(1)
		res.Success++
		if w.breaker != nil {
			w.breaker.RecordSuccess()
		}
		if _, rerr := w.queue.ReportResult(ctx, id, true, nil); rerr != nil && !errors.Is(rerr, queue.ErrUnknownItem) {
			log.Errorf("report success %s: %v", id, rerr)
		}
		return
	}

	w.failed.Add(1)
	res.Failed++
	cls := retry.Classify(err)
	if w.breaker != nil && cls.Retryable {
		w.breaker.RecordFailure()
	}
	outcome, rerr := w.queue.ReportResult(ctx, id, false, err)
	switch {
	case errors.Is(rerr, queue.ErrUnknownItem):
		log.Debugf("contract=%s left the queue while in flight", id)
		return
	case rerr != nil:
		log.Errorf("report failure %s: %v", id, rerr)
		return
	}
	switch outcome {
	case queue.OutcomeRequeued:
		res.Requeued++
		log.Warnf("contract=%s fetch failed attempts=%d category=%s retries=%d: %v",
			id, out.Attempts, cls.Category, it.RetryCount+1, err)
	case queue.OutcomePermanentlyFailed:
		res.Permanent++
		logger.Audit("queue_failure", id,
			logger.AuditField{Key: "symbol", Value: it.Contract.Symbol},
			logger.AuditField{Key: "category", Value: string(cls.Category)},
			logger.AuditField{Key: "retryable", Value: strconv.FormatBool(cls.Retryable)},
			logger.AuditField{Key: "retries", Value: strconv.Itoa(it.RetryCount + 1)},
			logger.AuditField{Key: "error", Value: err.Error()},
		)
	}
}

func (w *Worker) normalize(c types.Contract, snap types.PositionSnapshot) types.PositionSnapshot {
	if snap.ContractID == "" {
		snap.ContractID = c.ID
	}
	if snap.Symbol == "" {
		snap.Symbol = c.Symbol
	}
	if snap.Right == "" {
		snap.Right = c.Right
	}
	if snap.Strike == 0 {
		snap.Strike = c.Strike
	}
	if snap.Expiry.IsZero() {
		snap.Expiry = c.Expiry
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = w.nowFn().UTC()
	}
	snap.Source = types.SourceBatch
	return snap
}
