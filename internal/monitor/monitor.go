package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"possync/internal/alert"
	"possync/internal/decision"
	"possync/internal/logger"
	"possync/internal/scheduler"
	"possync/internal/store"
	"possync/internal/types"

	"github.com/google/uuid"
)

var log = logger.For("Monitor")

var ErrAlreadyStarted = errors.New("monitor: already started")

type Config struct {
	Interval       time.Duration
	RunImmediately bool
	// Align anchors cycles on wall-clock multiples of Interval.
	Align bool
	// Lookback bounds the history scanned for peak P&L and IV rank.
	Lookback time.Duration
}

// Evaluator is satisfied by *decision.Engine.
type Evaluator interface {
	Evaluate(snap types.PositionSnapshot, mc decision.MarketContext) decision.Decision
}

type AlertCreator interface {
	CreateAlert(ctx context.Context, d decision.Decision, snap types.PositionSnapshot) (alert.Alert, error)
}

// CycleResult summarizes one monitoring pass.
type CycleResult struct {
	CycleID    string              `json:"cycle_id"`
	StartedAt  time.Time           `json:"started_at"`
	Duration   time.Duration       `json:"duration"`
	Evaluated  int                 `json:"evaluated"`
	Actionable int                 `json:"actionable"`
	Alerted    int                 `json:"alerted"`
	Suppressed int                 `json:"suppressed"`
	Decisions  []decision.Decision `json:"decisions"`
}

// Workflow evaluates every open position on a fixed cadence.
type Workflow struct {
	snapshots store.SnapshotStore
	engine    Evaluator
	alerts    AlertCreator
	decisions store.DecisionLog
	cfg       Config

	cycleMu sync.Mutex
	last    atomic.Pointer[CycleResult]

	started atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	nowFn func() time.Time
}

func New(snapshots store.SnapshotStore, engine Evaluator, alerts AlertCreator, decisions store.DecisionLog, cfg Config) *Workflow {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 72 * time.Hour
	}
	return &Workflow{
		snapshots: snapshots,
		engine:    engine,
		alerts:    alerts,
		decisions: decisions,
		cfg:       cfg,
		nowFn:     time.Now,
	}
}

func (w *Workflow) Start(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	loop := scheduler.NewLoop("monitor", w.cfg.Interval)
	loop.RunImmediately = w.cfg.RunImmediately
	loop.Align = w.cfg.Align
	go func() {
		defer close(w.done)
		loop.Run(runCtx, func(ctx context.Context) {
			if _, err := w.RunCycle(ctx); err != nil && ctx.Err() == nil {
				log.Warnf("cycle: %v", err)
			}
		})
	}()
	return nil
}

// Stop cancels the schedule and waits for the running cycle, bounded by ctx.
func (w *Workflow) Stop(ctx context.Context) error {
	if !w.started.Load() {
		return nil
	}
	w.cancel()
	select {
	case <-w.done:
		w.started.Store(false)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("monitor stop: %w", ctx.Err())
	}
}

// LastCycle returns the most recent completed cycle, if any.
func (w *Workflow) LastCycle() (CycleResult, bool) {
	p := w.last.Load()
	if p == nil {
		return CycleResult{}, false
	}
	return *p, true
}

// RunCycle evaluates the latest snapshot of every open position. Cycles never
// overlap. Alert and decision-log failures are reported but do not stop the
// cycle.
func (w *Workflow) RunCycle(ctx context.Context) (CycleResult, error) {
	w.cycleMu.Lock()
	defer w.cycleMu.Unlock()

	now := w.nowFn()
	res := CycleResult{CycleID: uuid.NewString(), StartedAt: now}
	latest, err := w.snapshots.LatestAll(ctx)
	if err != nil {
		return res, fmt.Errorf("load latest snapshots: %w", err)
	}
	underlying := underlyingPrices(latest)

	var errs []error
	records := make([]store.DecisionRecord, 0, len(latest))
	for _, snap := range latest {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if !snap.IsOpen() || !snap.Contract().IsOption() {
			continue
		}
		mc := w.marketContext(ctx, snap, now, underlying)
		d := w.engine.Evaluate(snap, mc)
		res.Evaluated++
		res.Decisions = append(res.Decisions, d)
		records = append(records, toRecord(res.CycleID, d))
		if d.IsHold() {
			continue
		}
		res.Actionable++
		log.Infof("%s %s %s [%s] %s", d.Action, d.Symbol, d.ContractID, d.Urgency, d.Reason)
		if w.alerts == nil {
			continue
		}
		switch _, err := w.alerts.CreateAlert(ctx, d, snap); {
		case err == nil:
			res.Alerted++
		case errors.Is(err, alert.ErrSuppressed):
			res.Suppressed++
		default:
			errs = append(errs, fmt.Errorf("alert %s: %w", d.ContractID, err))
		}
	}
	if w.decisions != nil && len(records) > 0 {
		if err := w.decisions.AppendDecisions(ctx, records); err != nil {
			errs = append(errs, fmt.Errorf("append decisions: %w", err))
		}
	}
	res.Duration = w.nowFn().Sub(now)
	w.last.Store(&res)
	log.Debugf("cycle %s evaluated=%d actionable=%d alerted=%d", res.CycleID, res.Evaluated, res.Actionable, res.Alerted)
	return res, errors.Join(errs...)
}

func (w *Workflow) marketContext(ctx context.Context, snap types.PositionSnapshot, now time.Time, underlying map[string]float64) decision.MarketContext {
	mc := decision.MarketContext{Now: now, UnderlyingPrice: underlying[snap.Symbol]}
	hist, err := w.snapshots.Range(ctx, snap.ContractID, now.Add(-w.cfg.Lookback), now)
	if err != nil {
		log.Warnf("history %s: %v", snap.ContractID, err)
		hist = nil
	}
	hist = append(hist, snap)
	mc.PeakPnL, mc.HasPeak = peakPnL(hist)
	mc.IVRank, mc.HasIVRank = ivRank(hist, snap.ImpliedVol)
	return mc
}

func peakPnL(hist []types.PositionSnapshot) (float64, bool) {
	if len(hist) == 0 {
		return 0, false
	}
	peak := hist[0].UnrealizedPnL
	for _, s := range hist[1:] {
		if s.UnrealizedPnL > peak {
			peak = s.UnrealizedPnL
		}
	}
	return peak, true
}

// ivRank places current IV within the observed range, 0..100. It needs at
// least two distinct observations.
func ivRank(hist []types.PositionSnapshot, current float64) (float64, bool) {
	if current <= 0 {
		return 0, false
	}
	lo, hi := 0.0, 0.0
	n := 0
	for _, s := range hist {
		iv := s.ImpliedVol
		if iv <= 0 {
			continue
		}
		if n == 0 || iv < lo {
			lo = iv
		}
		if n == 0 || iv > hi {
			hi = iv
		}
		n++
	}
	if n < 2 || hi <= lo {
		return 0, false
	}
	return (current - lo) / (hi - lo) * 100, true
}

// underlyingPrices takes the price of stock positions held on the same symbol.
func underlyingPrices(latest []types.PositionSnapshot) map[string]float64 {
	out := make(map[string]float64)
	for _, s := range latest {
		if s.Right == "" && s.MarketPrice > 0 {
			out[s.Symbol] = s.MarketPrice
		}
	}
	return out
}

func toRecord(cycleID string, d decision.Decision) store.DecisionRecord {
	return store.DecisionRecord{
		CycleID:    cycleID,
		ContractID: d.ContractID,
		Symbol:     d.Symbol,
		Action:     string(d.Action),
		Urgency:    string(d.Urgency),
		Rule:       d.Rule,
		Reason:     d.Reason,
		Metadata:   d.Metadata,
		DecidedAt:  d.DecidedAt,
	}
}
