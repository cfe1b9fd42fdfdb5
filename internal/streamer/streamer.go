// Package streamer owns the broker's real-time subscription slots. Registry
// members are admitted up to the slot budget; everything else goes to the
// batch queue.
package streamer

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"possync/internal/gateway/broker"
	"possync/internal/logger"
	"possync/internal/registry"
	"possync/internal/store"
	"possync/internal/types"
)

var ErrAlreadyStarted = errors.New("streamer: already started")

var log = logger.For("Streamer")

type Config struct {
	SlotBudget        int
	OverflowTier      int
	RebalanceInterval time.Duration
}

// Registry is the admission input.
type Registry interface {
	ListActive() []types.ActiveContract
	IsActive(contractID string) bool
	Subscribe(fn func(registry.Change))
}

// Queue receives every contract that does not hold a slot.
type Queue interface {
	Enqueue(ctx context.Context, contract types.Contract, tier int) (types.QueuedItem, error)
	Remove(ctx context.Context, contractID string) (bool, error)
	Contains(contractID string) bool
}

// Handler observes live updates. Updates for one contract arrive in order;
// there is no ordering across contracts.
type Handler interface {
	HandleUpdate(ctx context.Context, snap types.PositionSnapshot)
}

type HandlerFunc func(ctx context.Context, snap types.PositionSnapshot)

func (f HandlerFunc) HandleUpdate(ctx context.Context, snap types.PositionSnapshot) { f(ctx, snap) }

type slot struct {
	contract   types.Contract
	sub        broker.Subscription
	done       chan struct{}
	admittedAt time.Time
	lastUpdate atomic.Int64
	// pos is the account's view from the last positions sync; nil until then.
	pos atomic.Pointer[broker.BrokerPosition]
}

func (s *slot) lastSeen() time.Time {
	if v := s.lastUpdate.Load(); v > 0 {
		return time.Unix(0, v)
	}
	return s.admittedAt
}

type Streamer struct {
	broker    broker.Broker
	registry  Registry
	queue     Queue
	snapshots store.SnapshotStore
	cfg       Config
	nowFn     func() time.Time

	// admitMu serializes every admit/evict so the budget check and the
	// subscription happen as one step.
	admitMu sync.Mutex

	mu       sync.RWMutex
	subs     map[string]*slot
	handlers []Handler

	wake     chan struct{}
	listenOn sync.Once
	runCtx   context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  atomic.Bool
}

func New(b broker.Broker, reg Registry, q Queue, snapshots store.SnapshotStore, cfg Config) *Streamer {
	if cfg.SlotBudget < 0 {
		cfg.SlotBudget = 0
	}
	runCtx, cancel := context.WithCancel(context.Background())
	return &Streamer{
		runCtx:    runCtx,
		cancel:    cancel,
		broker:    b,
		registry:  reg,
		queue:     q,
		snapshots: snapshots,
		cfg:       cfg,
		nowFn:     time.Now,
		subs:      make(map[string]*slot),
		wake:      make(chan struct{}, 1),
	}
}

// RegisterHandler adds a consumer of live updates.
func (s *Streamer) RegisterHandler(h Handler) {
	if h == nil {
		return
	}
	s.mu.Lock()
	s.handlers = append(s.handlers, h)
	s.mu.Unlock()
}

// Start admits registry members, routes other broker positions to the queue
// and then reacts to registry changes and the rebalance interval until ctx is
// cancelled or Stop is called.
func (s *Streamer) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.listenOn.Do(func() {
		s.registry.Subscribe(func(registry.Change) { s.signal() })
	})

	if err := s.Rebalance(s.runCtx); err != nil {
		log.Warnf("initial rebalance: %v", err)
	}
	log.Infof("started budget=%d streaming=%d", s.cfg.SlotBudget, s.StreamingCount())

	s.wg.Add(1)
	go s.loop()
	return nil
}

func (s *Streamer) loop() {
	defer s.wg.Done()
	var tick <-chan time.Time
	if s.cfg.RebalanceInterval > 0 {
		t := time.NewTicker(s.cfg.RebalanceInterval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-s.runCtx.Done():
			return
		case <-s.wake:
		case <-tick:
		}
		if err := s.Rebalance(s.runCtx); err != nil && s.runCtx.Err() == nil {
			log.Warnf("rebalance: %v", err)
		}
	}
}

func (s *Streamer) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Stop tears down every subscription and waits for in-flight deliveries,
// bounded by ctx.
func (s *Streamer) Stop(ctx context.Context) error {
	if !s.started.Load() {
		return nil
	}
	s.cancel()

	s.admitMu.Lock()
	s.mu.Lock()
	slots := make([]*slot, 0, len(s.subs))
	for id, sl := range s.subs {
		slots = append(slots, sl)
		delete(s.subs, id)
	}
	s.mu.Unlock()
	for _, sl := range slots {
		s.closeSlot(sl)
	}
	s.admitMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Infof("stopped, closed %d subscriptions", len(slots))
		s.started.Store(false)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("streamer stop: %w", ctx.Err())
	}
}

// Rebalance re-evaluates admission against the current registry and then
// re-observes the account:
//  1. registry members beyond the free slots stay (or become) queued;
//  2. when members are waiting, streamed contracts that left the registry
//     are evicted to the queue, least recently updated first;
//  3. waiting members are admitted in registration order while slots last;
//  4. broker positions that neither stream nor wait are queued again.
//
// A contract still in the registry is never evicted.
func (s *Streamer) Rebalance(ctx context.Context) error {
	if err := s.rebalance(ctx); err != nil {
		return err
	}
	if err := s.syncPositions(ctx); err != nil {
		return fmt.Errorf("sync positions: %w", err)
	}
	return nil
}

func (s *Streamer) rebalance(ctx context.Context) error {
	s.admitMu.Lock()
	defer s.admitMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	active := s.registry.ListActive()
	var waiting []types.ActiveContract
	s.mu.RLock()
	for _, ac := range active {
		if _, ok := s.subs[ac.ID]; !ok {
			waiting = append(waiting, ac)
		}
	}
	free := s.cfg.SlotBudget - len(s.subs)
	s.mu.RUnlock()

	if need := len(waiting) - free; need > 0 {
		for _, sl := range s.evictionCandidates(need) {
			if err := s.evict(ctx, sl); err != nil {
				return err
			}
			free++
		}
	}

	var errs []error
	for _, ac := range waiting {
		if free <= 0 {
			if !s.queue.Contains(ac.ID) {
				if _, err := s.queue.Enqueue(ctx, ac.Contract, s.cfg.OverflowTier); err != nil {
					errs = append(errs, err)
				}
			}
			continue
		}
		if err := s.admit(ctx, ac.Contract); err != nil {
			errs = append(errs, err)
			continue
		}
		free--
	}
	return errors.Join(errs...)
}

// evictionCandidates returns up to n streamed contracts that are no longer
// in the registry, least recently updated first.
func (s *Streamer) evictionCandidates(n int) []*slot {
	s.mu.RLock()
	var out []*slot
	for id, sl := range s.subs {
		if !s.registry.IsActive(id) {
			out = append(out, sl)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].lastSeen(), out[j].lastSeen()
		if !a.Equal(b) {
			return a.Before(b)
		}
		return out[i].contract.ID < out[j].contract.ID
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// admit moves contract from the queue to a live slot. Caller holds admitMu.
func (s *Streamer) admit(ctx context.Context, contract types.Contract) error {
	if _, err := s.queue.Remove(ctx, contract.ID); err != nil {
		return fmt.Errorf("admit %s: %w", contract.ID, err)
	}
	sub, err := s.broker.Subscribe(ctx, contract)
	if err != nil {
		if _, qerr := s.queue.Enqueue(ctx, contract, s.cfg.OverflowTier); qerr != nil {
			return errors.Join(fmt.Errorf("subscribe %s: %w", contract.ID, err), qerr)
		}
		return fmt.Errorf("subscribe %s: %w", contract.ID, err)
	}
	sl := &slot{contract: contract, sub: sub, done: make(chan struct{}), admittedAt: s.nowFn()}
	s.mu.Lock()
	s.subs[contract.ID] = sl
	s.mu.Unlock()

	s.wg.Add(1)
	go s.pump(sl)
	log.Infof("admit contract=%s symbol=%s streaming=%d/%d", contract.ID, contract.Symbol, s.StreamingCount(), s.cfg.SlotBudget)
	return nil
}

// evict releases a slot and hands the contract to the queue. Caller holds
// admitMu.
func (s *Streamer) evict(ctx context.Context, sl *slot) error {
	s.mu.Lock()
	delete(s.subs, sl.contract.ID)
	s.mu.Unlock()
	s.closeSlot(sl)
	if _, err := s.queue.Enqueue(ctx, sl.contract, s.cfg.OverflowTier); err != nil {
		return fmt.Errorf("evict %s: %w", sl.contract.ID, err)
	}
	log.Infof("evict contract=%s symbol=%s idle_since=%s", sl.contract.ID, sl.contract.Symbol, sl.lastSeen().UTC().Format(time.RFC3339))
	return nil
}

func (s *Streamer) closeSlot(sl *slot) {
	close(sl.done)
	if err := sl.sub.Close(); err != nil {
		log.Warnf("close subscription %s: %v", sl.contract.ID, err)
	}
}

// syncPositions pulls the account's positions and brings the sync state in
// line with them. Streamed slots pick up the current quantity and cost, since
// ticks only carry market data. A streamed contract outside the registry that
// the broker no longer holds gives its slot back. Held positions without a
// slot or queue entry are queued, and a contract whose latest snapshot is
// still open but is no longer held gets one batch refresh to record it flat.
func (s *Streamer) syncPositions(ctx context.Context) error {
	positions, err := s.broker.Positions(ctx)
	if err != nil {
		return err
	}
	held := make(map[string]broker.BrokerPosition, len(positions))
	for _, p := range positions {
		if p.Contract.ID != "" {
			held[p.Contract.ID] = p
		}
	}
	var latest []types.PositionSnapshot
	if s.snapshots != nil {
		if latest, err = s.snapshots.LatestAll(ctx); err != nil {
			return err
		}
	}

	s.admitMu.Lock()
	defer s.admitMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	now := s.nowFn()
	var released []*slot
	s.mu.Lock()
	for id, sl := range s.subs {
		p, ok := held[id]
		if !ok {
			p = broker.BrokerPosition{Contract: sl.contract, ReportedAt: now}
		}
		sl.pos.Store(&p)
		if !ok && !s.registry.IsActive(id) {
			delete(s.subs, id)
			released = append(released, sl)
		}
	}
	s.mu.Unlock()

	var errs []error
	for _, sl := range released {
		s.closeSlot(sl)
		if _, err := s.queue.Enqueue(ctx, sl.contract, s.cfg.OverflowTier); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", sl.contract.ID, err))
			continue
		}
		log.Infof("release flat contract=%s symbol=%s", sl.contract.ID, sl.contract.Symbol)
	}

	routed := 0
	for _, p := range positions {
		id := p.Contract.ID
		if id == "" || s.registry.IsActive(id) || s.isStreaming(id) || s.queue.Contains(id) {
			continue
		}
		if _, err := s.queue.Enqueue(ctx, p.Contract, s.cfg.OverflowTier); err != nil {
			errs = append(errs, err)
			continue
		}
		routed++
	}
	flat := 0
	for _, snap := range latest {
		id := snap.ContractID
		if !snap.IsOpen() || s.isStreaming(id) || s.queue.Contains(id) {
			continue
		}
		if _, ok := held[id]; ok {
			continue
		}
		if _, err := s.queue.Enqueue(ctx, snap.Contract(), s.cfg.OverflowTier); err != nil {
			errs = append(errs, err)
			continue
		}
		flat++
	}
	if routed > 0 || flat > 0 {
		log.Infof("queued %d unmanaged broker positions, %d closed positions", routed, flat)
	}
	return errors.Join(errs...)
}

func (s *Streamer) pump(sl *slot) {
	defer s.wg.Done()
	updates := sl.sub.Updates()
	for {
		select {
		case <-sl.done:
			return
		case <-s.runCtx.Done():
			return
		case upd, ok := <-updates:
			if !ok {
				s.streamEnded(sl)
				return
			}
			s.deliver(sl, upd.Snapshot)
		}
	}
}

// streamEnded handles a subscription the broker closed on its own. The
// contract falls back to the queue until the next rebalance re-admits it.
func (s *Streamer) streamEnded(sl *slot) {
	if s.runCtx.Err() != nil {
		return
	}
	s.admitMu.Lock()
	defer s.admitMu.Unlock()
	s.mu.Lock()
	cur, ok := s.subs[sl.contract.ID]
	if !ok || cur != sl {
		s.mu.Unlock()
		return
	}
	delete(s.subs, sl.contract.ID)
	s.mu.Unlock()
	_ = sl.sub.Close()
	if _, err := s.queue.Enqueue(s.runCtx, sl.contract, s.cfg.OverflowTier); err != nil {
		log.Errorf("requeue %s after stream end: %v", sl.contract.ID, err)
		return
	}
	log.Warnf("stream ended contract=%s, falling back to batch", sl.contract.ID)
}

func (s *Streamer) deliver(sl *slot, snap types.PositionSnapshot) {
	now := s.nowFn()
	sl.lastUpdate.Store(now.UnixNano())
	if snap.ContractID == "" {
		snap.ContractID = sl.contract.ID
	}
	if snap.Symbol == "" {
		snap.Symbol = sl.contract.Symbol
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = now.UTC()
	}
	snap.Source = types.SourceStreamed
	if p := sl.pos.Load(); p != nil {
		snap.Quantity = p.Quantity
		snap.AvgCost = p.AvgCost
		snap.UnrealizedPnL = snap.MarketPrice*sl.contract.ContractMultiplier()*p.Quantity - p.AvgCost*p.Quantity
	}

	// Deliveries finish even when Stop cancels the run context.
	ctx := context.WithoutCancel(s.runCtx)
	if s.snapshots != nil {
		if _, err := s.snapshots.Reconcile(ctx, snap); err != nil {
			log.Errorf("reconcile %s: %v", snap.ContractID, err)
		}
	}
	s.mu.RLock()
	handlers := append([]Handler(nil), s.handlers...)
	s.mu.RUnlock()
	for _, h := range handlers {
		s.dispatch(ctx, h, snap)
	}
}

func (s *Streamer) dispatch(ctx context.Context, h Handler, snap types.PositionSnapshot) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("handler panic contract=%s: %v\n%s", snap.ContractID, r, debug.Stack())
		}
	}()
	h.HandleUpdate(ctx, snap)
}

func (s *Streamer) isStreaming(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.subs[id]
	return ok
}

// IsStreaming reports whether contractID currently holds a slot.
func (s *Streamer) IsStreaming(contractID string) bool { return s.isStreaming(contractID) }

// Streaming lists the contracts holding a slot, sorted by id.
func (s *Streamer) Streaming() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.subs))
	for id := range s.subs {
		out = append(out, id)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (s *Streamer) StreamingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

func (s *Streamer) Budget() int { return s.cfg.SlotBudget }
