// Package brokertest provides an in-memory broker.Broker for tests.
package brokertest

import (
	"context"
	"sync"
	"time"

	"possync/internal/gateway/broker"
	"possync/internal/types"
)

type Sub struct {
	ch     chan broker.PositionUpdate
	once   sync.Once
	closed chan struct{}
}

func (s *Sub) Updates() <-chan broker.PositionUpdate { return s.ch }

func (s *Sub) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// End closes the update channel as the broker would on a dropped stream.
func (s *Sub) End() { close(s.ch) }

func (s *Sub) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

type Broker struct {
	mu           sync.Mutex
	subs         map[string]*Sub
	maxOpen      int
	fetchCalls   map[string]int
	SubscribeErr map[string]error
	FetchFn      func(ctx context.Context, c types.Contract) (types.PositionSnapshot, error)
	Held         []broker.BrokerPosition
}

func New() *Broker {
	return &Broker{
		subs:         make(map[string]*Sub),
		fetchCalls:   make(map[string]int),
		SubscribeErr: make(map[string]error),
	}
}

func (b *Broker) Subscribe(_ context.Context, c types.Contract) (broker.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.SubscribeErr[c.ID]; err != nil {
		return nil, err
	}
	s := &Sub{ch: make(chan broker.PositionUpdate, 16), closed: make(chan struct{})}
	b.subs[c.ID] = s
	if n := b.openLocked(); n > b.maxOpen {
		b.maxOpen = n
	}
	return s, nil
}

func (b *Broker) FetchCurrent(ctx context.Context, c types.Contract) (types.PositionSnapshot, error) {
	b.mu.Lock()
	b.fetchCalls[c.ID]++
	fn := b.FetchFn
	b.mu.Unlock()
	if fn != nil {
		return fn(ctx, c)
	}
	return types.PositionSnapshot{
		ContractID: c.ID,
		Symbol:     c.Symbol,
		Quantity:   1,
		Timestamp:  time.Now().UTC(),
	}, nil
}

func (b *Broker) Positions(context.Context) ([]broker.BrokerPosition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]broker.BrokerPosition(nil), b.Held...), nil
}

// SetHeld replaces the account positions reported by Positions.
func (b *Broker) SetHeld(positions ...broker.BrokerPosition) {
	b.mu.Lock()
	b.Held = positions
	b.mu.Unlock()
}

// HeldSnapshot answers FetchCurrent from the held positions; a contract not
// held comes back flat.
func (b *Broker) HeldSnapshot(_ context.Context, c types.Contract) (types.PositionSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap := types.PositionSnapshot{ContractID: c.ID, Symbol: c.Symbol, Timestamp: time.Now().UTC()}
	for _, p := range b.Held {
		if p.Contract.ID == c.ID {
			snap.Quantity = p.Quantity
			snap.AvgCost = p.AvgCost
			snap.MarketPrice = p.MarketPrice
		}
	}
	return snap, nil
}

// Push sends one update on the live subscription for contractID.
func (b *Broker) Push(contractID string, snap types.PositionSnapshot) bool {
	b.mu.Lock()
	s := b.subs[contractID]
	b.mu.Unlock()
	if s == nil || s.Closed() {
		return false
	}
	s.ch <- broker.PositionUpdate{Snapshot: snap}
	return true
}

func (b *Broker) Sub(contractID string) *Sub {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subs[contractID]
}

// Open counts subscriptions not yet closed.
func (b *Broker) Open() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openLocked()
}

// MaxOpen is the high-water mark of Open.
func (b *Broker) MaxOpen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxOpen
}

func (b *Broker) FetchCalls(contractID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fetchCalls[contractID]
}

func (b *Broker) openLocked() int {
	n := 0
	for _, s := range b.subs {
		if !s.Closed() {
			n++
		}
	}
	return n
}
