package alert

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"possync/internal/decision"
	"possync/internal/gateway/notifier"
	"possync/internal/logger"
	"possync/internal/types"

	"github.com/google/uuid"
)

var log = logger.For("Alert")

var (
	// ErrSuppressed is returned when an identical alert fired inside the
	// dedup window.
	ErrSuppressed = errors.New("alert suppressed by dedup window")
	ErrHold       = errors.New("hold decisions do not raise alerts")
)

type Alert struct {
	ID            string           `json:"id"`
	ContractID    string           `json:"contract_id"`
	Symbol        string           `json:"symbol"`
	Action        decision.Action  `json:"action"`
	Urgency       decision.Urgency `json:"urgency"`
	Rule          string           `json:"rule,omitempty"`
	Reason        string           `json:"reason"`
	Quantity      float64          `json:"quantity"`
	MarketPrice   float64          `json:"market_price"`
	UnrealizedPnL float64          `json:"unrealized_pnl"`
	CreatedAt     time.Time        `json:"created_at"`
}

// Sink persists alerts beyond the in-memory ring.
type Sink interface {
	SaveAlert(ctx context.Context, a Alert) error
}

type Config struct {
	RingSize    int
	DedupWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.RingSize <= 0 {
		c.RingSize = 200
	}
	if c.DedupWindow < 0 {
		c.DedupWindow = 0
	}
	return c
}

type dedupKey struct {
	contract string
	action   decision.Action
	rule     string
}

// Manager turns decisions into operator alerts.
type Manager struct {
	cfg      Config
	notifier notifier.TextNotifier
	sink     Sink

	mu       sync.Mutex
	ring     []Alert
	next     int
	filled   bool
	lastSent map[dedupKey]time.Time

	nowFn func() time.Time
}

func NewManager(cfg Config, n notifier.TextNotifier, sink Sink) *Manager {
	cfg = cfg.withDefaults()
	if n == nil {
		n = notifier.Nop{}
	}
	return &Manager{
		cfg:      cfg,
		notifier: n,
		sink:     sink,
		ring:     make([]Alert, cfg.RingSize),
		lastSent: make(map[dedupKey]time.Time),
		nowFn:    time.Now,
	}
}

// CreateAlert records the alert and pushes it. A delivery failure is returned
// but the alert stays recorded.
func (m *Manager) CreateAlert(ctx context.Context, d decision.Decision, snap types.PositionSnapshot) (Alert, error) {
	if d.IsHold() {
		return Alert{}, ErrHold
	}
	now := m.nowFn()
	a := Alert{
		ID:            uuid.NewString(),
		ContractID:    d.ContractID,
		Symbol:        d.Symbol,
		Action:        d.Action,
		Urgency:       d.Urgency,
		Rule:          d.Rule,
		Reason:        d.Reason,
		Quantity:      snap.Quantity,
		MarketPrice:   snap.MarketPrice,
		UnrealizedPnL: snap.UnrealizedPnL,
		CreatedAt:     now,
	}
	if a.ContractID == "" {
		a.ContractID = snap.ContractID
	}
	if a.Symbol == "" {
		a.Symbol = snap.Symbol
	}

	key := dedupKey{contract: a.ContractID, action: a.Action, rule: a.Rule}
	m.mu.Lock()
	if last, ok := m.lastSent[key]; ok && !a.Urgency.Bypasses() && m.cfg.DedupWindow > 0 && now.Sub(last) < m.cfg.DedupWindow {
		m.mu.Unlock()
		log.Debugf("suppress %s %s %s (last %s ago)", a.ContractID, a.Action, a.Rule, now.Sub(last).Round(time.Second))
		return Alert{}, ErrSuppressed
	}
	m.lastSent[key] = now
	m.ring[m.next] = a
	m.next = (m.next + 1) % len(m.ring)
	if m.next == 0 {
		m.filled = true
	}
	m.mu.Unlock()

	if m.sink != nil {
		if err := m.sink.SaveAlert(ctx, a); err != nil {
			log.Warnf("persist alert %s failed: %v", a.ID, err)
		}
	}
	if err := m.notifier.SendText(ctx, Render(a)); err != nil {
		return a, fmt.Errorf("notify alert %s: %w", a.ID, err)
	}
	return a, nil
}

// Recent returns up to limit alerts, newest first.
func (m *Manager) Recent(limit int) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	size := m.next
	if m.filled {
		size = len(m.ring)
	}
	if limit <= 0 || limit > size {
		limit = size
	}
	out := make([]Alert, 0, limit)
	idx := m.next
	for len(out) < limit {
		idx = (idx - 1 + len(m.ring)) % len(m.ring)
		out = append(out, m.ring[idx])
	}
	return out
}
