package alert

import (
	"context"
	"errors"
	"testing"
	"time"

	"possync/internal/decision"
	"possync/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) SendText(ctx context.Context, text string) error {
	return m.Called(ctx, text).Error(0)
}

type memSink struct {
	saved []Alert
}

func (s *memSink) SaveAlert(_ context.Context, a Alert) error {
	s.saved = append(s.saved, a)
	return nil
}

func closeDecision(u decision.Urgency) decision.Decision {
	return decision.Decision{
		ContractID: "1001",
		Symbol:     "SPY",
		Action:     decision.ActionClose,
		Urgency:    u,
		Rule:       "time_exit",
		Reason:     "1 DTE",
	}
}

func newTestManager(t *testing.T, n *mockNotifier, sink Sink) (*Manager, *time.Time) {
	t.Helper()
	now := time.Date(2026, 10, 1, 15, 0, 0, 0, time.UTC)
	m := NewManager(Config{RingSize: 3, DedupWindow: 10 * time.Minute}, n, sink)
	m.nowFn = func() time.Time { return now }
	return m, &now
}

func TestCreateAlertDedupWindow(t *testing.T) {
	n := &mockNotifier{}
	n.On("SendText", mock.Anything, mock.AnythingOfType("string")).Return(nil)
	sink := &memSink{}
	m, now := newTestManager(t, n, sink)
	ctx := context.Background()
	snap := types.PositionSnapshot{ContractID: "1001", Symbol: "SPY", Quantity: -2, MarketPrice: 1.5}

	a, err := m.CreateAlert(ctx, closeDecision(decision.UrgencyNormal), snap)
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, -2.0, a.Quantity)

	*now = now.Add(5 * time.Minute)
	_, err = m.CreateAlert(ctx, closeDecision(decision.UrgencyNormal), snap)
	assert.ErrorIs(t, err, ErrSuppressed)

	*now = now.Add(6 * time.Minute)
	_, err = m.CreateAlert(ctx, closeDecision(decision.UrgencyNormal), snap)
	require.NoError(t, err)

	n.AssertNumberOfCalls(t, "SendText", 2)
	assert.Len(t, sink.saved, 2)
}

func TestCreateAlertUrgentBypassesDedup(t *testing.T) {
	n := &mockNotifier{}
	n.On("SendText", mock.Anything, mock.Anything).Return(nil)
	m, _ := newTestManager(t, n, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := m.CreateAlert(ctx, closeDecision(decision.UrgencyImmediate), types.PositionSnapshot{})
		require.NoError(t, err)
	}
	n.AssertNumberOfCalls(t, "SendText", 3)
}

func TestCreateAlertRejectsHold(t *testing.T) {
	m, _ := newTestManager(t, &mockNotifier{}, nil)
	_, err := m.CreateAlert(context.Background(), decision.Decision{Action: decision.ActionHold}, types.PositionSnapshot{})
	assert.ErrorIs(t, err, ErrHold)
}

func TestCreateAlertKeepsAlertOnNotifyFailure(t *testing.T) {
	n := &mockNotifier{}
	n.On("SendText", mock.Anything, mock.Anything).Return(errors.New("telegram down"))
	m, _ := newTestManager(t, n, nil)

	a, err := m.CreateAlert(context.Background(), closeDecision(decision.UrgencyHigh), types.PositionSnapshot{})
	require.Error(t, err)
	assert.NotEmpty(t, a.ID)
	assert.Len(t, m.Recent(0), 1)
}

func TestRecentRingOrder(t *testing.T) {
	n := &mockNotifier{}
	n.On("SendText", mock.Anything, mock.Anything).Return(nil)
	m, _ := newTestManager(t, n, nil)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d"} {
		d := closeDecision(decision.UrgencyHigh)
		d.ContractID = id
		_, err := m.CreateAlert(ctx, d, types.PositionSnapshot{})
		require.NoError(t, err)
	}
	recent := m.Recent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, []string{"d", "c", "b"}, []string{recent[0].ContractID, recent[1].ContractID, recent[2].ContractID})
	assert.Len(t, m.Recent(2), 2)
}

func TestRenderIncludesRuleAndReason(t *testing.T) {
	out := Render(Alert{ContractID: "1", Symbol: "QQQ", Action: decision.ActionRoll, Urgency: decision.UrgencyNormal, Rule: "dte_roll", Reason: "5 DTE"})
	assert.Contains(t, out, "ROLL QQQ [NORMAL]")
	assert.Contains(t, out, "5 DTE")
	assert.Contains(t, out, "rule dte_roll")
}
