package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"possync/internal/config"
	"possync/internal/gateway/broker/brokertest"
	"possync/internal/gateway/notifier"
	"possync/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closableBroker struct {
	*brokertest.Broker
	closed bool
}

func (b *closableBroker) Close() error {
	b.closed = true
	return nil
}

func writeTestConfig(t *testing.T, extra string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`
app:
  log_level: warn
broker:
  account_id: U1234567
streaming:
  slot_budget: 2
  rebalance_interval: 0s
worker:
  interval: 1h
monitor:
  interval: 1h
rules:
  path: %s
store:
  path: %s
  decision_log: %s
%s`, filepath.Join(dir, "missing-rules.yaml"), filepath.Join(dir, "possync.db"), filepath.Join(dir, "decisions.db"), extra)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func TestBuildWiresComponents(t *testing.T) {
	cfg := writeTestConfig(t, "")
	brk := &closableBroker{Broker: brokertest.New()}
	app, err := NewAppBuilder(cfg, WithBroker(brk), WithNotifier(notifier.Nop{}), WithoutHTTP()).Build(context.Background())
	require.NoError(t, err)

	require.NotNil(t, app.Registry())
	require.NotNil(t, app.Queue())
	require.NotNil(t, app.Monitor())
	require.NotNil(t, app.Summary)
	assert.Equal(t, "built-in defaults", app.Summary.RulesFrom)
	assert.Len(t, app.Summary.Rules, 7)
	assert.Equal(t, 2, app.Streamer().Budget())

	require.NoError(t, app.Close())
	assert.True(t, brk.closed)
}

func TestRunStreamsRegisteredContractsAndStops(t *testing.T) {
	cfg := writeTestConfig(t, "")
	brk := &closableBroker{Broker: brokertest.New()}
	app, err := NewAppBuilder(cfg, WithBroker(brk), WithoutHTTP()).Build(context.Background())
	require.NoError(t, err)
	app.Summary = nil

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	expiry := time.Now().UTC().AddDate(0, 1, 0)
	_, err = app.Registry().AddActive(ctx, types.Contract{ID: "1001", Symbol: "SPY", Right: types.RightPut, Strike: 450, Expiry: expiry}, "csp")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return brk.Sub("1001") != nil }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.True(t, brk.closed)
	assert.True(t, brk.Sub("1001").Closed())
}

func TestRegistrySurvivesRestart(t *testing.T) {
	cfg := writeTestConfig(t, "")
	ctx := context.Background()

	first, err := NewAppBuilder(cfg, WithBroker(&closableBroker{Broker: brokertest.New()}), WithoutHTTP()).Build(ctx)
	require.NoError(t, err)
	_, err = first.Registry().AddActive(ctx, types.Contract{ID: "2002", Symbol: "QQQ"}, "covered")
	require.NoError(t, err)
	_, err = first.Queue().Enqueue(ctx, types.Contract{ID: "3003", Symbol: "IWM"}, 2)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := NewAppBuilder(cfg, WithBroker(&closableBroker{Broker: brokertest.New()}), WithoutHTTP()).Build(ctx)
	require.NoError(t, err)
	defer second.Close()
	assert.True(t, second.Registry().IsActive("2002"))
	assert.Equal(t, int64(1), second.Registry().Version())
	assert.Equal(t, 1, second.Queue().Len())
	assert.Equal(t, 1, second.Summary.Streaming.ActiveMembers)
}

func TestBuildRulesFromPolicyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - id: catastrophe_protection
    priority: 1
    params:
      max_loss_pct: 1.5
  - id: dte_roll
    priority: 2
  - id: iv_exit
    enabled: false
`), 0o644))

	set, reg, err := buildRules(config.RulesConfig{Path: path})
	require.NoError(t, err)
	require.NotNil(t, reg)
	require.Len(t, set, 2)
	assert.Equal(t, "catastrophe_protection", set[0].Name())
	assert.Equal(t, "dte_roll", set[1].Name())

	require.NoError(t, os.WriteFile(path, []byte("rules:\n  - id: catastrophe_protection\n    params:\n      max_loss_pct: -1\n"), 0o644))
	_, _, err = buildRules(config.RulesConfig{Path: path})
	assert.Error(t, err)
}
