package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"possync/internal/alert"
	"possync/internal/config"
	"possync/internal/decision"
	"possync/internal/decision/rules"
	"possync/internal/gateway/broker"
	"possync/internal/gateway/ibkr"
	"possync/internal/gateway/notifier"
	"possync/internal/logger"
	"possync/internal/monitor"
	"possync/internal/pkg/circuit"
	"possync/internal/queue"
	"possync/internal/registry"
	"possync/internal/retry"
	"possync/internal/rulepolicy"
	"possync/internal/store/decisionlog"
	"possync/internal/store/sqlite"
	"possync/internal/streamer"
	adminhttp "possync/internal/transport/http/admin"
	"possync/internal/types"
	"possync/internal/worker"
)

var log = logger.For("App")

// BrokerConn 是持有网络资源的券商连接。
type BrokerConn interface {
	broker.Broker
	Close() error
}

type AppBuilder struct {
	cfg *config.Config

	storeFn       func(path string) (*sqlite.Store, error)
	decisionLogFn func(path string) (*decisionlog.DecisionLogStore, error)
	brokerFn      func(cfg config.BrokerConfig, handlerBuffer int) (BrokerConn, error)
	notifierFn    func(cfg config.NotifyConfig) notifier.TextNotifier
	rulesFn       func(cfg config.RulesConfig) ([]decision.Rule, *rulepolicy.Registry, error)
	httpFn        func(cfg adminhttp.ServerConfig) (*adminhttp.Server, error)
}

type AppBuilderOption func(*AppBuilder)

// WithBroker 替换 IB 网关客户端，例如换成进程内的假实现。
func WithBroker(b BrokerConn) AppBuilderOption {
	return func(ab *AppBuilder) {
		ab.brokerFn = func(config.BrokerConfig, int) (BrokerConn, error) { return b, nil }
	}
}

// WithNotifier 覆盖 Telegram/Nop 的选择。
func WithNotifier(n notifier.TextNotifier) AppBuilderOption {
	return func(ab *AppBuilder) {
		ab.notifierFn = func(config.NotifyConfig) notifier.TextNotifier { return n }
	}
}

// WithoutHTTP 不启动管理接口。
func WithoutHTTP() AppBuilderOption {
	return func(ab *AppBuilder) {
		ab.httpFn = func(adminhttp.ServerConfig) (*adminhttp.Server, error) { return nil, nil }
	}
}

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:           cfg,
		storeFn:       sqlite.NewSqliteStore,
		decisionLogFn: decisionlog.NewDecisionLogStore,
		brokerFn:      buildBroker,
		notifierFn:    buildNotifier,
		rulesFn:       buildRules,
		httpFn:        adminhttp.NewServer,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *AppBuilder) Build(ctx context.Context) (app *App, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)

	var closers []func() error
	defer func() {
		if err != nil {
			closeAll(closers)
		}
	}()

	st, err := b.storeFn(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", cfg.Store.Path, err)
	}
	closers = append(closers, st.Close)
	log.Infof("✓ store %s", cfg.Store.Path)

	dl, err := b.decisionLogFn(cfg.Store.DecisionLog)
	if err != nil {
		return nil, fmt.Errorf("open decision log %s: %w", cfg.Store.DecisionLog, err)
	}
	closers = append(closers, dl.Close)

	reg := registry.New(st.Registry())
	if err := reg.Load(ctx); err != nil {
		return nil, err
	}
	q := queue.New(st.Queue(), queue.Config{
		MaxRetries:    cfg.Queue.MaxRetries,
		EscalateAfter: cfg.Queue.EscalateAfter,
		MinTier:       cfg.Queue.MinTier(),
	})
	if err := q.Load(ctx); err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}
	log.Infof("✓ registry active=%d version=%d, queue pending=%d", reg.Len(), reg.Version(), q.Len())

	brk, err := b.brokerFn(cfg.Broker, cfg.Streaming.HandlerBuffer)
	if err != nil {
		return nil, fmt.Errorf("init broker: %w", err)
	}
	closers = append(closers, brk.Close)

	snapshots := st.Snapshots()
	str := streamer.New(brk, reg, q, snapshots, streamer.Config{
		SlotBudget:        cfg.Streaming.SlotBudget,
		OverflowTier:      cfg.Streaming.OverflowTier,
		RebalanceInterval: cfg.Streaming.RebalanceInterval,
	})
	str.RegisterHandler(streamer.HandlerFunc(logTick))

	wk := worker.New(brk, q, snapshots, retryPolicy(cfg.Retry), worker.Config{
		Interval:       cfg.Worker.Interval,
		BatchSize:      cfg.Worker.BatchSize,
		MaxTier:        cfg.Worker.Tier,
		DrainTimeout:   cfg.Worker.DrainTimeout,
		RunImmediately: cfg.Worker.RunImmediately,
		Align:          cfg.Worker.Align,
	})
	if cfg.Worker.BreakerThreshold > 0 {
		cb := circuit.NewCircuitBreaker("broker-fetch", cfg.Worker.BreakerThreshold, cfg.Worker.BreakerCooldown)
		cb.SetStateChangeHandler(func(name string, from, to circuit.State) {
			log.Warnf("circuit %s %s -> %s", name, from, to)
		})
		wk.WithBreaker(cb)
	}

	ruleSet, policy, err := b.rulesFn(cfg.Rules)
	if err != nil {
		return nil, err
	}
	engine := decision.NewEngine(ruleSet...)

	alerts := alert.NewManager(alert.Config{
		RingSize:    cfg.Alert.RingSize,
		DedupWindow: cfg.Alert.DedupWindow,
	}, b.notifierFn(cfg.Notify), dl)

	mon := monitor.New(snapshots, engine, alerts, dl, monitor.Config{
		Interval:       cfg.Monitor.Interval,
		RunImmediately: cfg.Monitor.RunImmediately,
		Align:          cfg.Monitor.Align,
		Lookback:       cfg.Monitor.PeakLookback,
	})

	server, err := b.httpFn(adminhttp.ServerConfig{
		Addr:      cfg.App.HTTPAddr,
		Registry:  reg,
		Queue:     q,
		Streamer:  str,
		Worker:    wk,
		Snapshots: snapshots,
		Decisions: dl,
		Alerts:    alerts,
		Monitor:   mon,
		LogPath:   cfg.App.LogPath,
	})
	if err != nil {
		return nil, fmt.Errorf("init admin http: %w", err)
	}

	app = &App{
		cfg:      cfg,
		registry: reg,
		queue:    q,
		streamer: str,
		worker:   wk,
		monitor:  mon,
		alerts:   alerts,
		policy:   policy,
		http:     server,
		closers:  closers,
	}
	app.Summary = newStartupSummary(cfg, reg, q, engine, policy)
	return app, nil
}

func buildBroker(cfg config.BrokerConfig, handlerBuffer int) (BrokerConn, error) {
	client, err := ibkr.NewClient(cfg, handlerBuffer)
	if err != nil {
		return nil, err
	}
	log.Infof("✓ IB gateway %s account=%s", cfg.BaseURL, cfg.AccountID)
	return client, nil
}

func buildNotifier(cfg config.NotifyConfig) notifier.TextNotifier {
	if !cfg.Telegram.Enabled {
		return notifier.Nop{}
	}
	log.Infof("✓ telegram alerts enabled chat=%s", cfg.Telegram.ChatID)
	return notifier.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID)
}

// buildRules 加载规则策略文件；文件不存在时以默认参数启用全部规则。
func buildRules(cfg config.RulesConfig) ([]decision.Rule, *rulepolicy.Registry, error) {
	path := strings.TrimSpace(cfg.Path)
	if path != "" {
		if _, err := os.Stat(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("stat rule policy: %w", err)
		} else if err == nil {
			reg, err := rulepolicy.Load(path, rules.Schemas())
			if err != nil {
				return nil, nil, err
			}
			if cfg.Watch {
				reg.Watch()
			}
			set, err := rules.Build(reg.Policy())
			if err != nil {
				return nil, nil, err
			}
			return set, reg, nil
		}
		log.Warnf("rule policy %s not found, using built-in defaults", path)
	}
	set, err := rules.Build(rules.DefaultPolicy())
	return set, nil, err
}

func retryPolicy(cfg config.RetryConfig) retry.Policy {
	return retry.Policy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BaseDelay,
		MaxDelay:    cfg.MaxDelay,
		Jitter:      cfg.Jitter,
	}
}

func logTick(_ context.Context, snap types.PositionSnapshot) {
	log.Debugf("tick contract=%s symbol=%s px=%.4f upl=%.2f", snap.ContractID, snap.Symbol, snap.MarketPrice, snap.UnrealizedPnL)
}

func closeAll(closers []func() error) error {
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type appBuilderDeps interface {
	Build(context.Context) (*App, error)
}

func provideAppFromBuilder(b appBuilderDeps, ctx context.Context) (*App, error) {
	return b.Build(ctx)
}

func provideAppBuilder(cfg *config.Config) *AppBuilder {
	return NewAppBuilder(cfg)
}
