package config

import (
	"strings"
	"time"
)

// 默认值常量
const (
	defaultAppEnv            = "dev"
	defaultAppLogLevel       = "info"
	defaultAppHTTPAddr       = ":9991"
	defaultBrokerBaseURL     = "https://localhost:5000/v1/api"
	defaultBrokerRate        = 10
	defaultBrokerBurst       = 5
	defaultBrokerTimeout     = 15 * time.Second
	defaultSlotBudget        = 100
	defaultOverflowTier      = 3
	defaultHandlerBuffer     = 64
	defaultRebalanceInterval = 15 * time.Second
	defaultMaxRetries        = 5
	defaultEscalateAfter     = 2
	defaultWorkerInterval    = 30 * time.Second
	defaultWorkerBatch       = 10
	defaultWorkerTier        = 3
	defaultDrainTimeout      = 10 * time.Second
	defaultBreakerThreshold  = 5
	defaultBreakerCooldown   = time.Minute
	defaultRetryAttempts     = 3
	defaultRetryBase         = 500 * time.Millisecond
	defaultRetryMax          = 30 * time.Second
	defaultRetryJitter       = 250 * time.Millisecond
	defaultMonitorInterval   = 30 * time.Second
	defaultPeakLookback      = 72 * time.Hour
	defaultRulesPath         = "configs/rules.yaml"
	defaultStorePath         = "data/possync.db"
	defaultDecisionLogPath   = "data/decisions.db"
	defaultAlertRing         = 200
	defaultAlertDedup        = 15 * time.Minute
)

var defaultTiers = map[string]int{"urgent": 1, "normal": 2, "background": 3}

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Broker.applyDefaults(keys)
	c.Streaming.applyDefaults(keys)
	c.Queue.applyDefaults(keys)
	c.Worker.applyDefaults(keys)
	c.Retry.applyDefaults(keys)
	c.Monitor.applyDefaults(keys)
	c.Rules.applyDefaults(keys)
	c.Store.applyDefaults(keys)
	c.Alert.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
	)
}

func (b *BrokerConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("broker.base_url", &b.BaseURL, defaultBrokerBaseURL),
		fieldDefault{
			key:   "broker.rate_limit_per_sec",
			need:  func() bool { return b.RateLimitPerSec <= 0 },
			apply: func() { b.RateLimitPerSec = defaultBrokerRate },
		},
		intFieldDefault("broker.burst", &b.Burst, defaultBrokerBurst),
		durationFieldDefault("broker.timeout", &b.Timeout, defaultBrokerTimeout),
	)
	if strings.TrimSpace(b.WSURL) == "" {
		b.WSURL = deriveWSURL(b.BaseURL)
	}
}

// deriveWSURL 把 https://host/v1/api 映射为 wss://host/v1/api/ws。
func deriveWSURL(base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/ws"
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + "/ws"
	default:
		return ""
	}
}

func (s *StreamingConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		intFieldDefault("streaming.slot_budget", &s.SlotBudget, defaultSlotBudget),
		intFieldDefault("streaming.overflow_tier", &s.OverflowTier, defaultOverflowTier),
		intFieldDefault("streaming.handler_buffer", &s.HandlerBuffer, defaultHandlerBuffer),
		durationFieldDefault("streaming.rebalance_interval", &s.RebalanceInterval, defaultRebalanceInterval),
	)
}

func (q *QueueConfig) applyDefaults(keys keySet) {
	if len(q.Tiers) == 0 {
		q.Tiers = make(map[string]int, len(defaultTiers))
		for k, v := range defaultTiers {
			q.Tiers[k] = v
		}
	} else {
		normalized := make(map[string]int, len(q.Tiers))
		for k, v := range q.Tiers {
			normalized[strings.ToLower(strings.TrimSpace(k))] = v
		}
		q.Tiers = normalized
	}
	applyFieldDefaults(keys,
		intFieldDefault("queue.max_retries", &q.MaxRetries, defaultMaxRetries),
		intFieldDefault("queue.escalate_after", &q.EscalateAfter, defaultEscalateAfter),
	)
}

func (w *WorkerConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		durationFieldDefault("worker.interval", &w.Interval, defaultWorkerInterval),
		intFieldDefault("worker.batch_size", &w.BatchSize, defaultWorkerBatch),
		intFieldDefault("worker.tier", &w.Tier, defaultWorkerTier),
		durationFieldDefault("worker.drain_timeout", &w.DrainTimeout, defaultDrainTimeout),
		intFieldDefault("worker.breaker_threshold", &w.BreakerThreshold, defaultBreakerThreshold),
		durationFieldDefault("worker.breaker_cooldown", &w.BreakerCooldown, defaultBreakerCooldown),
		boolFieldDefault("worker.run_immediately", &w.RunImmediately, true),
	)
}

func (r *RetryConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		intFieldDefault("retry.max_attempts", &r.MaxAttempts, defaultRetryAttempts),
		durationFieldDefault("retry.base_delay", &r.BaseDelay, defaultRetryBase),
		durationFieldDefault("retry.max_delay", &r.MaxDelay, defaultRetryMax),
		durationFieldDefault("retry.jitter", &r.Jitter, defaultRetryJitter),
	)
}

func (m *MonitorConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		durationFieldDefault("monitor.interval", &m.Interval, defaultMonitorInterval),
		durationFieldDefault("monitor.peak_lookback", &m.PeakLookback, defaultPeakLookback),
		boolFieldDefault("monitor.run_immediately", &m.RunImmediately, true),
	)
}

func (r *RulesConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("rules.path", &r.Path, defaultRulesPath),
		boolFieldDefault("rules.watch", &r.Watch, true),
	)
}

func (s *StoreConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("store.path", &s.Path, defaultStorePath),
		stringFieldDefault("store.decision_log", &s.DecisionLog, defaultDecisionLogPath),
	)
}

func (a *AlertConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		intFieldDefault("alert.ring_size", &a.RingSize, defaultAlertRing),
		durationFieldDefault("alert.dedup_window", &a.DedupWindow, defaultAlertDedup),
	)
}

// 辅助函数

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return strings.TrimSpace(*target) == "" },
		apply: func() { *target = def },
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return *target <= 0 },
		apply: func() { *target = def },
	}
}

func durationFieldDefault(key string, target *time.Duration, def time.Duration) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return *target <= 0 },
		apply: func() { *target = def },
	}
}

// boolFieldDefault 仅在所有文件都未设置该键时生效。
func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:   key,
		apply: func() { *target = def },
	}
}
