package config

import (
	"strings"
	"time"
)

// Config 是 possync 的主配置载体，加载后只读。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Streaming StreamingConfig `mapstructure:"streaming"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Rules     RulesConfig     `mapstructure:"rules"`
	Store     StoreConfig     `mapstructure:"store"`
	Alert     AlertConfig     `mapstructure:"alert"`
	Notify    NotifyConfig    `mapstructure:"notify"`
}

type AppConfig struct {
	Env      string `mapstructure:"env"`
	LogLevel string `mapstructure:"log_level"`
	LogPath  string `mapstructure:"log_path"`
	HTTPAddr string `mapstructure:"http_addr"`
}

// BrokerConfig 指向 IB Client Portal 网关。
type BrokerConfig struct {
	BaseURL            string        `mapstructure:"base_url"`
	WSURL              string        `mapstructure:"ws_url"`
	AccountID          string        `mapstructure:"account_id"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
	RateLimitPerSec    float64       `mapstructure:"rate_limit_per_sec"`
	Burst              int           `mapstructure:"burst"`
	Timeout            time.Duration `mapstructure:"timeout"`
}

type StreamingConfig struct {
	SlotBudget        int           `mapstructure:"slot_budget"`
	OverflowTier      int           `mapstructure:"overflow_tier"`
	HandlerBuffer     int           `mapstructure:"handler_buffer"`
	RebalanceInterval time.Duration `mapstructure:"rebalance_interval"`
}

type QueueConfig struct {
	// Tiers 为优先级命名，例如 {"urgent": 1, "normal": 2, "background": 3}。
	Tiers         map[string]int `mapstructure:"tiers"`
	MaxRetries    int            `mapstructure:"max_retries"`
	EscalateAfter int            `mapstructure:"escalate_after"`
}

// Tier 解析层级名，未知时回退到 def。
func (q QueueConfig) Tier(name string, def int) int {
	if t, ok := q.Tiers[strings.ToLower(strings.TrimSpace(name))]; ok {
		return t
	}
	return def
}

// MinTier 是配置中最紧急的层级。
func (q QueueConfig) MinTier() int {
	min := 0
	for _, t := range q.Tiers {
		if min == 0 || t < min {
			min = t
		}
	}
	if min == 0 {
		return 1
	}
	return min
}

type WorkerConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	BatchSize      int           `mapstructure:"batch_size"`
	Tier           int           `mapstructure:"tier"`
	DrainTimeout   time.Duration `mapstructure:"drain_timeout"`
	RunImmediately bool          `mapstructure:"run_immediately"`
	// Align 让批处理对齐到 Interval 的整点倍数。
	Align bool `mapstructure:"align"`
	// BreakerThreshold 连续可重试失败达到该次数后熔断。
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Jitter      time.Duration `mapstructure:"jitter"`
}

type MonitorConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	RunImmediately bool          `mapstructure:"run_immediately"`
	Align          bool          `mapstructure:"align"`
	// PeakLookback 限定计算峰值盈亏的快照历史范围。
	PeakLookback time.Duration `mapstructure:"peak_lookback"`
}

type RulesConfig struct {
	Path  string `mapstructure:"path"`
	Watch bool   `mapstructure:"watch"`
}

type StoreConfig struct {
	Path        string `mapstructure:"path"`
	DecisionLog string `mapstructure:"decision_log"`
}

type AlertConfig struct {
	RingSize    int           `mapstructure:"ring_size"`
	DedupWindow time.Duration `mapstructure:"dedup_window"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

// keySet 用于追踪配置文件中显式设置的字段路径。
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault 描述单个字段的默认值设置规则。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
