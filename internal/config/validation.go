package config

import (
	"fmt"
	"net/url"
	"strings"
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if err := c.Broker.validate(); err != nil {
		return err
	}
	if err := c.Streaming.validate(); err != nil {
		return err
	}
	if err := c.Queue.validate(); err != nil {
		return err
	}
	if err := c.Worker.validate(); err != nil {
		return err
	}
	if err := c.Retry.validate(); err != nil {
		return err
	}
	if err := c.Notify.validate(); err != nil {
		return err
	}
	return nil
}

func (b *BrokerConfig) validate() error {
	for key, raw := range map[string]string{"broker.base_url": b.BaseURL, "broker.ws_url": b.WSURL} {
		if strings.TrimSpace(raw) == "" {
			return fmt.Errorf("%s cannot be empty", key)
		}
		if _, err := url.Parse(raw); err != nil {
			return fmt.Errorf("%s invalid: %w", key, err)
		}
	}
	if strings.TrimSpace(b.AccountID) == "" {
		return fmt.Errorf("broker.account_id cannot be empty")
	}
	if b.RateLimitPerSec <= 0 {
		return fmt.Errorf("broker.rate_limit_per_sec must be > 0")
	}
	return nil
}

func (s *StreamingConfig) validate() error {
	if s.SlotBudget < 0 {
		return fmt.Errorf("streaming.slot_budget must be >= 0")
	}
	if s.OverflowTier <= 0 {
		return fmt.Errorf("streaming.overflow_tier must be > 0")
	}
	return nil
}

func (q *QueueConfig) validate() error {
	for name, tier := range q.Tiers {
		if tier <= 0 {
			return fmt.Errorf("queue.tiers.%s must be > 0", name)
		}
	}
	if q.MaxRetries < 0 {
		return fmt.Errorf("queue.max_retries must be >= 0")
	}
	if q.EscalateAfter < 0 {
		return fmt.Errorf("queue.escalate_after must be >= 0")
	}
	return nil
}

func (w *WorkerConfig) validate() error {
	if w.BatchSize <= 0 {
		return fmt.Errorf("worker.batch_size must be > 0")
	}
	if w.Tier <= 0 {
		return fmt.Errorf("worker.tier must be > 0")
	}
	return nil
}

func (r *RetryConfig) validate() error {
	if r.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if r.MaxDelay > 0 && r.BaseDelay > r.MaxDelay {
		return fmt.Errorf("retry.base_delay must not exceed retry.max_delay")
	}
	return nil
}

func (n *NotifyConfig) validate() error {
	if n.Telegram.Enabled {
		if n.Telegram.BotToken == "" || n.Telegram.ChatID == "" {
			return fmt.Errorf("telegram notification enabled but missing bot_token or chat_id")
		}
	}
	return nil
}
