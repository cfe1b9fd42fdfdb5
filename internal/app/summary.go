package app

import (
	"fmt"
	"strings"

	"possync/internal/config"
	"possync/internal/decision"
	"possync/internal/queue"
	"possync/internal/registry"
	"possync/internal/rulepolicy"
)

type StartupSummary struct {
	Broker    BrokerSummary
	Streaming StreamingSummary
	Rules     []RuleSummary
	RulesFrom string
	HTTPAddr  string
}

type BrokerSummary struct {
	BaseURL   string
	AccountID string
	RateLimit float64
}

type StreamingSummary struct {
	SlotBudget     int
	ActiveMembers  int
	QueuePending   int
	WorkerInterval string
	MonitorEvery   string
}

type RuleSummary struct {
	ID       string
	Priority int
}

func newStartupSummary(cfg *config.Config, reg *registry.Registry, q *queue.Queue, engine *decision.Engine, policy *rulepolicy.Registry) *StartupSummary {
	s := &StartupSummary{
		Broker: BrokerSummary{
			BaseURL:   cfg.Broker.BaseURL,
			AccountID: cfg.Broker.AccountID,
			RateLimit: cfg.Broker.RateLimitPerSec,
		},
		Streaming: StreamingSummary{
			SlotBudget:     cfg.Streaming.SlotBudget,
			ActiveMembers:  reg.Len(),
			QueuePending:   q.Len(),
			WorkerInterval: cfg.Worker.Interval.String(),
			MonitorEvery:   cfg.Monitor.Interval.String(),
		},
		RulesFrom: "built-in defaults",
		HTTPAddr:  cfg.App.HTTPAddr,
	}
	if policy != nil {
		s.RulesFrom = policy.Policy().Path
	}
	for _, r := range engine.Rules() {
		s.Rules = append(s.Rules, RuleSummary{ID: r.Name(), Priority: r.Priority()})
	}
	return s
}

func (s *StartupSummary) Print() {
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("%*s\n", 40+len("启动配置摘要 (STARTUP SUMMARY)")/2, "启动配置摘要 (STARTUP SUMMARY)")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Println("[券商网关 (BROKER)]")
	fmt.Printf("  网关地址: %s\n", s.Broker.BaseURL)
	fmt.Printf("  账户: %s\n", s.Broker.AccountID)
	fmt.Printf("  限速: %.1f req/s\n", s.Broker.RateLimit)
	fmt.Println()

	fmt.Println("[同步 (SYNC)]")
	fmt.Printf("  流式槽位: %d\n", s.Streaming.SlotBudget)
	fmt.Printf("  活跃合约: %d\n", s.Streaming.ActiveMembers)
	fmt.Printf("  队列待处理: %d\n", s.Streaming.QueuePending)
	fmt.Printf("  批处理周期: %s\n", s.Streaming.WorkerInterval)
	fmt.Printf("  监控周期: %s\n", s.Streaming.MonitorEvery)
	fmt.Println()

	fmt.Printf("[风控规则 (RULES)] 来源: %s\n", s.RulesFrom)
	if len(s.Rules) == 0 {
		fmt.Println("  (无)")
	}
	for _, r := range s.Rules {
		fmt.Printf("  - %-24s priority=%d\n", r.ID, r.Priority)
	}
	fmt.Println()

	fmt.Printf("[接口 (HTTP)] %s\n", formatList([]string{s.HTTPAddr}))
	fmt.Println(strings.Repeat("=", 80))
}

func formatList(items []string) string {
	out := items[:0:0]
	for _, it := range items {
		if strings.TrimSpace(it) != "" {
			out = append(out, it)
		}
	}
	if len(out) == 0 {
		return "-"
	}
	return strings.Join(out, ", ")
}
