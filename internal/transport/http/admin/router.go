package adminhttp

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"possync/internal/alert"
	"possync/internal/monitor"
	"possync/internal/registry"
	"possync/internal/store"
	"possync/internal/store/decisionlog"
	"possync/internal/types"
	"possync/internal/worker"

	"github.com/gin-gonic/gin"
)

const (
	defaultListLimit   = 100
	maxListLimit       = 500
	defaultHistorySpan = 24 * time.Hour
)

type Registry interface {
	ListActive() []types.ActiveContract
	Version() int64
	Changes(ctx context.Context, limit int) ([]store.RegistryChange, error)
	AddActive(ctx context.Context, contract types.Contract, strategyID string) (types.ActiveContract, error)
	RemoveActive(ctx context.Context, contractID string) error
}

type Queue interface {
	Pending() []types.QueuedItem
	Len() int
	InFlight() int
	PermanentFailures(ctx context.Context, limit int) ([]types.QueueFailure, error)
}

type Streamer interface {
	Streaming() []string
	StreamingCount() int
	Budget() int
}

type WorkerStats interface {
	Stats() worker.Stats
}

type DecisionReader interface {
	ListDecisions(ctx context.Context, q decisionlog.DecisionQuery) ([]store.DecisionRecord, error)
	CountByAction(ctx context.Context, since time.Time) (map[string]int, error)
}

type AlertFeed interface {
	Recent(limit int) []alert.Alert
}

type Monitor interface {
	LastCycle() (monitor.CycleResult, bool)
	RunCycle(ctx context.Context) (monitor.CycleResult, error)
}

// ServerConfig 描述 admin HTTP 服务依赖。Monitor 与 LogPath 可为空。
type ServerConfig struct {
	Addr      string
	Registry  Registry
	Queue     Queue
	Streamer  Streamer
	Worker    WorkerStats
	Snapshots store.SnapshotStore
	Decisions DecisionReader
	Alerts    AlertFeed
	Monitor   Monitor
	LogPath   string
}

func (c ServerConfig) validate() error {
	switch {
	case c.Registry == nil:
		return errors.New("admin http: registry 未初始化")
	case c.Queue == nil:
		return errors.New("admin http: queue 未初始化")
	case c.Snapshots == nil:
		return errors.New("admin http: snapshot store 未初始化")
	}
	return nil
}

// Router 暴露 /api 下的查询与管理接口。
type Router struct {
	cfg   ServerConfig
	nowFn func() time.Time
}

func NewRouter(cfg ServerConfig) *Router {
	return &Router{cfg: cfg, nowFn: time.Now}
}

// Register 将路由挂载到给定分组下。
func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.GET("/stats", r.handleStats)
	group.GET("/registry", r.handleRegistry)
	group.POST("/registry", r.handleRegistryAdd)
	group.DELETE("/registry/:contract", r.handleRegistryRemove)
	group.GET("/queue", r.handleQueue)
	group.GET("/queue/failures", r.handleQueueFailures)
	group.GET("/positions", r.handlePositions)
	group.GET("/positions/:contract/history", r.handlePositionHistory)
	group.GET("/decisions", r.handleDecisions)
	group.GET("/alerts", r.handleAlerts)
	if r.cfg.Monitor != nil {
		group.GET("/monitor/last", r.handleMonitorLast)
		group.POST("/monitor/run", r.handleMonitorRun)
	}
	if strings.TrimSpace(r.cfg.LogPath) != "" {
		group.GET("/logs", r.handleLogs)
	}
}

func (r *Router) handleStats(c *gin.Context) {
	resp := gin.H{
		"registry": gin.H{
			"active":  len(r.cfg.Registry.ListActive()),
			"version": r.cfg.Registry.Version(),
		},
		"queue": gin.H{
			"depth":     r.cfg.Queue.Len(),
			"in_flight": r.cfg.Queue.InFlight(),
		},
	}
	if r.cfg.Streamer != nil {
		resp["streaming"] = gin.H{
			"count":  r.cfg.Streamer.StreamingCount(),
			"budget": r.cfg.Streamer.Budget(),
		}
	}
	if r.cfg.Worker != nil {
		resp["worker"] = r.cfg.Worker.Stats()
	}
	if r.cfg.Monitor != nil {
		if last, ok := r.cfg.Monitor.LastCycle(); ok {
			resp["last_cycle"] = cycleSummary(last)
		}
	}
	if r.cfg.Decisions != nil {
		counts, err := r.cfg.Decisions.CountByAction(c.Request.Context(), r.nowFn().Add(-24*time.Hour))
		if err != nil {
			log.Warnf("count decisions: %v", err)
		} else {
			resp["decisions_24h"] = counts
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (r *Router) handleRegistry(c *gin.Context) {
	resp := gin.H{
		"version":   r.cfg.Registry.Version(),
		"contracts": r.cfg.Registry.ListActive(),
	}
	if parseBool(c.Query("changes")) {
		changes, err := r.cfg.Registry.Changes(c.Request.Context(), parseLimit(c.Query("limit")))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		resp["changes"] = changes
	}
	if r.cfg.Streamer != nil {
		resp["streaming"] = r.cfg.Streamer.Streaming()
	}
	c.JSON(http.StatusOK, resp)
}

type addContractRequest struct {
	ContractID string  `json:"contract_id"`
	Symbol     string  `json:"symbol"`
	Right      string  `json:"right"`
	Strike     float64 `json:"strike"`
	Expiry     string  `json:"expiry"`
	Multiplier float64 `json:"multiplier"`
	StrategyID string  `json:"strategy_id"`
}

func (req addContractRequest) contract() (types.Contract, error) {
	c := types.Contract{
		ID:         strings.TrimSpace(req.ContractID),
		Symbol:     strings.ToUpper(strings.TrimSpace(req.Symbol)),
		Strike:     req.Strike,
		Multiplier: req.Multiplier,
	}
	if c.ID == "" {
		return c, errors.New("contract_id 不能为空")
	}
	if strings.TrimSpace(req.Right) != "" {
		c.Right = types.ParseRight(req.Right)
		if c.Right == "" {
			return c, errors.New("right must be C or P")
		}
	}
	if exp := strings.TrimSpace(req.Expiry); exp != "" {
		t, err := time.Parse("2006-01-02", exp)
		if err != nil {
			return c, errors.New("expiry must be YYYY-MM-DD")
		}
		c.Expiry = t
	}
	return c, nil
}

func (r *Router) handleRegistryAdd(c *gin.Context) {
	var req addContractRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	contract, err := req.contract()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	active, err := r.cfg.Registry.AddActive(c.Request.Context(), contract, strings.TrimSpace(req.StrategyID))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, registry.ErrInvalidContract) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"contract": active, "version": r.cfg.Registry.Version()})
}

func (r *Router) handleRegistryRemove(c *gin.Context) {
	id := strings.TrimSpace(c.Param("contract"))
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "contract 不能为空"})
		return
	}
	if err := r.cfg.Registry.RemoveActive(c.Request.Context(), id); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": id, "version": r.cfg.Registry.Version()})
}

func (r *Router) handleQueue(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"depth":     r.cfg.Queue.Len(),
		"in_flight": r.cfg.Queue.InFlight(),
		"items":     r.cfg.Queue.Pending(),
	})
}

func (r *Router) handleQueueFailures(c *gin.Context) {
	failures, err := r.cfg.Queue.PermanentFailures(c.Request.Context(), parseLimit(c.Query("limit")))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"failures": failures})
}

func (r *Router) handlePositions(c *gin.Context) {
	snaps, err := r.cfg.Snapshots.LatestAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	symbol := strings.ToUpper(strings.TrimSpace(c.Query("symbol")))
	openOnly := parseBool(c.Query("open"))
	out := make([]types.PositionSnapshot, 0, len(snaps))
	for _, s := range snaps {
		if symbol != "" && s.Symbol != symbol {
			continue
		}
		if openOnly && !s.IsOpen() {
			continue
		}
		out = append(out, s)
	}
	c.JSON(http.StatusOK, gin.H{"positions": out})
}

func (r *Router) handlePositionHistory(c *gin.Context) {
	id := strings.TrimSpace(c.Param("contract"))
	to, err := parseTime(c.Query("to"), r.nowFn())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to"})
		return
	}
	from, err := parseTime(c.Query("from"), to.Add(-defaultHistorySpan))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from"})
		return
	}
	if from.After(to) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from must not be after to"})
		return
	}
	hist, err := r.cfg.Snapshots.Range(c.Request.Context(), id, from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"contract_id": id,
		"from":        from.UTC(),
		"to":          to.UTC(),
		"snapshots":   hist,
	})
}

func (r *Router) handleDecisions(c *gin.Context) {
	if r.cfg.Decisions == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "decision log 未初始化"})
		return
	}
	offset, _ := strconv.Atoi(c.Query("offset"))
	q := decisionlog.DecisionQuery{
		CycleID: strings.TrimSpace(c.Query("cycle_id")),
		Symbol:  strings.ToUpper(strings.TrimSpace(c.Query("symbol"))),
		Action:  strings.ToUpper(strings.TrimSpace(c.Query("action"))),
		Limit:   parseLimit(c.Query("limit")),
		Offset:  offset,
	}
	recs, err := r.cfg.Decisions.ListDecisions(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"decisions": recs})
}

func (r *Router) handleAlerts(c *gin.Context) {
	if r.cfg.Alerts == nil {
		c.JSON(http.StatusOK, gin.H{"alerts": []alert.Alert{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": r.cfg.Alerts.Recent(parseLimit(c.Query("limit")))})
}

func (r *Router) handleMonitorLast(c *gin.Context) {
	last, ok := r.cfg.Monitor.LastCycle()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no cycle yet"})
		return
	}
	c.JSON(http.StatusOK, last)
}

func (r *Router) handleMonitorRun(c *gin.Context) {
	res, err := r.cfg.Monitor.RunCycle(c.Request.Context())
	if err != nil {
		// 决策已产出，仅持久化或告警失败时仍返回结果
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "cycle": cycleSummary(res)})
		return
	}
	c.JSON(http.StatusOK, res)
}

func cycleSummary(res monitor.CycleResult) gin.H {
	return gin.H{
		"cycle_id":    res.CycleID,
		"started_at":  res.StartedAt,
		"duration_ms": res.Duration.Milliseconds(),
		"evaluated":   res.Evaluated,
		"actionable":  res.Actionable,
		"alerted":     res.Alerted,
		"suppressed":  res.Suppressed,
	}
}

func parseLimit(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return defaultListLimit
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}

func parseBool(val string) bool {
	switch strings.TrimSpace(strings.ToLower(val)) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

// parseTime 接受 RFC3339 或 unix 毫秒。
func parseTime(raw string, def time.Time) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	return time.Parse(time.RFC3339, raw)
}
