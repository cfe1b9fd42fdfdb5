package decisionlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"possync/internal/store"

	_ "modernc.org/sqlite"
)

// DecisionLogStore 记录每个监控周期产生的决策，只追加不更新。
type DecisionLogStore struct {
	mu     sync.Mutex
	db     *sql.DB
	path   string
	ownsDB bool
}

var _ store.DecisionLog = (*DecisionLogStore)(nil)

// DecisionQuery 是 ListDecisions 的过滤条件，空字段匹配全部。
type DecisionQuery struct {
	CycleID string
	Symbol  string
	Action  string
	Limit   int
	Offset  int
}

func NewDecisionLogStore(path string) (*DecisionLogStore, error) {
	if path == "" {
		return nil, fmt.Errorf("decision log path 不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)
	if err := ensureDecisionLogSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &DecisionLogStore{db: db, path: path, ownsDB: true}, nil
}

// UseExternalDB 复用外部连接（例如测试里的内存库）。
func (s *DecisionLogStore) UseExternalDB(db *sql.DB) error {
	if s == nil {
		return fmt.Errorf("decision log store 未初始化")
	}
	if db == nil {
		return fmt.Errorf("external db 不能为空")
	}
	if err := ensureDecisionLogSchema(db); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ownsDB && s.db != nil && s.db != db {
		_ = s.db.Close()
	}
	s.db = db
	s.ownsDB = false
	return nil
}

func (s *DecisionLogStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	if !s.ownsDB {
		s.db = nil
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *DecisionLogStore) handle() (*sql.DB, error) {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return nil, fmt.Errorf("decision log store 未初始化")
	}
	return db, nil
}

func ensureDecisionLogSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS decisions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			cycle_id TEXT NOT NULL,
			contract_id TEXT NOT NULL,
			symbol TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			urgency TEXT NOT NULL DEFAULT '',
			rule TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			metadata_json TEXT,
			decided_at INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_ts ON decisions(decided_at DESC, id DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_contract ON decisions(contract_id, decided_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_cycle ON decisions(cycle_id);`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			contract_id TEXT NOT NULL,
			symbol TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			urgency TEXT NOT NULL,
			rule TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_ts ON alerts(created_at DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return ensureDecisionLogColumns(db)
}

// AppendDecisions 在单个事务中写入一个周期的全部决策。
func (s *DecisionLogStore) AppendDecisions(ctx context.Context, recs []store.DecisionRecord) error {
	if len(recs) == 0 {
		return nil
	}
	db, err := s.handle()
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO decisions
			(cycle_id, contract_id, symbol, action, urgency, rule, reason, metadata_json, decided_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	now := time.Now().UnixMilli()
	for _, rec := range recs {
		if strings.TrimSpace(rec.ContractID) == "" {
			return fmt.Errorf("decision record missing contract id")
		}
		decided := rec.DecidedAt
		if decided.IsZero() {
			decided = time.Now()
		}
		if _, err := stmt.ExecContext(ctx,
			rec.CycleID,
			rec.ContractID,
			rec.Symbol,
			rec.Action,
			rec.Urgency,
			rec.Rule,
			rec.Reason,
			encodeMetadata(rec.Metadata),
			decided.UnixMilli(),
			now,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *DecisionLogStore) RecentDecisions(ctx context.Context, limit int) ([]store.DecisionRecord, error) {
	return s.ListDecisions(ctx, DecisionQuery{Limit: limit})
}

func (s *DecisionLogStore) DecisionsForContract(ctx context.Context, contractID string, limit int) ([]store.DecisionRecord, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, selectDecisionSQL+` WHERE contract_id = ? ORDER BY decided_at DESC, id DESC LIMIT ?`,
		contractID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDecisions(rows)
}

// ListDecisions 返回最新的决策，支持按周期/标的/动作过滤。
func (s *DecisionLogStore) ListDecisions(ctx context.Context, q DecisionQuery) ([]store.DecisionRecord, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	filterSQL, args := buildDecisionFilter(q)
	var sb strings.Builder
	sb.WriteString(selectDecisionSQL)
	sb.WriteString(filterSQL)
	sb.WriteString(" ORDER BY decided_at DESC, id DESC LIMIT ? OFFSET ?")
	args = append(args, clampLimit(q.Limit), offset)
	rows, err := db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDecisions(rows)
}

// CountByAction 统计各动作的决策数量。
func (s *DecisionLogStore) CountByAction(ctx context.Context, since time.Time) (map[string]int, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT action, COUNT(1) FROM decisions WHERE decided_at >= ? GROUP BY action`, since.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var action string
		var n int
		if err := rows.Scan(&action, &n); err != nil {
			return nil, err
		}
		out[action] = n
	}
	return out, rows.Err()
}

const selectDecisionSQL = `SELECT id, cycle_id, contract_id, symbol, action, urgency, rule, reason, metadata_json, decided_at FROM decisions`

func buildDecisionFilter(q DecisionQuery) (string, []interface{}) {
	var clauses []string
	var args []interface{}
	if v := strings.TrimSpace(q.CycleID); v != "" {
		clauses = append(clauses, "cycle_id = ?")
		args = append(args, v)
	}
	if v := strings.ToUpper(strings.TrimSpace(q.Symbol)); v != "" {
		clauses = append(clauses, "symbol = ?")
		args = append(args, v)
	}
	if v := strings.ToUpper(strings.TrimSpace(q.Action)); v != "" {
		clauses = append(clauses, "action = ?")
		args = append(args, v)
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDecisions(rows *sql.Rows) ([]store.DecisionRecord, error) {
	var list []store.DecisionRecord
	for rows.Next() {
		rec, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, rec)
	}
	return list, rows.Err()
}

func scanDecision(scanner rowScanner) (store.DecisionRecord, error) {
	var (
		rec     store.DecisionRecord
		meta    sql.NullString
		decided int64
	)
	if err := scanner.Scan(&rec.ID, &rec.CycleID, &rec.ContractID, &rec.Symbol, &rec.Action,
		&rec.Urgency, &rec.Rule, &rec.Reason, &meta, &decided); err != nil {
		return rec, err
	}
	rec.Metadata = decodeMetadata(meta.String)
	rec.DecidedAt = time.UnixMilli(decided).UTC()
	return rec, nil
}

func encodeMetadata(m map[string]any) interface{} {
	if len(m) == 0 {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return string(b)
}

func decodeMetadata(raw string) map[string]any {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}
