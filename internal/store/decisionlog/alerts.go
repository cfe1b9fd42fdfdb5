package decisionlog

import (
	"context"
	"time"

	"possync/internal/alert"
	"possync/internal/decision"
)

var _ alert.Sink = (*DecisionLogStore)(nil)

func (s *DecisionLogStore) SaveAlert(ctx context.Context, a alert.Alert) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT OR IGNORE INTO alerts (id, contract_id, symbol, action, urgency, rule, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ContractID, a.Symbol, string(a.Action), string(a.Urgency), a.Rule, a.Reason, a.CreatedAt.UnixMilli())
	return err
}

// RecentAlerts 读取已持久化的告警，最新在前。
func (s *DecisionLogStore) RecentAlerts(ctx context.Context, limit int) ([]alert.Alert, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT id, contract_id, symbol, action, urgency, rule, reason, created_at
		FROM alerts ORDER BY created_at DESC, id DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []alert.Alert
	for rows.Next() {
		var (
			a               alert.Alert
			action, urgency string
			created         int64
		)
		if err := rows.Scan(&a.ID, &a.ContractID, &a.Symbol, &action, &urgency, &a.Rule, &a.Reason, &created); err != nil {
			return nil, err
		}
		a.Action = decision.Action(action)
		a.Urgency = decision.Urgency(urgency)
		a.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}
