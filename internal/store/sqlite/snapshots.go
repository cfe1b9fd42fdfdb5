package sqlite

import (
	"context"
	"errors"
	"sort"
	"time"

	"possync/internal/store"
	"possync/internal/store/model"
	"possync/internal/types"

	"gorm.io/gorm"
)

type SnapshotRepo struct {
	s *Store
}

var _ store.SnapshotStore = (*SnapshotRepo)(nil)

func (r *SnapshotRepo) Append(ctx context.Context, snap types.PositionSnapshot) error {
	row := toSnapshotModel(snap)
	r.s.writeMu.Lock()
	defer r.s.writeMu.Unlock()
	return r.s.db.WithContext(ctx).Create(&row).Error
}

func (r *SnapshotRepo) Reconcile(ctx context.Context, snap types.PositionSnapshot) (bool, error) {
	row := toSnapshotModel(snap)
	committed := false
	r.s.writeMu.Lock()
	defer r.s.writeMu.Unlock()
	err := r.s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur model.PositionSnapshotModel
		res := tx.Where("contract_id = ?", snap.ContractID).Order("ts DESC, id DESC").Limit(1).Find(&cur)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 && row.TS <= cur.TS {
			return nil
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		committed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return committed, nil
}

func (r *SnapshotRepo) Latest(ctx context.Context, contractID string) (types.PositionSnapshot, error) {
	var row model.PositionSnapshotModel
	err := r.s.db.WithContext(ctx).Where("contract_id = ?", contractID).Order("ts DESC, id DESC").Limit(1).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.PositionSnapshot{}, store.ErrNotFound
	}
	if err != nil {
		return types.PositionSnapshot{}, err
	}
	return fromSnapshotModel(row), nil
}

func (r *SnapshotRepo) LatestAll(ctx context.Context) ([]types.PositionSnapshot, error) {
	var rows []model.PositionSnapshotModel
	latest := r.s.db.Model(&model.PositionSnapshotModel{}).
		Select("contract_id, MAX(ts) AS ts").
		Group("contract_id")
	err := r.s.db.WithContext(ctx).
		Table("position_snapshots AS s").
		Select("s.*").
		Joins("JOIN (?) AS m ON s.contract_id = m.contract_id AND s.ts = m.ts", latest).
		Order("s.id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	// Rows sharing the max timestamp: the later insert wins.
	byContract := make(map[string]model.PositionSnapshotModel, len(rows))
	for _, row := range rows {
		byContract[row.ContractID] = row
	}
	out := make([]types.PositionSnapshot, 0, len(byContract))
	for _, row := range byContract {
		out = append(out, fromSnapshotModel(row))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].ContractID < out[j].ContractID
	})
	return out, nil
}

func (r *SnapshotRepo) Range(ctx context.Context, contractID string, from, to time.Time) ([]types.PositionSnapshot, error) {
	var rows []model.PositionSnapshotModel
	err := r.s.db.WithContext(ctx).
		Where("contract_id = ? AND ts >= ? AND ts <= ?", contractID, from.UnixNano(), to.UnixNano()).
		Order("ts ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]types.PositionSnapshot, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromSnapshotModel(row))
	}
	return out, nil
}

// RangeSymbol scans one partition.
func (r *SnapshotRepo) RangeSymbol(ctx context.Context, symbol string, from, to time.Time) ([]types.PositionSnapshot, error) {
	var rows []model.PositionSnapshotModel
	err := r.s.db.WithContext(ctx).
		Where("partition_key = ? AND ts >= ? AND ts <= ?", symbol, from.UnixNano(), to.UnixNano()).
		Order("contract_id ASC, ts ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]types.PositionSnapshot, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromSnapshotModel(row))
	}
	return out, nil
}

func toSnapshotModel(s types.PositionSnapshot) model.PositionSnapshotModel {
	return model.PositionSnapshotModel{
		Partition:     s.Symbol,
		ContractID:    s.ContractID,
		TS:            s.Timestamp.UnixNano(),
		Symbol:        s.Symbol,
		Right:         string(s.Right),
		Strike:        s.Strike,
		Expiry:        unixOrZero(s.Expiry),
		Quantity:      s.Quantity,
		AvgCost:       s.AvgCost,
		MarketPrice:   s.MarketPrice,
		UnrealizedPnL: s.UnrealizedPnL,
		Delta:         s.Greeks.Delta,
		Gamma:         s.Greeks.Gamma,
		Theta:         s.Greeks.Theta,
		Vega:          s.Greeks.Vega,
		ImpliedVol:    s.ImpliedVol,
		Source:        string(s.Source),
		CreatedAt:     time.Now().UnixNano(),
	}
}

func fromSnapshotModel(m model.PositionSnapshotModel) types.PositionSnapshot {
	return types.PositionSnapshot{
		ContractID:    m.ContractID,
		Symbol:        m.Symbol,
		Right:         types.OptionRight(m.Right),
		Strike:        m.Strike,
		Expiry:        timeOrZero(m.Expiry),
		Quantity:      m.Quantity,
		AvgCost:       m.AvgCost,
		MarketPrice:   m.MarketPrice,
		UnrealizedPnL: m.UnrealizedPnL,
		Greeks:        types.Greeks{Delta: m.Delta, Gamma: m.Gamma, Theta: m.Theta, Vega: m.Vega},
		ImpliedVol:    m.ImpliedVol,
		Timestamp:     time.Unix(0, m.TS).UTC(),
		Source:        types.SnapshotSource(m.Source),
	}
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func timeOrZero(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v).UTC()
}
