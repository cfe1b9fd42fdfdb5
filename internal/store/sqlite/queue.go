package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"possync/internal/store"
	"possync/internal/store/model"
	"possync/internal/types"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type QueueRepo struct {
	s *Store
}

var _ store.QueueRepository = (*QueueRepo)(nil)

func (r *QueueRepo) LoadPending(ctx context.Context) ([]types.QueuedItem, error) {
	var rows []model.QueuedItemModel
	if err := r.s.db.WithContext(ctx).Order("tier ASC, seq ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.QueuedItem, 0, len(rows))
	for _, row := range rows {
		c, err := decodeContract(row.Contract, row.ContractID, row.Symbol)
		if err != nil {
			return nil, err
		}
		out = append(out, types.QueuedItem{
			Contract:          c,
			Tier:              row.Tier,
			Seq:               row.Seq,
			EnqueuedAt:        timeOrZero(row.EnqueuedAt),
			RetryCount:        row.RetryCount,
			LastErrorCategory: row.LastErrorCategory,
			LastError:         row.LastError,
		})
	}
	return out, nil
}

func (r *QueueRepo) UpsertItem(ctx context.Context, item types.QueuedItem) error {
	raw, err := json.Marshal(item.Contract)
	if err != nil {
		return fmt.Errorf("encode contract: %w", err)
	}
	row := model.QueuedItemModel{
		ContractID:        item.Contract.ID,
		Symbol:            item.Contract.Symbol,
		Contract:          datatypes.JSON(raw),
		Tier:              item.Tier,
		Seq:               item.Seq,
		EnqueuedAt:        unixOrZero(item.EnqueuedAt),
		RetryCount:        item.RetryCount,
		LastErrorCategory: item.LastErrorCategory,
		LastError:         item.LastError,
	}
	r.s.writeMu.Lock()
	defer r.s.writeMu.Unlock()
	return r.s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "contract_id"}},
		UpdateAll: true,
	}).Create(&row).Error
}

func (r *QueueRepo) DeleteItem(ctx context.Context, contractID string) error {
	r.s.writeMu.Lock()
	defer r.s.writeMu.Unlock()
	return r.s.db.WithContext(ctx).Where("contract_id = ?", contractID).Delete(&model.QueuedItemModel{}).Error
}

func (r *QueueRepo) MoveToFailures(ctx context.Context, f types.QueueFailure) error {
	raw, err := json.Marshal(f.Contract)
	if err != nil {
		return fmt.Errorf("encode contract: %w", err)
	}
	row := model.QueueFailureModel{
		ContractID: f.Contract.ID,
		Symbol:     f.Contract.Symbol,
		Contract:   datatypes.JSON(raw),
		Tier:       f.Tier,
		RetryCount: f.RetryCount,
		Category:   f.Category,
		Retryable:  f.Retryable,
		Error:      f.Error,
		FailedAt:   unixOrZero(f.FailedAt),
	}
	r.s.writeMu.Lock()
	defer r.s.writeMu.Unlock()
	return r.s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("contract_id = ?", f.Contract.ID).Delete(&model.QueuedItemModel{}).Error; err != nil {
			return err
		}
		return tx.Create(&row).Error
	})
}

func (r *QueueRepo) ListFailures(ctx context.Context, limit int) ([]types.QueueFailure, error) {
	q := r.s.db.WithContext(ctx).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []model.QueueFailureModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.QueueFailure, 0, len(rows))
	for _, row := range rows {
		c, err := decodeContract(row.Contract, row.ContractID, row.Symbol)
		if err != nil {
			return nil, err
		}
		out = append(out, types.QueueFailure{
			Contract:   c,
			Tier:       row.Tier,
			RetryCount: row.RetryCount,
			Category:   row.Category,
			Retryable:  row.Retryable,
			Error:      row.Error,
			FailedAt:   time.Unix(0, row.FailedAt).UTC(),
		})
	}
	return out, nil
}

func decodeContract(raw datatypes.JSON, id, symbol string) (types.Contract, error) {
	c := types.Contract{ID: id, Symbol: symbol}
	if len(raw) == 0 {
		return c, nil
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return types.Contract{}, fmt.Errorf("decode contract %s: %w", id, err)
	}
	return c, nil
}
