package sqlite

import (
	"context"
	"time"

	"possync/internal/store"
	"possync/internal/store/model"
	"possync/internal/types"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type RegistryRepo struct {
	s *Store
}

var _ store.RegistryRepository = (*RegistryRepo)(nil)

func (r *RegistryRepo) LoadActive(ctx context.Context) ([]types.ActiveContract, int64, error) {
	var rows []model.ActiveContractModel
	if err := r.s.db.WithContext(ctx).Order("registered_at ASC, contract_id ASC").Find(&rows).Error; err != nil {
		return nil, 0, err
	}
	var version int64
	if err := r.s.db.WithContext(ctx).Model(&model.RegistryChangeModel{}).
		Select("COALESCE(MAX(version), 0)").Scan(&version).Error; err != nil {
		return nil, 0, err
	}
	out := make([]types.ActiveContract, 0, len(rows))
	for _, row := range rows {
		out = append(out, types.ActiveContract{
			Contract: types.Contract{
				ID:         row.ContractID,
				Symbol:     row.Symbol,
				Right:      types.OptionRight(row.Right),
				Strike:     row.Strike,
				Expiry:     timeOrZero(row.Expiry),
				Multiplier: row.Multiplier,
			},
			StrategyID:   row.StrategyID,
			RegisteredAt: timeOrZero(row.RegisteredAt),
		})
	}
	return out, version, nil
}

func (r *RegistryRepo) SaveActive(ctx context.Context, c types.ActiveContract, change store.RegistryChange) error {
	row := model.ActiveContractModel{
		ContractID:   c.ID,
		Symbol:       c.Symbol,
		Right:        string(c.Right),
		Strike:       c.Strike,
		Expiry:       unixOrZero(c.Expiry),
		Multiplier:   c.Multiplier,
		StrategyID:   c.StrategyID,
		RegisteredAt: unixOrZero(c.RegisteredAt),
		Version:      change.Version,
	}
	r.s.writeMu.Lock()
	defer r.s.writeMu.Unlock()
	return r.s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "contract_id"}},
			UpdateAll: true,
		}).Create(&row).Error; err != nil {
			return err
		}
		return tx.Create(toChangeModel(change)).Error
	})
}

func (r *RegistryRepo) DeleteActive(ctx context.Context, contractID string, change store.RegistryChange) error {
	r.s.writeMu.Lock()
	defer r.s.writeMu.Unlock()
	return r.s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("contract_id = ?", contractID).Delete(&model.ActiveContractModel{}).Error; err != nil {
			return err
		}
		return tx.Create(toChangeModel(change)).Error
	})
}

func (r *RegistryRepo) ListChanges(ctx context.Context, limit int) ([]store.RegistryChange, error) {
	q := r.s.db.WithContext(ctx).Order("version DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []model.RegistryChangeModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]store.RegistryChange, 0, len(rows))
	for _, row := range rows {
		out = append(out, store.RegistryChange{
			Version:    row.Version,
			Op:         store.ChangeOp(row.Op),
			ContractID: row.ContractID,
			StrategyID: row.StrategyID,
			At:         time.Unix(0, row.At).UTC(),
		})
	}
	return out, nil
}

func toChangeModel(c store.RegistryChange) *model.RegistryChangeModel {
	return &model.RegistryChangeModel{
		Version:    c.Version,
		Op:         string(c.Op),
		ContractID: c.ContractID,
		StrategyID: c.StrategyID,
		At:         c.At.UnixNano(),
	}
}
