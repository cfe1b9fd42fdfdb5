package model

import (
	"gorm.io/datatypes"
)

// PositionSnapshotModel rows are insert-only. Partition carries the
// underlying symbol so per-symbol scans and pruning stay bounded.
type PositionSnapshotModel struct {
	ID            int64   `gorm:"column:id;primaryKey;autoIncrement"`
	Partition     string  `gorm:"column:partition_key;index:idx_snap_partition,priority:1"`
	ContractID    string  `gorm:"column:contract_id;index:idx_snap_partition,priority:2;index:idx_snap_contract,priority:1"`
	TS            int64   `gorm:"column:ts;index:idx_snap_partition,priority:3;index:idx_snap_contract,priority:2"`
	Symbol        string  `gorm:"column:symbol"`
	Right         string  `gorm:"column:opt_right"`
	Strike        float64 `gorm:"column:strike"`
	Expiry        int64   `gorm:"column:expiry"`
	Quantity      float64 `gorm:"column:quantity"`
	AvgCost       float64 `gorm:"column:avg_cost"`
	MarketPrice   float64 `gorm:"column:market_price"`
	UnrealizedPnL float64 `gorm:"column:unrealized_pnl"`
	Delta         float64 `gorm:"column:delta"`
	Gamma         float64 `gorm:"column:gamma"`
	Theta         float64 `gorm:"column:theta"`
	Vega          float64 `gorm:"column:vega"`
	ImpliedVol    float64 `gorm:"column:implied_vol"`
	Source        string  `gorm:"column:source"`
	CreatedAt     int64   `gorm:"column:created_at"`
}

func (PositionSnapshotModel) TableName() string { return "position_snapshots" }

type ActiveContractModel struct {
	ContractID   string  `gorm:"column:contract_id;primaryKey"`
	Symbol       string  `gorm:"column:symbol;index"`
	Right        string  `gorm:"column:opt_right"`
	Strike       float64 `gorm:"column:strike"`
	Expiry       int64   `gorm:"column:expiry"`
	Multiplier   float64 `gorm:"column:multiplier"`
	StrategyID   string  `gorm:"column:strategy_id;index"`
	RegisteredAt int64   `gorm:"column:registered_at"`
	Version      int64   `gorm:"column:version"`
}

func (ActiveContractModel) TableName() string { return "active_contracts" }

type RegistryChangeModel struct {
	ID         int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Version    int64  `gorm:"column:version;uniqueIndex"`
	Op         string `gorm:"column:op"`
	ContractID string `gorm:"column:contract_id;index"`
	StrategyID string `gorm:"column:strategy_id"`
	At         int64  `gorm:"column:at"`
}

func (RegistryChangeModel) TableName() string { return "registry_changes" }

type QueuedItemModel struct {
	ContractID        string         `gorm:"column:contract_id;primaryKey"`
	Symbol            string         `gorm:"column:symbol"`
	Contract          datatypes.JSON `gorm:"column:contract"`
	Tier              int            `gorm:"column:tier;index:idx_queue_order,priority:1"`
	Seq               int64          `gorm:"column:seq;index:idx_queue_order,priority:2"`
	EnqueuedAt        int64          `gorm:"column:enqueued_at"`
	RetryCount        int            `gorm:"column:retry_count"`
	LastErrorCategory string         `gorm:"column:last_error_category"`
	LastError         string         `gorm:"column:last_error"`
}

func (QueuedItemModel) TableName() string { return "queued_items" }

type QueueFailureModel struct {
	ID         int64          `gorm:"column:id;primaryKey;autoIncrement"`
	ContractID string         `gorm:"column:contract_id;index"`
	Symbol     string         `gorm:"column:symbol"`
	Contract   datatypes.JSON `gorm:"column:contract"`
	Tier       int            `gorm:"column:tier"`
	RetryCount int            `gorm:"column:retry_count"`
	Category   string         `gorm:"column:category;index"`
	Retryable  bool           `gorm:"column:retryable"`
	Error      string         `gorm:"column:error"`
	FailedAt   int64          `gorm:"column:failed_at"`
}

func (QueueFailureModel) TableName() string { return "queue_failures" }
