package store

import (
	"context"
	"errors"
	"time"

	"possync/internal/types"
)

var ErrNotFound = errors.New("store: not found")

// SnapshotStore is an append-only log of position snapshots. Rows are never
// updated in place; the current value of a contract is its latest row by
// timestamp.
type SnapshotStore interface {
	// Append writes snap unconditionally.
	Append(ctx context.Context, snap types.PositionSnapshot) error
	// Reconcile appends snap only when it is strictly newer than the current
	// latest snapshot for the same contract. The comparison and the write
	// happen atomically.
	Reconcile(ctx context.Context, snap types.PositionSnapshot) (bool, error)
	Latest(ctx context.Context, contractID string) (types.PositionSnapshot, error)
	LatestAll(ctx context.Context) ([]types.PositionSnapshot, error)
	Range(ctx context.Context, contractID string, from, to time.Time) ([]types.PositionSnapshot, error)
}

type ChangeOp string

const (
	OpAdd    ChangeOp = "add"
	OpRemove ChangeOp = "remove"
)

// RegistryChange is one entry of the versioned registry log.
type RegistryChange struct {
	Version    int64     `json:"version"`
	Op         ChangeOp  `json:"op"`
	ContractID string    `json:"contract_id"`
	StrategyID string    `json:"strategy_id,omitempty"`
	At         time.Time `json:"at"`
}

// RegistryRepository persists active contracts together with the change log.
type RegistryRepository interface {
	LoadActive(ctx context.Context) ([]types.ActiveContract, int64, error)
	SaveActive(ctx context.Context, c types.ActiveContract, change RegistryChange) error
	DeleteActive(ctx context.Context, contractID string, change RegistryChange) error
	ListChanges(ctx context.Context, limit int) ([]RegistryChange, error)
}

// QueueRepository persists pending queue items and permanent failures.
type QueueRepository interface {
	LoadPending(ctx context.Context) ([]types.QueuedItem, error)
	UpsertItem(ctx context.Context, item types.QueuedItem) error
	DeleteItem(ctx context.Context, contractID string) error
	// MoveToFailures deletes the pending item and records the failure in one
	// step.
	MoveToFailures(ctx context.Context, failure types.QueueFailure) error
	ListFailures(ctx context.Context, limit int) ([]types.QueueFailure, error)
}

// DecisionRecord is one row of the decision log.
type DecisionRecord struct {
	ID         int64          `json:"id"`
	CycleID    string         `json:"cycle_id"`
	ContractID string         `json:"contract_id"`
	Symbol     string         `json:"symbol"`
	Action     string         `json:"action"`
	Urgency    string         `json:"urgency"`
	Rule       string         `json:"rule"`
	Reason     string         `json:"reason"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	DecidedAt  time.Time      `json:"decided_at"`
}

type DecisionLog interface {
	AppendDecisions(ctx context.Context, recs []DecisionRecord) error
	RecentDecisions(ctx context.Context, limit int) ([]DecisionRecord, error)
	DecisionsForContract(ctx context.Context, contractID string, limit int) ([]DecisionRecord, error)
}
