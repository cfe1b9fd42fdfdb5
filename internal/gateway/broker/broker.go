package broker

import (
	"context"
	"errors"
	"time"

	"possync/internal/types"
)

var (
	ErrStreamClosed = errors.New("broker: stream closed")
	ErrNotConnected = errors.New("broker: not connected")
)

// PositionUpdate is one pushed tick for a subscribed contract.
type PositionUpdate struct {
	Snapshot types.PositionSnapshot
}

// Subscription delivers updates for a single contract in broker order.
// Updates is closed after Close or when the underlying stream ends.
type Subscription interface {
	Updates() <-chan PositionUpdate
	Close() error
}

// BrokerPosition is a position as reported by the account endpoint.
type BrokerPosition struct {
	Contract    types.Contract
	Quantity    float64
	AvgCost     float64
	MarketPrice float64
	ReportedAt  time.Time
}

// Broker is the only I/O boundary the sync core talks to.
type Broker interface {
	Subscribe(ctx context.Context, contract types.Contract) (Subscription, error)
	FetchCurrent(ctx context.Context, contract types.Contract) (types.PositionSnapshot, error)
	Positions(ctx context.Context) ([]BrokerPosition, error)
}
