package telemetry

import (
	"context"
	"time"

	"tokokas/backend/internal/domain"
)

type EventType string

const (
	EventLowStock EventType = "low_stock"
	EventSuccess  EventType = "success"
	EventFailure  EventType = "failure"
)

// Event is one fire-and-forget notification about a core operation.
type Event struct {
	Type          EventType             `json:"type"`
	Operation     string                `json:"operation"`
	ShopID        string                `json:"shop_id"`
	TransactionID string                `json:"transaction_id,omitempty"`
	LowStock      *domain.LowStockEvent `json:"low_stock,omitempty"`
	Error         string                `json:"error,omitempty"`
	At            time.Time             `json:"at"`
}

// Sink receives events. Errors are logged by the dispatcher and never reach
// the operation that produced the event.
type Sink interface {
	Notify(ctx context.Context, event Event) error
}
