package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"tokokas/backend/internal/domain"
)

const defaultSinkTimeout = 5 * time.Second

// Dispatcher fans events out to sinks in the background. Sink errors and
// panics are logged and dropped.
type Dispatcher struct {
	sinks   []Sink
	logger  *zap.Logger
	timeout time.Duration
	now     func() time.Time
	wg      sync.WaitGroup
}

func NewDispatcher(logger *zap.Logger, sinks ...Sink) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		sinks:   sinks,
		logger:  logger,
		timeout: defaultSinkTimeout,
		now:     time.Now,
	}
}

// Notify returns immediately; delivery happens on a detached context so a
// finished request does not cancel it.
func (d *Dispatcher) Notify(ctx context.Context, events ...Event) {
	if d == nil || len(d.sinks) == 0 || len(events) == 0 {
		return
	}
	base := context.WithoutCancel(ctx)
	for _, event := range events {
		if event.At.IsZero() {
			event.At = d.now().UTC()
		}
		for _, sink := range d.sinks {
			d.wg.Add(1)
			go d.deliver(base, sink, event)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, sink Sink, event Event) {
	defer d.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("telemetry sink panicked",
				zap.String("sink", fmt.Sprintf("%T", sink)),
				zap.String("event", string(event.Type)),
				zap.Any("panic", r))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := sink.Notify(ctx, event); err != nil {
		d.logger.Warn("telemetry sink failed",
			zap.String("sink", fmt.Sprintf("%T", sink)),
			zap.String("event", string(event.Type)),
			zap.String("operation", event.Operation),
			zap.Error(err))
	}
}

// Wait blocks until every event handed to Notify so far has been delivered.
func (d *Dispatcher) Wait() {
	if d == nil {
		return
	}
	d.wg.Wait()
}

func (d *Dispatcher) Success(ctx context.Context, operation string, shopID string, transactionID string) {
	d.Notify(ctx, Event{Type: EventSuccess, Operation: operation, ShopID: shopID, TransactionID: transactionID})
}

func (d *Dispatcher) Failure(ctx context.Context, operation string, shopID string, err error) {
	event := Event{Type: EventFailure, Operation: operation, ShopID: shopID}
	if err != nil {
		event.Error = err.Error()
	}
	d.Notify(ctx, event)
}

func (d *Dispatcher) LowStock(ctx context.Context, operation string, events []domain.LowStockEvent) {
	if len(events) == 0 {
		return
	}
	out := make([]Event, 0, len(events))
	for i := range events {
		ev := events[i]
		out = append(out, Event{
			Type:      EventLowStock,
			Operation: operation,
			ShopID:    ev.ShopID,
			LowStock:  &ev,
			At:        ev.At,
		})
	}
	d.Notify(ctx, out...)
}
