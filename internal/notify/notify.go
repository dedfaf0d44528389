package notify

import (
	"context"
	"log"

	"snackpos/backend/internal/domain"
)

// Notifier receives low-stock events. Implementations must not block the
// caller for longer than a local hand-off.
type Notifier interface {
	NotifyLowStock(ctx context.Context, event domain.LowStockEvent)
}

type Noop struct{}

func (Noop) NotifyLowStock(_ context.Context, _ domain.LowStockEvent) {}

type LogNotifier struct{}

func (LogNotifier) NotifyLowStock(_ context.Context, event domain.LowStockEvent) {
	log.Printf("[notify] low stock product=%d name=%q stock=%d min=%d", event.ProductID, event.Name, event.Stock, event.MinStock)
}

// Fanout delivers each event to every notifier in order.
type Fanout []Notifier

func (f Fanout) NotifyLowStock(ctx context.Context, event domain.LowStockEvent) {
	for _, n := range f {
		if n != nil {
			n.NotifyLowStock(ctx, event)
		}
	}
}
