package notify

import (
	"context"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// BusEvent publishes alerts to the internal event bus.
type BusEvent struct {
	bus   domain.EventBus
	topic string
}

// NewBusEvent creates the event channel on topic kestrel.alert.
func NewBusEvent(bus domain.EventBus) *BusEvent {
	return &BusEvent{bus: bus, topic: domain.TopicAlert}
}

// Name implements domain.NotificationChannel.
func (e *BusEvent) Name() string {
	return domain.ChannelEvent
}

// Send implements domain.NotificationChannel.
func (e *BusEvent) Send(ctx context.Context, a *domain.Alert) error {
	payload, err := marshalEvent(a)
	if err != nil {
		return fmt.Errorf("marshal alert event: %w", err)
	}
	if err := e.bus.Publish(ctx, e.topic, payload); err != nil {
		return fmt.Errorf("publish alert event: %w", err)
	}
	return nil
}
