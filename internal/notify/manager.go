package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quickserve/realtime/internal/identity"
	"github.com/quickserve/realtime/internal/monitoring"
	"github.com/quickserve/realtime/internal/rooms"
)

// ErrUnknownEventType reports a notify call with an event type outside the
// manager's catalog.
var ErrUnknownEventType = errors.New("unknown event type")

// Broadcaster is the slice of the room router a manager needs.
type Broadcaster interface {
	Broadcast(roomName, event string, payload any)
}

// Sink records notification audit events; may be nil.
type Sink interface {
	Record(kind, message string, metadata map[string]any)
}

// Manager translates business events into room-addressed payloads for one
// tenant population. Two peer instances exist: one per tenant type, each with
// its own catalog, template table, and event-name namespace.
type Manager struct {
	tenant      identity.TenantType
	namespace   string // event-name prefix, prevents cross-tenant collisions
	catalog     map[EventType]catalogEntry
	defaultRoom func(targetID string) string
	broadcaster Broadcaster
	sink        Sink
	logger      zerolog.Logger
}

// NewConsumerManager builds the consumer-tenant manager. Server events are
// namespaced "mobile:" and land on the target's user room.
func NewConsumerManager(b Broadcaster, sink Sink, logger zerolog.Logger) *Manager {
	return &Manager{
		tenant:      identity.TenantCustomer,
		namespace:   "mobile",
		catalog:     consumerCatalog(),
		defaultRoom: rooms.UserRoom,
		broadcaster: b,
		sink:        sink,
		logger:      logger.With().Str("component", "consumer_notifier").Logger(),
	}
}

// NewMerchantManager builds the merchant-tenant manager. Server events are
// namespaced "store:" and land on the target's store room.
func NewMerchantManager(b Broadcaster, sink Sink, logger zerolog.Logger) *Manager {
	return &Manager{
		tenant:      identity.TenantStore,
		namespace:   "store",
		catalog:     merchantCatalog(),
		defaultRoom: rooms.StoreRoom,
		broadcaster: b,
		sink:        sink,
		logger:      logger.With().Str("component", "merchant_notifier").Logger(),
	}
}

// Supports reports whether the event type is in this manager's catalog.
func (m *Manager) Supports(eventType EventType) bool {
	_, ok := m.catalog[eventType]
	return ok
}

// Notify renders the event for every supported language, attaches priority
// metadata, and broadcasts it on the target's default room.
func (m *Manager) Notify(ctx context.Context, targetID string, eventType EventType, data map[string]any) error {
	entry, ok := m.catalog[eventType]
	if !ok {
		return fmt.Errorf("%w: %s for tenant %s", ErrUnknownEventType, eventType, m.tenant)
	}

	payload := Payload{
		EventType:  eventType,
		Priority:   entry.priority,
		Sound:      entry.sound,
		Vibrate:    entry.vibrate,
		Messages:   render(entry, data, m.logger),
		Data:       data,
		OccurredAt: time.Now(),
	}

	roomName := m.defaultRoom(targetID)
	eventName := m.namespace + ":" + string(eventType)
	m.broadcaster.Broadcast(roomName, eventName, payload)

	monitoring.NotificationsSent.WithLabelValues(string(m.tenant), string(eventType)).Inc()
	if m.sink != nil {
		m.sink.Record("notification", "Notification dispatched", map[string]any{
			"tenant":    string(m.tenant),
			"target_id": targetID,
			"event":     string(eventType),
			"room":      roomName,
		})
	}
	return nil
}

// orderStatusEvents is the finite status -> consumer event table. Unmapped
// statuses are a deliberate no-op.
var orderStatusEvents = map[string]EventType{
	"confirmed": EventOrderConfirmed,
	"preparing": EventOrderPreparing,
	"ready":     EventOrderReady,
	"picked_up": EventOrderPickedUp,
	"delivered": EventOrderDelivered,
	"cancelled": EventOrderCancelled,
}

// OrderStatusChanged maps an order status to its consumer event and notifies
// the customer. Unmapped statuses log a warning and do nothing; they are not
// an error.
func (m *Manager) OrderStatusChanged(ctx context.Context, customerID, status string, data map[string]any) error {
	eventType, ok := orderStatusEvents[status]
	if !ok {
		m.logger.Warn().Str("status", status).Str("customer_id", customerID).
			Msg("Order status has no mapped event, skipping notification")
		return nil
	}
	return m.Notify(ctx, customerID, eventType, data)
}

// Dispatcher is the in-process entry point the API layer holds a reference
// to. It routes a business event to the manager owning the tenant's catalog;
// there is no process-wide singleton.
type Dispatcher struct {
	consumer *Manager
	merchant *Manager
	logger   zerolog.Logger
}

// NewDispatcher wires both tenant managers.
func NewDispatcher(consumer, merchant *Manager, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		consumer: consumer,
		merchant: merchant,
		logger:   logger.With().Str("component", "notify_dispatcher").Logger(),
	}
}

// Notify dispatches a business event to the tenant's notification manager.
func (d *Dispatcher) Notify(ctx context.Context, tenant identity.TenantType, targetID string, eventType EventType, data map[string]any) error {
	switch tenant {
	case identity.TenantCustomer:
		return d.consumer.Notify(ctx, targetID, eventType, data)
	case identity.TenantStore:
		return d.merchant.Notify(ctx, targetID, eventType, data)
	default:
		return fmt.Errorf("%w: no notification catalog for tenant %s", ErrUnknownEventType, tenant)
	}
}

// Consumer exposes the consumer manager for domain-specific operations such
// as order status mapping.
func (d *Dispatcher) Consumer() *Manager { return d.consumer }

// Merchant exposes the merchant manager.
func (d *Dispatcher) Merchant() *Manager { return d.merchant }
