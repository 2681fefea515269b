// Package notify owns the tenant notification catalogs: event types,
// localized message templates, and priority metadata. It translates business
// events into room-addressed payloads and hands them to the room router.
package notify

import (
	"time"
)

// Priority of a notification, carried as client-facing metadata.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// EventType identifies one entry of a tenant's event catalog.
type EventType string

// Consumer-facing event types.
const (
	EventOrderConfirmed   EventType = "ORDER_CONFIRMED"
	EventOrderPreparing   EventType = "ORDER_PREPARING"
	EventOrderReady       EventType = "ORDER_READY"
	EventOrderPickedUp    EventType = "ORDER_PICKED_UP"
	EventOrderDelivered   EventType = "ORDER_DELIVERED"
	EventOrderCancelled   EventType = "ORDER_CANCELLED"
	EventPaymentReceived  EventType = "PAYMENT_RECEIVED"
	EventPaymentFailed    EventType = "PAYMENT_FAILED"
	EventDeliveryLocation EventType = "DELIVERY_LOCATION"
	EventChatMessage      EventType = "CHAT_MESSAGE"
)

// Merchant-facing event types.
const (
	EventNewOrder                 EventType = "NEW_ORDER"
	EventOrderCancelledByCustomer EventType = "ORDER_CANCELLED_BY_CUSTOMER"
	EventLowStock                 EventType = "LOW_STOCK"
	EventPayoutCompleted          EventType = "PAYOUT_COMPLETED"
)

// LocalizedText is a title/body pair for one language.
type LocalizedText struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Payload is the room-addressed notification shape delivered to clients.
// Every supported language is interpolated simultaneously; the client picks
// its display language, not the server.
type Payload struct {
	EventType  EventType                `json:"eventType"`
	Priority   Priority                 `json:"priority"`
	Sound      string                   `json:"sound,omitempty"`
	Vibrate    bool                     `json:"vibrate"`
	Messages   map[string]LocalizedText `json:"messages"`
	Data       map[string]any           `json:"data,omitempty"`
	OccurredAt time.Time                `json:"occurredAt"`
}

// catalogEntry holds the template and metadata for one event type.
type catalogEntry struct {
	priority  Priority
	sound     string
	vibrate   bool
	templates map[string]LocalizedText // language -> template with {field} placeholders
}
