package notify

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quickserve/realtime/internal/identity"
)

type captureBroadcaster struct {
	mu       sync.Mutex
	rooms    []string
	events   []string
	payloads []Payload
}

func (c *captureBroadcaster) Broadcast(roomName, event string, payload any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms = append(c.rooms, roomName)
	c.events = append(c.events, event)
	if p, ok := payload.(Payload); ok {
		c.payloads = append(c.payloads, p)
	}
}

func (c *captureBroadcaster) last(t *testing.T) (string, string, Payload) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.payloads)
	n := len(c.payloads) - 1
	return c.rooms[n], c.events[n], c.payloads[n]
}

func (c *captureBroadcaster) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestConsumerNotifyRendersAllLanguages(t *testing.T) {
	bc := &captureBroadcaster{}
	m := NewConsumerManager(bc, nil, zerolog.Nop())

	err := m.Notify(context.Background(), "cust-1", EventOrderConfirmed, map[string]any{
		"storeName": "Taco Loco",
		"orderId":   1042,
	})
	require.NoError(t, err)

	room, event, payload := bc.last(t)
	assert.Equal(t, "user:cust-1", room)
	assert.Equal(t, "mobile:ORDER_CONFIRMED", event)
	assert.Equal(t, EventOrderConfirmed, payload.EventType)
	assert.Equal(t, PriorityHigh, payload.Priority)

	require.Len(t, payload.Messages, len(Languages))
	for _, lang := range Languages {
		msg, ok := payload.Messages[lang]
		require.True(t, ok, lang)
		assert.Contains(t, msg.Body, "Taco Loco", lang)
		assert.Contains(t, msg.Body, "1042", lang)
		assert.NotContains(t, msg.Title, "{", lang)
		assert.NotContains(t, msg.Body, "{", lang)
	}
}

func TestMissingDataLeavesNoRawPlaceholder(t *testing.T) {
	bc := &captureBroadcaster{}
	m := NewConsumerManager(bc, nil, zerolog.Nop())

	err := m.Notify(context.Background(), "cust-1", EventOrderConfirmed, nil)
	require.NoError(t, err)

	_, _, payload := bc.last(t)
	for lang, msg := range payload.Messages {
		assert.NotContains(t, msg.Body, "{storeName}", lang)
		assert.NotContains(t, msg.Body, "{orderId}", lang)
	}
}

func TestMerchantNotifyUsesStoreNamespace(t *testing.T) {
	bc := &captureBroadcaster{}
	m := NewMerchantManager(bc, nil, zerolog.Nop())

	err := m.Notify(context.Background(), "store-7", EventNewOrder, map[string]any{
		"orderId":      "o-1",
		"customerName": "Ana",
	})
	require.NoError(t, err)

	room, event, payload := bc.last(t)
	assert.Equal(t, "store:store-7", room)
	assert.Equal(t, "store:NEW_ORDER", event)
	assert.Equal(t, PriorityUrgent, payload.Priority)
}

func TestNotifyRejectsUnknownEventType(t *testing.T) {
	bc := &captureBroadcaster{}
	m := NewConsumerManager(bc, nil, zerolog.Nop())

	err := m.Notify(context.Background(), "cust-1", EventType("NOT_A_THING"), nil)
	require.ErrorIs(t, err, ErrUnknownEventType)
	assert.Zero(t, bc.count())
}

func TestConsumerCatalogDoesNotServeMerchantEvents(t *testing.T) {
	m := NewConsumerManager(&captureBroadcaster{}, nil, zerolog.Nop())
	assert.False(t, m.Supports(EventNewOrder))
	assert.True(t, m.Supports(EventOrderReady))
}

func TestOrderStatusMapping(t *testing.T) {
	cases := map[string]EventType{
		"confirmed": EventOrderConfirmed,
		"preparing": EventOrderPreparing,
		"ready":     EventOrderReady,
		"picked_up": EventOrderPickedUp,
		"delivered": EventOrderDelivered,
		"cancelled": EventOrderCancelled,
	}

	for status, want := range cases {
		bc := &captureBroadcaster{}
		m := NewConsumerManager(bc, nil, zerolog.Nop())

		err := m.OrderStatusChanged(context.Background(), "cust-1", status, nil)
		require.NoError(t, err, status)
		_, event, payload := bc.last(t)
		assert.Equal(t, want, payload.EventType, status)
		assert.True(t, strings.HasPrefix(event, "mobile:"), status)
	}
}

func TestUnmappedOrderStatusIsNoop(t *testing.T) {
	bc := &captureBroadcaster{}
	m := NewConsumerManager(bc, nil, zerolog.Nop())

	err := m.OrderStatusChanged(context.Background(), "cust-1", "refunded_partially", nil)
	require.NoError(t, err)
	assert.Zero(t, bc.count())
}

func TestDispatcherRoutesByTenant(t *testing.T) {
	bc := &captureBroadcaster{}
	d := NewDispatcher(
		NewConsumerManager(bc, nil, zerolog.Nop()),
		NewMerchantManager(bc, nil, zerolog.Nop()),
		zerolog.Nop(),
	)

	require.NoError(t, d.Notify(context.Background(), identity.TenantCustomer, "cust-1", EventOrderReady, nil))
	room, _, _ := bc.last(t)
	assert.Equal(t, "user:cust-1", room)

	require.NoError(t, d.Notify(context.Background(), identity.TenantStore, "store-7", EventLowStock, map[string]any{
		"productName": "Buns", "remaining": 3,
	}))
	room, _, _ = bc.last(t)
	assert.Equal(t, "store:store-7", room)
}

func TestInterpolateHandlesAdjacentPlaceholders(t *testing.T) {
	out := interpolate("{a}{b}!", map[string]any{"a": "x", "b": 2}, zerolog.Nop())
	assert.Equal(t, "x2!", out)
}

func TestEveryCatalogEntryCoversAllLanguages(t *testing.T) {
	for name, catalog := range map[string]map[EventType]catalogEntry{
		"consumer": consumerCatalog(),
		"merchant": merchantCatalog(),
	} {
		for eventType, entry := range catalog {
			require.Len(t, entry.templates, len(Languages), "%s/%s", name, eventType)
			for _, lang := range Languages {
				msg, ok := entry.templates[lang]
				require.True(t, ok, "%s/%s missing %s", name, eventType, lang)
				assert.NotEmpty(t, msg.Title)
				assert.NotEmpty(t, msg.Body)
			}
		}
	}
}
