package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/quickserve/realtime/internal/identity"
	"github.com/quickserve/realtime/internal/rooms"
)

// handlerFunc processes one inbound client event.
type handlerFunc func(c *Conn, data json.RawMessage)

// buildHandlerTables constructs the static event dispatch table for each
// tenant type. Tables are built once at startup; dispatch is a map lookup,
// never reflection or string switching on tenant.
func (g *Gateway) buildHandlerTables() map[identity.TenantType]map[string]handlerFunc {
	common := map[string]handlerFunc{
		EventRoomJoin:  g.handleRoomJoin,
		EventRoomLeave: g.handleRoomLeave,
		EventHeartbeat: g.handleHeartbeat,
	}

	customer := map[string]handlerFunc{
		EventChatMessage: g.handleChatMessage,
	}
	store := map[string]handlerFunc{
		EventChatMessage: g.handleChatMessage,
		EventOrderStatus: g.handleOrderStatus,
	}
	admin := map[string]handlerFunc{
		EventChatMessage: g.handleChatMessage,
	}

	merge := func(extra map[string]handlerFunc) map[string]handlerFunc {
		table := make(map[string]handlerFunc, len(common)+len(extra))
		for k, v := range common {
			table[k] = v
		}
		for k, v := range extra {
			table[k] = v
		}
		return table
	}

	return map[identity.TenantType]map[string]handlerFunc{
		identity.TenantCustomer: merge(customer),
		identity.TenantStore:    merge(store),
		identity.TenantAdmin:    merge(admin),
	}
}

// handleRoomJoin authorizes and joins a client-declared room. Chat joins
// also register presence interest in the store the conversation references.
func (g *Gateway) handleRoomJoin(c *Conn, data json.RawMessage) {
	var req joinRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Room == "" {
		g.sendError(c, CodeInvalidPayload, "room:join requires a room name")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.LookupTimeout)
	defer cancel()

	if err := g.router.JoinAuthorized(ctx, c, c.identity, req.Room); err != nil {
		if errors.Is(err, rooms.ErrAccessDenied) {
			g.sendError(c, CodeAccessDenied, "not a participant of "+req.Room)
		} else {
			g.sendError(c, CodeAccessDenied, "unable to join "+req.Room)
		}
		return
	}

	if scope, resourceID, err := rooms.SplitName(req.Room); err == nil && scope == rooms.ScopeChat {
		if storeID, err := g.authz.ChatStoreID(ctx, resourceID); err == nil && storeID != "" {
			if c.rememberInterest(req.Room, storeID) {
				g.presence.AddInterest(storeID, req.Room)
			}
		}
	}

	g.sendEvent(c, "room:joined", joinRequest{Room: req.Room})
}

// handleRoomLeave leaves a room and releases any presence interest the join
// registered.
func (g *Gateway) handleRoomLeave(c *Conn, data json.RawMessage) {
	var req joinRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Room == "" {
		g.sendError(c, CodeInvalidPayload, "room:leave requires a room name")
		return
	}

	g.router.Leave(c, req.Room)
	if storeID, ok := c.forgetInterest(req.Room); ok {
		g.presence.RemoveInterest(storeID, req.Room)
	}

	g.sendEvent(c, "room:left", joinRequest{Room: req.Room})
}

// handleHeartbeat refreshes liveness. Merchant heartbeats carry the store
// they vouch for and may only target the caller's own store; a mismatched
// target is rejected without touching presence state.
func (g *Gateway) handleHeartbeat(c *Conn, data json.RawMessage) {
	var req heartbeatRequest
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			g.sendError(c, CodeInvalidPayload, "malformed heartbeat")
			return
		}
	}

	c.markHeartbeat()

	if c.identity.Tenant == identity.TenantStore {
		if req.TargetID != "" && req.TargetID != c.identity.StoreID {
			g.sendError(c, CodeAccessDenied, "heartbeat target does not match your store")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), g.cfg.LookupTimeout)
		defer cancel()
		g.presence.Heartbeat(ctx, c.identity.StoreID)
	}

	g.sendEvent(c, "heartbeat:ack", map[string]int64{"timestamp": time.Now().UnixMilli()})
}

// chatBroadcast is the fanout payload of a chat:message.
type chatBroadcast struct {
	Room     string `json:"room"`
	SenderID string `json:"senderId"`
	Tenant   string `json:"tenantType"`
	Body     string `json:"body"`
	SentAt   int64  `json:"sentAt"`
}

// handleChatMessage fans a message out to the other members of a chat room
// the sender has already joined. Message persistence belongs to the chat
// API; the gateway only moves live copies.
func (g *Gateway) handleChatMessage(c *Conn, data json.RawMessage) {
	var req chatMessageRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Room == "" || req.Body == "" {
		g.sendError(c, CodeInvalidPayload, "chat:message requires room and body")
		return
	}

	if !g.memberOf(c, req.Room) {
		g.sendError(c, CodeAccessDenied, "join the room before sending messages")
		return
	}

	g.router.BroadcastExcept(c, req.Room, EventChatMessage, chatBroadcast{
		Room:     req.Room,
		SenderID: c.identity.ID,
		Tenant:   string(c.identity.Tenant),
		Body:     req.Body,
		SentAt:   time.Now().UnixMilli(),
	})
}

// handleOrderStatus lets a merchant push an order status transition. The
// customer is notified through the consumer catalog and the order room hears
// the raw transition.
func (g *Gateway) handleOrderStatus(c *Conn, data json.RawMessage) {
	var req orderStatusRequest
	if err := json.Unmarshal(data, &req); err != nil || req.OrderID == "" || req.Status == "" {
		g.sendError(c, CodeInvalidPayload, "order:status requires orderId and status")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.LookupTimeout)
	defer cancel()

	payload := map[string]any{
		"orderId": req.OrderID,
		"storeId": c.identity.StoreID,
		"status":  req.Status,
	}
	if req.CustomerID != "" {
		if err := g.consumer.OrderStatusChanged(ctx, req.CustomerID, req.Status, payload); err != nil {
			g.logger.Warn().Err(err).Str("order_id", req.OrderID).
				Msg("Failed to notify customer of order status")
		}
	}

	g.router.Broadcast(rooms.OrderRoom(req.OrderID), EventOrderStatus, map[string]any{
		"orderId": req.OrderID,
		"status":  req.Status,
		"storeId": c.identity.StoreID,
	})
}

// memberOf reports whether the connection has joined the named room.
func (g *Gateway) memberOf(c *Conn, roomName string) bool {
	for _, name := range g.router.RoomsOf(c.id) {
		if name == roomName {
			return true
		}
	}
	return false
}
