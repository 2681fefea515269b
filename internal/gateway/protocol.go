package gateway

import "encoding/json"

// Client-originated event names.
const (
	EventRoomJoin    = "room:join"
	EventRoomLeave   = "room:leave"
	EventHeartbeat   = "heartbeat"
	EventChatMessage = "chat:message"
	EventOrderStatus = "order:status"
)

// Machine-readable error codes sent to clients. Connection-terminal codes
// arrive as the last event before the transport closes; the others leave the
// connection open.
const (
	CodeAuthenticationFailed = "AUTHENTICATION_FAILED"
	CodeRateLimited          = "RATE_LIMITED"
	CodeServerOverloaded     = "SERVER_OVERLOADED"
	CodeAccessDenied         = "ACCESS_DENIED"
	CodeRateLimitExceeded    = "RATE_LIMIT_EXCEEDED"
	CodeUnknownEvent         = "UNKNOWN_EVENT"
	CodeInvalidPayload       = "INVALID_PAYLOAD"
)

// clientMessage is the envelope of every client-originated event.
type clientMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// serverMessage is the envelope of connection-scoped server events (errors,
// acks, welcome). Room broadcasts use the router's own envelope.
type serverMessage struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// errorEvent is the payload of an "error" server event. IdentityID is set
// only on refresh-flavored handshake rejections, echoing the unverified
// identity so the client keeps its context while it obtains a fresh token.
type errorEvent struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	IdentityID string `json:"identityId,omitempty"`
}

// welcomeEvent is sent once after a successful handshake.
type welcomeEvent struct {
	ConnectionID string   `json:"connectionId"`
	TenantType   string   `json:"tenantType"`
	IdentityID   string   `json:"identityId"`
	Rooms        []string `json:"rooms"`
}

// joinRequest is the payload of room:join and room:leave.
type joinRequest struct {
	Room string `json:"room"`
}

// heartbeatRequest is the payload of heartbeat pings.
type heartbeatRequest struct {
	TargetID  string `json:"targetId"`
	Timestamp int64  `json:"timestamp"`
}

// chatMessageRequest is the payload of chat:message.
type chatMessageRequest struct {
	Room string `json:"room"`
	Body string `json:"body"`
}

// orderStatusRequest is the payload of order:status, merchant connections
// only.
type orderStatusRequest struct {
	OrderID    string `json:"orderId"`
	CustomerID string `json:"customerId"`
	Status     string `json:"status"`
}
