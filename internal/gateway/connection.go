package gateway

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"golang.org/x/time/rate"

	"github.com/quickserve/realtime/internal/identity"
)

// Outbound buffer size per connection. Sized for burst tolerance on
// broadcast-heavy rooms; a full buffer marks the client slow rather than
// blocking the broadcaster.
const sendBufferSize = 256

// slowClientStrikes is the number of consecutive failed enqueues before a
// connection is force-closed.
const slowClientStrikes = 3

// Conn is one live client connection. Owned exclusively by the gateway for
// its lifetime, destroyed on disconnect, never persisted.
type Conn struct {
	id       string
	netConn  net.Conn
	identity identity.Identity
	platform string

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	closed    int32

	// Close frame parameters recorded by close, consumed by closeTransport.
	closeStatus   ws.StatusCode
	closeReason   string
	transportOnce sync.Once

	// Slow-client detection: consecutive failed enqueues, reset on success.
	sendAttempts int32
	slowWarned   int32

	// Per-connection inbound message limiter.
	msgLimiter *rate.Limiter

	// chatInterests maps joined chat rooms to the store they reference, so
	// presence interest can be released symmetrically on leave/disconnect.
	interestMu    sync.Mutex
	chatInterests map[string]string

	connectedAt   time.Time
	lastHeartbeat atomic.Int64 // unix nanos
}

func newConn(id string, netConn net.Conn, ident identity.Identity, platform string) *Conn {
	c := &Conn{
		id:            id,
		netConn:       netConn,
		identity:      ident,
		platform:      platform,
		send:          make(chan []byte, sendBufferSize),
		done:          make(chan struct{}),
		msgLimiter:    rate.NewLimiter(rate.Limit(10), 100),
		chatInterests: make(map[string]string),
		connectedAt:   time.Now(),
	}
	c.lastHeartbeat.Store(time.Now().UnixNano())
	return c
}

// ID implements rooms.Member.
func (c *Conn) ID() string { return c.id }

// Identity returns the immutable identity snapshot attached at connect time.
func (c *Conn) Identity() identity.Identity { return c.identity }

// Send implements rooms.Member: a non-blocking enqueue to the outbound
// buffer. A full buffer counts a strike; after slowClientStrikes consecutive
// failures the connection is closed with a policy-violation frame. Returns
// false when the message was not enqueued.
func (c *Conn) Send(data []byte) bool {
	if atomic.LoadInt32(&c.closed) == 1 {
		return false
	}

	select {
	case c.send <- data:
		atomic.StoreInt32(&c.sendAttempts, 0)
		return true
	default:
		attempts := atomic.AddInt32(&c.sendAttempts, 1)
		if attempts >= slowClientStrikes {
			c.close(ws.StatusPolicyViolation, "too slow to process messages")
		}
		return false
	}
}

// close marks the connection closed and signals the pumps. No network I/O
// happens here, so it is safe to call from broadcast paths that hold room
// locks; the write pump observes done, emits the close frame, and tears the
// transport down. Idempotent.
func (c *Conn) close(status ws.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		atomic.StoreInt32(&c.closed, 1)
		c.closeStatus = status
		c.closeReason = reason
		close(c.done)
	})
}

// closeTransport writes the close frame under a write deadline and closes
// the socket, unblocking the read pump. Called only from the write pump
// goroutine so the frame never interleaves with another writer. Idempotent.
func (c *Conn) closeTransport() {
	c.transportOnce.Do(func() {
		if c.netConn == nil {
			return
		}
		status, reason := c.closeStatus, c.closeReason
		if status == 0 {
			status = ws.StatusNormalClosure
		}
		c.netConn.SetWriteDeadline(time.Now().Add(writeWait))
		frame := ws.NewCloseFrame(ws.NewCloseFrameBody(status, reason))
		_ = ws.WriteFrame(c.netConn, frame)
		_ = c.netConn.Close()
	})
}

// markHeartbeat records client liveness for this connection.
func (c *Conn) markHeartbeat() {
	c.lastHeartbeat.Store(time.Now().UnixNano())
}

// LastHeartbeat returns the time of the last heartbeat observed on this
// connection.
func (c *Conn) LastHeartbeat() time.Time {
	return time.Unix(0, c.lastHeartbeat.Load())
}

// rememberInterest records a chat-room to store mapping for presence
// interest cleanup. Returns false when the room is already tracked, so a
// repeated join never takes a second interest reference.
func (c *Conn) rememberInterest(room, storeID string) bool {
	c.interestMu.Lock()
	defer c.interestMu.Unlock()
	if _, ok := c.chatInterests[room]; ok {
		return false
	}
	c.chatInterests[room] = storeID
	return true
}

// forgetInterest removes and returns the store a chat room referenced.
func (c *Conn) forgetInterest(room string) (string, bool) {
	c.interestMu.Lock()
	defer c.interestMu.Unlock()
	storeID, ok := c.chatInterests[room]
	if ok {
		delete(c.chatInterests, room)
	}
	return storeID, ok
}

// drainInterests removes and returns all chat interests. Called once on
// disconnect.
func (c *Conn) drainInterests() map[string]string {
	c.interestMu.Lock()
	defer c.interestMu.Unlock()
	out := c.chatInterests
	c.chatInterests = make(map[string]string)
	return out
}
