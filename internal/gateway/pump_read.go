package gateway

import (
	"encoding/json"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/quickserve/realtime/internal/monitoring"
)

// readPump consumes client frames and dispatches them through the per-tenant
// handler table. One goroutine per connection; the only reader of the
// socket. Any read error ends the connection.
func (g *Gateway) readPump(c *Conn) {
	defer g.wg.Done()
	defer monitoring.RecoverPanic(g.logger, "readPump", map[string]interface{}{
		"connection_id": c.id,
	})
	defer g.disconnect(c, "read_pump_exit")

	c.netConn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		msg, op, err := wsutil.ReadClientData(c.netConn)
		if err != nil {
			return
		}

		c.netConn.SetReadDeadline(time.Now().Add(pongWait))

		switch op {
		case ws.OpPong, ws.OpPing:
			continue
		case ws.OpClose:
			return
		case ws.OpText:
		default:
			continue
		}

		// Inbound flood control. Over-limit messages are rejected with a
		// typed error; the transport and state stay intact.
		if !c.msgLimiter.Allow() {
			monitoring.MessagesRateLimited.Inc()
			g.sendError(c, CodeRateLimitExceeded, "too many messages, slow down")
			continue
		}

		g.dispatch(c, msg)
	}
}

// dispatch routes one inbound message through the static handler table for
// the connection's tenant type.
func (g *Gateway) dispatch(c *Conn, raw []byte) {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		g.sendError(c, CodeInvalidPayload, "malformed message envelope")
		return
	}

	table := g.handlers[c.identity.Tenant]
	handler, ok := table[msg.Event]
	if !ok {
		g.sendError(c, CodeUnknownEvent, "unknown event: "+msg.Event)
		return
	}

	handler(c, msg.Data)
}
