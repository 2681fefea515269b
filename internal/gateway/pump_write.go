package gateway

import (
	"net"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/quickserve/realtime/internal/monitoring"
)

// writePump drains the connection's outbound buffer onto the wire and keeps
// the connection alive with protocol pings. One goroutine per connection;
// the only writer of the socket.
func (g *Gateway) writePump(c *Conn) {
	defer g.wg.Done()
	defer monitoring.RecoverPanic(g.logger, "writePump", map[string]interface{}{
		"connection_id": c.id,
	})

	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		// disconnect records the close status before closeTransport reads
		// it; the transport teardown also unblocks the read pump.
		g.disconnect(c, "write_pump_exit")
		c.closeTransport()
	}()

	for {
		select {
		case <-c.done:
			return

		case message, ok := <-c.send:
			if !ok {
				return
			}

			c.netConn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := writeFrame(c.netConn, message); err != nil {
				g.logger.Debug().
					Str("connection_id", c.id).
					Err(err).
					Int("message_size", len(message)).
					Msg("Failed to write message to client")
				return
			}

		case <-ticker.C:
			c.netConn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.netConn, ws.OpPing, nil); err != nil {
				g.logger.Debug().
					Str("connection_id", c.id).
					Err(err).
					Msg("Failed to send ping to client")
				return
			}
		}
	}
}

// writeFrame writes one text frame to a raw connection.
func writeFrame(netConn net.Conn, data []byte) error {
	return wsutil.WriteServerMessage(netConn, ws.OpText, data)
}
