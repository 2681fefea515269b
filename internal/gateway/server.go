// Package gateway accepts WebSocket connections, authenticates heterogeneous
// client populations, and bridges them into the room router, presence
// service, and notification managers.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quickserve/realtime/internal/auth"
	"github.com/quickserve/realtime/internal/config"
	"github.com/quickserve/realtime/internal/identity"
	"github.com/quickserve/realtime/internal/limits"
	"github.com/quickserve/realtime/internal/monitoring"
	"github.com/quickserve/realtime/internal/notify"
	"github.com/quickserve/realtime/internal/presence"
	"github.com/quickserve/realtime/internal/rooms"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 5 * time.Second

	// Time allowed between reads before the connection is considered dead.
	// Client heartbeats and protocol pings both refresh it.
	pongWait = 60 * time.Second

	// Ping interval; must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// HealthChecker reports backplane connectivity for the health endpoint.
type HealthChecker interface {
	Healthy() bool
}

// Options carries the gateway's collaborators. Everything is injected
// explicitly; nothing reaches for a process-wide singleton.
type Options struct {
	Config    *config.Config
	Logger    zerolog.Logger
	Verifier  *auth.Verifier
	Router    *rooms.Router
	Presence  *presence.Service
	Consumer  *notify.Manager
	Authz     identity.ChatMembershipStore
	Limiter   *limits.ConnectionRateLimiter
	Guard     *limits.ResourceGuard
	Sink      *monitoring.EventSink
	Backplane HealthChecker
}

// Gateway is the connection front door.
type Gateway struct {
	cfg      *config.Config
	logger   zerolog.Logger
	verifier *auth.Verifier
	router   *rooms.Router
	presence *presence.Service
	consumer *notify.Manager
	authz    identity.ChatMembershipStore
	limiter  *limits.ConnectionRateLimiter
	guard    *limits.ResourceGuard
	sink     *monitoring.EventSink
	backplane HealthChecker

	handlers map[identity.TenantType]map[string]handlerFunc

	connsMu sync.RWMutex
	conns   map[string]*Conn

	currentConns int64
	shuttingDown int32

	httpServer *http.Server
	listener   net.Listener
	wg         sync.WaitGroup
}

// New creates a gateway. The resource guard is bound to the gateway's live
// connection counter.
func New(opts Options) *Gateway {
	g := &Gateway{
		cfg:       opts.Config,
		logger:    opts.Logger.With().Str("component", "gateway").Logger(),
		verifier:  opts.Verifier,
		router:    opts.Router,
		presence:  opts.Presence,
		consumer:  opts.Consumer,
		authz:     opts.Authz,
		limiter:   opts.Limiter,
		guard:     opts.Guard,
		sink:      opts.Sink,
		backplane: opts.Backplane,
		conns:     make(map[string]*Conn),
	}
	g.handlers = g.buildHandlerTables()
	return g
}

// ConnCounter exposes the live connection counter for the resource guard.
func (g *Gateway) ConnCounter() *int64 { return &g.currentConns }

// SetGuard attaches the resource guard. Kept separate from New so the guard
// can be bound to the gateway's own connection counter.
func (g *Gateway) SetGuard(guard *limits.ResourceGuard) { g.guard = guard }

// Start begins serving. Non-blocking; Shutdown stops it.
func (g *Gateway) Start() error {
	listener, err := net.Listen("tcp", g.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	g.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.handleWebSocket)
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/metrics", monitoring.HandleMetrics)

	g.httpServer = &http.Server{
		Handler:        mux,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := g.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error().Err(err).Msg("Server accept loop error")
		}
	}()

	g.logger.Info().Str("addr", g.cfg.Addr).Msg("Gateway listening")
	return nil
}

// Addr returns the bound listen address, useful when the configured port is 0.
func (g *Gateway) Addr() string {
	if g.listener == nil {
		return g.cfg.Addr
	}
	return g.listener.Addr().String()
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":      "ok",
		"connections": atomic.LoadInt64(&g.currentConns),
	}
	// Backplane loss is non-fatal single-instance but a deployment
	// health-check failure for scaled-out fleets.
	if g.backplane != nil {
		status["backplane"] = g.backplane.Healthy()
		if !g.backplane.Healthy() {
			status["status"] = "degraded"
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

// handleWebSocket runs the connect pipeline: rate limit, admission, upgrade,
// authenticate, attach identity, join baseline rooms, start pumps.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientIP := clientIP(r)

	if atomic.LoadInt32(&g.shuttingDown) == 1 {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	if g.limiter != nil && !g.limiter.Allow(clientIP) {
		monitoring.ConnectionsRejected.WithLabelValues("rate_limited").Inc()
		g.sink.Record("connection_rejected", "Connection rate limited", map[string]any{
			"client_ip": clientIP,
			"code":      CodeRateLimited,
		})
		http.Error(w, CodeRateLimited, http.StatusTooManyRequests)
		return
	}

	if ok, reason := g.admissible(); !ok {
		monitoring.ConnectionsRejected.WithLabelValues("overloaded").Inc()
		g.logger.Warn().Str("client_ip", clientIP).Str("reason", reason).
			Msg("Connection rejected by resource guard")
		http.Error(w, CodeServerOverloaded, http.StatusServiceUnavailable)
		return
	}

	// Handshake parameters are read before the upgrade consumes the request.
	tokenString, tokenErr := auth.ExtractToken(r)
	tenant := identity.TenantType(strings.ToUpper(r.URL.Query().Get("tenant")))
	platform := r.URL.Query().Get("platform")
	isRefresh := r.URL.Query().Get("refresh") == "true"

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		monitoring.ConnectionsRejected.WithLabelValues("upgrade_failed").Inc()
		g.logger.Error().Err(err).Str("client_ip", clientIP).Msg("WebSocket upgrade failed")
		return
	}

	id, continuityID, authErr := g.authenticate(r.Context(), tokenString, tokenErr, tenant, isRefresh)
	if authErr != nil {
		monitoring.AuthFailures.WithLabelValues(authCause(authErr)).Inc()
		g.sink.Record("auth_failed", "Connection authentication failed", map[string]any{
			"client_ip": clientIP,
			"tenant":    string(tenant),
			"cause":     authCause(authErr),
		})
		// One typed error event, then close. No retry from the server side.
		g.rejectConn(netConn, errorEvent{
			Code:       CodeAuthenticationFailed,
			Message:    "authentication failed",
			IdentityID: continuityID,
		})
		return
	}

	conn := newConn(uuid.NewString(), netConn, id, platform)

	g.connsMu.Lock()
	g.conns[conn.id] = conn
	g.connsMu.Unlock()

	total := atomic.AddInt64(&g.currentConns, 1)
	monitoring.ConnectionsTotal.Inc()
	monitoring.ConnectionsActive.Set(float64(total))

	baseline := g.joinBaselineRooms(conn)
	if id.Tenant == identity.TenantStore {
		g.presence.Connected(context.Background(), id.StoreID)
	}

	g.sendEvent(conn, "connected", welcomeEvent{
		ConnectionID: conn.id,
		TenantType:   string(id.Tenant),
		IdentityID:   id.ID,
		Rooms:        baseline,
	})

	g.sink.Record("connected", "Client connected", map[string]any{
		"connection_id": conn.id,
		"client_ip":     clientIP,
		"tenant":        string(id.Tenant),
		"identity_id":   id.ID,
	})
	g.logger.Info().
		Str("connection_id", conn.id).
		Str("tenant", string(id.Tenant)).
		Str("identity_id", id.ID).
		Int64("current_connections", total).
		Msg("Client connected")

	g.wg.Add(2)
	go g.writePump(conn)
	go g.readPump(conn)
}

// authenticate runs the token verifier, honoring the development bypass and
// the refresh-continuity path. On a refresh-flavored handshake that fails
// only because the token expired, the second return value carries the
// unverified identity id so the rejection can echo it back to the client;
// nothing is ever granted on its basis.
func (g *Gateway) authenticate(ctx context.Context, tokenString string, tokenErr error, tenant identity.TenantType, isRefresh bool) (identity.Identity, string, error) {
	// Development bypass skips token checks entirely. BypassEnabled is
	// always false in production mode.
	if g.cfg.BypassEnabled() {
		g.logger.Warn().Msg("AUTH BYPASS ACTIVE: accepting unauthenticated connection")
		t := tenant
		if !t.Valid() {
			t = identity.TenantCustomer
		}
		return identity.Identity{
			ID:     "dev-" + uuid.NewString()[:8],
			Tenant: t,
			Status: identity.StatusActive,
			Role:   "dev",
		}, "", nil
	}

	if tokenErr != nil {
		return identity.Identity{}, "", fmt.Errorf("%w: %v", auth.ErrTokenInvalid, tokenErr)
	}

	id, err := g.verifier.Verify(ctx, tokenString, tenant)
	if err != nil {
		// Refresh-flavored handshakes decode without verifying so the client
		// can keep its identity context through the refresh; the unverified
		// identity is logged and echoed in the rejection, never connected.
		if isRefresh && errors.Is(err, auth.ErrTokenExpired) {
			if unverified, decodeErr := g.verifier.DecodeUnverified(tokenString, tenant); decodeErr == nil {
				g.sink.Record("refresh_continuity", "Expired token decoded for refresh continuity", map[string]any{
					"identity_id": unverified.ID,
					"tenant":      string(tenant),
				})
				return identity.Identity{}, unverified.ID, err
			}
		}
		return identity.Identity{}, "", err
	}
	return id, "", nil
}

// joinBaselineRooms joins the deterministic room set derived from the
// identity and tenant type. Reconnecting the same identity yields the same
// set.
func (g *Gateway) joinBaselineRooms(c *Conn) []string {
	id := c.identity
	baseline := []string{rooms.UserRoom(id.ID)}

	switch id.Tenant {
	case identity.TenantStore:
		baseline = append(baseline, rooms.StoreRoom(id.StoreID), rooms.RoleRoom("staff"))
	case identity.TenantAdmin:
		baseline = append(baseline, rooms.RoleRoom("admin"))
	}

	for _, name := range baseline {
		g.router.Join(c, name)
	}
	return baseline
}

// rejectConn sends one typed error event over the fresh transport and closes
// it. The transport has no pumps yet, so the writes happen inline under a
// deadline.
func (g *Gateway) rejectConn(netConn net.Conn, ev errorEvent) {
	netConn.SetWriteDeadline(time.Now().Add(writeWait))
	msg := serverMessage{Event: "error", Data: ev}
	if data, err := json.Marshal(msg); err == nil {
		_ = writeFrame(netConn, data)
	}
	frame := ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusPolicyViolation, ev.Code))
	_ = ws.WriteFrame(netConn, frame)
	_ = netConn.Close()
}

// sendEvent enqueues a connection-scoped server event.
func (g *Gateway) sendEvent(c *Conn, event string, data any) {
	msg := serverMessage{Event: event, Data: data}
	encoded, err := json.Marshal(msg)
	if err != nil {
		g.logger.Error().Err(err).Str("event", event).Msg("Failed to encode server event")
		return
	}
	c.Send(encoded)
}

// sendError delivers a typed error event without closing the connection.
func (g *Gateway) sendError(c *Conn, code, message string) {
	g.sendEvent(c, "error", errorEvent{Code: code, Message: message})
}

// disconnect tears a connection down synchronously: room membership,
// presence interest, and registry entries are all removed before the call
// returns. Pending sends are dropped with the channel. The socket itself is
// closed by the write pump, which picks up the close signal.
func (g *Gateway) disconnect(c *Conn, reason string) {
	g.connsMu.Lock()
	_, present := g.conns[c.id]
	delete(g.conns, c.id)
	g.connsMu.Unlock()
	if !present {
		return // already disconnected
	}

	g.router.LeaveAll(c)

	for room, storeID := range c.drainInterests() {
		g.presence.RemoveInterest(storeID, room)
	}

	if c.identity.Tenant == identity.TenantStore {
		g.presence.Disconnected(context.Background(), c.identity.StoreID)
	}

	c.close(ws.StatusNormalClosure, reason)

	total := atomic.AddInt64(&g.currentConns, -1)
	monitoring.ConnectionsActive.Set(float64(total))

	g.sink.Record("disconnected", "Client disconnected", map[string]any{
		"connection_id": c.id,
		"identity_id":   c.identity.ID,
		"reason":        reason,
		"duration_sec":  time.Since(c.connectedAt).Seconds(),
	})
	g.logger.Info().
		Str("connection_id", c.id).
		Str("reason", reason).
		Int64("current_connections", total).
		Msg("Client disconnected")
}

// Shutdown stops accepting connections, drains, and force-closes leftovers.
func (g *Gateway) Shutdown(ctx context.Context) error {
	atomic.StoreInt32(&g.shuttingDown, 1)

	if g.httpServer != nil {
		_ = g.httpServer.Shutdown(ctx)
	}

	g.connsMu.RLock()
	open := make([]*Conn, 0, len(g.conns))
	for _, c := range g.conns {
		open = append(open, c)
	}
	g.connsMu.RUnlock()

	for _, c := range open {
		g.disconnect(c, "server_shutdown")
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	g.logger.Info().Msg("Gateway shutdown complete")
	return nil
}

func (g *Gateway) admissible() (bool, string) {
	if g.guard == nil {
		return true, ""
	}
	return g.guard.ShouldAccept()
}

// clientIP extracts the source address, preferring X-Forwarded-For when a
// load balancer sits in front.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func authCause(err error) string {
	switch {
	case errors.Is(err, auth.ErrTokenExpired):
		return "token_expired"
	case errors.Is(err, auth.ErrTokenRevoked):
		return "token_revoked"
	case errors.Is(err, auth.ErrIdentityNotFound):
		return "identity_not_found"
	case errors.Is(err, auth.ErrIdentityInactive):
		return "identity_inactive"
	case errors.Is(err, auth.ErrIdentityLookupTimeout):
		return "lookup_timeout"
	default:
		return "token_invalid"
	}
}
