// Package backplane mirrors room broadcasts and presence transitions across
// server instances over NATS, so horizontally scaled gateways behave as one
// logical room router.
package backplane

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/quickserve/realtime/internal/monitoring"
)

// ErrBackplaneUnavailable reports that the backplane is not connected.
// Single-instance deployments degrade gracefully; multi-instance deployments
// should treat it as a health-check failure.
var ErrBackplaneUnavailable = errors.New("backplane unavailable")

const (
	roomSubjectPrefix = "realtime.room."
	presenceSubject   = "realtime.presence"
	notifySubject     = "realtime.notify"

	// notifyQueueGroup load-balances business events across instances; the
	// target's user or store room mirror then reaches every instance, so
	// exactly one gateway renders each notification.
	notifyQueueGroup = "realtime-notify"
)

// Envelope is the cross-instance message format. OriginID identifies the
// publishing instance so self-originated echoes can be dropped on receive.
type Envelope struct {
	OriginID string          `json:"originId"`
	Room     string          `json:"room"`
	Event    string          `json:"event"`
	Payload  json.RawMessage `json:"payload"`
	SentAt   time.Time       `json:"sentAt"`
}

// NotifyRequest is a business event published by the API layer for
// notification rendering. Consumed by exactly one instance via a queue
// group.
type NotifyRequest struct {
	Tenant    string         `json:"tenantType"`
	TargetID  string         `json:"targetId"`
	EventType string         `json:"eventType"`
	Data      map[string]any `json:"data"`
}

// PresenceUpdate is the cross-instance presence transition format.
type PresenceUpdate struct {
	OriginID   string    `json:"originId"`
	EntityID   string    `json:"entityId"`
	IsOnline   bool      `json:"isOnline"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

// LocalDeliverer is the local half of the fanout: inbound envelopes that did
// not originate here are handed to it for socket delivery. Satisfied by the
// room router's DeliverLocal.
type LocalDeliverer interface {
	DeliverLocal(room, event string, payload json.RawMessage)
}

// Config holds backplane connection parameters.
type Config struct {
	URL           string
	MaxReconnects int
	ReconnectWait time.Duration
}

// Adapter wraps the publish and subscribe roles over NATS.
//
// Initialization failure is non-fatal: the adapter stays in a disconnected
// state, Publish calls return ErrBackplaneUnavailable, and the gateway keeps
// serving single-instance traffic.
type Adapter struct {
	originID string
	conn     *nats.Conn
	logger   zerolog.Logger

	mu         sync.RWMutex
	deliverer  LocalDeliverer
	onPresence func(PresenceUpdate)
	onNotify   func(NotifyRequest)

	pool *deliveryPool
	subs []*nats.Subscription
}

// New connects to NATS and subscribes to the room and presence subjects.
// On connection failure the returned adapter is disconnected but usable;
// the error is returned so the caller can log it at the right severity.
func New(cfg Config, logger zerolog.Logger) (*Adapter, error) {
	a := &Adapter{
		originID: uuid.NewString(),
		logger:   logger.With().Str("component", "backplane").Logger(),
	}
	a.pool = newDeliveryPool(0, 0, a.logger)

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(500*time.Millisecond, 2*time.Second),
		nats.ConnectHandler(func(c *nats.Conn) {
			monitoring.BackplaneConnected.Set(1)
			a.logger.Info().Str("url", c.ConnectedUrl()).Msg("Connected to backplane")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			monitoring.BackplaneConnected.Set(0)
			a.logger.Warn().Err(err).Msg("Backplane disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			monitoring.BackplaneConnected.Set(1)
			a.logger.Info().Str("url", c.ConnectedUrl()).Msg("Backplane reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			a.logger.Error().Err(err).Msg("Backplane error")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		monitoring.BackplaneConnected.Set(0)
		return a, fmt.Errorf("%w: %v", ErrBackplaneUnavailable, err)
	}
	a.conn = conn
	monitoring.BackplaneConnected.Set(1)

	if err := a.subscribe(); err != nil {
		conn.Close()
		a.conn = nil
		monitoring.BackplaneConnected.Set(0)
		return a, fmt.Errorf("%w: %v", ErrBackplaneUnavailable, err)
	}

	return a, nil
}

func (a *Adapter) subscribe() error {
	roomSub, err := a.conn.Subscribe(roomSubjectPrefix+">", a.handleRoomMsg)
	if err != nil {
		return fmt.Errorf("subscribe rooms: %w", err)
	}
	a.subs = append(a.subs, roomSub)

	presSub, err := a.conn.Subscribe(presenceSubject, a.handlePresenceMsg)
	if err != nil {
		return fmt.Errorf("subscribe presence: %w", err)
	}
	a.subs = append(a.subs, presSub)

	notifySub, err := a.conn.QueueSubscribe(notifySubject, notifyQueueGroup, a.handleNotifyMsg)
	if err != nil {
		return fmt.Errorf("subscribe notify: %w", err)
	}
	a.subs = append(a.subs, notifySub)
	return nil
}

// OriginID identifies this instance on the backplane.
func (a *Adapter) OriginID() string { return a.originID }

// Healthy reports backplane connectivity for deployment health checks.
func (a *Adapter) Healthy() bool {
	return a.conn != nil && a.conn.IsConnected()
}

// SetDeliverer wires the local fanout target. Must be called before traffic
// flows; kept separate from New to break the router/adapter cycle.
func (a *Adapter) SetDeliverer(d LocalDeliverer) {
	a.mu.Lock()
	a.deliverer = d
	a.mu.Unlock()
}

// SetPresenceHandler wires the inbound presence transition callback.
func (a *Adapter) SetPresenceHandler(fn func(PresenceUpdate)) {
	a.mu.Lock()
	a.onPresence = fn
	a.mu.Unlock()
}

// SetNotifyHandler wires the inbound business-event callback.
func (a *Adapter) SetNotifyHandler(fn func(NotifyRequest)) {
	a.mu.Lock()
	a.onNotify = fn
	a.mu.Unlock()
}

// roomSubject flattens a room name into a NATS token. Room names contain ':'
// which NATS allows, but '.' would split tokens, so it is escaped.
func roomSubject(room string) string {
	return roomSubjectPrefix + strings.ReplaceAll(room, ".", "_")
}

// MirrorRoom publishes a locally originated room broadcast. Implements the
// router's Mirror interface. Failures degrade to local-only delivery.
func (a *Adapter) MirrorRoom(room, event string, payload json.RawMessage) {
	if !a.Healthy() {
		return
	}

	env := Envelope{
		OriginID: a.originID,
		Room:     room,
		Event:    event,
		Payload:  payload,
		SentAt:   time.Now(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		a.logger.Error().Err(err).Str("room", room).Msg("Failed to encode backplane envelope")
		return
	}

	if err := a.conn.Publish(roomSubject(room), data); err != nil {
		a.logger.Error().Err(err).Str("room", room).Msg("Backplane publish failed")
		return
	}
	monitoring.BackplanePublished.Inc()
}

// PublishPresence mirrors a presence transition to peer instances.
func (a *Adapter) PublishPresence(entityID string, online bool, lastSeen time.Time) error {
	if !a.Healthy() {
		return ErrBackplaneUnavailable
	}

	update := PresenceUpdate{
		OriginID:   a.originID,
		EntityID:   entityID,
		IsOnline:   online,
		LastSeenAt: lastSeen,
	}
	data, err := json.Marshal(update)
	if err != nil {
		return err
	}
	if err := a.conn.Publish(presenceSubject, data); err != nil {
		return fmt.Errorf("%w: %v", ErrBackplaneUnavailable, err)
	}
	monitoring.BackplanePublished.Inc()
	return nil
}

func (a *Adapter) handleRoomMsg(msg *nats.Msg) {
	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		a.logger.Warn().Err(err).Msg("Dropping malformed backplane envelope")
		return
	}

	// De-duplicate self-originated echoes: this instance already delivered
	// the broadcast locally before mirroring it.
	if env.OriginID == a.originID {
		monitoring.BackplaneSelfEchoes.Inc()
		return
	}
	monitoring.BackplaneReceived.Inc()

	a.mu.RLock()
	d := a.deliverer
	a.mu.RUnlock()
	if d != nil {
		a.pool.submit(func() {
			d.DeliverLocal(env.Room, env.Event, env.Payload)
		})
	}
}

func (a *Adapter) handlePresenceMsg(msg *nats.Msg) {
	var update PresenceUpdate
	if err := json.Unmarshal(msg.Data, &update); err != nil {
		a.logger.Warn().Err(err).Msg("Dropping malformed presence update")
		return
	}
	if update.OriginID == a.originID {
		monitoring.BackplaneSelfEchoes.Inc()
		return
	}
	monitoring.BackplaneReceived.Inc()

	a.mu.RLock()
	fn := a.onPresence
	a.mu.RUnlock()
	if fn != nil {
		fn(update)
	}
}

func (a *Adapter) handleNotifyMsg(msg *nats.Msg) {
	var req NotifyRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		a.logger.Warn().Err(err).Msg("Dropping malformed notify request")
		return
	}
	monitoring.BackplaneReceived.Inc()

	a.mu.RLock()
	fn := a.onNotify
	a.mu.RUnlock()
	if fn != nil {
		a.pool.submit(func() { fn(req) })
	}
}

// Close unsubscribes, drains the delivery pool, and drops the connection.
func (a *Adapter) Close() {
	for _, sub := range a.subs {
		_ = sub.Unsubscribe()
	}
	a.pool.stop()
	if a.conn != nil {
		a.conn.Close()
		monitoring.BackplaneConnected.Set(0)
	}
}
