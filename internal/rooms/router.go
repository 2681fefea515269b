package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/quickserve/realtime/internal/identity"
	"github.com/quickserve/realtime/internal/monitoring"
)

// ErrAccessDenied is returned when a client-declared room join fails its
// authorization check. The join leaves no membership side effect.
var ErrAccessDenied = errors.New("access denied")

// Member is the outbound half of a connection as the router sees it.
//
// Send must be non-blocking: it enqueues to the member's outbound buffer and
// reports false when the buffer is full or the transport is gone. The router
// never retries; the member's own lifecycle decides what a drop means.
type Member interface {
	ID() string
	Send(data []byte) bool
}

// Mirror receives every locally originated broadcast for cross-instance
// fanout. Implemented by the backplane adapter; a no-op mirror keeps
// single-instance deployments working.
type Mirror interface {
	MirrorRoom(room, event string, payload json.RawMessage)
}

// Envelope is the wire shape of a server-originated room event.
type Envelope struct {
	Event string          `json:"event"`
	Room  string          `json:"room"`
	Data  json.RawMessage `json:"data"`
}

type room struct {
	mu      sync.Mutex
	members map[string]Member
}

// Router tracks room membership and fans events out to members.
//
// Membership is an explicit registry: insertion on join, removal on
// leave/disconnect. A room exists exactly as long as it has members.
// The router is authoritative for socket delivery within this instance;
// the mirror makes co-located instances behave as one logical router.
type Router struct {
	mu    sync.RWMutex
	rooms map[string]*room

	// memberRooms tracks each member's joined rooms for synchronous cleanup
	// on disconnect.
	memberRooms map[string]map[string]struct{}

	mirror Mirror
	authz  identity.ChatMembershipStore
	logger zerolog.Logger
}

// NewRouter creates a room router. mirror may be nil for single-instance use;
// authz backs client-declared chat joins.
func NewRouter(mirror Mirror, authz identity.ChatMembershipStore, logger zerolog.Logger) *Router {
	return &Router{
		rooms:       make(map[string]*room),
		memberRooms: make(map[string]map[string]struct{}),
		mirror:      mirror,
		authz:       authz,
		logger:      logger.With().Str("component", "room_router").Logger(),
	}
}

// Join adds a member to a room. Used for baseline rooms whose names are
// derived from the verified identity; client-declared names go through
// JoinAuthorized instead.
func (rt *Router) Join(m Member, roomName string) {
	rt.mu.Lock()
	r, ok := rt.rooms[roomName]
	if !ok {
		r = &room{members: make(map[string]Member)}
		rt.rooms[roomName] = r
		monitoring.RoomsActive.Set(float64(len(rt.rooms)))
	}
	joined, ok := rt.memberRooms[m.ID()]
	if !ok {
		joined = make(map[string]struct{})
		rt.memberRooms[m.ID()] = joined
	}
	joined[roomName] = struct{}{}
	rt.mu.Unlock()

	r.mu.Lock()
	r.members[m.ID()] = m
	r.mu.Unlock()

	monitoring.RoomJoins.WithLabelValues("ok").Inc()
	rt.logger.Debug().Str("room", roomName).Str("member", m.ID()).Msg("Joined room")
}

// JoinAuthorized joins a client-declared room after checking that the
// identity is a verified participant of the scoped resource. The
// authorization lookup runs before any lock is taken and honors the context
// deadline; on denial or lookup failure no membership changes.
func (rt *Router) JoinAuthorized(ctx context.Context, m Member, id identity.Identity, roomName string) error {
	scope, resourceID, err := SplitName(roomName)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAccessDenied, err)
	}

	switch scope {
	case ScopeChat:
		if rt.authz == nil {
			return ErrAccessDenied
		}
		ok, err := rt.authz.IsParticipant(ctx, resourceID, id)
		if err != nil {
			monitoring.RoomJoins.WithLabelValues("denied").Inc()
			rt.logger.Warn().Err(err).Str("room", roomName).Str("member", m.ID()).
				Msg("Room authorization lookup failed, denying join")
			return fmt.Errorf("%w: authorization lookup failed", ErrAccessDenied)
		}
		if !ok {
			monitoring.RoomJoins.WithLabelValues("denied").Inc()
			return ErrAccessDenied
		}

	case ScopeOrder:
		// Order rooms are joined by the parties of the order. Participation
		// is answered by the membership directory keyed by the bare order
		// id, the same convention chat rooms use for conversation ids.
		if rt.authz == nil {
			return ErrAccessDenied
		}
		ok, err := rt.authz.IsParticipant(ctx, resourceID, id)
		if err != nil || !ok {
			monitoring.RoomJoins.WithLabelValues("denied").Inc()
			return ErrAccessDenied
		}

	default:
		// user:, store:, role: rooms are never client-declared.
		monitoring.RoomJoins.WithLabelValues("denied").Inc()
		return ErrAccessDenied
	}

	rt.Join(m, roomName)
	return nil
}

// Leave removes a member from one room.
func (rt *Router) Leave(m Member, roomName string) {
	rt.mu.Lock()
	r, ok := rt.rooms[roomName]
	if joined, has := rt.memberRooms[m.ID()]; has {
		delete(joined, roomName)
		if len(joined) == 0 {
			delete(rt.memberRooms, m.ID())
		}
	}
	rt.mu.Unlock()
	if !ok {
		return
	}

	rt.removeFromRoom(r, roomName, m.ID())
}

// LeaveAll removes a member from every room it joined. Called synchronously
// on disconnect; correctness must not depend on garbage collection.
func (rt *Router) LeaveAll(m Member) {
	rt.mu.Lock()
	joined := rt.memberRooms[m.ID()]
	delete(rt.memberRooms, m.ID())
	names := make([]string, 0, len(joined))
	for name := range joined {
		names = append(names, name)
	}
	rt.mu.Unlock()

	for _, name := range names {
		rt.mu.RLock()
		r, ok := rt.rooms[name]
		rt.mu.RUnlock()
		if ok {
			rt.removeFromRoom(r, name, m.ID())
		}
	}
}

func (rt *Router) removeFromRoom(r *room, roomName, memberID string) {
	r.mu.Lock()
	delete(r.members, memberID)
	empty := len(r.members) == 0
	r.mu.Unlock()

	if empty {
		rt.mu.Lock()
		// Re-check under the registry lock; a concurrent join may have
		// repopulated the room.
		r.mu.Lock()
		if len(r.members) == 0 {
			delete(rt.rooms, roomName)
			monitoring.RoomsActive.Set(float64(len(rt.rooms)))
		}
		r.mu.Unlock()
		rt.mu.Unlock()
	}
}

// Broadcast delivers an event to every member of a room and mirrors it to
// the backplane. The payload is marshaled once, before the room lock.
func (rt *Router) Broadcast(roomName, event string, payload any) {
	data, raw, err := rt.encode(roomName, event, payload)
	if err != nil {
		rt.logger.Error().Err(err).Str("room", roomName).Str("event", event).
			Msg("Failed to encode broadcast")
		return
	}

	rt.deliver(roomName, "", data)

	if rt.mirror != nil {
		rt.mirror.MirrorRoom(roomName, event, raw)
	}
}

// BroadcastExcept behaves like Broadcast but skips one member, typically the
// originator of a chat message.
func (rt *Router) BroadcastExcept(except Member, roomName, event string, payload any) {
	data, raw, err := rt.encode(roomName, event, payload)
	if err != nil {
		rt.logger.Error().Err(err).Str("room", roomName).Str("event", event).
			Msg("Failed to encode broadcast")
		return
	}

	rt.deliver(roomName, except.ID(), data)

	if rt.mirror != nil {
		rt.mirror.MirrorRoom(roomName, event, raw)
	}
}

// DeliverLocal fans an event out to local members only, without mirroring.
// The backplane adapter calls this for inbound envelopes so remote
// broadcasts do not echo back out.
func (rt *Router) DeliverLocal(roomName, event string, payload json.RawMessage) {
	env := Envelope{Event: event, Room: roomName, Data: payload}
	data, err := json.Marshal(env)
	if err != nil {
		rt.logger.Error().Err(err).Str("room", roomName).Msg("Failed to encode local delivery")
		return
	}
	rt.deliver(roomName, "", data)
}

func (rt *Router) encode(roomName, event string, payload any) (framed []byte, raw json.RawMessage, err error) {
	raw, err = json.Marshal(payload)
	if err != nil {
		return nil, nil, err
	}
	framed, err = json.Marshal(Envelope{Event: event, Room: roomName, Data: raw})
	if err != nil {
		return nil, nil, err
	}
	return framed, raw, nil
}

// deliver enqueues pre-marshaled data to room members. Holding the room lock
// across the enqueue loop preserves per-room FIFO ordering within this
// instance; enqueues are non-blocking channel sends, so no network I/O
// happens under the lock.
func (rt *Router) deliver(roomName, exceptID string, data []byte) {
	rt.mu.RLock()
	r, ok := rt.rooms[roomName]
	rt.mu.RUnlock()
	if !ok {
		return
	}

	monitoring.BroadcastsTotal.Inc()

	r.mu.Lock()
	for id, m := range r.members {
		if id == exceptID {
			continue
		}
		if m.Send(data) {
			monitoring.BroadcastDeliveries.Inc()
		} else {
			monitoring.BroadcastDrops.WithLabelValues("buffer_full").Inc()
		}
	}
	r.mu.Unlock()
}

// Members returns a snapshot of member ids in a room. Intended for tests and
// the presence interest registry.
func (rt *Router) Members(roomName string) []string {
	rt.mu.RLock()
	r, ok := rt.rooms[roomName]
	rt.mu.RUnlock()
	if !ok {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	return ids
}

// RoomCount returns the number of live rooms.
func (rt *Router) RoomCount() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.rooms)
}

// RoomsOf returns a snapshot of the rooms a member currently belongs to.
func (rt *Router) RoomsOf(memberID string) []string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	joined := rt.memberRooms[memberID]
	names := make([]string, 0, len(joined))
	for name := range joined {
		names = append(names, name)
	}
	return names
}

// RoomsMatching returns live room names for which the predicate holds.
// Used by the presence service to find rooms with an active interest in an
// entity without a global broadcast.
func (rt *Router) RoomsMatching(pred func(name string) bool) []string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	var names []string
	for name := range rt.rooms {
		if pred(name) {
			names = append(names, name)
		}
	}
	return names
}
