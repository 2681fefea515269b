// Package presence tracks live tenant-entity presence from connection and
// heartbeat activity, expires it with a periodic sweep, and announces
// transitions only to rooms with an active interest in the entity.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quickserve/realtime/internal/monitoring"
)

// Broadcaster is the slice of the room router the presence service needs.
type Broadcaster interface {
	Broadcast(roomName, event string, payload any)
}

// Mirror propagates transitions to peer instances. Optional.
type Mirror interface {
	PublishPresence(entityID string, online bool, lastSeen time.Time) error
}

// TransitionEvent is the payload broadcast on presence transitions.
type TransitionEvent struct {
	EntityID   string    `json:"entityId"`
	IsOnline   bool      `json:"isOnline"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

// EventName is the server event used for presence transition broadcasts.
const EventName = "presence:update"

type entry struct {
	lastSeen time.Time
	conns    int
	online   bool
}

// Service is the per-instance presence state machine.
//
// OFFLINE -> ONLINE on first connect or heartbeat; each heartbeat within the
// timeout refreshes; ONLINE -> OFFLINE is decided only by the periodic sweep
// so that timer overhead stays bounded at scale. All writes are serialized
// under one mutex keyed by entity; transition broadcasts happen after state
// is settled and never under the lock.
type Service struct {
	timeout time.Duration

	mu      sync.Mutex
	entries map[string]*entry

	// interest maps entity id -> room name -> refcount. Only these rooms
	// hear transition broadcasts; there is no global announcement.
	interestMu sync.RWMutex
	interest   map[string]map[string]int

	store       *Store
	broadcaster Broadcaster
	mirror      Mirror
	logger      zerolog.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

// NewService creates a presence service. mirror may be nil.
func NewService(timeout time.Duration, store *Store, broadcaster Broadcaster, mirror Mirror, logger zerolog.Logger) *Service {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Service{
		timeout:     timeout,
		entries:     make(map[string]*entry),
		interest:    make(map[string]map[string]int),
		store:       store,
		broadcaster: broadcaster,
		mirror:      mirror,
		logger:      logger.With().Str("component", "presence").Logger(),
		stop:        make(chan struct{}),
	}
}

// Connected records a new connection for an entity.
func (s *Service) Connected(ctx context.Context, entityID string) {
	if entityID == "" {
		return
	}
	now := time.Now()

	s.mu.Lock()
	e, ok := s.entries[entityID]
	if !ok {
		e = &entry{}
		s.entries[entityID] = e
	}
	e.conns++
	e.lastSeen = now
	wentOnline := !e.online
	e.online = true
	conns := e.conns
	s.mu.Unlock()

	s.persist(ctx, entityID, true, now, conns)
	if wentOnline {
		s.announce(entityID, true, now)
	}
}

// Disconnected records a closed connection. The entity stays online until
// the sweep times it out; a quick reconnect then causes no flapping.
func (s *Service) Disconnected(ctx context.Context, entityID string) {
	if entityID == "" {
		return
	}
	now := time.Now()

	s.mu.Lock()
	e, ok := s.entries[entityID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if e.conns > 0 {
		e.conns--
	}
	conns := e.conns
	online := e.online
	s.mu.Unlock()

	s.persist(ctx, entityID, online, now, conns)
}

// Heartbeat refreshes an entity's liveness. Returns false when the entity is
// unknown to this instance, which callers treat as a no-op.
func (s *Service) Heartbeat(ctx context.Context, entityID string) bool {
	if entityID == "" {
		return false
	}
	now := time.Now()

	s.mu.Lock()
	e, ok := s.entries[entityID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	e.lastSeen = now
	wentOnline := !e.online
	e.online = true
	conns := e.conns
	s.mu.Unlock()

	s.persist(ctx, entityID, true, now, conns)
	if wentOnline {
		s.announce(entityID, true, now)
	}
	return true
}

// AddInterest registers a room as interested in an entity's transitions.
// Refcounted: each joining connection adds one reference.
func (s *Service) AddInterest(entityID, roomName string) {
	if entityID == "" || roomName == "" {
		return
	}
	s.interestMu.Lock()
	rooms, ok := s.interest[entityID]
	if !ok {
		rooms = make(map[string]int)
		s.interest[entityID] = rooms
	}
	rooms[roomName]++
	s.interestMu.Unlock()
}

// RemoveInterest drops one reference; the room stops hearing transitions
// when its count reaches zero.
func (s *Service) RemoveInterest(entityID, roomName string) {
	s.interestMu.Lock()
	defer s.interestMu.Unlock()
	rooms, ok := s.interest[entityID]
	if !ok {
		return
	}
	rooms[roomName]--
	if rooms[roomName] <= 0 {
		delete(rooms, roomName)
	}
	if len(rooms) == 0 {
		delete(s.interest, entityID)
	}
}

// InterestedRooms returns a snapshot of rooms watching an entity.
func (s *Service) InterestedRooms(entityID string) []string {
	s.interestMu.RLock()
	defer s.interestMu.RUnlock()
	rooms := s.interest[entityID]
	names := make([]string, 0, len(rooms))
	for name := range rooms {
		names = append(names, name)
	}
	return names
}

// GetPresence answers a single presence query from the durable store.
func (s *Service) GetPresence(ctx context.Context, entityID string) Record {
	return s.store.Get(ctx, entityID)
}

// GetBulkPresence answers a multi-entity presence query.
func (s *Service) GetBulkPresence(ctx context.Context, entityIDs []string) map[string]Record {
	return s.store.GetBulk(ctx, entityIDs)
}

// ApplyRemote folds a transition observed by a peer instance into the local
// cache. No broadcast: the peer's room mirror already delivered the event to
// local sockets.
func (s *Service) ApplyRemote(entityID string, online bool, lastSeen time.Time) {
	s.mu.Lock()
	e, ok := s.entries[entityID]
	if ok {
		e.online = online
		if lastSeen.After(e.lastSeen) {
			e.lastSeen = lastSeen
		}
	}
	s.mu.Unlock()
}

// Run starts the sweep loop. Blocks until ctx is done or Stop is called.
func (s *Service) Run(ctx context.Context, sweepInterval time.Duration) {
	if sweepInterval <= 0 {
		sweepInterval = 15 * time.Second
	}
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep flips entries with no activity inside the timeout window to offline.
// Each pass recovers from its own panics so one bad entry cannot halt the
// other periodic tasks.
func (s *Service) sweep(ctx context.Context) {
	defer monitoring.RecoverPanic(s.logger, "presenceSweep", nil)

	now := time.Now()
	type flipped struct {
		id       string
		lastSeen time.Time
		gone     bool
	}
	var flips []flipped

	s.mu.Lock()
	for id, e := range s.entries {
		if e.online && now.Sub(e.lastSeen) > s.timeout {
			e.online = false
			flips = append(flips, flipped{id: id, lastSeen: e.lastSeen, gone: e.conns == 0})
			if e.conns == 0 {
				delete(s.entries, id)
			}
		}
	}
	s.mu.Unlock()

	for _, f := range flips {
		if f.gone {
			s.store.Delete(ctx, f.id)
		} else {
			s.persist(ctx, f.id, false, f.lastSeen, 0)
		}
		s.announce(f.id, false, f.lastSeen)
	}
}

func (s *Service) persist(ctx context.Context, entityID string, online bool, lastSeen time.Time, conns int) {
	s.store.Save(ctx, Record{
		EntityID:              entityID,
		IsOnline:              online,
		LastSeenAt:            lastSeen,
		ActiveConnectionCount: conns,
	})
}

// announce broadcasts a transition to interested rooms only. Zero interest
// means zero broadcasts; there is never a global announcement.
func (s *Service) announce(entityID string, online bool, lastSeen time.Time) {
	direction := "offline"
	if online {
		direction = "online"
	}
	monitoring.PresenceTransitions.WithLabelValues(direction).Inc()
	if online {
		monitoring.PresenceOnline.Inc()
	} else {
		monitoring.PresenceOnline.Dec()
	}

	event := TransitionEvent{EntityID: entityID, IsOnline: online, LastSeenAt: lastSeen}
	for _, roomName := range s.InterestedRooms(entityID) {
		s.broadcaster.Broadcast(roomName, EventName, event)
	}

	if s.mirror != nil {
		if err := s.mirror.PublishPresence(entityID, online, lastSeen); err != nil {
			s.logger.Debug().Err(err).Str("entity_id", entityID).Msg("Presence mirror unavailable")
		}
	}
}

// OnlineCount reports the number of locally tracked online entities.
func (s *Service) OnlineCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if e.online {
			n++
		}
	}
	return n
}

// Stop terminates the sweep loop.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}
