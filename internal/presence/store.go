package presence

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const keyPrefix = "rt:presence:"

// Record is the externally visible presence state of a tenant entity.
type Record struct {
	EntityID              string    `json:"entityId"`
	IsOnline              bool      `json:"isOnline"`
	LastSeenAt            time.Time `json:"lastSeenAt"`
	ActiveConnectionCount int       `json:"activeConnectionCount"`
}

// Store persists presence records with a short TTL so that server restarts
// self-heal to "offline" instead of reporting stale "online".
//
// Redis is the durable copy; a process-local cache answers reads when Redis
// is unreachable, so presence queries degrade rather than fail.
type Store struct {
	rdb *redis.Client // nil when Redis is not configured
	ttl time.Duration

	mu    sync.RWMutex
	local map[string]Record

	logger zerolog.Logger
}

// NewStore creates a presence store. rdb may be nil; ttl should be about
// twice the heartbeat timeout.
func NewStore(rdb *redis.Client, ttl time.Duration, logger zerolog.Logger) *Store {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Store{
		rdb:    rdb,
		ttl:    ttl,
		local:  make(map[string]Record),
		logger: logger.With().Str("component", "presence_store").Logger(),
	}
}

// Save writes a record to the local cache and, when configured, to Redis
// with the store's TTL.
func (s *Store) Save(ctx context.Context, rec Record) {
	s.mu.Lock()
	s.local[rec.EntityID] = rec
	s.mu.Unlock()

	if s.rdb == nil {
		return
	}
	data, err := json.Marshal(rec)
	if err != nil {
		s.logger.Error().Err(err).Str("entity_id", rec.EntityID).Msg("Failed to encode presence record")
		return
	}
	if err := s.rdb.Set(ctx, keyPrefix+rec.EntityID, data, s.ttl).Err(); err != nil {
		s.logger.Warn().Err(err).Str("entity_id", rec.EntityID).Msg("Redis presence write failed")
	}
}

// Get reads one record. Redis first, local cache on miss or outage; a
// completely unknown entity reads as offline.
func (s *Store) Get(ctx context.Context, entityID string) Record {
	if s.rdb != nil {
		data, err := s.rdb.Get(ctx, keyPrefix+entityID).Bytes()
		switch {
		case err == nil:
			var rec Record
			if jsonErr := json.Unmarshal(data, &rec); jsonErr == nil {
				return rec
			}
		case err == redis.Nil:
			// TTL expired or never written: authoritative offline.
			return Record{EntityID: entityID, IsOnline: false}
		default:
			s.logger.Warn().Err(err).Str("entity_id", entityID).Msg("Redis presence read failed, using local cache")
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.local[entityID]; ok {
		return rec
	}
	return Record{EntityID: entityID, IsOnline: false}
}

// GetBulk reads many records in one round trip where possible.
func (s *Store) GetBulk(ctx context.Context, entityIDs []string) map[string]Record {
	result := make(map[string]Record, len(entityIDs))
	if len(entityIDs) == 0 {
		return result
	}

	if s.rdb != nil {
		keys := make([]string, len(entityIDs))
		for i, id := range entityIDs {
			keys[i] = keyPrefix + id
		}
		values, err := s.rdb.MGet(ctx, keys...).Result()
		if err == nil {
			for i, v := range values {
				id := entityIDs[i]
				if v == nil {
					result[id] = Record{EntityID: id, IsOnline: false}
					continue
				}
				var rec Record
				if str, ok := v.(string); ok && json.Unmarshal([]byte(str), &rec) == nil {
					result[id] = rec
				} else {
					result[id] = Record{EntityID: id, IsOnline: false}
				}
			}
			return result
		}
		s.logger.Warn().Err(err).Msg("Redis bulk presence read failed, using local cache")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range entityIDs {
		if rec, ok := s.local[id]; ok {
			result[id] = rec
		} else {
			result[id] = Record{EntityID: id, IsOnline: false}
		}
	}
	return result
}

// Delete removes a record everywhere. Used when the last connection of an
// entity disconnects and the sweep has already flipped it offline.
func (s *Store) Delete(ctx context.Context, entityID string) {
	s.mu.Lock()
	delete(s.local, entityID)
	s.mu.Unlock()

	if s.rdb != nil {
		if err := s.rdb.Del(ctx, keyPrefix+entityID).Err(); err != nil {
			s.logger.Warn().Err(err).Str("entity_id", entityID).Msg("Redis presence delete failed")
		}
	}
}
