package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const blacklistKeyPrefix = "rt:blacklist:"

// Blacklist tracks revoked tokens until their natural expiry.
//
// Membership is process-local, backed by a map of token hashes, with an
// optional Redis mirror so that co-located instances converge. Without the
// mirror, a token revoked on one instance remains valid on its peers until
// TTL expiry. Do not treat the local check as cluster-authoritative.
type Blacklist struct {
	mu      sync.RWMutex
	entries map[string]time.Time // token hash -> expiry

	rdb    *redis.Client // nil when no mirror is configured
	logger zerolog.Logger

	stopPurge chan struct{}
	stopOnce  sync.Once
}

// NewBlacklist creates a blacklist and starts its purge loop. rdb may be nil.
func NewBlacklist(rdb *redis.Client, logger zerolog.Logger) *Blacklist {
	b := &Blacklist{
		entries:   make(map[string]time.Time),
		rdb:       rdb,
		logger:    logger.With().Str("component", "token_blacklist").Logger(),
		stopPurge: make(chan struct{}),
	}
	go b.purgeLoop()
	return b
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Revoke marks a token revoked until expiresAt. Entries never outlive the
// token's own expiry.
func (b *Blacklist) Revoke(ctx context.Context, token string, expiresAt time.Time) {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return // already expired, nothing to revoke
	}
	h := hashToken(token)

	b.mu.Lock()
	b.entries[h] = expiresAt
	b.mu.Unlock()

	if b.rdb != nil {
		if err := b.rdb.Set(ctx, blacklistKeyPrefix+h, "1", ttl).Err(); err != nil {
			b.logger.Error().Err(err).Msg("Failed to mirror revocation to redis")
		}
	}
}

// IsRevoked reports whether the token is blacklisted. Checked before every
// verification attempt. Redis errors fall back to the local answer so that a
// store outage never blocks authentication.
func (b *Blacklist) IsRevoked(ctx context.Context, token string) bool {
	h := hashToken(token)

	b.mu.RLock()
	expiry, ok := b.entries[h]
	b.mu.RUnlock()
	if ok && time.Now().Before(expiry) {
		return true
	}

	if b.rdb != nil {
		n, err := b.rdb.Exists(ctx, blacklistKeyPrefix+h).Result()
		if err != nil {
			b.logger.Warn().Err(err).Msg("Redis blacklist check failed, using local state")
			return false
		}
		return n > 0
	}
	return false
}

// purgeLoop drops expired entries once a minute. Independent of the other
// sweeps; a panic here is recovered per tick and the loop continues.
func (b *Blacklist) purgeLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.purge()
		case <-b.stopPurge:
			return
		}
	}
}

func (b *Blacklist) purge() {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic_value", r).Msg("Blacklist purge panic recovered")
		}
	}()

	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	for h, expiry := range b.entries {
		if now.After(expiry) {
			delete(b.entries, h)
		}
	}
}

// Size returns the number of locally tracked revocations.
func (b *Blacklist) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Stop terminates the purge loop.
func (b *Blacklist) Stop() {
	b.stopOnce.Do(func() { close(b.stopPurge) })
}
