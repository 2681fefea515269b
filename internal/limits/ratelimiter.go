package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/quickserve/realtime/internal/monitoring"
)

// ConnectionRateLimiter throttles connection attempts per source address.
//
// Two levels:
//   - Per-IP: a token bucket sized to Threshold attempts per Window, so a
//     single source cannot flood the gateway with reconnects.
//   - Global: a wider bucket protecting the instance from distributed floods.
//
// Buckets for idle IPs are purged by a periodic cleanup loop.
type ConnectionRateLimiter struct {
	ipLimiters map[string]*ipLimiterEntry
	ipMu       sync.Mutex
	ipBurst    int
	ipRate     rate.Limit
	ipTTL      time.Duration

	globalLimiter *rate.Limiter

	logger zerolog.Logger

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	stopOnce      sync.Once
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiterConfig holds connection rate limiting parameters.
type RateLimiterConfig struct {
	// Threshold attempts allowed per Window from one IP.
	Threshold int
	Window    time.Duration

	// GlobalBurst attempts allowed instance-wide before sustained-rate limiting.
	GlobalBurst int

	IPTTL  time.Duration
	Logger zerolog.Logger
}

// NewConnectionRateLimiter creates a limiter and starts its cleanup loop.
func NewConnectionRateLimiter(config RateLimiterConfig) *ConnectionRateLimiter {
	if config.Threshold <= 0 {
		config.Threshold = 10
	}
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	if config.GlobalBurst <= 0 {
		config.GlobalBurst = 300
	}
	if config.IPTTL <= 0 {
		config.IPTTL = 5 * time.Minute
	}

	perSecond := rate.Limit(float64(config.Threshold) / config.Window.Seconds())
	globalRate := rate.Limit(float64(config.GlobalBurst) / config.Window.Seconds())

	l := &ConnectionRateLimiter{
		ipLimiters:    make(map[string]*ipLimiterEntry),
		ipBurst:       config.Threshold,
		ipRate:        perSecond,
		ipTTL:         config.IPTTL,
		globalLimiter: rate.NewLimiter(globalRate, config.GlobalBurst),
		logger:        config.Logger.With().Str("component", "connection_rate_limiter").Logger(),
		stopCleanup:   make(chan struct{}),
	}

	l.cleanupTicker = time.NewTicker(time.Minute)
	go l.cleanupLoop()

	l.logger.Info().
		Int("threshold", config.Threshold).
		Dur("window", config.Window).
		Int("global_burst", config.GlobalBurst).
		Msg("Connection rate limiter initialized")

	return l
}

// Allow reports whether a connection attempt from ip may proceed.
func (l *ConnectionRateLimiter) Allow(ip string) bool {
	if !l.globalLimiter.Allow() {
		monitoring.RateLimitRejections.WithLabelValues("global").Inc()
		l.logger.Debug().Str("ip", ip).Msg("Connection rejected: global rate limit")
		return false
	}

	if !l.ipLimiter(ip).Allow() {
		monitoring.RateLimitRejections.WithLabelValues("per_ip").Inc()
		l.logger.Debug().Str("ip", ip).Msg("Connection rejected: per-IP rate limit")
		return false
	}
	return true
}

func (l *ConnectionRateLimiter) ipLimiter(ip string) *rate.Limiter {
	l.ipMu.Lock()
	defer l.ipMu.Unlock()

	entry, ok := l.ipLimiters[ip]
	if ok {
		entry.lastAccess = time.Now()
		return entry.limiter
	}

	limiter := rate.NewLimiter(l.ipRate, l.ipBurst)
	l.ipLimiters[ip] = &ipLimiterEntry{limiter: limiter, lastAccess: time.Now()}
	return limiter
}

func (l *ConnectionRateLimiter) cleanupLoop() {
	for {
		select {
		case <-l.cleanupTicker.C:
			l.cleanup()
		case <-l.stopCleanup:
			l.cleanupTicker.Stop()
			return
		}
	}
}

func (l *ConnectionRateLimiter) cleanup() {
	l.ipMu.Lock()
	defer l.ipMu.Unlock()

	now := time.Now()
	removed := 0
	for ip, entry := range l.ipLimiters {
		if now.Sub(entry.lastAccess) > l.ipTTL {
			delete(l.ipLimiters, ip)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug().
			Int("removed", removed).
			Int("remaining", len(l.ipLimiters)).
			Msg("Purged stale IP rate limiters")
	}
}

// TrackedIPs returns the number of IPs with live buckets.
func (l *ConnectionRateLimiter) TrackedIPs() int {
	l.ipMu.Lock()
	defer l.ipMu.Unlock()
	return len(l.ipLimiters)
}

// Stop terminates the cleanup loop.
func (l *ConnectionRateLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCleanup) })
}
