package limits

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
)

// ResourceGuard enforces static capacity limits at connection admission.
//
// Static configuration only: no auto-calculated capacity, no trend tracking.
// It enforces the configured connection cap strictly and adds a CPU safety
// valve so a saturated instance sheds new connections instead of degrading
// every existing one.
type ResourceGuard struct {
	maxConnections     int
	cpuRejectThreshold float64
	logger             zerolog.Logger

	currentConns *int64       // owned by the gateway, read atomically
	currentCPU   atomic.Value // float64, percent
}

// NewResourceGuard creates a guard bound to the gateway's connection counter.
func NewResourceGuard(maxConnections int, cpuRejectThreshold float64, logger zerolog.Logger, currentConns *int64) *ResourceGuard {
	g := &ResourceGuard{
		maxConnections:     maxConnections,
		cpuRejectThreshold: cpuRejectThreshold,
		logger:             logger.With().Str("component", "resource_guard").Logger(),
		currentConns:       currentConns,
	}
	g.currentCPU.Store(float64(0))
	return g
}

// ShouldAccept decides whether a new connection may be admitted.
// Returns false with a human-readable reason on rejection.
func (g *ResourceGuard) ShouldAccept() (bool, string) {
	conns := atomic.LoadInt64(g.currentConns)
	if conns >= int64(g.maxConnections) {
		return false, "connection limit reached"
	}

	if cpuPct, ok := g.currentCPU.Load().(float64); ok && g.cpuRejectThreshold > 0 && cpuPct > g.cpuRejectThreshold {
		return false, "cpu above reject threshold"
	}

	return true, ""
}

// StartMonitoring samples CPU usage on the given interval until ctx is done.
// Sampling failures are logged and skipped; admission then falls back to the
// connection cap alone.
func (g *ResourceGuard) StartMonitoring(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				percents, err := cpu.Percent(0, false)
				if err != nil || len(percents) == 0 {
					g.logger.Debug().Err(err).Msg("CPU sample failed")
					continue
				}
				g.currentCPU.Store(percents[0])
			}
		}
	}()
}

// CPUPercent returns the most recent CPU sample.
func (g *ResourceGuard) CPUPercent() float64 {
	if v, ok := g.currentCPU.Load().(float64); ok {
		return v
	}
	return 0
}
