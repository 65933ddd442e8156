// Package resource enforces static admission limits in front of the
// gateway: connection/goroutine caps, CPU and memory emergency brakes, and
// rate limits on engine-sourced and broadcast traffic. Static
// configuration, no auto-calculated capacity, logged decisions.
package resource

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Limits is the static configuration a Guard enforces.
type Limits struct {
	MaxConnections      int
	MaxGoroutines       int
	CPURejectThreshold  float64
	CPUPauseThreshold   float64
	MemoryLimit         int64
	MaxEngineMsgsPerSec int
	MaxBroadcastsPerSec int
}

// GoroutineLimiter bounds concurrent goroutines with a buffered-channel
// semaphore.
type GoroutineLimiter struct {
	sem chan struct{}
	max int
}

// NewGoroutineLimiter creates a limiter admitting up to max concurrent
// goroutines.
func NewGoroutineLimiter(max int) *GoroutineLimiter {
	return &GoroutineLimiter{sem: make(chan struct{}, max), max: max}
}

// Acquire reserves a slot, returning false if the limiter is already full.
func (gl *GoroutineLimiter) Acquire() bool {
	select {
	case gl.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees a slot acquired by Acquire.
func (gl *GoroutineLimiter) Release() { <-gl.sem }

// Current reports the number of slots in use.
func (gl *GoroutineLimiter) Current() int { return len(gl.sem) }

// Max reports the limiter's capacity.
func (gl *GoroutineLimiter) Max() int { return gl.max }

// Guard enforces Limits against live process state: connection count, CPU,
// memory, goroutines. It rejects rather than degrades; no auto-scaling, no
// historical trend tracking.
type Guard struct {
	limits Limits
	logger zerolog.Logger

	engineLimiter    *rate.Limiter
	broadcastLimiter *rate.Limiter
	goroutines       *GoroutineLimiter
	cpuMonitor       *CPUMonitor

	currentCPU    atomic.Value // float64
	currentMemory atomic.Value // int64
	currentConns  *int64       // owned by the caller, read with atomic ops

	onReject func(reason string)
}

// New builds a Guard. currentConns must be updated by the caller (e.g. the
// gateway's accept loop) with atomic increments/decrements as connections
// open and close.
func New(limits Limits, logger zerolog.Logger, currentConns *int64) *Guard {
	g := &Guard{
		limits:           limits,
		logger:           logger,
		engineLimiter:    rate.NewLimiter(rate.Limit(limits.MaxEngineMsgsPerSec), limits.MaxEngineMsgsPerSec*2),
		broadcastLimiter: rate.NewLimiter(rate.Limit(limits.MaxBroadcastsPerSec), limits.MaxBroadcastsPerSec*2),
		goroutines:       NewGoroutineLimiter(limits.MaxGoroutines),
		cpuMonitor:       NewCPUMonitor(logger),
		currentConns:     currentConns,
	}
	g.currentCPU.Store(0.0)
	g.currentMemory.Store(int64(0))

	logger.Info().
		Str("cpu_mode", g.cpuMonitor.Mode()).
		Float64("cpu_allocation", g.cpuMonitor.Allocation()).
		Int("max_connections", limits.MaxConnections).
		Int("max_goroutines", limits.MaxGoroutines).
		Msgf("resource guard armed: reject at %.0f%% CPU", limits.CPURejectThreshold)

	return g
}

// OnReject registers a callback fired with a short reason string whenever
// ShouldAcceptConnection rejects a connection, so callers can bump a metrics
// counter without this package depending on internal/metrics.
func (g *Guard) OnReject(fn func(reason string)) {
	g.onReject = fn
}

// ShouldAcceptConnection checks the hard connection cap, then the CPU,
// memory, and goroutine emergency brakes, in that order.
func (g *Guard) ShouldAcceptConnection() (accept bool, reason string) {
	conns := atomic.LoadInt64(g.currentConns)
	cpuPct := g.currentCPU.Load().(float64)
	memBytes := g.currentMemory.Load().(int64)
	goros := runtime.NumGoroutine()

	switch {
	case conns >= int64(g.limits.MaxConnections):
		reason = fmt.Sprintf("at max connections (%d)", g.limits.MaxConnections)
		g.reject("at_max_connections", reason)
		return false, reason
	case cpuPct > g.limits.CPURejectThreshold:
		reason = fmt.Sprintf("CPU %.1f%% > %.1f%%", cpuPct, g.limits.CPURejectThreshold)
		g.reject("cpu_overload", reason)
		return false, reason
	case g.limits.MemoryLimit > 0 && memBytes > g.limits.MemoryLimit:
		reason = "memory limit exceeded"
		g.reject("memory_limit", reason)
		return false, reason
	case goros > g.limits.MaxGoroutines:
		reason = fmt.Sprintf("goroutine limit exceeded (%d > %d)", goros, g.limits.MaxGoroutines)
		g.reject("goroutine_limit", reason)
		return false, reason
	}

	return true, "OK"
}

func (g *Guard) reject(code, reason string) {
	g.logger.Debug().Str("code", code).Str("reason", reason).Msg("resource guard: connection rejected")
	if g.onReject != nil {
		g.onReject(code)
	}
}

// ShouldPauseEngine reports whether inbound engine traffic (NATS, Kafka)
// should pause to let CPU recover, a softer threshold than the connection
// reject brake.
func (g *Guard) ShouldPauseEngine() bool {
	return g.currentCPU.Load().(float64) > g.limits.CPUPauseThreshold
}

// AllowEngineMessage non-blockingly checks the engine-message rate limit.
func (g *Guard) AllowEngineMessage() bool {
	return g.engineLimiter.Allow()
}

// AllowBroadcast non-blockingly checks the broadcast rate limit.
func (g *Guard) AllowBroadcast() bool {
	return g.broadcastLimiter.Allow()
}

// AcquireGoroutine reserves a slot in the goroutine cap. Callers that get
// true back must call ReleaseGoroutine when the goroutine exits.
func (g *Guard) AcquireGoroutine() bool {
	ok := g.goroutines.Acquire()
	if !ok {
		g.logger.Warn().
			Int("current", g.goroutines.Current()).
			Int("max", g.goroutines.Max()).
			Msg("resource guard: goroutine limit reached")
	}
	return ok
}

// ReleaseGoroutine frees a slot acquired by AcquireGoroutine.
func (g *Guard) ReleaseGoroutine() { g.goroutines.Release() }

// UpdateResources samples CPU and memory and stores them for the next
// ShouldAcceptConnection/ShouldPauseEngine call to read.
func (g *Guard) UpdateResources() {
	cpuPct, throttle, err := g.cpuMonitor.Percent()
	if err != nil {
		g.logger.Debug().Err(err).Msg("resource guard: CPU sample failed")
		cpuPct = 0
	}
	g.currentCPU.Store(cpuPct)

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	g.currentMemory.Store(int64(mem.Alloc))

	g.logger.Debug().
		Float64("cpu_percent", cpuPct).
		Uint64("cpu_throttled_events", throttle.Throttled).
		Int64("memory_bytes", int64(mem.Alloc)).
		Int64("connections", atomic.LoadInt64(g.currentConns)).
		Int("goroutines", runtime.NumGoroutine()).
		Msg("resource guard: state updated")
}

// StartMonitoring runs UpdateResources on a ticker until ctx is cancelled.
func (g *Guard) StartMonitoring(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				g.UpdateResources()
			case <-ctx.Done():
				g.logger.Info().Msg("resource guard: monitoring stopped")
				return
			}
		}
	}()
}

// Stats returns a snapshot for health/debug endpoints.
func (g *Guard) Stats() map[string]any {
	return map[string]any{
		"max_connections":     g.limits.MaxConnections,
		"current_connections": atomic.LoadInt64(g.currentConns),
		"cpu_percent":         g.currentCPU.Load().(float64),
		"cpu_mode":            g.cpuMonitor.Mode(),
		"memory_bytes":        g.currentMemory.Load().(int64),
		"memory_limit_bytes":  g.limits.MemoryLimit,
		"goroutines_current":  runtime.NumGoroutine(),
		"goroutines_limit":    g.limits.MaxGoroutines,
	}
}
