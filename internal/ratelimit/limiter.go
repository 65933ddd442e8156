// Package ratelimit protects the gateway's accept path from connection
// floods: two-level token-bucket limiting, global first then per-IP, with
// a TTL sweep over the per-IP map so it never grows unbounded.
package ratelimit

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type ipEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Config tunes the per-IP and global buckets.
type Config struct {
	IPBurst     int
	IPRate      float64
	IPTTL       time.Duration // default 5 minutes when zero
	GlobalBurst int
	GlobalRate  float64
}

// ConnectionLimiter is the two-level rate limiter guarding new connections.
type ConnectionLimiter struct {
	mu     sync.RWMutex
	byIP   map[string]*ipEntry
	cfg    Config
	logger zerolog.Logger

	global *rate.Limiter

	cleanupTicker *time.Ticker
	stop          chan struct{}
	stopOnce      sync.Once
}

// New builds a ConnectionLimiter and starts its background cleanup loop.
// Call Stop when done.
func New(cfg Config, logger zerolog.Logger) *ConnectionLimiter {
	if cfg.IPTTL == 0 {
		cfg.IPTTL = 5 * time.Minute
	}

	cl := &ConnectionLimiter{
		byIP:          make(map[string]*ipEntry),
		cfg:           cfg,
		logger:        logger.With().Str("component", "connection_limiter").Logger(),
		global:        rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		cleanupTicker: time.NewTicker(time.Minute),
		stop:          make(chan struct{}),
	}
	go cl.cleanupLoop()

	cl.logger.Info().
		Int("ip_burst", cfg.IPBurst).
		Float64("ip_rate", cfg.IPRate).
		Int("global_burst", cfg.GlobalBurst).
		Float64("global_rate", cfg.GlobalRate).
		Msg("connection rate limiter armed")

	return cl
}

// Allow checks the global bucket first (cheap, no map lookup), then the
// per-IP bucket. A caller that gets false back should reject the connection
// attempt, typically with an HTTP 429 before the WebSocket upgrade.
func (cl *ConnectionLimiter) Allow(ip string) bool {
	if !cl.global.Allow() {
		cl.logger.Debug().Str("ip", ip).Msg("connection rejected: global rate limit")
		return false
	}

	if !cl.ipLimiter(ip).Allow() {
		cl.logger.Debug().Str("ip", ip).Msg("connection rejected: per-IP rate limit")
		return false
	}
	return true
}

func (cl *ConnectionLimiter) ipLimiter(ip string) *rate.Limiter {
	cl.mu.RLock()
	entry, ok := cl.byIP[ip]
	cl.mu.RUnlock()
	if ok {
		cl.mu.Lock()
		entry.lastAccess = time.Now()
		cl.mu.Unlock()
		return entry.limiter
	}

	cl.mu.Lock()
	defer cl.mu.Unlock()
	if entry, ok = cl.byIP[ip]; ok {
		entry.lastAccess = time.Now()
		return entry.limiter
	}

	entry = &ipEntry{
		limiter:    rate.NewLimiter(rate.Limit(cl.cfg.IPRate), cl.cfg.IPBurst),
		lastAccess: time.Now(),
	}
	cl.byIP[ip] = entry
	return entry.limiter
}

func (cl *ConnectionLimiter) cleanupLoop() {
	for {
		select {
		case <-cl.cleanupTicker.C:
			cl.cleanup()
		case <-cl.stop:
			cl.cleanupTicker.Stop()
			return
		}
	}
}

func (cl *ConnectionLimiter) cleanup() {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	now := time.Now()
	removed := 0
	for ip, entry := range cl.byIP {
		if now.Sub(entry.lastAccess) > cl.cfg.IPTTL {
			delete(cl.byIP, ip)
			removed++
		}
	}
	if removed > 0 {
		cl.logger.Debug().Int("removed", removed).Int("remaining", len(cl.byIP)).Msg("swept stale IP limiters")
	}
}

// Stop halts the cleanup loop. Safe to call more than once.
func (cl *ConnectionLimiter) Stop() {
	cl.stopOnce.Do(func() { close(cl.stop) })
}

// TrackedIPs reports how many distinct IPs currently hold a bucket, for
// diagnostics.
func (cl *ConnectionLimiter) TrackedIPs() int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return len(cl.byIP)
}
