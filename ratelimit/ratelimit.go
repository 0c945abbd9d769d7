// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// IPRateLimiter limits WebSocket upgrade attempts per remote IP.
type IPRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipEntry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter creates a new IP-based rate limiter.
// r is upgrades per second, burst is the burst allowance.
func NewIPRateLimiter(r float64, burst int, cleanupInterval time.Duration) *IPRateLimiter {
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	l := &IPRateLimiter{
		limiters: make(map[string]*ipEntry),
		rate:     rate.Limit(r),
		burst:    burst,
		cleanup:  cleanupInterval,
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow checks an upgrade from addr.
func (l *IPRateLimiter) Allow(addr net.Addr) bool {
	if addr == nil {
		return true
	}
	return l.AllowRemote(addr.String())
}

// AllowRemote checks an upgrade from a host:port or bare host string,
// as found in http.Request.RemoteAddr.
func (l *IPRateLimiter) AllowRemote(remote string) bool {
	ip := hostOf(remote)
	if ip == "" {
		return true
	}

	l.mu.Lock()
	entry, ok := l.limiters[ip]
	if !ok {
		entry = &ipEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = time.Now()
	limiter := entry.limiter
	l.mu.Unlock()

	return limiter.Allow()
}

// Tracked returns the number of IPs currently tracked.
func (l *IPRateLimiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *IPRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.prune(time.Now().Add(-2 * l.cleanup))
		case <-l.stopCh:
			return
		}
	}
}

// prune drops entries not seen since before.
func (l *IPRateLimiter) prune(before time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for ip, entry := range l.limiters {
		if entry.lastSeen.Before(before) {
			delete(l.limiters, ip)
		}
	}
}

// Stop stops the cleanup goroutine.
func (l *IPRateLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// SocketRateLimiter limits JSON-RPC requests per socket.
type SocketRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewSocketRateLimiter creates a per-socket request limiter.
func NewSocketRateLimiter(r float64, burst int) *SocketRateLimiter {
	return &SocketRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(r),
		burst:    burst,
	}
}

// Allow checks a request from socketID.
func (l *SocketRateLimiter) Allow(socketID string) bool {
	l.mu.Lock()
	limiter, ok := l.limiters[socketID]
	if !ok {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[socketID] = limiter
	}
	l.mu.Unlock()

	return limiter.Allow()
}

// Remove drops the limiter of a closed socket.
func (l *SocketRateLimiter) Remove(socketID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, socketID)
}

func hostOf(remote string) string {
	if remote == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}

// Config holds rate limiting configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	Connection ConnectionConfig `yaml:"connection"`
	Request    RequestConfig    `yaml:"request"`
}

// ConnectionConfig holds per-IP upgrade rate limiting settings.
type ConnectionConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Rate            float64       `yaml:"rate"`             // upgrades per second per IP
	Burst           int           `yaml:"burst"`            // burst allowance
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // cleanup interval for stale entries
}

// RequestConfig holds per-socket request rate limiting settings.
type RequestConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`  // requests per second per socket
	Burst   int     `yaml:"burst"` // burst allowance
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		Connection: ConnectionConfig{
			Enabled:         true,
			Rate:            100.0 / 60.0, // 100 upgrades per minute per IP
			Burst:           20,
			CleanupInterval: 5 * time.Minute,
		},
		Request: RequestConfig{
			Enabled: true,
			Rate:    200,
			Burst:   100,
		},
	}
}

// Manager coordinates the limiters. A nil *Manager allows everything.
type Manager struct {
	ip     *IPRateLimiter
	socket *SocketRateLimiter
}

// NewManager creates a new rate limit manager.
func NewManager(cfg Config) *Manager {
	m := &Manager{}
	if !cfg.Enabled {
		return m
	}
	if cfg.Connection.Enabled {
		m.ip = NewIPRateLimiter(cfg.Connection.Rate, cfg.Connection.Burst, cfg.Connection.CleanupInterval)
	}
	if cfg.Request.Enabled {
		m.socket = NewSocketRateLimiter(cfg.Request.Rate, cfg.Request.Burst)
	}
	return m
}

// AllowUpgrade checks a WebSocket upgrade from remote.
func (m *Manager) AllowUpgrade(remote string) bool {
	if m == nil || m.ip == nil {
		return true
	}
	return m.ip.AllowRemote(remote)
}

// AllowRequest checks a request on socketID.
func (m *Manager) AllowRequest(socketID string) bool {
	if m == nil || m.socket == nil {
		return true
	}
	return m.socket.Allow(socketID)
}

// OnSocketClosed drops per-socket state.
func (m *Manager) OnSocketClosed(socketID string) {
	if m == nil || m.socket == nil {
		return
	}
	m.socket.Remove(socketID)
}

// Stop stops background cleanup.
func (m *Manager) Stop() {
	if m != nil && m.ip != nil {
		m.ip.Stop()
	}
}
