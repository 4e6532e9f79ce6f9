// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// IdentityLimiter keeps one token bucket per agent identity.
type IdentityLimiter struct {
	mu       sync.Mutex
	limiters map[string]*entry
	rate     rate.Limit
	burst    int
	clock    func() time.Time
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIdentityLimiter creates a limiter allowing r events per second with the
// given burst to every identity.
func NewIdentityLimiter(r float64, burst int) *IdentityLimiter {
	return &IdentityLimiter{
		limiters: make(map[string]*entry),
		rate:     rate.Limit(r),
		burst:    burst,
		clock:    time.Now,
	}
}

// Allow reports whether identity may perform one more event now.
func (l *IdentityLimiter) Allow(identity string) bool {
	now := l.clock()

	l.mu.Lock()
	e, ok := l.limiters[identity]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[identity] = e
	}
	e.lastSeen = now
	limiter := e.limiter
	l.mu.Unlock()

	return limiter.AllowN(now, 1)
}

// Remove drops the bucket of an identity.
func (l *IdentityLimiter) Remove(identity string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, identity)
}

// Len returns the number of tracked identities.
func (l *IdentityLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// prune removes identities idle since before threshold.
func (l *IdentityLimiter) prune(threshold time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for id, e := range l.limiters {
		if e.lastSeen.Before(threshold) {
			delete(l.limiters, id)
			n++
		}
	}
	return n
}

// Config holds rate limiting configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	Publish   LimitConfig `yaml:"publish"`
	Subscribe LimitConfig `yaml:"subscribe"`

	// CleanupInterval is how often idle identities are forgotten.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// LimitConfig holds one per-identity limit.
type LimitConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`  // events per second per identity
	Burst   int     `yaml:"burst"` // burst allowance
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Enabled: false,
		Publish: LimitConfig{
			Enabled: true,
			Rate:    1000,
			Burst:   100,
		},
		Subscribe: LimitConfig{
			Enabled: true,
			Rate:    100,
			Burst:   10,
		},
		CleanupInterval: 5 * time.Minute,
	}
}

// Manager coordinates the publish and subscribe limiters.
type Manager struct {
	config    Config
	publish   *IdentityLimiter
	subscribe *IdentityLimiter
	stopCh    chan struct{}
	once      sync.Once
}

// NewManager creates a rate limit manager. A disabled configuration yields a
// manager that allows everything.
func NewManager(cfg Config) *Manager {
	m := &Manager{config: cfg, stopCh: make(chan struct{})}
	if !cfg.Enabled {
		return m
	}

	if cfg.Publish.Enabled {
		m.publish = NewIdentityLimiter(cfg.Publish.Rate, cfg.Publish.Burst)
	}
	if cfg.Subscribe.Enabled {
		m.subscribe = NewIdentityLimiter(cfg.Subscribe.Rate, cfg.Subscribe.Burst)
	}
	if cfg.CleanupInterval > 0 && (m.publish != nil || m.subscribe != nil) {
		go m.cleanupLoop()
	}
	return m
}

// AllowPublish checks if a publish from the given identity is allowed.
func (m *Manager) AllowPublish(identity string) bool {
	if m == nil || m.publish == nil {
		return true
	}
	return m.publish.Allow(identity)
}

// AllowSubscribe checks if a subscription from the given identity is allowed.
func (m *Manager) AllowSubscribe(identity string) bool {
	if m == nil || m.subscribe == nil {
		return true
	}
	return m.subscribe.Allow(identity)
}

// Forget drops the buckets of an identity that left.
func (m *Manager) Forget(identity string) {
	if m == nil {
		return
	}
	if m.publish != nil {
		m.publish.Remove(identity)
	}
	if m.subscribe != nil {
		m.subscribe.Remove(identity)
	}
}

func (m *Manager) cleanupLoop() {
	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			threshold := time.Now().Add(-2 * m.config.CleanupInterval)
			if m.publish != nil {
				m.publish.prune(threshold)
			}
			if m.subscribe != nil {
				m.subscribe.prune(threshold)
			}
		case <-m.stopCh:
			return
		}
	}
}

// Stop stops the cleanup goroutine.
func (m *Manager) Stop() {
	if m == nil {
		return
	}
	m.once.Do(func() { close(m.stopCh) })
}
