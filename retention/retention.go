// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package retention compacts stored logs once their messages age past the
// retention window of their mailbox or topic.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxmail/message"
	"github.com/absmach/fluxmail/store"
	"github.com/absmach/fluxmail/subscriptions"
)

// Config holds retention settings.
type Config struct {
	// Interval between compaction runs.
	Interval time.Duration `yaml:"interval"`
	// DefaultWindow applies to logs without their own window. Zero falls back
	// to the Message Store default.
	DefaultWindow time.Duration `yaml:"default_window"`
}

// DefaultConfig returns the default retention settings.
func DefaultConfig() Config {
	return Config{Interval: 5 * time.Minute}
}

// Policy is the retention applied to one log.
type Policy struct {
	Window time.Duration
	Hold   bool
}

// Stats tracks retention runs.
type Stats struct {
	MessagesDeleted int64
	LogsCompacted   int64
	LastRunTime     time.Time
	LastRunDuration time.Duration
}

// Manager runs compaction in the background.
type Manager struct {
	cfg    Config
	store  *store.Store
	topics *subscriptions.TopicManager
	table  *subscriptions.Table
	logger *slog.Logger

	mu    sync.Mutex
	stats Stats

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New creates a retention manager. Subscribers from table hold unread
// messages of logs under hold.
func New(cfg Config, st *store.Store, tm *subscriptions.TopicManager, table *subscriptions.Table, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.DefaultWindow == 0 {
		cfg.DefaultWindow = st.Config().DefaultRetention
	}
	return &Manager{
		cfg:    cfg,
		store:  st,
		topics: tm,
		table:  table,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// Start begins the background compaction loop.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.loop(ctx)

	m.logger.Info("retention manager started",
		slog.Duration("interval", m.cfg.Interval),
		slog.Duration("default_window", m.cfg.DefaultWindow))
}

// Stop halts the background loop.
func (m *Manager) Stop() {
	m.once.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Manager) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if _, err := m.Run(ctx); err != nil {
				m.logger.Error("retention run failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Policy returns the retention of a log. A non-positive window keeps the
// log forever.
func (m *Manager) Policy(log string) Policy {
	p := Policy{Window: m.cfg.DefaultWindow}
	if path, ok := message.TopicPath(log); ok {
		if t, ok := m.topics.Get(path); ok {
			p.Hold = t.Hold
			if t.Retention != 0 {
				p.Window = t.Retention
			}
		}
		return p
	}
	if log == message.BroadcastLog {
		return p
	}
	if mb, ok := m.store.Mailbox(log); ok {
		p.Hold = mb.Hold
		if mb.Retention != 0 {
			p.Window = mb.Retention
		}
	}
	return p
}

// holders returns the identities subscribed to log.
func (m *Manager) holders(log string) []string {
	var subs []subscriptions.Subscription
	switch path, ok := message.TopicPath(log); {
	case ok:
		subs = m.table.MatchTopic(path, false)
	case log == message.BroadcastLog:
		subs = m.table.ActiveFor(subscriptions.BroadcastTarget())
	default:
		subs = m.table.ActiveFor(subscriptions.MailboxTarget(log))
	}

	ret := make([]string, 0, len(subs))
	for _, s := range subs {
		ret = append(ret, s.Identity)
	}
	return ret
}

// Run compacts every log once and returns the number of deleted messages.
// A log that fails to compact does not stop the run; its error is joined
// into the returned one.
func (m *Manager) Run(ctx context.Context) (int, error) {
	start := time.Now()
	logs, err := m.store.Logs(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list logs: %w", err)
	}

	var errs []error
	total, compacted := 0, 0
	for _, log := range logs {
		n, err := m.Compact(ctx, log)
		if err != nil {
			m.logger.Warn("failed to compact log",
				slog.String("log", log),
				slog.String("error", err.Error()))
			errs = append(errs, err)
			continue
		}
		if n > 0 {
			total += n
			compacted++
		}
	}

	m.mu.Lock()
	m.stats.MessagesDeleted += int64(total)
	m.stats.LogsCompacted += int64(compacted)
	m.stats.LastRunTime = start
	m.stats.LastRunDuration = time.Since(start)
	m.mu.Unlock()

	if total > 0 {
		m.logger.Info("retention compacted logs",
			slog.Int("logs", compacted),
			slog.Int("deleted", total))
	}
	return total, errors.Join(errs...)
}

// Compact applies the retention policy to one log.
func (m *Manager) Compact(ctx context.Context, log string) (int, error) {
	p := m.Policy(log)
	if p.Window <= 0 {
		return 0, nil
	}

	var holders []string
	if p.Hold {
		holders = m.holders(log)
	}
	n, err := m.store.Compact(ctx, log, m.store.Now().Add(-p.Window), holders)
	if err != nil {
		return 0, fmt.Errorf("failed to compact %s: %w", log, err)
	}
	return n, nil
}

// Stats returns a snapshot of the retention counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
