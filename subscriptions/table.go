// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/absmach/fluxmail/storage"
	"github.com/google/uuid"
)

type entry struct {
	sub        storage.Subscription
	lastActive time.Time
}

type identityKey struct {
	identity string
	target   storage.Target
}

// Table is the live subscription table. It is the only component that
// changes subscription liveness.
type Table struct {
	store  storage.SubscriptionStore
	cfg    Config
	logger *slog.Logger
	clock  func() time.Time

	mu        sync.RWMutex
	subs      map[string]*entry
	byKey     map[identityKey]*entry
	mailboxes map[string]map[string]*entry
	broadcast map[string]*entry
	topics    *trie

	hookMu   sync.RWMutex
	onRemove []func(Subscription)

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// TableOption configures a Table.
type TableOption func(*Table)

// WithClock sets the clock used for liveness tracking.
func WithClock(clock func() time.Time) TableOption {
	return func(t *Table) {
		t.clock = clock
	}
}

// NewTable creates a subscription table persisted to store. A nil store
// keeps subscriptions in memory only.
func NewTable(store storage.SubscriptionStore, cfg Config, logger *slog.Logger, opts ...TableOption) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.DefaultQueueSize <= 0 {
		cfg.DefaultQueueSize = def.DefaultQueueSize
	}
	if cfg.DefaultBatchSize <= 0 {
		cfg.DefaultBatchSize = def.DefaultBatchSize
	}

	t := &Table{
		store:     store,
		cfg:       cfg,
		logger:    logger,
		clock:     time.Now,
		subs:      make(map[string]*entry),
		byKey:     make(map[identityKey]*entry),
		mailboxes: make(map[string]map[string]*entry),
		broadcast: make(map[string]*entry),
		topics:    newTrie(),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// OnRemove registers fn to run after a subscription leaves the table.
func (t *Table) OnRemove(fn func(Subscription)) {
	t.hookMu.Lock()
	defer t.hookMu.Unlock()
	t.onRemove = append(t.onRemove, fn)
}

// Subscribe adds a subscription for identity on target. Subscribing again
// with the same identity and target returns the existing subscription with
// refreshed options and reports created as false.
func (t *Table) Subscribe(ctx context.Context, identity string, target storage.Target, opts Options) (Subscription, bool, error) {
	if strings.TrimSpace(identity) == "" {
		return Subscription{}, false, ErrInvalidIdentity
	}
	if err := ValidateTarget(target); err != nil {
		return Subscription{}, false, err
	}
	if opts.Mode == 0 {
		opts.Mode = storage.DeliveryRealtime
	}
	if opts.Mode > storage.DeliveryBatch {
		return Subscription{}, false, fmt.Errorf("%w: unknown delivery mode %d", ErrInvalidTarget, opts.Mode)
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = t.cfg.DefaultQueueSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = t.cfg.DefaultBatchSize
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock()
	key := identityKey{identity: identity, target: target}
	if e, ok := t.byKey[key]; ok {
		sub := e.sub
		sub.Mode = opts.Mode
		sub.QueueSize = opts.QueueSize
		sub.BatchSize = opts.BatchSize
		sub.AutoAck = opts.AutoAck
		if err := t.save(ctx, sub); err != nil {
			return Subscription{}, false, err
		}
		e.sub = sub
		e.lastActive = now
		return t.snapshot(e, now), false, nil
	}

	e := &entry{
		sub: storage.Subscription{
			ID:        uuid.NewString(),
			Identity:  identity,
			Target:    target,
			Mode:      opts.Mode,
			QueueSize: opts.QueueSize,
			BatchSize: opts.BatchSize,
			AutoAck:   opts.AutoAck,
			CreatedAt: now,
		},
		lastActive: now,
	}
	if err := t.save(ctx, e.sub); err != nil {
		return Subscription{}, false, err
	}
	t.insertLocked(e)

	t.logger.Debug("subscription created",
		slog.String("subscription", e.sub.ID),
		slog.String("identity", identity),
		slog.String("target", target.String()),
		slog.String("mode", opts.Mode.String()))
	return t.snapshot(e, now), true, nil
}

func (t *Table) save(ctx context.Context, sub storage.Subscription) error {
	if t.store == nil {
		return nil
	}
	if err := t.store.Save(ctx, sub); err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	return nil
}

func (t *Table) insertLocked(e *entry) {
	sub := e.sub
	t.subs[sub.ID] = e
	t.byKey[identityKey{identity: sub.Identity, target: sub.Target}] = e

	switch sub.Target.Kind {
	case storage.KindMailbox:
		m, ok := t.mailboxes[sub.Target.Name]
		if !ok {
			m = make(map[string]*entry)
			t.mailboxes[sub.Target.Name] = m
		}
		m[sub.ID] = e
	case storage.KindTopic:
		t.topics.insert(sub.Target.Name, e)
	case storage.KindBroadcast:
		t.broadcast[sub.ID] = e
	}
}

func (t *Table) removeLocked(e *entry) {
	sub := e.sub
	delete(t.subs, sub.ID)
	delete(t.byKey, identityKey{identity: sub.Identity, target: sub.Target})

	switch sub.Target.Kind {
	case storage.KindMailbox:
		if m, ok := t.mailboxes[sub.Target.Name]; ok {
			delete(m, sub.ID)
			if len(m) == 0 {
				delete(t.mailboxes, sub.Target.Name)
			}
		}
	case storage.KindTopic:
		t.topics.remove(sub.Target.Name, sub.ID)
	case storage.KindBroadcast:
		delete(t.broadcast, sub.ID)
	}
}

// Unsubscribe removes a subscription.
func (t *Table) Unsubscribe(ctx context.Context, id string) error {
	t.mu.Lock()
	e, ok := t.subs[id]
	if !ok {
		t.mu.Unlock()
		return ErrSubscriptionNotFound
	}
	if t.store != nil {
		if err := t.store.Delete(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
			t.mu.Unlock()
			return fmt.Errorf("failed to delete subscription: %w", err)
		}
	}
	t.removeLocked(e)
	sub := t.snapshot(e, t.clock())
	t.mu.Unlock()

	t.notifyRemoved(sub)
	return nil
}

// Heartbeat renews the liveness of a subscription.
func (t *Table) Heartbeat(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.subs[id]
	if !ok {
		return ErrSubscriptionNotFound
	}
	e.lastActive = t.clock()
	return nil
}

// Get returns a subscription snapshot.
func (t *Table) Get(id string) (Subscription, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.subs[id]
	if !ok {
		return Subscription{}, false
	}
	return t.snapshot(e, t.clock()), true
}

// ActiveFor returns the subscriptions receiving messages routed to target,
// stale ones included and flagged. The result is a snapshot taken under a
// single read lock.
func (t *Table) ActiveFor(target storage.Target) []Subscription {
	switch target.Kind {
	case storage.KindTopic:
		return t.MatchTopic(target.Name, false)
	case storage.KindMailbox:
		t.mu.RLock()
		defer t.mu.RUnlock()
		return t.collect(t.mailboxes[target.Name])
	case storage.KindBroadcast:
		t.mu.RLock()
		defer t.mu.RUnlock()
		return t.collect(t.broadcast)
	default:
		return nil
	}
}

// MatchTopic returns the subscriptions receiving a message published to the
// topic path: exact, wildcard and, unless leafOnly, ancestor subscriptions.
func (t *Table) MatchTopic(path string, leafOnly bool) []Subscription {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.clock()
	var ret []Subscription
	seen := make(map[string]struct{})
	t.topics.match(path, leafOnly, func(e *entry) {
		if _, ok := seen[e.sub.ID]; ok {
			return
		}
		seen[e.sub.ID] = struct{}{}
		ret = append(ret, t.snapshot(e, now))
	})
	sortByCreation(ret)
	return ret
}

// ForIdentity returns the subscriptions of an identity.
func (t *Table) ForIdentity(identity string) []Subscription {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.clock()
	var ret []Subscription
	for _, e := range t.subs {
		if e.sub.Identity == identity {
			ret = append(ret, t.snapshot(e, now))
		}
	}
	sortByCreation(ret)
	return ret
}

// List returns every subscription.
func (t *Table) List() []Subscription {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.collect(t.subs)
}

// Len returns the number of subscriptions.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

func (t *Table) collect(m map[string]*entry) []Subscription {
	if len(m) == 0 {
		return nil
	}
	now := t.clock()
	ret := make([]Subscription, 0, len(m))
	for _, e := range m {
		ret = append(ret, t.snapshot(e, now))
	}
	sortByCreation(ret)
	return ret
}

func (t *Table) snapshot(e *entry, now time.Time) Subscription {
	return Subscription{
		Subscription: e.sub,
		LastActive:   e.lastActive,
		Stale:        t.stale(e, now),
	}
}

func (t *Table) stale(e *entry, now time.Time) bool {
	if t.cfg.HeartbeatTimeout <= 0 {
		return false
	}
	return !now.Before(e.lastActive.Add(t.cfg.HeartbeatTimeout))
}

func sortByCreation(subs []Subscription) {
	sort.Slice(subs, func(i, j int) bool {
		if subs[i].CreatedAt.Equal(subs[j].CreatedAt) {
			return subs[i].ID < subs[j].ID
		}
		return subs[i].CreatedAt.Before(subs[j].CreatedAt)
	})
}

// Load restores persisted subscriptions. They come back stale and stay in
// the table for the grace period awaiting a heartbeat.
func (t *Table) Load(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	list, err := t.store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load subscriptions: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	restored := t.clock().Add(-t.cfg.HeartbeatTimeout)
	for _, sub := range list {
		if _, ok := t.subs[sub.ID]; ok {
			continue
		}
		t.insertLocked(&entry{sub: sub, lastActive: restored})
	}
	if len(list) > 0 {
		t.logger.Info("subscriptions restored", slog.Int("count", len(list)))
	}
	return nil
}

// Sweep removes subscriptions stale for longer than the grace period and
// returns them.
func (t *Table) Sweep(ctx context.Context) []Subscription {
	if t.cfg.HeartbeatTimeout <= 0 {
		return nil
	}

	now := t.clock()
	deadline := t.cfg.HeartbeatTimeout + t.cfg.StaleGrace

	t.mu.Lock()
	var removed []Subscription
	for _, e := range t.subs {
		if now.Sub(e.lastActive) < deadline {
			continue
		}
		if t.store != nil {
			if err := t.store.Delete(ctx, e.sub.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
				t.logger.Warn("failed to delete stale subscription",
					slog.String("subscription", e.sub.ID),
					slog.Any("error", err))
				continue
			}
		}
		t.removeLocked(e)
		removed = append(removed, t.snapshot(e, now))
	}
	t.mu.Unlock()

	for _, sub := range removed {
		t.logger.Info("stale subscription removed",
			slog.String("subscription", sub.ID),
			slog.String("identity", sub.Identity),
			slog.Time("last_active", sub.LastActive))
		t.notifyRemoved(sub)
	}
	return removed
}

func (t *Table) notifyRemoved(sub Subscription) {
	t.hookMu.RLock()
	hooks := slices.Clone(t.onRemove)
	t.hookMu.RUnlock()

	for _, fn := range hooks {
		fn(sub)
	}
}

// Start runs the stale subscription sweeper until Stop is called.
func (t *Table) Start() {
	t.wg.Add(1)
	go t.sweepLoop()
}

// Stop stops the sweeper.
func (t *Table) Stop() {
	t.once.Do(func() { close(t.stopCh) })
	t.wg.Wait()
}

func (t *Table) sweepLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.Sweep(context.Background())
		case <-t.stopCh:
			return
		}
	}
}
