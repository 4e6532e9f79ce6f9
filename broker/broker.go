// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package broker wires the mailbox messaging core together and exposes its
// inbound, subscriber and administrative operations.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxmail/broker/events"
	"github.com/absmach/fluxmail/broker/webhook"
	"github.com/absmach/fluxmail/delivery"
	"github.com/absmach/fluxmail/message"
	"github.com/absmach/fluxmail/permissions"
	"github.com/absmach/fluxmail/ratelimit"
	"github.com/absmach/fluxmail/reader"
	"github.com/absmach/fluxmail/retention"
	"github.com/absmach/fluxmail/router"
	"github.com/absmach/fluxmail/storage"
	"github.com/absmach/fluxmail/store"
	"github.com/absmach/fluxmail/subscriptions"
)

var (
	ErrClosed        = errors.New("broker closed")
	ErrGrantNotFound = errors.New("grant not found")
	ErrNotOwner      = errors.New("subscription belongs to another identity")
)

// Config holds the settings of every broker component.
type Config struct {
	BrokerID string
	// IncludePayload copies message payloads into published events.
	IncludePayload bool
	// GrantPruneInterval is the period of expired grant removal.
	GrantPruneInterval time.Duration
	// Grants are installed on every start on top of the persisted grants.
	Grants map[string][]permissions.Grant

	Store         store.Config
	Router        router.Config
	Delivery      delivery.Config
	Subscriptions subscriptions.Config
	Reader        reader.Config
	Retention     retention.Config
	RateLimit     ratelimit.Config
}

// DefaultConfig returns the default broker settings.
func DefaultConfig() Config {
	return Config{
		BrokerID:           "fluxmail",
		GrantPruneInterval: time.Minute,
		Store:              store.DefaultConfig(),
		Router:             router.Config{MaxPayloadSize: router.DefaultMaxPayloadSize},
		Delivery:           delivery.DefaultConfig(),
		Subscriptions:      subscriptions.DefaultConfig(),
		Reader:             reader.DefaultConfig(),
		Retention:          retention.DefaultConfig(),
		RateLimit:          ratelimit.DefaultConfig(),
	}
}

// Option configures a Broker.
type Option func(*options)

type options struct {
	clock     func() time.Time
	notifier  webhook.Notifier
	observers delivery.Observers
	auditors  permissions.Auditors
}

// WithClock sets the clock of the store, the subscription table and the
// delivery engine.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// WithNotifier forwards broker events to n.
func WithNotifier(n webhook.Notifier) Option {
	return func(o *options) {
		o.notifier = n
	}
}

// WithObserver adds an observer of delivery outcomes.
func WithObserver(obs delivery.Observer) Option {
	return func(o *options) {
		o.observers = append(o.observers, obs)
	}
}

// WithAuditor adds a receiver of permission audit records.
func WithAuditor(a permissions.Auditor) Option {
	return func(o *options) {
		o.auditors = append(o.auditors, a)
	}
}

// Broker is the mailbox broker.
type Broker struct {
	cfg     Config
	backend storage.Store
	logger  *slog.Logger
	stats   *Stats

	store     *store.Store
	checker   *permissions.Checker
	table     *subscriptions.Table
	topics    *subscriptions.TopicManager
	limiter   *ratelimit.Manager
	dlq       *delivery.DeadLetters
	engine    *delivery.Engine
	router    *router.Router
	reader    *reader.Reader
	retention *retention.Manager
	notifier  webhook.Notifier

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}
}

// New wires a broker on top of a storage backend. The broker does not close
// the backend.
func New(backend storage.Store, cfg Config, logger *slog.Logger, opts ...Option) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.GrantPruneInterval <= 0 {
		cfg.GrantPruneInterval = DefaultConfig().GrantPruneInterval
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	b := &Broker{
		cfg:      cfg,
		backend:  backend,
		logger:   logger,
		stats:    NewStats(),
		notifier: o.notifier,
		stopCh:   make(chan struct{}),
		closed:   make(chan struct{}),
	}

	storeOpts := []store.Option{store.WithMailboxHook(b.mailboxCreated)}
	tableOpts := []subscriptions.TableOption{}
	engineOpts := []delivery.Option{
		delivery.WithObserver(append(delivery.Observers{b.stats, eventObserver{b}}, o.observers...)),
	}
	if o.clock != nil {
		storeOpts = append(storeOpts, store.WithClock(o.clock))
		tableOpts = append(tableOpts, subscriptions.WithClock(o.clock))
		engineOpts = append(engineOpts, delivery.WithClock(o.clock))
	}

	auditors := append(permissions.Auditors{
		permissions.NewLogAuditor(logger.With(slog.String("component", "permissions"))),
		permissions.AuditorFunc(b.audit),
	}, o.auditors...)

	b.store = store.New(backend, cfg.Store, logger.With(slog.String("component", "store")), storeOpts...)
	b.checker = permissions.NewChecker(b.store, auditors)
	b.table = subscriptions.NewTable(backend.Subscriptions(), cfg.Subscriptions, logger.With(slog.String("component", "subscriptions")), tableOpts...)
	b.topics = subscriptions.NewTopicManager(backend.Topics(), b.table, logger.With(slog.String("component", "topics")))
	b.limiter = ratelimit.NewManager(cfg.RateLimit)
	b.dlq = delivery.NewDeadLetters(backend.DeadLetters())
	b.engine = delivery.New(cfg.Delivery, b.store, b.dlq, logger.With(slog.String("component", "delivery")), engineOpts...)
	b.router = router.New(cfg.Router, b.store, b.checker, b.table, b.topics, b.engine, b.limiter, logger.With(slog.String("component", "router")))
	b.reader = reader.New(cfg.Reader, b.store, b.topics, logger.With(slog.String("component", "reader")))
	b.retention = retention.New(cfg.Retention, b.store, b.topics, b.table, logger.With(slog.String("component", "retention")))

	b.table.OnRemove(b.subscriptionRemoved)
	return b
}

// Start restores persisted state and starts the background loops. The
// context bounds loading and the retention loop.
func (b *Broker) Start(ctx context.Context) error {
	if err := b.store.Start(ctx); err != nil {
		return fmt.Errorf("failed to start message store: %w", err)
	}
	if err := b.topics.Load(ctx); err != nil {
		return fmt.Errorf("failed to load topics: %w", err)
	}
	if err := b.table.Load(ctx); err != nil {
		return err
	}
	if err := b.loadGrants(ctx); err != nil {
		return err
	}

	b.engine.Start()
	b.table.Start()
	b.retention.Start(ctx)

	b.wg.Add(1)
	go b.pruneLoop()

	b.logger.Info("broker started",
		slog.String("broker_id", b.cfg.BrokerID),
		slog.Int("mailboxes", len(b.store.Mailboxes())),
		slog.Int("topics", len(b.topics.List())),
		slog.Int("subscriptions", b.table.Len()))
	return nil
}

func (b *Broker) loadGrants(ctx context.Context) error {
	list, err := b.backend.Grants().List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load grants: %w", err)
	}

	grants := make(map[string][]permissions.Grant, len(list)+len(b.cfg.Grants))
	for identity, static := range b.cfg.Grants {
		grants[identity] = append(grants[identity], static...)
	}
	for _, g := range list {
		grants[g.Identity] = append(grants[g.Identity], permissions.Grant{
			Operation: permissions.Operation(g.Operation),
			Resource:  g.Resource,
			ExpiresAt: g.ExpiresAt,
		})
	}
	b.checker.Load(grants)
	return nil
}

func (b *Broker) pruneLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.GrantPruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			if n := b.checker.Prune(); n > 0 {
				b.logger.Debug("expired grants pruned", slog.Int("count", n))
			}
		}
	}
}

// Close stops the background loops, detaches every transport and flushes
// the degraded write queue.
func (b *Broker) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.closed)
		close(b.stopCh)
		b.wg.Wait()

		b.retention.Stop()
		b.table.Stop()
		b.engine.Stop()
		b.limiter.Stop()
		if b.notifier != nil {
			if nerr := b.notifier.Close(); nerr != nil {
				b.logger.Warn("failed to close notifier", slog.String("error", nerr.Error()))
			}
		}
		err = b.store.Close()
	})
	return err
}

// Checker returns the permission checker.
func (b *Broker) Checker() *permissions.Checker {
	return b.checker
}

// Store returns the Message Store.
func (b *Broker) Store() *store.Store {
	return b.store
}

// Retention returns the retention manager.
func (b *Broker) Retention() *retention.Manager {
	return b.retention
}

// StatsCollector returns the live counters.
func (b *Broker) StatsCollector() *Stats {
	return b.stats
}

// Ready reports whether the broker accepts writes without deferring them.
func (b *Broker) Ready(ctx context.Context) error {
	select {
	case <-b.closed:
		return ErrClosed
	default:
	}
	if err := b.backend.Ping(ctx); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if b.store.Degraded() {
		return fmt.Errorf("message store degraded with %d pending writes", b.store.Pending())
	}
	return nil
}

func (b *Broker) authorize(identity string, op permissions.Operation, resource string) error {
	d := b.checker.Evaluate(identity, op, resource)
	if !d.Allowed {
		return fmt.Errorf("%w: %s may not %s %s (%s)", message.ErrPermissionDenied, identity, op, resource, d.Reason)
	}
	return nil
}

// owned returns a subscription of identity.
func (b *Broker) owned(identity, id string) (subscriptions.Subscription, error) {
	sub, ok := b.table.Get(id)
	if !ok {
		return subscriptions.Subscription{}, subscriptions.ErrSubscriptionNotFound
	}
	if sub.Identity != identity {
		return subscriptions.Subscription{}, fmt.Errorf("%w: %w", message.ErrPermissionDenied, ErrNotOwner)
	}
	return sub, nil
}

func (b *Broker) notify(ev events.Event) {
	if b.notifier == nil {
		return
	}
	if err := b.notifier.Notify(context.Background(), ev); err != nil {
		b.logger.Warn("failed to queue event",
			slog.String("event", ev.Type()),
			slog.String("error", err.Error()))
	}
}

func (b *Broker) audit(rec permissions.AuditRecord) {
	if rec.Outcome != permissions.Denied {
		return
	}
	b.stats.IncrementAuthzErrors()
	b.notify(events.PermissionDenied{
		Identity:  rec.Identity,
		Operation: string(rec.Operation),
		Resource:  rec.Resource,
		Reason:    rec.Reason,
		AuditID:   rec.ID,
	})
}

func (b *Broker) mailboxCreated(mb storage.Mailbox) {
	b.notify(events.MailboxCreated{Name: mb.Name, Owner: mb.Owner, AutoCreated: mb.AutoCreated})
}

func (b *Broker) subscriptionRemoved(sub subscriptions.Subscription) {
	b.engine.Release(sub)
	if len(b.table.ForIdentity(sub.Identity)) == 0 {
		b.limiter.Forget(sub.Identity)
	}

	reason := "unsubscribed"
	if sub.Stale {
		reason = "stale"
	}
	b.notify(events.SubscriptionRemoved{
		SubscriptionID: sub.ID,
		Identity:       sub.Identity,
		Target:         sub.Target.String(),
		Reason:         reason,
		TopicPattern:   topicPattern(sub.Target),
	})
}

// eventObserver turns dead letters into events.
type eventObserver struct {
	b *Broker
}

func (eventObserver) Delivered(string, time.Duration) {}
func (eventObserver) Retried(string, int)             {}
func (eventObserver) StoredOnly(string)               {}
func (eventObserver) Dropped(string)                  {}

func (o eventObserver) DeadLettered(dl delivery.DeadLetter) {
	ev := events.MessageDeadLettered{
		DeadLetterID:   dl.ID,
		SubscriptionID: dl.SubscriptionID,
		Identity:       dl.Identity,
		Reason:         dl.Reason,
		Attempts:       dl.Attempts,
	}
	if dl.Message != nil {
		ev.Log = dl.Message.Log
		ev.MessageID = dl.Message.ID
		if path, ok := message.TopicPath(dl.Message.Log); ok {
			ev.MessageTopic = path
		}
	}
	o.b.notify(ev)
}

func resourceOf(t storage.Target) string {
	switch t.Kind {
	case storage.KindMailbox:
		return permissions.MailboxResource(t.Name)
	case storage.KindTopic:
		return permissions.TopicResource(t.Name)
	default:
		return permissions.BroadcastResource
	}
}

func topicPattern(t storage.Target) string {
	if t.Kind == storage.KindTopic {
		return t.Name
	}
	return ""
}
