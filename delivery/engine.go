// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxmail/message"
	"github.com/absmach/fluxmail/subscriptions"
	"github.com/alphadose/haxmap"
)

// Config holds Delivery Engine settings.
type Config struct {
	// AttemptTimeout bounds a single push.
	AttemptTimeout time.Duration
	// DefaultRetry applies to messages without their own retry policy.
	DefaultRetry message.RetryPolicy
	// BreakerThreshold consecutive push failures open the breaker of a
	// subscription for BreakerCooldown.
	BreakerThreshold uint32
	BreakerCooldown  time.Duration
	// AckTimeout is how long a pushed message waits for acknowledgement
	// before it is redelivered once and then dead-lettered.
	AckTimeout       time.Duration
	AckCheckInterval time.Duration
}

// DefaultConfig returns the default Delivery Engine settings.
func DefaultConfig() Config {
	return Config{
		AttemptTimeout: 5 * time.Second,
		DefaultRetry: message.RetryPolicy{
			MaxAttempts: 5,
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    10 * time.Second,
			Jitter:      true,
		},
		BreakerThreshold: 5,
		BreakerCooldown:  30 * time.Second,
		AckTimeout:       30 * time.Second,
		AckCheckInterval: time.Second,
	}
}

// Cursors is the read-mark surface of the Message Store used by the engine.
type Cursors interface {
	ReadMark(ctx context.Context, log, subscriber string) (uint64, error)
	MarkRead(ctx context.Context, log, subscriber string, upTo uint64) (uint64, error)
	Requeue(ctx context.Context, log, subscriber string, id uint64) error
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the engine clock.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}

// WithObserver registers an observer of delivery outcomes.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		e.observer = o
	}
}

// Engine is the Delivery Engine.
type Engine struct {
	cfg      Config
	logger   *slog.Logger
	cursors  Cursors
	dlq      *DeadLetters
	observer Observer
	clock    func() time.Time

	workers *haxmap.Map[string, *worker]

	ackMu sync.Mutex
	acks  map[ackKey]*pendingAck

	// gaps holds, per subscription and log, the highest message id that
	// skipped the push. The read mark only moves once the subscriber has
	// read past it.
	gapMu sync.Mutex
	gaps  map[string]map[string]uint64

	stopCh  chan struct{}
	wg      sync.WaitGroup
	stopped sync.Once
}

// New creates a Delivery Engine. cursors and dlq may be nil in which case
// read marks are not maintained and exhausted deliveries are only logged.
func New(cfg Config, cursors Cursors, dlq *DeadLetters, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	if cfg.DefaultRetry.IsZero() {
		cfg.DefaultRetry = def.DefaultRetry
	}
	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = def.BreakerThreshold
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = def.BreakerCooldown
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = def.AckTimeout
	}
	if cfg.AckCheckInterval <= 0 {
		cfg.AckCheckInterval = def.AckCheckInterval
	}

	e := &Engine{
		cfg:      cfg,
		logger:   logger,
		cursors:  cursors,
		dlq:      dlq,
		observer: nopObserver{},
		clock:    time.Now,
		workers:  haxmap.New[string, *worker](),
		acks:     make(map[ackKey]*pendingAck),
		gaps:     make(map[string]map[string]uint64),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start runs the acknowledgement timeout sweeper.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.ackLoop()
}

// Stop detaches every subscription and stops background work.
func (e *Engine) Stop() {
	e.stopped.Do(func() {
		close(e.stopCh)
	})
	e.wg.Wait()

	var ids []string
	e.workers.ForEach(func(id string, _ *worker) bool {
		ids = append(ids, id)
		return true
	})
	for _, id := range ids {
		e.Disconnect(id)
	}
}

// Attach connects a realtime subscription to its transport. A previous
// transport of the same subscription is disconnected.
func (e *Engine) Attach(sub subscriptions.Subscription, t Transport) error {
	if !sub.Realtime() {
		return ErrNotRealtime
	}
	select {
	case <-e.stopCh:
		return ErrEngineStopped
	default:
	}

	w := newWorker(e, sub, t)
	if old, ok := e.workers.Get(sub.ID); ok {
		old.stop()
	}
	e.workers.Set(sub.ID, w)
	w.start()

	e.logger.Debug("transport attached",
		slog.String("subscription", sub.ID),
		slog.String("identity", sub.Identity))
	return nil
}

// Attached reports whether the subscription has a transport.
func (e *Engine) Attached(subID string) bool {
	_, ok := e.workers.Get(subID)
	return ok
}

// Disconnect detaches the transport of a subscription. The in-flight push
// is canceled and every pending delivery falls back to the store.
func (e *Engine) Disconnect(subID string) bool {
	w, ok := e.workers.Get(subID)
	if !ok {
		return false
	}
	e.workers.Del(subID)
	w.stop()

	for _, p := range e.takeAcks(subID) {
		e.storeOnly(p.sub, p.msg, p.receipt, p.attempts)
	}

	e.logger.Debug("transport detached", slog.String("subscription", subID))
	return true
}

// Release forgets a removed subscription. Unacknowledged persistent
// messages become unread again for the subscriber.
func (e *Engine) Release(sub subscriptions.Subscription) {
	e.Disconnect(sub.ID)

	e.gapMu.Lock()
	delete(e.gaps, sub.ID)
	e.gapMu.Unlock()
}

// Deliver hands msg to every target without blocking and returns the
// immediate status of each delivery.
func (e *Engine) Deliver(msg *message.Message, targets []subscriptions.Subscription) []Status {
	now := e.clock()
	ret := make([]Status, 0, len(targets))
	for _, sub := range targets {
		st := Status{SubscriptionID: sub.ID, Identity: sub.Identity}
		switch {
		case msg.Expired(now):
			st.State = StateExpired
		case !sub.Realtime():
			st.State = StateAwaitingPull
		default:
			st.State, st.Receipt = e.push(sub, msg)
		}
		ret = append(ret, st)
	}
	return ret
}

func (e *Engine) push(sub subscriptions.Subscription, msg *message.Message) (State, *Receipt) {
	w, ok := e.workers.Get(sub.ID)
	if !ok || sub.Stale || w.open() {
		return e.skip(sub, msg), nil
	}

	r := newReceipt()
	t := &task{sub: sub, msg: msg, receipt: r, queuedAt: e.clock()}
	if !w.enqueue(t) {
		return e.skip(sub, msg), nil
	}
	return StateQueued, r
}

// skip records a delivery that bypasses the push.
func (e *Engine) skip(sub subscriptions.Subscription, msg *message.Message) State {
	if !msg.Options.Persistent {
		e.observer.Dropped(sub.Identity)
		return StateDropped
	}
	e.markGap(sub.ID, msg)
	e.observer.StoredOnly(sub.Identity)
	return StateStoreOnly
}

func (e *Engine) storeOnly(sub subscriptions.Subscription, msg *message.Message, r *Receipt, attempts int) {
	state := e.skip(sub, msg)
	if state == StateStoreOnly && e.cursors != nil {
		if err := e.cursors.Requeue(context.Background(), msg.Log, sub.Identity, msg.ID); err != nil {
			e.logger.Warn("failed to requeue message",
				slog.String("subscription", sub.ID),
				slog.String("message", msg.Ref().String()),
				slog.Any("error", err))
		}
	}
	if r != nil {
		r.resolve(Outcome{State: state, Attempts: attempts})
	}
}

func (e *Engine) markGap(subID string, msg *message.Message) {
	e.gapMu.Lock()
	defer e.gapMu.Unlock()

	logs, ok := e.gaps[subID]
	if !ok {
		logs = make(map[string]uint64)
		e.gaps[subID] = logs
	}
	logs[msg.Log] = max(logs[msg.Log], msg.ID)
}

// advance moves the read mark of the subscriber past a delivered persistent
// message, unless skipped messages before it are still unread.
func (e *Engine) advance(sub subscriptions.Subscription, msg *message.Message) {
	if !msg.Options.Persistent || e.cursors == nil {
		return
	}
	ctx := context.Background()

	e.gapMu.Lock()
	gap, ok := e.gaps[sub.ID][msg.Log]
	e.gapMu.Unlock()
	if ok {
		mark, err := e.cursors.ReadMark(ctx, msg.Log, sub.Identity)
		if err != nil || mark < gap {
			return
		}
		e.gapMu.Lock()
		if e.gaps[sub.ID][msg.Log] == gap {
			delete(e.gaps[sub.ID], msg.Log)
		}
		e.gapMu.Unlock()
	}

	if _, err := e.cursors.MarkRead(ctx, msg.Log, sub.Identity, msg.ID); err != nil {
		e.logger.Warn("failed to advance read mark",
			slog.String("subscription", sub.ID),
			slog.String("message", msg.Ref().String()),
			slog.Any("error", err))
	}
}

func (e *Engine) retryPolicy(msg *message.Message) message.RetryPolicy {
	p := msg.Options.Retry
	if p.IsZero() {
		p = e.cfg.DefaultRetry
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	return p
}

func ackRequired(sub subscriptions.Subscription, msg *message.Message) bool {
	return msg.Options.ConfirmationRequired && !sub.AutoAck
}

func (e *Engine) deadLetter(sub subscriptions.Subscription, msg *message.Message, reason string, attempts int, first time.Time) {
	dl := DeadLetter{
		SubscriptionID: sub.ID,
		Identity:       sub.Identity,
		Message:        msg,
		Reason:         reason,
		Attempts:       attempts,
		FirstAttempt:   first,
		DeadLetteredAt: e.clock(),
	}
	if e.dlq != nil {
		stored, err := e.dlq.put(context.Background(), dl)
		if err != nil {
			e.logger.Error("failed to store dead letter",
				slog.String("subscription", sub.ID),
				slog.String("message", msg.Ref().String()),
				slog.Any("error", err))
		} else {
			dl = stored
		}
	}
	e.logger.Warn("message dead-lettered",
		slog.String("subscription", sub.ID),
		slog.String("identity", sub.Identity),
		slog.String("message", msg.Ref().String()),
		slog.String("reason", reason),
		slog.Int("attempts", attempts))
	e.observer.DeadLettered(dl)
}
