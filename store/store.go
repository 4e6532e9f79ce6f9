// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package store is the single writer of persisted message state. It assigns
// message ids and timestamps, keeps read cursors, compacts logs and rides
// out backend outages by buffering appends in bounded per-log queues.
package store

import (
	"context"
	"errors"
	"fmt"
	"hash/maphash"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxmail/message"
	"github.com/absmach/fluxmail/storage"
	"github.com/sony/gobreaker"
)

// Config holds Message Store settings.
type Config struct {
	// DegradedQueueSize caps the writes held per log while the backend is
	// unavailable.
	DegradedQueueSize int
	// CriticalReserve is the extra room critical-priority writes may use
	// once a degraded queue is full.
	CriticalReserve int
	// FlushInterval is the first retry delay of the degraded queue flusher;
	// it doubles up to FlushMaxBackoff while the backend stays down.
	FlushInterval   time.Duration
	FlushMaxBackoff time.Duration
	// BreakerThreshold consecutive backend failures open the breaker for
	// BreakerTimeout.
	BreakerThreshold uint32
	BreakerTimeout   time.Duration
	// DefaultRetention applies to logs without their own window.
	DefaultRetention time.Duration
}

// DefaultConfig returns the default Message Store settings.
func DefaultConfig() Config {
	return Config{
		DegradedQueueSize: 1000,
		CriticalReserve:   100,
		FlushInterval:     100 * time.Millisecond,
		FlushMaxBackoff:   5 * time.Second,
		BreakerThreshold:  5,
		BreakerTimeout:    5 * time.Second,
		DefaultRetention:  7 * 24 * time.Hour,
	}
}

// AppendOptions tune a single append.
type AppendOptions struct {
	// Critical writes may use the reserve of a full degraded queue.
	Critical bool
	// OnCommit runs once the write reaches the backend: before Append
	// returns for a direct write, from the flusher with deferred set for a
	// queued one. Calls for one log are serialized in append order, so
	// OnCommit must not block or append to the same log.
	OnCommit func(stored *message.Message, deferred bool)
}

// AppendResult reports the outcome of an append. Message is nil when the
// write was deferred.
type AppendResult struct {
	Message  *message.Message
	Deferred bool
	// Pending is the degraded queue depth of the log after a deferred write.
	Pending int
}

const seqStripes = 64

type pendingWrite struct {
	msg      *message.Message
	onCommit func(*message.Message, bool)
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for message timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		s.clock = clock
	}
}

// WithMailboxHook registers fn to run after a mailbox is created on first
// delivery.
func WithMailboxHook(fn func(storage.Mailbox)) Option {
	return func(s *Store) {
		s.onMailbox = fn
	}
}

// Store is the Message Store.
type Store struct {
	backend storage.Store
	cfg     Config
	logger  *slog.Logger
	clock   func() time.Time
	breaker *gobreaker.CircuitBreaker

	seedSeq maphash.Seed
	seq     [seqStripes]sync.Mutex

	mu           sync.Mutex
	pending      map[string][]*pendingWrite
	pendingTotal atomic.Int64

	ephMu     sync.Mutex
	ephemeral map[string]uint64

	mbMu             sync.RWMutex
	mailboxes        map[string]storage.Mailbox
	pendingMailboxes map[string]struct{}
	onMailbox        func(storage.Mailbox)

	wake    chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started atomic.Bool
	stopped atomic.Bool
}

// New creates a Message Store on top of a storage backend.
func New(backend storage.Store, cfg Config, logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.DegradedQueueSize <= 0 {
		cfg.DegradedQueueSize = def.DegradedQueueSize
	}
	if cfg.CriticalReserve < 0 {
		cfg.CriticalReserve = 0
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.FlushMaxBackoff < cfg.FlushInterval {
		cfg.FlushMaxBackoff = cfg.FlushInterval
	}
	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = def.BreakerThreshold
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = def.BreakerTimeout
	}
	if cfg.DefaultRetention <= 0 {
		cfg.DefaultRetention = def.DefaultRetention
	}

	s := &Store{
		backend:          backend,
		cfg:              cfg,
		logger:           logger,
		clock:            time.Now,
		seedSeq:          maphash.MakeSeed(),
		pending:          make(map[string][]*pendingWrite),
		ephemeral:        make(map[string]uint64),
		mailboxes:        make(map[string]storage.Mailbox),
		pendingMailboxes: make(map[string]struct{}),
		wake:             make(chan struct{}, 1),
		stopCh:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	threshold := cfg.BreakerThreshold
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "message-store",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, storage.ErrUnavailable)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("storage circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	return s
}

// Backend returns the underlying storage.
func (s *Store) Backend() storage.Store {
	return s.backend
}

// Config returns the effective settings.
func (s *Store) Config() Config {
	return s.cfg
}

// Now returns the store clock reading.
func (s *Store) Now() time.Time {
	return s.clock()
}

// Start loads the mailbox registry and starts the degraded queue flusher.
func (s *Store) Start(ctx context.Context) error {
	if err := s.loadMailboxes(ctx); err != nil {
		return err
	}
	if s.started.CompareAndSwap(false, true) {
		s.wg.Add(1)
		go s.runFlusher()
	}
	return nil
}

// Close stops the flusher after a last flush attempt. Writes still queued
// are reported and dropped.
func (s *Store) Close() error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}
	close(s.stopCh)
	s.wg.Wait()

	s.flush()
	if n := s.pendingTotal.Load(); n > 0 {
		s.logger.Error("closing message store with unflushed writes", slog.Int64("pending", n))
	}
	return nil
}

// sequence locks the sequencing point of log. Id assignment and the commit
// callback of a log run under it, so subscribers see commits in id order.
func (s *Store) sequence(log string) func() {
	mu := &s.seq[maphash.String(s.seedSeq, log)%seqStripes]
	mu.Lock()
	return mu.Unlock
}

// Append durably appends msg to log, assigning its id and timestamp. While
// the backend is unavailable the write is queued and reported as deferred.
func (s *Store) Append(ctx context.Context, log string, msg *message.Message, opts AppendOptions) (AppendResult, error) {
	m := msg.Clone()
	m.ID = 0
	m.Log = log

	defer s.sequence(log)()
	m.CreatedAt = s.clock()

	s.mu.Lock()
	if len(s.pending[log]) > 0 {
		res, err := s.enqueueLocked(log, m, opts)
		s.mu.Unlock()
		return res, err
	}
	s.mu.Unlock()

	stored, err := s.appendBackend(ctx, log, m)
	if err == nil {
		if opts.OnCommit != nil {
			opts.OnCommit(stored, false)
		}
		return AppendResult{Message: stored}, nil
	}
	if !retryable(err) {
		return AppendResult{}, fmt.Errorf("failed to append to %s: %w", log, err)
	}

	s.mu.Lock()
	res, qerr := s.enqueueLocked(log, m, opts)
	s.mu.Unlock()
	if qerr == nil {
		s.logger.Warn("storage unavailable, append deferred",
			slog.String("log", log),
			slog.Int("pending", res.Pending),
			slog.Any("error", err))
	}
	return res, qerr
}

func (s *Store) appendBackend(ctx context.Context, log string, m *message.Message) (*message.Message, error) {
	ret, err := s.breaker.Execute(func() (interface{}, error) {
		return s.backend.Messages().Append(ctx, log, m)
	})
	if err != nil {
		return nil, err
	}
	return ret.(*message.Message), nil
}

func (s *Store) enqueueLocked(log string, m *message.Message, opts AppendOptions) (AppendResult, error) {
	q := s.pending[log]
	limit := s.cfg.DegradedQueueSize
	if opts.Critical {
		limit += s.cfg.CriticalReserve
	}
	if len(q) >= limit {
		return AppendResult{}, fmt.Errorf("%w: degraded queue of %s holds %d writes", message.ErrOverloaded, log, len(q))
	}

	s.pending[log] = append(q, &pendingWrite{msg: m, onCommit: opts.OnCommit})
	if s.pendingTotal.Add(1) == 1 {
		s.signal()
	}
	return AppendResult{Deferred: true, Pending: len(q) + 1}, nil
}

func (s *Store) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func retryable(err error) bool {
	return errors.Is(err, storage.ErrUnavailable) ||
		errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests)
}

// Stamp assigns an id and timestamp to an ephemeral message without
// persisting it. Ephemeral ids come from a sequence separate from the log.
// onStamp, when set, runs under the sequencing point of log like OnCommit.
func (s *Store) Stamp(log string, msg *message.Message, onStamp func(*message.Message)) *message.Message {
	m := msg.Clone()
	m.Log = log

	defer s.sequence(log)()
	m.CreatedAt = s.clock()

	s.ephMu.Lock()
	s.ephemeral[log]++
	m.ID = s.ephemeral[log]
	s.ephMu.Unlock()

	if onStamp != nil {
		onStamp(m)
	}
	return m
}

// Pending returns the number of writes waiting in degraded queues.
func (s *Store) Pending() int {
	return int(s.pendingTotal.Load())
}

// Degraded reports whether writes are currently being deferred.
func (s *Store) Degraded() bool {
	return s.Pending() > 0 || s.breaker.State() == gobreaker.StateOpen
}

func (s *Store) runFlusher() {
	defer s.wg.Done()

	delay := s.cfg.FlushInterval
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-s.wake:
		case <-timer.C:
		}

		if s.flush() {
			delay = s.cfg.FlushInterval
		} else {
			delay = min(delay*2, s.cfg.FlushMaxBackoff)
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(delay)
	}
}

// flush drains degraded queues in order and reports whether all of them
// are empty afterwards.
func (s *Store) flush() bool {
	if !s.flushMailboxes() {
		return false
	}

	s.mu.Lock()
	logs := make([]string, 0, len(s.pending))
	for log := range s.pending {
		logs = append(logs, log)
	}
	s.mu.Unlock()

	for _, log := range logs {
		if !s.flushLog(log) {
			return false
		}
	}
	return s.pendingTotal.Load() == 0
}

func (s *Store) flushLog(log string) bool {
	for {
		done, ok := s.flushOne(log)
		if done || !ok {
			return ok
		}
	}
}

// flushOne writes the head of the degraded queue of log. The write leaves
// the queue only once committed, so direct appends racing the flusher keep
// queueing behind it until the queue is empty.
func (s *Store) flushOne(log string) (done, ok bool) {
	defer s.sequence(log)()

	s.mu.Lock()
	q := s.pending[log]
	if len(q) == 0 {
		delete(s.pending, log)
		s.mu.Unlock()
		return true, true
	}
	w := q[0]
	s.mu.Unlock()

	stored, err := s.appendBackend(context.Background(), log, w.msg)
	if err != nil && retryable(err) {
		return false, false
	}

	s.mu.Lock()
	if q := s.pending[log]; len(q) > 0 && q[0] == w {
		s.pending[log] = q[1:]
		s.pendingTotal.Add(-1)
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("dropping deferred write",
			slog.String("log", log),
			slog.String("sender", w.msg.Sender),
			slog.Any("error", err))
		return false, true
	}
	if w.onCommit != nil {
		w.onCommit(stored, true)
	}
	return false, true
}
