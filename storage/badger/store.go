// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/absmach/fluxmail/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.Store = (*Store)(nil)

// DefaultCompressThreshold is the encoded message size above which records
// are stored s2 compressed.
const DefaultCompressThreshold = 1024

// Store is the composite BadgerDB store implementing all storage interfaces.
type Store struct {
	db *badger.DB

	messages      *MessageLog
	cursors       *CursorStore
	mailboxes     *MailboxStore
	topics        *TopicStore
	subscriptions *SubscriptionStore
	grants        *GrantStore
	deadLetters   *DeadLetterStore

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// Config holds BadgerDB configuration.
type Config struct {
	Dir string // Directory for BadgerDB data
	// SyncWrites fsyncs every commit. Durable appends are acknowledged to
	// publishers, so production setups should keep it enabled.
	SyncWrites        bool
	CompressThreshold int
	GCInterval        time.Duration
}

// New creates a new BadgerDB-backed store.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = nil // Disable BadgerDB's internal logging
	opts.EncryptionKey = nil
	opts.EncryptionKeyRotationDuration = 0
	opts.SyncWrites = cfg.SyncWrites
	opts.NumVersionsToKeep = 1
	opts.NumCompactors = 2
	opts.NumLevelZeroTables = 5
	opts.NumLevelZeroTablesStall = 15

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %s: %w", cfg.Dir, err)
	}

	if cfg.CompressThreshold <= 0 {
		cfg.CompressThreshold = DefaultCompressThreshold
	}
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = 5 * time.Minute
	}

	locks := newLogLocks()
	s := &Store{
		db:            db,
		messages:      NewMessageLog(db, locks, cfg.CompressThreshold),
		cursors:       NewCursorStore(db, locks),
		mailboxes:     NewMailboxStore(db),
		topics:        NewTopicStore(db),
		subscriptions: NewSubscriptionStore(db),
		grants:        NewGrantStore(db),
		deadLetters:   NewDeadLetterStore(db),
		gcStopCh:      make(chan struct{}),
		gcDone:        make(chan struct{}),
	}

	go s.runGC(cfg.GCInterval)

	return s, nil
}

// Messages returns the message logs.
func (s *Store) Messages() storage.MessageLog {
	return s.messages
}

// Cursors returns the read cursors.
func (s *Store) Cursors() storage.CursorStore {
	return s.cursors
}

// Mailboxes returns the mailbox registry.
func (s *Store) Mailboxes() storage.MailboxStore {
	return s.mailboxes
}

// Topics returns the topic registry.
func (s *Store) Topics() storage.TopicStore {
	return s.topics
}

// Subscriptions returns the subscription store.
func (s *Store) Subscriptions() storage.SubscriptionStore {
	return s.subscriptions
}

// Grants returns the grant store.
func (s *Store) Grants() storage.GrantStore {
	return s.grants
}

// DeadLetters returns the dead-letter store.
func (s *Store) DeadLetters() storage.DeadLetterStore {
	return s.deadLetters
}

// Ping checks that the database is open and readable.
func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.db.IsClosed() {
		return storage.ErrUnavailable
	}
	return wrapErr(s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(headKey("$ping"))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	}))
}

// Close gracefully closes the BadgerDB database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone

	return s.db.Close()
}

// runGC runs BadgerDB's value log garbage collection periodically.
func (s *Store) runGC(interval time.Duration) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Returns an error when nothing was rewritten, which is fine.
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			// No GC during close: it can corrupt the value log on restart.
			return
		}
	}
}

// wrapErr marks errors of a closed database as storage.ErrUnavailable.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, badger.ErrDBClosed) {
		return fmt.Errorf("%w: %w", storage.ErrUnavailable, err)
	}
	return err
}
