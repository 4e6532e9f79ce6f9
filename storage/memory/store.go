// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sync/atomic"

	"github.com/absmach/fluxmail/storage"
)

var _ storage.Store = (*Store)(nil)

// Store is the composite in-memory store.
type Store struct {
	messages      *MessageLog
	cursors       *CursorStore
	mailboxes     *MailboxStore
	topics        *TopicStore
	subscriptions *SubscriptionStore
	grants        *GrantStore
	deadLetters   *DeadLetterStore
	closed        atomic.Bool
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		messages:      NewMessageLog(),
		cursors:       NewCursorStore(),
		mailboxes:     NewMailboxStore(),
		topics:        NewTopicStore(),
		subscriptions: NewSubscriptionStore(),
		grants:        NewGrantStore(),
		deadLetters:   NewDeadLetterStore(),
	}
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

// Ping fails once the store is closed.
func (s *Store) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return storage.ErrUnavailable
	}
	return ctx.Err()
}

// Close marks the store closed. Data is kept until the store is collected.
func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}
