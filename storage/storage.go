// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"time"

	"github.com/absmach/fluxmail/message"
)

// Common errors.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	// ErrUnavailable marks backend failures that may heal on their own.
	ErrUnavailable = errors.New("storage unavailable")
)

// Store is the composite storage interface providing access to all storage backends.
type Store interface {
	// Messages returns the append-only message logs.
	Messages() MessageLog

	// Cursors returns the per-subscriber read cursors.
	Cursors() CursorStore

	// Mailboxes returns the mailbox registry.
	Mailboxes() MailboxStore

	// Topics returns the topic registry.
	Topics() TopicStore

	// Subscriptions returns the subscription store.
	Subscriptions() SubscriptionStore

	// Grants returns the permission grant store.
	Grants() GrantStore

	// DeadLetters returns the dead-letter area.
	DeadLetters() DeadLetterStore

	// Ping reports whether the backend is usable.
	Ping(ctx context.Context) error

	// Close closes all storage backends.
	Close() error
}

// Bounds describes the retained window of a log.
type Bounds struct {
	// First is the first retained id, zero when the log is empty.
	First uint64
	// Last is the last assigned id.
	Last uint64
	// Compacted is the highest id removed by compaction.
	Compacted uint64
	Count     int
}

// MessageLog stores ordered, append-only message logs.
type MessageLog interface {
	// Append assigns the next id of the log to a copy of msg, stores it and
	// returns the stored message. Ids are strictly increasing without gaps and
	// CreatedAt never decreases within a log.
	Append(ctx context.Context, log string, msg *message.Message) (*message.Message, error)

	// Get returns a single message.
	Get(ctx context.Context, log string, id uint64) (*message.Message, error)

	// Range returns up to limit messages with ids greater than afterID, ascending.
	Range(ctx context.Context, log string, afterID uint64, limit int) ([]*message.Message, error)

	// RangeFrom returns up to limit messages created at or after from, ascending.
	RangeFrom(ctx context.Context, log string, from time.Time, limit int) ([]*message.Message, error)

	// Bounds returns the retained window of the log.
	Bounds(ctx context.Context, log string) (Bounds, error)

	// DeleteThrough removes every message with id <= id and records the
	// compaction boundary. It returns the number of deleted messages.
	DeleteThrough(ctx context.Context, log string, id uint64) (int, error)

	// Drop removes the log entirely.
	Drop(ctx context.Context, log string) error

	// Logs lists all log names.
	Logs(ctx context.Context) ([]string, error)
}

// CursorStore tracks how far each subscriber has read a log.
type CursorStore interface {
	// Get returns the last read id, zero when nothing was read.
	Get(ctx context.Context, log, subscriber string) (uint64, error)

	// Advance moves the cursor forward to id and returns the resulting cursor.
	// A cursor never moves backwards through Advance.
	Advance(ctx context.Context, log, subscriber string, id uint64) (uint64, error)

	// Rewind moves the cursor back to id if it is ahead of it.
	Rewind(ctx context.Context, log, subscriber string, id uint64) error

	// List returns all cursors of a log keyed by subscriber.
	List(ctx context.Context, log string) (map[string]uint64, error)

	// DropLog removes all cursors of a log.
	DropLog(ctx context.Context, log string) error
}

// Mailbox is a named inbox with its access and retention settings.
type Mailbox struct {
	Name        string        `json:"name"`
	CreatedAt   time.Time     `json:"created_at"`
	Owner       string        `json:"owner,omitempty"`
	Readers     []string      `json:"readers,omitempty"`
	Writers     []string      `json:"writers,omitempty"`
	Retention   time.Duration `json:"retention,omitempty"`
	Hold        bool          `json:"hold,omitempty"`
	AutoCreated bool          `json:"auto_created,omitempty"`
}

// MailboxStore persists mailbox definitions.
type MailboxStore interface {
	Create(ctx context.Context, mb Mailbox) error
	Put(ctx context.Context, mb Mailbox) error
	Get(ctx context.Context, name string) (Mailbox, error)
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]Mailbox, error)
}

// Topic is a registered topic path.
type Topic struct {
	Path      string        `json:"path"`
	CreatedAt time.Time     `json:"created_at"`
	Retention time.Duration `json:"retention,omitempty"`
	Hold      bool          `json:"hold,omitempty"`
}

// TopicStore persists topic definitions.
type TopicStore interface {
	Create(ctx context.Context, t Topic) error
	Put(ctx context.Context, t Topic) error
	Get(ctx context.Context, path string) (Topic, error)
	Delete(ctx context.Context, path string) error
	List(ctx context.Context) ([]Topic, error)
}

// Kind is the kind of target a subscription points at.
type Kind uint8

const (
	KindMailbox Kind = iota + 1
	KindTopic
	KindBroadcast
)

func (k Kind) String() string {
	switch k {
	case KindMailbox:
		return "mailbox"
	case KindTopic:
		return "topic"
	case KindBroadcast:
		return "broadcast"
	default:
		return "unknown"
	}
}

// Target is what a subscription listens to. Name is a mailbox name or a
// topic pattern; it is empty for broadcast.
type Target struct {
	Kind Kind   `json:"kind"`
	Name string `json:"name,omitempty"`
}

func (t Target) String() string {
	if t.Kind == KindBroadcast {
		return t.Kind.String()
	}
	return t.Kind.String() + ":" + t.Name
}

// DeliveryMode says how a subscriber receives messages.
type DeliveryMode uint8

const (
	// DeliveryRealtime pushes messages through an attached transport.
	DeliveryRealtime DeliveryMode = iota + 1
	// DeliveryPoll leaves messages for the subscriber to pull.
	DeliveryPoll
	// DeliveryBatch is pulled like poll, in pages of BatchSize.
	DeliveryBatch
)

func (m DeliveryMode) String() string {
	switch m {
	case DeliveryRealtime:
		return "realtime"
	case DeliveryPoll:
		return "poll"
	case DeliveryBatch:
		return "batch"
	default:
		return "unknown"
	}
}

// Subscription is the persisted part of a subscription.
type Subscription struct {
	ID        string       `json:"id"`
	Identity  string       `json:"identity"`
	Target    Target       `json:"target"`
	Mode      DeliveryMode `json:"mode"`
	QueueSize int          `json:"queue_size,omitempty"`
	BatchSize int          `json:"batch_size,omitempty"`
	AutoAck   bool         `json:"auto_ack,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// SubscriptionStore persists subscriptions.
type SubscriptionStore interface {
	Save(ctx context.Context, sub Subscription) error
	Get(ctx context.Context, id string) (Subscription, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Subscription, error)
	ListByTarget(ctx context.Context, target Target) ([]Subscription, error)
}

// Grant allows an identity to perform an operation on matching resources.
type Grant struct {
	Identity  string    `json:"identity"`
	Operation string    `json:"operation"`
	Resource  string    `json:"resource"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// GrantStore persists grants. A grant is identified by identity, operation
// and resource.
type GrantStore interface {
	Put(ctx context.Context, g Grant) error
	Delete(ctx context.Context, g Grant) error
	List(ctx context.Context) ([]Grant, error)
}

// DeadLetter is a delivery that exhausted its retries.
type DeadLetter struct {
	ID             string           `json:"id"`
	SubscriptionID string           `json:"subscription_id"`
	Identity       string           `json:"identity"`
	Message        *message.Message `json:"message"`
	Reason         string           `json:"reason"`
	Attempts       int              `json:"attempts"`
	FirstAttempt   time.Time        `json:"first_attempt"`
	DeadLetteredAt time.Time        `json:"dead_lettered_at"`
}

// DeadLetterStore persists dead letters.
type DeadLetterStore interface {
	Put(ctx context.Context, dl DeadLetter) error
	Get(ctx context.Context, id string) (DeadLetter, error)
	// List returns dead letters of a subscription, or of all subscriptions
	// when subscriptionID is empty, oldest first. A limit <= 0 means no limit.
	List(ctx context.Context, subscriptionID string, limit int) ([]DeadLetter, error)
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
}
