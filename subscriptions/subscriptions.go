// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package subscriptions owns the live subscription table and the topic
// registry. Fan-out reads take consistent snapshots of the table.
package subscriptions

import (
	"errors"
	"fmt"
	"time"

	"github.com/absmach/fluxmail/message"
	"github.com/absmach/fluxmail/storage"
	"github.com/absmach/fluxmail/topics"
)

var (
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrInvalidTarget        = errors.New("invalid subscription target")
	ErrInvalidIdentity      = errors.New("invalid subscriber identity")
	ErrTopicNotFound        = errors.New("topic not found")
)

// Config holds subscription table settings.
type Config struct {
	// HeartbeatTimeout marks a subscription stale when no heartbeat arrives
	// within it. Zero disables liveness tracking.
	HeartbeatTimeout time.Duration
	// StaleGrace is how long a stale subscription is kept before removal.
	StaleGrace time.Duration
	// SweepInterval is the period of the stale subscription sweeper.
	SweepInterval time.Duration
	// DefaultQueueSize bounds the realtime delivery queue of subscriptions
	// that do not set their own.
	DefaultQueueSize int
	// DefaultBatchSize is the page size of batch subscriptions that do not
	// set their own.
	DefaultBatchSize int
}

// DefaultConfig returns the default table settings.
func DefaultConfig() Config {
	return Config{
		HeartbeatTimeout: 30 * time.Second,
		StaleGrace:       5 * time.Minute,
		SweepInterval:    5 * time.Second,
		DefaultQueueSize: 256,
		DefaultBatchSize: 100,
	}
}

// Options are the subscriber-chosen settings of a subscription.
type Options struct {
	Mode      storage.DeliveryMode
	QueueSize int
	BatchSize int
	AutoAck   bool
}

// Subscription is a snapshot of a table entry.
type Subscription struct {
	storage.Subscription
	LastActive time.Time
	// Stale subscriptions missed their heartbeat; they receive no realtime
	// pushes until the next heartbeat.
	Stale bool
}

// Realtime reports whether messages are pushed to the subscriber.
func (s Subscription) Realtime() bool {
	return s.Mode == storage.DeliveryRealtime
}

// Logs returns the logs a non-topic subscription reads from. Topic
// subscriptions resolve their logs through the topic registry.
func (s Subscription) Logs() []string {
	switch s.Target.Kind {
	case storage.KindMailbox:
		return []string{s.Target.Name}
	case storage.KindBroadcast:
		return []string{message.BroadcastLog}
	default:
		return nil
	}
}

// ValidateTarget checks a subscription target.
func ValidateTarget(t storage.Target) error {
	switch t.Kind {
	case storage.KindMailbox:
		if err := message.ValidateMailboxName(t.Name); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidTarget, err)
		}
	case storage.KindTopic:
		if err := topics.ValidatePattern(t.Name); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidTarget, err)
		}
	case storage.KindBroadcast:
		if t.Name != "" {
			return fmt.Errorf("%w: broadcast target has no name", ErrInvalidTarget)
		}
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidTarget, t.Kind)
	}
	return nil
}

// MailboxTarget returns the target of a mailbox.
func MailboxTarget(name string) storage.Target {
	return storage.Target{Kind: storage.KindMailbox, Name: name}
}

// TopicTarget returns the target of a topic pattern.
func TopicTarget(pattern string) storage.Target {
	return storage.Target{Kind: storage.KindTopic, Name: pattern}
}

// BroadcastTarget returns the broadcast target.
func BroadcastTarget() storage.Target {
	return storage.Target{Kind: storage.KindBroadcast}
}
