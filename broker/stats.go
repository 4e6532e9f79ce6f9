// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"sync/atomic"
	"time"

	"github.com/absmach/fluxmail/delivery"
	"github.com/absmach/fluxmail/retention"
)

var _ delivery.Observer = (*Stats)(nil)

// Stats tracks detailed broker statistics.
type Stats struct {
	startTime time.Time

	// Publish stats
	published atomic.Uint64
	rejected  atomic.Uint64
	deferred  atomic.Uint64

	// Byte stats
	bytesReceived atomic.Uint64

	// Delivery stats
	delivered    atomic.Uint64
	retried      atomic.Uint64
	storedOnly   atomic.Uint64
	dropped      atomic.Uint64
	deadLettered atomic.Uint64

	// Subscription stats
	subscriptions   atomic.Uint64
	unsubscriptions atomic.Uint64
	polls           atomic.Uint64
	acks            atomic.Uint64

	// Error stats
	authzErrors atomic.Uint64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{
		startTime: time.Now(),
	}
}

// Publish tracking.
func (s *Stats) IncrementPublished(size int, deferred bool) {
	s.published.Add(1)
	s.bytesReceived.Add(uint64(size))
	if deferred {
		s.deferred.Add(1)
	}
}

func (s *Stats) IncrementRejected() {
	s.rejected.Add(1)
}

func (s *Stats) GetPublished() uint64 {
	return s.published.Load()
}

func (s *Stats) GetRejected() uint64 {
	return s.rejected.Load()
}

func (s *Stats) GetDeferred() uint64 {
	return s.deferred.Load()
}

func (s *Stats) GetBytesReceived() uint64 {
	return s.bytesReceived.Load()
}

// Delivery tracking, fed by the delivery engine.
func (s *Stats) Delivered(string, time.Duration) { s.delivered.Add(1) }
func (s *Stats) Retried(string, int)             { s.retried.Add(1) }
func (s *Stats) StoredOnly(string)               { s.storedOnly.Add(1) }
func (s *Stats) Dropped(string)                  { s.dropped.Add(1) }
func (s *Stats) DeadLettered(delivery.DeadLetter) {
	s.deadLettered.Add(1)
}

func (s *Stats) GetDelivered() uint64 {
	return s.delivered.Load()
}

func (s *Stats) GetRetried() uint64 {
	return s.retried.Load()
}

func (s *Stats) GetStoredOnly() uint64 {
	return s.storedOnly.Load()
}

func (s *Stats) GetDropped() uint64 {
	return s.dropped.Load()
}

func (s *Stats) GetDeadLettered() uint64 {
	return s.deadLettered.Load()
}

// Subscription tracking.
func (s *Stats) IncrementSubscriptions() {
	s.subscriptions.Add(1)
}

func (s *Stats) IncrementUnsubscriptions() {
	s.unsubscriptions.Add(1)
}

func (s *Stats) IncrementPolls() {
	s.polls.Add(1)
}

func (s *Stats) IncrementAcks() {
	s.acks.Add(1)
}

func (s *Stats) GetSubscriptions() uint64 {
	return s.subscriptions.Load()
}

func (s *Stats) GetUnsubscriptions() uint64 {
	return s.unsubscriptions.Load()
}

func (s *Stats) GetPolls() uint64 {
	return s.polls.Load()
}

func (s *Stats) GetAcks() uint64 {
	return s.acks.Load()
}

// Error tracking.
func (s *Stats) IncrementAuthzErrors() {
	s.authzErrors.Add(1)
}

func (s *Stats) GetAuthzErrors() uint64 {
	return s.authzErrors.Load()
}

// Uptime.
func (s *Stats) GetUptime() time.Duration {
	return time.Since(s.startTime)
}

// Snapshot is a point-in-time view of the broker.
type Snapshot struct {
	Uptime time.Duration `json:"uptime"`

	MessagesPublished uint64 `json:"messages_published"`
	MessagesRejected  uint64 `json:"messages_rejected"`
	MessagesDeferred  uint64 `json:"messages_deferred"`
	BytesReceived     uint64 `json:"bytes_received"`

	Delivered    uint64 `json:"delivered"`
	Retried      uint64 `json:"retried"`
	StoredOnly   uint64 `json:"stored_only"`
	Dropped      uint64 `json:"dropped"`
	DeadLettered uint64 `json:"dead_lettered"`

	SubscriptionsCreated uint64 `json:"subscriptions_created"`
	SubscriptionsRemoved uint64 `json:"subscriptions_removed"`
	Polls                uint64 `json:"polls"`
	Acks                 uint64 `json:"acks"`
	PermissionDenied     uint64 `json:"permission_denied"`

	ActiveSubscriptions int  `json:"active_subscriptions"`
	Mailboxes           int  `json:"mailboxes"`
	Topics              int  `json:"topics"`
	PendingAcks         int  `json:"pending_acks"`
	PendingWrites       int  `json:"pending_writes"`
	Degraded            bool `json:"degraded"`
	DeadLetters         int  `json:"dead_letters"`

	Retention retention.Stats `json:"retention"`
}

func (s *Stats) snapshot() Snapshot {
	return Snapshot{
		Uptime:               s.GetUptime(),
		MessagesPublished:    s.GetPublished(),
		MessagesRejected:     s.GetRejected(),
		MessagesDeferred:     s.GetDeferred(),
		BytesReceived:        s.GetBytesReceived(),
		Delivered:            s.GetDelivered(),
		Retried:              s.GetRetried(),
		StoredOnly:           s.GetStoredOnly(),
		Dropped:              s.GetDropped(),
		DeadLettered:         s.GetDeadLettered(),
		SubscriptionsCreated: s.GetSubscriptions(),
		SubscriptionsRemoved: s.GetUnsubscriptions(),
		Polls:                s.GetPolls(),
		Acks:                 s.GetAcks(),
		PermissionDenied:     s.GetAuthzErrors(),
	}
}
