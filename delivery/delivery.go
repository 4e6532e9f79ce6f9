// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package delivery pushes routed messages to realtime subscribers. Each
// attached subscription has an ordered worker guarded by its own circuit
// breaker; failed pushes are retried with backoff and end up delivered,
// awaiting acknowledgement, in the store for a later poll, or dead-lettered.
package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/absmach/fluxmail/message"
)

var (
	ErrNotAttached     = errors.New("subscription has no attached transport")
	ErrNotRealtime     = errors.New("subscription does not use realtime delivery")
	ErrAckNotFound     = errors.New("no delivery awaits this acknowledgement")
	ErrEngineStopped   = errors.New("delivery engine stopped")
	ErrDeadLetterGone  = errors.New("dead letter not found")
	errAttemptCanceled = errors.New("delivery attempt canceled")
)

// State is the state of one message delivery to one subscription.
type State uint8

const (
	// StateQueued deliveries wait in the subscription worker.
	StateQueued State = iota + 1
	// StateStoreOnly deliveries skipped the push; the subscriber reads the
	// message from the store.
	StateStoreOnly
	// StateDropped ephemeral deliveries could not be pushed.
	StateDropped
	// StateAwaitingPull deliveries are left for poll and batch subscribers.
	StateAwaitingPull
	StateDelivered
	StateAwaitingAck
	StateDeadLettered
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateStoreOnly:
		return "store_only"
	case StateDropped:
		return "dropped"
	case StateAwaitingPull:
		return "awaiting_pull"
	case StateDelivered:
		return "delivered"
	case StateAwaitingAck:
		return "awaiting_ack"
	case StateDeadLettered:
		return "dead_lettered"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Final reports whether no further transition follows.
func (s State) Final() bool {
	switch s {
	case StateQueued, StateAwaitingAck:
		return false
	default:
		return true
	}
}

// Delivery is one push of a message to a subscriber.
type Delivery struct {
	SubscriptionID string
	Identity       string
	Message        *message.Message
	// Attempt is 1 for the first push of the message.
	Attempt int
	// Redelivery is set when the message is pushed again after an
	// acknowledgement timeout.
	Redelivery bool
	// AckRequired deliveries must be acknowledged with the message ref.
	AckRequired bool
}

// Transport pushes deliveries to a connected subscriber. Push must return
// once ctx is done.
type Transport interface {
	Push(ctx context.Context, d Delivery) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, d Delivery) error

func (f TransportFunc) Push(ctx context.Context, d Delivery) error {
	return f(ctx, d)
}

// Outcome is the final result of a delivery.
type Outcome struct {
	State    State
	Attempts int
	Err      error
}

// Receipt completes when a queued delivery reaches a final state.
type Receipt struct {
	done    chan struct{}
	once    sync.Once
	outcome Outcome
}

func newReceipt() *Receipt {
	return &Receipt{done: make(chan struct{})}
}

// Done is closed once the outcome is known.
func (r *Receipt) Done() <-chan struct{} {
	return r.done
}

// Outcome returns the final outcome. It is the zero Outcome until Done is
// closed.
func (r *Receipt) Outcome() Outcome {
	select {
	case <-r.done:
		return r.outcome
	default:
		return Outcome{}
	}
}

// Wait blocks until the outcome is known or ctx is done.
func (r *Receipt) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-r.done:
		return r.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

func (r *Receipt) resolve(o Outcome) {
	r.once.Do(func() {
		r.outcome = o
		close(r.done)
	})
}

// Status is the immediate result of handing a message to a subscription.
type Status struct {
	SubscriptionID string
	Identity       string
	State          State
	// Receipt is set for queued deliveries.
	Receipt *Receipt
}

// Observer is notified of delivery outcomes.
type Observer interface {
	Delivered(identity string, latency time.Duration)
	Retried(identity string, attempt int)
	StoredOnly(identity string)
	Dropped(identity string)
	DeadLettered(dl DeadLetter)
}

// Observers fans notifications out to several observers.
type Observers []Observer

func (o Observers) Delivered(identity string, latency time.Duration) {
	for _, obs := range o {
		obs.Delivered(identity, latency)
	}
}

func (o Observers) Retried(identity string, attempt int) {
	for _, obs := range o {
		obs.Retried(identity, attempt)
	}
}

func (o Observers) StoredOnly(identity string) {
	for _, obs := range o {
		obs.StoredOnly(identity)
	}
}

func (o Observers) Dropped(identity string) {
	for _, obs := range o {
		obs.Dropped(identity)
	}
}

func (o Observers) DeadLettered(dl DeadLetter) {
	for _, obs := range o {
		obs.DeadLettered(dl)
	}
}

type nopObserver struct{}

func (nopObserver) Delivered(string, time.Duration) {}
func (nopObserver) Retried(string, int)             {}
func (nopObserver) StoredOnly(string)               {}
func (nopObserver) Dropped(string)                  {}
func (nopObserver) DeadLettered(DeadLetter)         {}
