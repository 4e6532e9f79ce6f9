// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/fluxmail/storage"
	"github.com/absmach/fluxmail/subscriptions"
	"github.com/google/uuid"
)

// DeadLetter is a delivery that exhausted its retries or its
// acknowledgement window.
type DeadLetter = storage.DeadLetter

// DeadLetters is the dead-letter holding area. Dead letters stay until an
// administrator reprocesses or discards them.
type DeadLetters struct {
	store storage.DeadLetterStore
}

// NewDeadLetters creates a dead-letter area persisted to store.
func NewDeadLetters(store storage.DeadLetterStore) *DeadLetters {
	return &DeadLetters{store: store}
}

func (d *DeadLetters) put(ctx context.Context, dl DeadLetter) (DeadLetter, error) {
	dl.ID = uuid.NewString()
	if err := d.store.Put(ctx, dl); err != nil {
		return DeadLetter{}, fmt.Errorf("failed to store dead letter: %w", err)
	}
	return dl, nil
}

// List returns dead letters of a subscription, or of every subscription
// when subscriptionID is empty, oldest first.
func (d *DeadLetters) List(ctx context.Context, subscriptionID string, limit int) ([]DeadLetter, error) {
	list, err := d.store.List(ctx, subscriptionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	return list, nil
}

// Get returns a dead letter.
func (d *DeadLetters) Get(ctx context.Context, id string) (DeadLetter, error) {
	dl, err := d.store.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return DeadLetter{}, ErrDeadLetterGone
	}
	return dl, err
}

// Discard removes a dead letter for good.
func (d *DeadLetters) Discard(ctx context.Context, id string) error {
	err := d.store.Delete(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrDeadLetterGone
	}
	return err
}

// Count returns the number of dead letters.
func (d *DeadLetters) Count(ctx context.Context) (int, error) {
	return d.store.Count(ctx)
}

// Stats summarizes the dead letters of a subscription, or of all of them.
func (d *DeadLetters) Stats(ctx context.Context, subscriptionID string) (Stats, error) {
	list, err := d.List(ctx, subscriptionID, 0)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{Total: len(list), ByReason: make(map[string]int)}
	for _, dl := range list {
		reason := dl.Reason
		if reason == "" {
			reason = "unknown"
		}
		stats.ByReason[reason]++
		if stats.Oldest.IsZero() || dl.DeadLetteredAt.Before(stats.Oldest) {
			stats.Oldest = dl.DeadLetteredAt
		}
	}
	return stats, nil
}

// Stats holds dead-letter statistics.
type Stats struct {
	Total    int
	ByReason map[string]int
	Oldest   time.Time
}

// Reprocess delivers a dead letter to sub again and removes it from the
// dead-letter area once handed over.
func (e *Engine) Reprocess(ctx context.Context, id string, sub subscriptions.Subscription) (Status, error) {
	if e.dlq == nil {
		return Status{}, ErrDeadLetterGone
	}
	dl, err := e.dlq.Get(ctx, id)
	if err != nil {
		return Status{}, err
	}
	if dl.SubscriptionID != sub.ID {
		return Status{}, fmt.Errorf("dead letter %s belongs to subscription %s", id, dl.SubscriptionID)
	}

	msg := dl.Message
	st := Status{SubscriptionID: sub.ID, Identity: sub.Identity, State: StateAwaitingPull}
	switch {
	case sub.Realtime():
		st = e.Deliver(msg, []subscriptions.Subscription{sub})[0]
		if st.State == StateDropped {
			return st, ErrNotAttached
		}
		if st.State == StateStoreOnly && e.cursors != nil {
			if err := e.cursors.Requeue(ctx, msg.Log, sub.Identity, msg.ID); err != nil {
				return Status{}, err
			}
		}
	case msg.Options.Persistent && e.cursors != nil:
		// Pull subscribers find the message once it is unread again.
		if err := e.cursors.Requeue(ctx, msg.Log, sub.Identity, msg.ID); err != nil {
			return Status{}, err
		}
	}

	if err := e.dlq.Discard(ctx, id); err != nil {
		return st, err
	}
	return st, nil
}
