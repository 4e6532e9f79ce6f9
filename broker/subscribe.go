// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"fmt"

	"github.com/absmach/fluxmail/broker/events"
	"github.com/absmach/fluxmail/delivery"
	"github.com/absmach/fluxmail/message"
	"github.com/absmach/fluxmail/permissions"
	"github.com/absmach/fluxmail/reader"
	"github.com/absmach/fluxmail/storage"
	"github.com/absmach/fluxmail/subscriptions"
)

// PollRequest selects the page a subscriber reads.
type PollRequest struct {
	// Cursor is a NextCursor of an earlier page. Empty resumes from the
	// subscriber's read marks.
	Cursor string
	Limit  int
	Filter reader.Filter
}

// Subscribe registers identity on target after checking the subscribe
// permission.
func (b *Broker) Subscribe(ctx context.Context, identity string, target storage.Target, opts subscriptions.Options) (subscriptions.Subscription, error) {
	if err := subscriptions.ValidateTarget(target); err != nil {
		return subscriptions.Subscription{}, err
	}
	if !b.limiter.AllowSubscribe(identity) {
		return subscriptions.Subscription{}, fmt.Errorf("%w: subscribe rate exceeded for %s", message.ErrOverloaded, identity)
	}
	if err := b.authorize(identity, permissions.OpSubscribe, resourceOf(target)); err != nil {
		return subscriptions.Subscription{}, err
	}

	sub, created, err := b.table.Subscribe(ctx, identity, target, opts)
	if err != nil {
		return subscriptions.Subscription{}, err
	}
	if created {
		b.notify(events.SubscriptionCreated{
			SubscriptionID: sub.ID,
			Identity:       identity,
			Target:         target.String(),
			Mode:           sub.Mode.String(),
			TopicPattern:   topicPattern(target),
		})
	}
	return sub, nil
}

// Unsubscribe removes a subscription. Unacknowledged persistent deliveries
// become unread again.
func (b *Broker) Unsubscribe(ctx context.Context, identity, subscriptionID string) error {
	if _, err := b.owned(identity, subscriptionID); err != nil {
		return err
	}
	return b.table.Unsubscribe(ctx, subscriptionID)
}

// Heartbeat renews the liveness of a subscription.
func (b *Broker) Heartbeat(ctx context.Context, identity, subscriptionID string) error {
	if _, err := b.owned(identity, subscriptionID); err != nil {
		return err
	}
	return b.table.Heartbeat(subscriptionID)
}

// Attach connects the transport of a realtime subscription. Attaching
// counts as a heartbeat.
func (b *Broker) Attach(ctx context.Context, identity, subscriptionID string, t delivery.Transport) error {
	if _, err := b.owned(identity, subscriptionID); err != nil {
		return err
	}
	if err := b.table.Heartbeat(subscriptionID); err != nil {
		return err
	}
	sub, ok := b.table.Get(subscriptionID)
	if !ok {
		return subscriptions.ErrSubscriptionNotFound
	}
	return b.engine.Attach(sub, t)
}

// Disconnect detaches the transport of a subscription. Pending deliveries
// fall back to the store.
func (b *Broker) Disconnect(ctx context.Context, identity, subscriptionID string) error {
	if _, err := b.owned(identity, subscriptionID); err != nil {
		return err
	}
	b.engine.Disconnect(subscriptionID)
	return nil
}

// Ack confirms a pushed message.
func (b *Broker) Ack(ctx context.Context, identity, subscriptionID string, ref message.Ref) error {
	if _, err := b.owned(identity, subscriptionID); err != nil {
		return err
	}
	return b.engine.Ack(subscriptionID, ref)
}

// Poll reads the next page of a subscription. The subscribe permission is
// checked again so revoked grants take effect on the next read, and the
// poll counts as a heartbeat.
func (b *Broker) Poll(ctx context.Context, identity, subscriptionID string, req PollRequest) (reader.Page, error) {
	sub, err := b.owned(identity, subscriptionID)
	if err != nil {
		return reader.Page{}, err
	}
	if err := b.authorize(identity, permissions.OpSubscribe, resourceOf(sub.Target)); err != nil {
		return reader.Page{}, err
	}
	if err := b.table.Heartbeat(subscriptionID); err != nil {
		return reader.Page{}, err
	}
	return b.reader.Poll(ctx, sub, req.Cursor, req.Limit, req.Filter)
}

// Commit advances the read marks of identity to a cursor issued by Poll.
func (b *Broker) Commit(ctx context.Context, identity, cursor string) error {
	return b.reader.Commit(ctx, identity, cursor)
}
