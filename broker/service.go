// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"time"

	"github.com/absmach/fluxmail/delivery"
	"github.com/absmach/fluxmail/message"
	"github.com/absmach/fluxmail/permissions"
	"github.com/absmach/fluxmail/reader"
	"github.com/absmach/fluxmail/storage"
	"github.com/absmach/fluxmail/subscriptions"
	"github.com/absmach/fluxmail/transport"
)

// Service defines the broker's inbound, subscriber and administrative
// operations. This interface enables middleware wrapping for cross-cutting
// concerns like logging, metrics, and tracing.
type Service interface {
	// Transports attach realtime subscribers and relay their heartbeats
	// and acknowledgements.
	transport.Session

	// Publish validates and routes a message from sender.
	Publish(ctx context.Context, sender string, routing message.RoutingDescriptor, body message.Body, opts message.DeliveryOptions) (PublishResult, error)

	// Subscribe registers identity on target. Subscribing again to the same
	// target returns the existing subscription.
	Subscribe(ctx context.Context, identity string, target storage.Target, opts subscriptions.Options) (subscriptions.Subscription, error)

	// Unsubscribe removes a subscription owned by identity.
	Unsubscribe(ctx context.Context, identity, subscriptionID string) error

	// Poll reads the next page of a subscription from the store.
	Poll(ctx context.Context, identity, subscriptionID string, req PollRequest) (reader.Page, error)

	// Commit advances the read marks of identity to a cursor issued by Poll.
	Commit(ctx context.Context, identity, cursor string) error

	// CreateMailbox registers a mailbox with its access list.
	CreateMailbox(ctx context.Context, actor string, mb storage.Mailbox) (storage.Mailbox, error)

	// DeleteMailbox removes a mailbox and its log.
	DeleteMailbox(ctx context.Context, actor, name string) error

	// SetHold sets or clears the legal hold of a mailbox or topic.
	SetHold(ctx context.Context, actor string, target storage.Target, hold bool) error

	// SetRetention sets the retention window of a mailbox or topic.
	SetRetention(ctx context.Context, actor string, target storage.Target, window time.Duration) error

	// CreateTopic registers a topic path.
	CreateTopic(ctx context.Context, actor string, t storage.Topic) (storage.Topic, error)

	// DeleteTopic removes a topic and its log.
	DeleteTopic(ctx context.Context, actor, path string) error

	// Grant gives identity a permission.
	Grant(ctx context.Context, actor, identity string, g permissions.Grant) error

	// Revoke removes a permission of identity.
	Revoke(ctx context.Context, actor, identity string, g permissions.Grant) error

	// DeadLetters lists the dead letters of a subscription, or of all
	// subscriptions when subscriptionID is empty.
	DeadLetters(ctx context.Context, actor, subscriptionID string, limit int) ([]storage.DeadLetter, error)

	// ReprocessDeadLetter delivers a dead letter to its subscription again.
	ReprocessDeadLetter(ctx context.Context, actor, id string) (delivery.Status, error)

	// DiscardDeadLetter removes a dead letter.
	DiscardDeadLetter(ctx context.Context, actor, id string) error

	// Stats returns the broker statistics.
	Stats(ctx context.Context) (Snapshot, error)

	// Close shuts down the broker.
	Close() error
}

// Ensure Broker implements Service
var _ Service = (*Broker)(nil)
