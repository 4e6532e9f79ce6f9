// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/absmach/fluxmail/delivery"
	"github.com/absmach/fluxmail/message"
	"github.com/absmach/fluxmail/permissions"
	"github.com/absmach/fluxmail/storage"
	"github.com/absmach/fluxmail/subscriptions"
)

// deadLetterResource guards the dead-letter area. Only holders of a global
// admin grant reach it.
const deadLetterResource = "system:dead-letters"

// CreateMailbox registers a mailbox. The actor owns it unless an owner is
// set.
func (b *Broker) CreateMailbox(ctx context.Context, actor string, mb storage.Mailbox) (storage.Mailbox, error) {
	if err := b.authorize(actor, permissions.OpAdmin, permissions.MailboxResource(mb.Name)); err != nil {
		return storage.Mailbox{}, err
	}
	if mb.Owner == "" {
		mb.Owner = actor
	}
	created, err := b.store.CreateMailbox(ctx, mb)
	if err != nil {
		return storage.Mailbox{}, err
	}
	b.mailboxCreated(created)
	b.logger.Info("mailbox created",
		slog.String("mailbox", created.Name),
		slog.String("owner", created.Owner),
		slog.String("actor", actor))
	return created, nil
}

// DeleteMailbox removes a mailbox with its log, read cursors and
// subscriptions.
func (b *Broker) DeleteMailbox(ctx context.Context, actor, name string) error {
	if err := b.authorize(actor, permissions.OpAdmin, permissions.MailboxResource(name)); err != nil {
		return err
	}
	if err := b.store.DeleteMailbox(ctx, name); err != nil {
		return err
	}
	for _, sub := range b.table.ActiveFor(subscriptions.MailboxTarget(name)) {
		if err := b.table.Unsubscribe(ctx, sub.ID); err != nil && !errors.Is(err, subscriptions.ErrSubscriptionNotFound) {
			return err
		}
	}
	b.logger.Info("mailbox deleted", slog.String("mailbox", name), slog.String("actor", actor))
	return nil
}

// SetHold sets the legal hold of a mailbox or topic. Held logs keep
// messages some subscriber has not read past their retention window.
func (b *Broker) SetHold(ctx context.Context, actor string, target storage.Target, hold bool) error {
	return b.updateRetention(ctx, actor, target, func(h *bool, _ *time.Duration) {
		*h = hold
	})
}

// SetRetention sets the retention window of a mailbox or topic. Zero
// restores the default window; a negative window keeps messages forever.
func (b *Broker) SetRetention(ctx context.Context, actor string, target storage.Target, window time.Duration) error {
	return b.updateRetention(ctx, actor, target, func(_ *bool, w *time.Duration) {
		*w = window
	})
}

func (b *Broker) updateRetention(ctx context.Context, actor string, target storage.Target, update func(hold *bool, window *time.Duration)) error {
	if err := subscriptions.ValidateTarget(target); err != nil {
		return err
	}
	if err := b.authorize(actor, permissions.OpAdmin, resourceOf(target)); err != nil {
		return err
	}

	switch target.Kind {
	case storage.KindMailbox:
		_, err := b.store.UpdateMailbox(ctx, target.Name, func(mb *storage.Mailbox) {
			update(&mb.Hold, &mb.Retention)
		})
		return err
	case storage.KindTopic:
		_, err := b.topics.Update(ctx, target.Name, func(t *storage.Topic) {
			update(&t.Hold, &t.Retention)
		})
		return err
	default:
		return fmt.Errorf("%w: broadcast retention follows the default window", subscriptions.ErrInvalidTarget)
	}
}

// CreateTopic registers a topic path ahead of its first persistent message.
func (b *Broker) CreateTopic(ctx context.Context, actor string, t storage.Topic) (storage.Topic, error) {
	if err := b.authorize(actor, permissions.OpAdmin, permissions.TopicResource(t.Path)); err != nil {
		return storage.Topic{}, err
	}
	return b.topics.Create(ctx, t)
}

// DeleteTopic unregisters a topic and drops its log. Subscriptions on the
// topic and its ancestors are kept.
func (b *Broker) DeleteTopic(ctx context.Context, actor, path string) error {
	if err := b.authorize(actor, permissions.OpAdmin, permissions.TopicResource(path)); err != nil {
		return err
	}
	if err := b.topics.Delete(ctx, path); err != nil {
		return err
	}
	if err := b.store.DropLog(ctx, message.TopicLog(path)); err != nil {
		return err
	}
	b.logger.Info("topic deleted", slog.String("topic", path), slog.String("actor", actor))
	return nil
}

// Grant persists a grant for identity. The actor needs the admin
// permission on the granted resource.
func (b *Broker) Grant(ctx context.Context, actor, identity string, g permissions.Grant) error {
	if err := validateGrant(identity, g); err != nil {
		return err
	}
	if err := b.authorize(actor, permissions.OpAdmin, g.Resource); err != nil {
		return err
	}

	err := b.backend.Grants().Put(ctx, storage.Grant{
		Identity:  identity,
		Operation: string(g.Operation),
		Resource:  g.Resource,
		CreatedAt: time.Now(),
		ExpiresAt: g.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("failed to persist grant: %w", err)
	}
	b.checker.Grant(identity, g)

	b.logger.Info("permission granted",
		slog.String("identity", identity),
		slog.String("grant", g.String()),
		slog.String("actor", actor))
	return nil
}

// Revoke removes a grant of identity.
func (b *Broker) Revoke(ctx context.Context, actor, identity string, g permissions.Grant) error {
	if err := validateGrant(identity, g); err != nil {
		return err
	}
	if err := b.authorize(actor, permissions.OpAdmin, g.Resource); err != nil {
		return err
	}

	err := b.backend.Grants().Delete(ctx, storage.Grant{Identity: identity, Operation: string(g.Operation), Resource: g.Resource})
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to delete grant: %w", err)
	}
	if !b.checker.Revoke(identity, g) {
		return ErrGrantNotFound
	}

	b.logger.Info("permission revoked",
		slog.String("identity", identity),
		slog.String("grant", g.String()),
		slog.String("actor", actor))
	return nil
}

func validateGrant(identity string, g permissions.Grant) error {
	verr := &message.ValidationError{}
	if strings.TrimSpace(identity) == "" {
		verr.Add("identity", "required")
	}
	if _, err := permissions.ParseOperation(string(g.Operation)); err != nil {
		verr.Add("operation", err.Error())
	}
	if g.Resource == "" {
		verr.Add("resource", "required")
	}
	return verr.Err()
}

// DeadLetters lists dead letters, oldest first.
func (b *Broker) DeadLetters(ctx context.Context, actor, subscriptionID string, limit int) ([]storage.DeadLetter, error) {
	if err := b.authorize(actor, permissions.OpAdmin, deadLetterResource); err != nil {
		return nil, err
	}
	return b.dlq.List(ctx, subscriptionID, limit)
}

// ReprocessDeadLetter hands a dead letter to its subscription again.
// Realtime subscriptions get a fresh push; pull subscriptions find the
// message unread.
func (b *Broker) ReprocessDeadLetter(ctx context.Context, actor, id string) (delivery.Status, error) {
	if err := b.authorize(actor, permissions.OpAdmin, deadLetterResource); err != nil {
		return delivery.Status{}, err
	}
	dl, err := b.dlq.Get(ctx, id)
	if err != nil {
		return delivery.Status{}, err
	}
	sub, ok := b.table.Get(dl.SubscriptionID)
	if !ok {
		return delivery.Status{}, fmt.Errorf("dead letter %s: %w", id, subscriptions.ErrSubscriptionNotFound)
	}

	st, err := b.engine.Reprocess(ctx, id, sub)
	if err != nil {
		return st, err
	}
	b.logger.Info("dead letter reprocessed",
		slog.String("dead_letter", id),
		slog.String("subscription", sub.ID),
		slog.String("state", st.State.String()),
		slog.String("actor", actor))
	return st, nil
}

// DiscardDeadLetter removes a dead letter for good. The message itself
// stays in its log.
func (b *Broker) DiscardDeadLetter(ctx context.Context, actor, id string) error {
	if err := b.authorize(actor, permissions.OpAdmin, deadLetterResource); err != nil {
		return err
	}
	return b.dlq.Discard(ctx, id)
}

// Stats returns the broker statistics.
func (b *Broker) Stats(ctx context.Context) (Snapshot, error) {
	s := b.stats.snapshot()
	s.ActiveSubscriptions = b.table.Len()
	s.Mailboxes = len(b.store.Mailboxes())
	s.Topics = len(b.topics.List())
	s.PendingAcks = b.engine.PendingAcks()
	s.PendingWrites = b.store.Pending()
	s.Degraded = b.store.Degraded()
	s.Retention = b.retention.Stats()

	n, err := b.dlq.Count(ctx)
	if err != nil {
		return s, err
	}
	s.DeadLetters = n
	return s, nil
}
