// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/absmach/fluxmail/broker"
	"github.com/absmach/fluxmail/delivery"
	"github.com/absmach/fluxmail/message"
	"github.com/absmach/fluxmail/permissions"
	"github.com/absmach/fluxmail/reader"
	"github.com/absmach/fluxmail/storage"
	"github.com/absmach/fluxmail/subscriptions"
)

var _ broker.Service = (*loggingMiddleware)(nil)

type loggingMiddleware struct {
	logger *slog.Logger
	svc    broker.Service
}

// NewLogging creates logging middleware that wraps a broker service.
func NewLogging(svc broker.Service, logger *slog.Logger) broker.Service {
	return &loggingMiddleware{logger, svc}
}

// level logs failed hot-path calls at warn and successful ones at debug.
func level(err error) slog.Level {
	if err != nil {
		return slog.LevelWarn
	}
	return slog.LevelDebug
}

// Publish logs message routing.
func (lm *loggingMiddleware) Publish(ctx context.Context, sender string, routing message.RoutingDescriptor, body message.Body, opts message.DeliveryOptions) (res broker.PublishResult, err error) {
	defer func(begin time.Time) {
		lm.logger.Log(ctx, level(err), "Publish",
			slog.String("sender", sender),
			slog.String("mode", routing.Mode.String()),
			slog.String("target", routing.Target),
			slog.Bool("persistent", opts.Persistent),
			slog.Uint64("message_id", res.MessageID),
			slog.Int("recipients", res.Recipients),
			slog.Bool("deferred", res.Deferred),
			slog.String("duration", time.Since(begin).String()),
			slog.Any("error", err),
		)
	}(time.Now())

	return lm.svc.Publish(ctx, sender, routing, body, opts)
}

// Subscribe logs subscription requests.
func (lm *loggingMiddleware) Subscribe(ctx context.Context, identity string, target storage.Target, opts subscriptions.Options) (sub subscriptions.Subscription, err error) {
	defer func(begin time.Time) {
		lm.logger.Info("Subscribe",
			slog.String("identity", identity),
			slog.String("target", target.String()),
			slog.String("mode", opts.Mode.String()),
			slog.String("subscription", sub.ID),
			slog.String("duration", time.Since(begin).String()),
			slog.Any("error", err),
		)
	}(time.Now())

	return lm.svc.Subscribe(ctx, identity, target, opts)
}

// Unsubscribe logs subscription removal.
func (lm *loggingMiddleware) Unsubscribe(ctx context.Context, identity, subscriptionID string) (err error) {
	defer func(begin time.Time) {
		lm.logger.Info("Unsubscribe",
			slog.String("identity", identity),
			slog.String("subscription", subscriptionID),
			slog.String("duration", time.Since(begin).String()),
			slog.Any("error", err),
		)
	}(time.Now())

	return lm.svc.Unsubscribe(ctx, identity, subscriptionID)
}

// Heartbeat logs failed heartbeats only.
func (lm *loggingMiddleware) Heartbeat(ctx context.Context, identity, subscriptionID string) (err error) {
	defer func() {
		if err != nil {
			lm.logger.Warn("Heartbeat",
				slog.String("identity", identity),
				slog.String("subscription", subscriptionID),
				slog.Any("error", err),
			)
		}
	}()

	return lm.svc.Heartbeat(ctx, identity, subscriptionID)
}

// Attach logs transport attachment.
func (lm *loggingMiddleware) Attach(ctx context.Context, identity, subscriptionID string, t delivery.Transport) (err error) {
	defer func(begin time.Time) {
		lm.logger.Info("Attach",
			slog.String("identity", identity),
			slog.String("subscription", subscriptionID),
			slog.String("duration", time.Since(begin).String()),
			slog.Any("error", err),
		)
	}(time.Now())

	return lm.svc.Attach(ctx, identity, subscriptionID, t)
}

// Disconnect logs transport detachment.
func (lm *loggingMiddleware) Disconnect(ctx context.Context, identity, subscriptionID string) (err error) {
	defer func(begin time.Time) {
		lm.logger.Info("Disconnect",
			slog.String("identity", identity),
			slog.String("subscription", subscriptionID),
			slog.String("duration", time.Since(begin).String()),
			slog.Any("error", err),
		)
	}(time.Now())

	return lm.svc.Disconnect(ctx, identity, subscriptionID)
}

// Ack logs acknowledgements.
func (lm *loggingMiddleware) Ack(ctx context.Context, identity, subscriptionID string, ref message.Ref) (err error) {
	defer func(begin time.Time) {
		lm.logger.Log(ctx, level(err), "Ack",
			slog.String("identity", identity),
			slog.String("subscription", subscriptionID),
			slog.String("ref", ref.String()),
			slog.String("duration", time.Since(begin).String()),
			slog.Any("error", err),
		)
	}(time.Now())

	return lm.svc.Ack(ctx, identity, subscriptionID, ref)
}

// Poll logs offline reads.
func (lm *loggingMiddleware) Poll(ctx context.Context, identity, subscriptionID string, req broker.PollRequest) (page reader.Page, err error) {
	defer func(begin time.Time) {
		lm.logger.Log(ctx, level(err), "Poll",
			slog.String("identity", identity),
			slog.String("subscription", subscriptionID),
			slog.Int("limit", req.Limit),
			slog.Int("messages", len(page.Messages)),
			slog.Bool("has_more", page.HasMore),
			slog.String("duration", time.Since(begin).String()),
			slog.Any("error", err),
		)
	}(time.Now())

	return lm.svc.Poll(ctx, identity, subscriptionID, req)
}

// Commit logs read mark commits.
func (lm *loggingMiddleware) Commit(ctx context.Context, identity, cursor string) (err error) {
	defer func(begin time.Time) {
		lm.logger.Log(ctx, level(err), "Commit",
			slog.String("identity", identity),
			slog.String("duration", time.Since(begin).String()),
			slog.Any("error", err),
		)
	}(time.Now())

	return lm.svc.Commit(ctx, identity, cursor)
}

// CreateMailbox logs mailbox creation.
func (lm *loggingMiddleware) CreateMailbox(ctx context.Context, actor string, mb storage.Mailbox) (created storage.Mailbox, err error) {
	defer func(begin time.Time) {
		lm.logger.Info("CreateMailbox",
			slog.String("actor", actor),
			slog.String("mailbox", mb.Name),
			slog.String("duration", time.Since(begin).String()),
			slog.Any("error", err),
		)
	}(time.Now())

	return lm.svc.CreateMailbox(ctx, actor, mb)
}

// DeleteMailbox logs mailbox deletion.
func (lm *loggingMiddleware) DeleteMailbox(ctx context.Context, actor, name string) (err error) {
	defer func(begin time.Time) {
		lm.logger.Info("DeleteMailbox",
			slog.String("actor", actor),
			slog.String("mailbox", name),
			slog.String("duration", time.Since(begin).String()),
			slog.Any("error", err),
		)
	}(time.Now())

	return lm.svc.DeleteMailbox(ctx, actor, name)
}

// SetHold logs hold changes.
func (lm *loggingMiddleware) SetHold(ctx context.Context, actor string, target storage.Target, hold bool) (err error) {
	defer func(begin time.Time) {
		lm.logger.Info("SetHold",
			slog.String("actor", actor),
			slog.String("target", target.String()),
			slog.Bool("hold", hold),
			slog.String("duration", time.Since(begin).String()),
			slog.Any("error", err),
		)
	}(time.Now())

	return lm.svc.SetHold(ctx, actor, target, hold)
}

// SetRetention logs retention window changes.
func (lm *loggingMiddleware) SetRetention(ctx context.Context, actor string, target storage.Target, window time.Duration) (err error) {
	defer func(begin time.Time) {
		lm.logger.Info("SetRetention",
			slog.String("actor", actor),
			slog.String("target", target.String()),
			slog.Duration("window", window),
			slog.String("duration", time.Since(begin).String()),
			slog.Any("error", err),
		)
	}(time.Now())

	return lm.svc.SetRetention(ctx, actor, target, window)
}

// CreateTopic logs topic creation.
func (lm *loggingMiddleware) CreateTopic(ctx context.Context, actor string, t storage.Topic) (created storage.Topic, err error) {
	defer func(begin time.Time) {
		lm.logger.Info("CreateTopic",
			slog.String("actor", actor),
			slog.String("topic", t.Path),
			slog.String("duration", time.Since(begin).String()),
			slog.Any("error", err),
		)
	}(time.Now())

	return lm.svc.CreateTopic(ctx, actor, t)
}

// DeleteTopic logs topic deletion.
func (lm *loggingMiddleware) DeleteTopic(ctx context.Context, actor, path string) (err error) {
	defer func(begin time.Time) {
		lm.logger.Info("DeleteTopic",
			slog.String("actor", actor),
			slog.String("topic", path),
			slog.String("duration", time.Since(begin).String()),
			slog.Any("error", err),
		)
	}(time.Now())

	return lm.svc.DeleteTopic(ctx, actor, path)
}

// Grant logs permission grants.
func (lm *loggingMiddleware) Grant(ctx context.Context, actor, identity string, g permissions.Grant) (err error) {
	defer func(begin time.Time) {
		lm.logger.Info("Grant",
			slog.String("actor", actor),
			slog.String("identity", identity),
			slog.String("grant", g.String()),
			slog.String("duration", time.Since(begin).String()),
			slog.Any("error", err),
		)
	}(time.Now())

	return lm.svc.Grant(ctx, actor, identity, g)
}

// Revoke logs permission revocations.
func (lm *loggingMiddleware) Revoke(ctx context.Context, actor, identity string, g permissions.Grant) (err error) {
	defer func(begin time.Time) {
		lm.logger.Info("Revoke",
			slog.String("actor", actor),
			slog.String("identity", identity),
			slog.String("grant", g.String()),
			slog.String("duration", time.Since(begin).String()),
			slog.Any("error", err),
		)
	}(time.Now())

	return lm.svc.Revoke(ctx, actor, identity, g)
}

// DeadLetters logs dead-letter inspection.
func (lm *loggingMiddleware) DeadLetters(ctx context.Context, actor, subscriptionID string, limit int) (list []storage.DeadLetter, err error) {
	defer func(begin time.Time) {
		lm.logger.Info("DeadLetters",
			slog.String("actor", actor),
			slog.String("subscription", subscriptionID),
			slog.Int("count", len(list)),
			slog.String("duration", time.Since(begin).String()),
			slog.Any("error", err),
		)
	}(time.Now())

	return lm.svc.DeadLetters(ctx, actor, subscriptionID, limit)
}

// ReprocessDeadLetter logs dead-letter reprocessing.
func (lm *loggingMiddleware) ReprocessDeadLetter(ctx context.Context, actor, id string) (st delivery.Status, err error) {
	defer func(begin time.Time) {
		lm.logger.Info("ReprocessDeadLetter",
			slog.String("actor", actor),
			slog.String("dead_letter", id),
			slog.String("state", st.State.String()),
			slog.String("duration", time.Since(begin).String()),
			slog.Any("error", err),
		)
	}(time.Now())

	return lm.svc.ReprocessDeadLetter(ctx, actor, id)
}

// DiscardDeadLetter logs dead-letter removal.
func (lm *loggingMiddleware) DiscardDeadLetter(ctx context.Context, actor, id string) (err error) {
	defer func(begin time.Time) {
		lm.logger.Info("DiscardDeadLetter",
			slog.String("actor", actor),
			slog.String("dead_letter", id),
			slog.String("duration", time.Since(begin).String()),
			slog.Any("error", err),
		)
	}(time.Now())

	return lm.svc.DiscardDeadLetter(ctx, actor, id)
}

// Stats returns the broker statistics.
func (lm *loggingMiddleware) Stats(ctx context.Context) (broker.Snapshot, error) {
	return lm.svc.Stats(ctx)
}

// Close logs broker shutdown.
func (lm *loggingMiddleware) Close() (err error) {
	defer func(begin time.Time) {
		lm.logger.Info("Close",
			slog.String("duration", time.Since(begin).String()),
			slog.Any("error", err),
		)
	}(time.Now())

	return lm.svc.Close()
}
