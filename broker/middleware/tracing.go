// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"context"
	"time"

	"github.com/absmach/fluxmail/broker"
	"github.com/absmach/fluxmail/delivery"
	"github.com/absmach/fluxmail/message"
	"github.com/absmach/fluxmail/permissions"
	"github.com/absmach/fluxmail/reader"
	"github.com/absmach/fluxmail/storage"
	"github.com/absmach/fluxmail/subscriptions"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var _ broker.Service = (*tracingMiddleware)(nil)

type tracingMiddleware struct {
	tracer trace.Tracer
	svc    broker.Service
}

// NewTracing creates tracing middleware that wraps a broker service.
func NewTracing(svc broker.Service, tracer trace.Tracer) broker.Service {
	return &tracingMiddleware{tracer, svc}
}

func (tm *tracingMiddleware) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func end(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (tm *tracingMiddleware) Publish(ctx context.Context, sender string, routing message.RoutingDescriptor, body message.Body, opts message.DeliveryOptions) (broker.PublishResult, error) {
	ctx, span := tm.start(ctx, "publish",
		attribute.String("mailbox.sender", sender),
		attribute.String("mailbox.mode", routing.Mode.String()),
		attribute.String("mailbox.target", routing.Target),
		attribute.Bool("mailbox.persistent", opts.Persistent),
		attribute.Int("mailbox.payload_size", len(body.Payload)),
	)
	res, err := tm.svc.Publish(ctx, sender, routing, body, opts)
	span.SetAttributes(
		attribute.String("mailbox.log", res.Log),
		attribute.Int64("mailbox.message_id", int64(res.MessageID)),
		attribute.Int("mailbox.recipients", res.Recipients),
	)
	end(span, err)
	return res, err
}

func (tm *tracingMiddleware) Subscribe(ctx context.Context, identity string, target storage.Target, opts subscriptions.Options) (subscriptions.Subscription, error) {
	ctx, span := tm.start(ctx, "subscribe",
		attribute.String("mailbox.identity", identity),
		attribute.String("mailbox.target", target.String()),
	)
	sub, err := tm.svc.Subscribe(ctx, identity, target, opts)
	end(span, err)
	return sub, err
}

func (tm *tracingMiddleware) Unsubscribe(ctx context.Context, identity, subscriptionID string) error {
	ctx, span := tm.start(ctx, "unsubscribe", attribute.String("mailbox.subscription", subscriptionID))
	err := tm.svc.Unsubscribe(ctx, identity, subscriptionID)
	end(span, err)
	return err
}

func (tm *tracingMiddleware) Heartbeat(ctx context.Context, identity, subscriptionID string) error {
	return tm.svc.Heartbeat(ctx, identity, subscriptionID)
}

func (tm *tracingMiddleware) Attach(ctx context.Context, identity, subscriptionID string, t delivery.Transport) error {
	ctx, span := tm.start(ctx, "attach", attribute.String("mailbox.subscription", subscriptionID))
	err := tm.svc.Attach(ctx, identity, subscriptionID, t)
	end(span, err)
	return err
}

func (tm *tracingMiddleware) Disconnect(ctx context.Context, identity, subscriptionID string) error {
	return tm.svc.Disconnect(ctx, identity, subscriptionID)
}

func (tm *tracingMiddleware) Ack(ctx context.Context, identity, subscriptionID string, ref message.Ref) error {
	ctx, span := tm.start(ctx, "ack",
		attribute.String("mailbox.subscription", subscriptionID),
		attribute.String("mailbox.ref", ref.String()),
	)
	err := tm.svc.Ack(ctx, identity, subscriptionID, ref)
	end(span, err)
	return err
}

func (tm *tracingMiddleware) Poll(ctx context.Context, identity, subscriptionID string, req broker.PollRequest) (reader.Page, error) {
	ctx, span := tm.start(ctx, "poll",
		attribute.String("mailbox.subscription", subscriptionID),
		attribute.Int("mailbox.limit", req.Limit),
	)
	page, err := tm.svc.Poll(ctx, identity, subscriptionID, req)
	span.SetAttributes(attribute.Int("mailbox.messages", len(page.Messages)))
	end(span, err)
	return page, err
}

func (tm *tracingMiddleware) Commit(ctx context.Context, identity, cursor string) error {
	ctx, span := tm.start(ctx, "commit", attribute.String("mailbox.identity", identity))
	err := tm.svc.Commit(ctx, identity, cursor)
	end(span, err)
	return err
}

func (tm *tracingMiddleware) CreateMailbox(ctx context.Context, actor string, mb storage.Mailbox) (storage.Mailbox, error) {
	return tm.svc.CreateMailbox(ctx, actor, mb)
}

func (tm *tracingMiddleware) DeleteMailbox(ctx context.Context, actor, name string) error {
	return tm.svc.DeleteMailbox(ctx, actor, name)
}

func (tm *tracingMiddleware) SetHold(ctx context.Context, actor string, target storage.Target, hold bool) error {
	return tm.svc.SetHold(ctx, actor, target, hold)
}

func (tm *tracingMiddleware) SetRetention(ctx context.Context, actor string, target storage.Target, window time.Duration) error {
	return tm.svc.SetRetention(ctx, actor, target, window)
}

func (tm *tracingMiddleware) CreateTopic(ctx context.Context, actor string, t storage.Topic) (storage.Topic, error) {
	return tm.svc.CreateTopic(ctx, actor, t)
}

func (tm *tracingMiddleware) DeleteTopic(ctx context.Context, actor, path string) error {
	return tm.svc.DeleteTopic(ctx, actor, path)
}

func (tm *tracingMiddleware) Grant(ctx context.Context, actor, identity string, g permissions.Grant) error {
	return tm.svc.Grant(ctx, actor, identity, g)
}

func (tm *tracingMiddleware) Revoke(ctx context.Context, actor, identity string, g permissions.Grant) error {
	return tm.svc.Revoke(ctx, actor, identity, g)
}

func (tm *tracingMiddleware) DeadLetters(ctx context.Context, actor, subscriptionID string, limit int) ([]storage.DeadLetter, error) {
	return tm.svc.DeadLetters(ctx, actor, subscriptionID, limit)
}

func (tm *tracingMiddleware) ReprocessDeadLetter(ctx context.Context, actor, id string) (delivery.Status, error) {
	ctx, span := tm.start(ctx, "reprocess_dead_letter", attribute.String("mailbox.dead_letter", id))
	st, err := tm.svc.ReprocessDeadLetter(ctx, actor, id)
	end(span, err)
	return st, err
}

func (tm *tracingMiddleware) DiscardDeadLetter(ctx context.Context, actor, id string) error {
	return tm.svc.DiscardDeadLetter(ctx, actor, id)
}

func (tm *tracingMiddleware) Stats(ctx context.Context) (broker.Snapshot, error) {
	return tm.svc.Stats(ctx)
}

func (tm *tracingMiddleware) Close() error {
	return tm.svc.Close()
}
