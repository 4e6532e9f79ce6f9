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
)

var _ broker.Service = (*metricsMiddleware)(nil)

// Recorder receives publish measurements, typically OpenTelemetry
// instruments.
type Recorder interface {
	RecordPublish(ctx context.Context, mode string, size int, d time.Duration, err error)
	RecordPoll(ctx context.Context, messages int, d time.Duration, err error)
}

type metricsMiddleware struct {
	stats    *broker.Stats
	recorder Recorder
	svc      broker.Service
}

// NewMetrics creates metrics middleware that wraps a broker service. The
// recorder may be nil.
func NewMetrics(svc broker.Service, stats *broker.Stats, recorder Recorder) broker.Service {
	return &metricsMiddleware{stats, recorder, svc}
}

// Publish wraps the call with publish metrics.
func (mm *metricsMiddleware) Publish(ctx context.Context, sender string, routing message.RoutingDescriptor, body message.Body, opts message.DeliveryOptions) (broker.PublishResult, error) {
	begin := time.Now()
	res, err := mm.svc.Publish(ctx, sender, routing, body, opts)

	if err != nil {
		mm.stats.IncrementRejected()
	} else {
		mm.stats.IncrementPublished(len(body.Payload), res.Deferred)
	}
	if mm.recorder != nil {
		mm.recorder.RecordPublish(ctx, routing.Mode.String(), len(body.Payload), time.Since(begin), err)
	}

	return res, err
}

// Subscribe wraps the call with subscription metrics.
func (mm *metricsMiddleware) Subscribe(ctx context.Context, identity string, target storage.Target, opts subscriptions.Options) (subscriptions.Subscription, error) {
	sub, err := mm.svc.Subscribe(ctx, identity, target, opts)

	if err == nil {
		mm.stats.IncrementSubscriptions()
	}

	return sub, err
}

// Unsubscribe wraps the call with subscription metrics.
func (mm *metricsMiddleware) Unsubscribe(ctx context.Context, identity, subscriptionID string) error {
	err := mm.svc.Unsubscribe(ctx, identity, subscriptionID)

	if err == nil {
		mm.stats.IncrementUnsubscriptions()
	}

	return err
}

func (mm *metricsMiddleware) Heartbeat(ctx context.Context, identity, subscriptionID string) error {
	return mm.svc.Heartbeat(ctx, identity, subscriptionID)
}

func (mm *metricsMiddleware) Attach(ctx context.Context, identity, subscriptionID string, t delivery.Transport) error {
	return mm.svc.Attach(ctx, identity, subscriptionID, t)
}

func (mm *metricsMiddleware) Disconnect(ctx context.Context, identity, subscriptionID string) error {
	return mm.svc.Disconnect(ctx, identity, subscriptionID)
}

// Ack wraps the call with acknowledgement metrics.
func (mm *metricsMiddleware) Ack(ctx context.Context, identity, subscriptionID string, ref message.Ref) error {
	err := mm.svc.Ack(ctx, identity, subscriptionID, ref)

	if err == nil {
		mm.stats.IncrementAcks()
	}

	return err
}

// Poll wraps the call with read metrics.
func (mm *metricsMiddleware) Poll(ctx context.Context, identity, subscriptionID string, req broker.PollRequest) (reader.Page, error) {
	begin := time.Now()
	page, err := mm.svc.Poll(ctx, identity, subscriptionID, req)

	if err == nil {
		mm.stats.IncrementPolls()
	}
	if mm.recorder != nil {
		mm.recorder.RecordPoll(ctx, len(page.Messages), time.Since(begin), err)
	}

	return page, err
}

func (mm *metricsMiddleware) Commit(ctx context.Context, identity, cursor string) error {
	return mm.svc.Commit(ctx, identity, cursor)
}

func (mm *metricsMiddleware) CreateMailbox(ctx context.Context, actor string, mb storage.Mailbox) (storage.Mailbox, error) {
	return mm.svc.CreateMailbox(ctx, actor, mb)
}

func (mm *metricsMiddleware) DeleteMailbox(ctx context.Context, actor, name string) error {
	return mm.svc.DeleteMailbox(ctx, actor, name)
}

func (mm *metricsMiddleware) SetHold(ctx context.Context, actor string, target storage.Target, hold bool) error {
	return mm.svc.SetHold(ctx, actor, target, hold)
}

func (mm *metricsMiddleware) SetRetention(ctx context.Context, actor string, target storage.Target, window time.Duration) error {
	return mm.svc.SetRetention(ctx, actor, target, window)
}

func (mm *metricsMiddleware) CreateTopic(ctx context.Context, actor string, t storage.Topic) (storage.Topic, error) {
	return mm.svc.CreateTopic(ctx, actor, t)
}

func (mm *metricsMiddleware) DeleteTopic(ctx context.Context, actor, path string) error {
	return mm.svc.DeleteTopic(ctx, actor, path)
}

func (mm *metricsMiddleware) Grant(ctx context.Context, actor, identity string, g permissions.Grant) error {
	return mm.svc.Grant(ctx, actor, identity, g)
}

func (mm *metricsMiddleware) Revoke(ctx context.Context, actor, identity string, g permissions.Grant) error {
	return mm.svc.Revoke(ctx, actor, identity, g)
}

func (mm *metricsMiddleware) DeadLetters(ctx context.Context, actor, subscriptionID string, limit int) ([]storage.DeadLetter, error) {
	return mm.svc.DeadLetters(ctx, actor, subscriptionID, limit)
}

func (mm *metricsMiddleware) ReprocessDeadLetter(ctx context.Context, actor, id string) (delivery.Status, error) {
	return mm.svc.ReprocessDeadLetter(ctx, actor, id)
}

func (mm *metricsMiddleware) DiscardDeadLetter(ctx context.Context, actor, id string) error {
	return mm.svc.DiscardDeadLetter(ctx, actor, id)
}

// Stats returns the broker statistics.
func (mm *metricsMiddleware) Stats(ctx context.Context) (broker.Snapshot, error) {
	return mm.svc.Stats(ctx)
}

// Close shuts down the broker.
func (mm *metricsMiddleware) Close() error {
	return mm.svc.Close()
}
