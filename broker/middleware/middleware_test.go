// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package middleware_test

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/absmach/fluxmail/broker"
	"github.com/absmach/fluxmail/broker/middleware"
	"github.com/absmach/fluxmail/message"
	"github.com/absmach/fluxmail/permissions"
	"github.com/absmach/fluxmail/storage"
	"github.com/absmach/fluxmail/storage/memory"
	"github.com/absmach/fluxmail/subscriptions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

type publishRecord struct {
	mode string
	size int
	err  error
}

type fakeRecorder struct {
	mu        sync.Mutex
	publishes []publishRecord
	polls     []int
}

func (r *fakeRecorder) RecordPublish(_ context.Context, mode string, size int, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publishes = append(r.publishes, publishRecord{mode: mode, size: size, err: err})
}

func (r *fakeRecorder) RecordPoll(_ context.Context, messages int, _ time.Duration, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.polls = append(r.polls, messages)
}

func newService(t *testing.T) (broker.Service, *broker.Broker, *fakeRecorder) {
	t.Helper()
	cfg := broker.DefaultConfig()
	cfg.Grants = map[string][]permissions.Grant{
		"root":    {{Operation: permissions.OpAny, Resource: permissions.AnyResource}},
		"agent-b": {{Operation: permissions.OpSubscribe, Resource: "mailbox:agent-b"}},
	}
	b := broker.New(memory.New(), cfg, nil)
	require.NoError(t, b.Start(context.Background()))

	rec := &fakeRecorder{}
	var svc broker.Service = b
	svc = middleware.NewMetrics(svc, b.StatsCollector(), rec)
	svc = middleware.NewLogging(svc, slog.New(slog.DiscardHandler))
	svc = middleware.NewTracing(svc, noop.NewTracerProvider().Tracer("fluxmail"))
	t.Cleanup(func() { svc.Close() })
	return svc, b, rec
}

func TestMiddlewareChain(t *testing.T) {
	svc, b, rec := newService(t)
	ctx := context.Background()
	stats := b.StatsCollector()

	sub, err := svc.Subscribe(ctx, "agent-b", subscriptions.MailboxTarget("agent-b"), subscriptions.Options{Mode: storage.DeliveryPoll})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.GetSubscriptions())

	cases := []struct {
		desc    string
		sender  string
		payload string
		err     error
	}{
		{desc: "accepted", sender: "root", payload: "hello"},
		{desc: "second accepted", sender: "root", payload: "again"},
		{desc: "denied", sender: "stranger", payload: "nope", err: message.ErrPermissionDenied},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			res, err := svc.Publish(ctx, tc.sender,
				message.RoutingDescriptor{Mode: message.ModeDirect, Target: "agent-b"},
				message.Body{ContentType: message.ContentText, Payload: []byte(tc.payload)},
				message.DeliveryOptions{Persistent: true})
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
				assert.False(t, res.Accepted)
				return
			}
			require.NoError(t, err)
			assert.True(t, res.Accepted)
		})
	}

	assert.Equal(t, uint64(2), stats.GetPublished())
	assert.Equal(t, uint64(1), stats.GetRejected())
	assert.Equal(t, uint64(len("hello")+len("again")), stats.GetBytesReceived())

	page, err := svc.Poll(ctx, "agent-b", sub.ID, broker.PollRequest{})
	require.NoError(t, err)
	assert.Len(t, page.Messages, 2)
	assert.Equal(t, uint64(1), stats.GetPolls())

	_, err = svc.Poll(ctx, "stranger", sub.ID, broker.PollRequest{})
	assert.ErrorIs(t, err, broker.ErrNotOwner)
	assert.Equal(t, uint64(1), stats.GetPolls())

	require.NoError(t, svc.Unsubscribe(ctx, "agent-b", sub.ID))
	assert.Equal(t, uint64(1), stats.GetUnsubscriptions())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.publishes, 3)
	assert.Equal(t, "direct", rec.publishes[0].mode)
	assert.Equal(t, len("hello"), rec.publishes[0].size)
	assert.ErrorIs(t, rec.publishes[2].err, message.ErrPermissionDenied)
	assert.Equal(t, []int{2, 0}, rec.polls)
}

func TestMiddlewarePassThrough(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	mb, err := svc.CreateMailbox(ctx, "root", storage.Mailbox{Name: "team"})
	require.NoError(t, err)
	assert.Equal(t, "root", mb.Owner)

	require.NoError(t, svc.SetHold(ctx, "root", subscriptions.MailboxTarget("team"), true))
	require.NoError(t, svc.SetRetention(ctx, "root", subscriptions.MailboxTarget("team"), time.Hour))

	_, err = svc.CreateTopic(ctx, "root", storage.Topic{Path: "ops/alerts"})
	require.NoError(t, err)
	require.NoError(t, svc.DeleteTopic(ctx, "root", "ops/alerts"))

	g := permissions.Grant{Operation: permissions.OpRead, Resource: "mailbox:team"}
	require.NoError(t, svc.Grant(ctx, "root", "agent-c", g))
	require.NoError(t, svc.Revoke(ctx, "root", "agent-c", g))

	dls, err := svc.DeadLetters(ctx, "root", "", 0)
	require.NoError(t, err)
	assert.Empty(t, dls)

	_, err = svc.ReprocessDeadLetter(ctx, "root", "missing")
	assert.Error(t, err)

	s, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Mailboxes)
	require.NoError(t, svc.DeleteMailbox(ctx, "root", "team"))
}
