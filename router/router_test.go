// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package router_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/fluxmail/delivery"
	"github.com/absmach/fluxmail/message"
	"github.com/absmach/fluxmail/permissions"
	"github.com/absmach/fluxmail/ratelimit"
	"github.com/absmach/fluxmail/router"
	"github.com/absmach/fluxmail/storage"
	"github.com/absmach/fluxmail/storage/memory"
	"github.com/absmach/fluxmail/store"
	"github.com/absmach/fluxmail/subscriptions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type delivered struct {
	msg     *message.Message
	targets []string
}

type captureDeliverer struct {
	mu    sync.Mutex
	calls []delivered
}

func (c *captureDeliverer) Deliver(msg *message.Message, targets []subscriptions.Subscription) []delivery.Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(targets))
	ret := make([]delivery.Status, 0, len(targets))
	for _, t := range targets {
		ids = append(ids, t.Identity)
		ret = append(ret, delivery.Status{SubscriptionID: t.ID, Identity: t.Identity, State: delivery.StateAwaitingPull})
	}
	c.calls = append(c.calls, delivered{msg: msg, targets: ids})
	return ret
}

func (c *captureDeliverer) all() []delivered {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]delivered(nil), c.calls...)
}

type flakyLog struct {
	storage.MessageLog
	down atomic.Bool
}

func (f *flakyLog) Append(ctx context.Context, log string, msg *message.Message) (*message.Message, error) {
	if f.down.Load() {
		return nil, storage.ErrUnavailable
	}
	return f.MessageLog.Append(ctx, log, msg)
}

type flakyBackend struct {
	*memory.Store
	log *flakyLog
}

func (f *flakyBackend) Messages() storage.MessageLog {
	return f.log
}

type fixture struct {
	backend   *flakyBackend
	store     *store.Store
	checker   *permissions.Checker
	table     *subscriptions.Table
	topics    *subscriptions.TopicManager
	deliverer *captureDeliverer
	router    *router.Router
}

func newFixture(t *testing.T, limiter *ratelimit.Manager) *fixture {
	t.Helper()
	mem := memory.New()
	backend := &flakyBackend{Store: mem, log: &flakyLog{MessageLog: mem.Messages()}}

	st := store.New(backend, store.Config{FlushInterval: 5 * time.Millisecond, BreakerTimeout: 10 * time.Millisecond, BreakerThreshold: 1}, nil)
	require.NoError(t, st.Start(context.Background()))
	t.Cleanup(func() { st.Close() })

	checker := permissions.NewChecker(st, nil)
	checker.Grant("agent-a", permissions.Grant{Operation: permissions.OpWrite, Resource: "mailbox:*"})
	checker.Grant("agent-a", permissions.Grant{Operation: permissions.OpPublish, Resource: "topic:#"})
	checker.Grant("agent-a", permissions.Grant{Operation: permissions.OpPublish, Resource: permissions.BroadcastResource})

	table := subscriptions.NewTable(nil, subscriptions.Config{}, nil)
	tm := subscriptions.NewTopicManager(mem.Topics(), table, nil)
	d := &captureDeliverer{}
	r := router.New(router.Config{MaxPayloadSize: 64}, st, checker, table, tm, d, limiter, nil)

	return &fixture{backend: backend, store: st, checker: checker, table: table, topics: tm, deliverer: d, router: r}
}

func (f *fixture) subscribe(t *testing.T, identity string, target storage.Target) {
	t.Helper()
	_, _, err := f.table.Subscribe(context.Background(), identity, target, subscriptions.Options{Mode: storage.DeliveryPoll})
	require.NoError(t, err)
}

func direct(target string, payload string, persistent bool) *message.Message {
	return message.New("agent-a",
		message.RoutingDescriptor{Mode: message.ModeDirect, Target: target},
		message.Body{ContentType: message.ContentText, Payload: []byte(payload)},
		message.DeliveryOptions{Persistent: persistent})
}

func topic(path string, persistent, leafOnly bool) *message.Message {
	return message.New("agent-a",
		message.RoutingDescriptor{Mode: message.ModeTopic, Target: path, LeafOnly: leafOnly},
		message.Body{ContentType: message.ContentStructured, Payload: []byte(`{"level":"warn"}`)},
		message.DeliveryOptions{Persistent: persistent})
}

func TestValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	cases := []struct {
		desc   string
		mutate func(m *message.Message)
		field  string
	}{
		{"missing sender", func(m *message.Message) { m.Sender = "" }, "sender"},
		{"unknown content type", func(m *message.Message) { m.ContentType = message.ContentUnknown }, "content_type"},
		{"invalid utf-8", func(m *message.Message) { m.Payload = []byte{0xff, 0xfe} }, "payload"},
		{"invalid json", func(m *message.Message) {
			m.ContentType = message.ContentStructured
			m.Payload = []byte("{nope")
		}, "payload"},
		{"binary ref without reference", func(m *message.Message) { m.ContentType = message.ContentBinaryRef }, "external"},
		{"reserved mailbox", func(m *message.Message) { m.Routing.Target = "$broadcast" }, "routing.target"},
		{"unknown mode", func(m *message.Message) { m.Routing.Mode = 0 }, "routing.mode"},
		{"wildcard topic", func(m *message.Message) {
			m.Routing = message.RoutingDescriptor{Mode: message.ModeTopic, Target: "a/#"}
		}, "routing.target"},
		{"named broadcast", func(m *message.Message) {
			m.Routing = message.RoutingDescriptor{Mode: message.ModeBroadcast, Target: "all"}
		}, "routing.target"},
		{"leaf only on direct", func(m *message.Message) { m.Routing.LeafOnly = true }, "routing.leaf_only"},
		{"bad priority", func(m *message.Message) { m.Routing.Priority = 9 }, "routing.priority"},
		{"negative ttl", func(m *message.Message) { m.Routing.TTL = -time.Second }, "routing.ttl"},
		{"max delay below base", func(m *message.Message) {
			m.Options.Retry = message.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Millisecond}
		}, "retry.max_delay"},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			m := direct("inbox", "hello", true)
			tc.mutate(m)
			_, err := f.router.Route(ctx, m)
			require.ErrorIs(t, err, message.ErrValidationFailed)
			var verr *message.ValidationError
			require.ErrorAs(t, err, &verr)
			var fields []string
			for _, fe := range verr.Fields {
				fields = append(fields, fe.Field)
			}
			assert.Contains(t, fields, tc.field)
		})
	}

	logs, err := f.store.Logs(ctx)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestPayloadTooLarge(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.router.Route(ctx, direct("inbox-1", strings.Repeat("x", 65), true))
	require.ErrorIs(t, err, message.ErrPayloadTooLarge)

	b, err := f.store.Bounds(ctx, "inbox-1")
	require.NoError(t, err)
	assert.Zero(t, b.Count, "nothing is appended")
	_, ok := f.store.Mailbox("inbox-1")
	assert.False(t, ok)
	assert.Empty(t, f.deliverer.all())
}

func TestOversizedPayloadWithReference(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	m := direct("inbox", strings.Repeat("x", 100), true)
	m.External = &message.ExternalRef{URI: "s3://bucket/blob", Size: 100}
	res, err := f.router.Route(ctx, m)
	require.NoError(t, err)

	stored, err := f.store.Get(ctx, "inbox", res.MessageID)
	require.NoError(t, err)
	assert.Empty(t, stored.Payload)
	assert.Equal(t, "s3://bucket/blob", stored.External.URI)
	assert.Len(t, m.Payload, 100, "the caller's message is untouched")
}

func TestPermissionDenied(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	m := direct("inbox", "hi", true)
	m.Sender = "intruder"
	_, err := f.router.Route(ctx, m)
	require.ErrorIs(t, err, message.ErrPermissionDenied)

	logs, err := f.store.Logs(ctx)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestMailboxACLAllowsWriter(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.store.CreateMailbox(ctx, storage.Mailbox{Name: "team", Owner: "lead", Writers: []string{"helper"}})
	require.NoError(t, err)

	m := direct("team", "hi", true)
	m.Sender = "helper"
	_, err = f.router.Route(ctx, m)
	require.NoError(t, err)
}

func TestDirectPersistentWithoutSubscribers(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.router.Route(ctx, direct("inbox-1", "hello", true))
	require.NoError(t, err)
	assert.True(t, res.Durable)
	assert.False(t, res.Deferred)
	assert.Equal(t, uint64(1), res.MessageID)
	assert.Zero(t, res.Targets)

	mb, ok := f.store.Mailbox("inbox-1")
	require.True(t, ok)
	assert.True(t, mb.AutoCreated)

	stored, err := f.store.Get(ctx, "inbox-1", 1)
	require.NoError(t, err)
	assert.Equal(t, "agent-a", stored.Metadata[message.MetaSender])
	assert.Equal(t, "direct", stored.Metadata[message.MetaMode])
}

func TestDirectFanOut(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.subscribe(t, "agent-b", subscriptions.MailboxTarget("inbox"))
	f.subscribe(t, "agent-c", subscriptions.MailboxTarget("inbox"))
	f.subscribe(t, "agent-d", subscriptions.MailboxTarget("other"))

	res, err := f.router.Route(ctx, direct("inbox", "hello", false))
	require.NoError(t, err)
	assert.False(t, res.Durable)
	assert.True(t, res.Ref.Ephemeral)
	assert.Equal(t, 2, res.Targets)
	require.Len(t, res.Statuses, 2)

	calls := f.deliverer.all()
	require.Len(t, calls, 1)
	assert.ElementsMatch(t, []string{"agent-b", "agent-c"}, calls[0].targets)

	b, err := f.store.Bounds(ctx, "inbox")
	require.NoError(t, err)
	assert.Zero(t, b.Count, "ephemeral messages are not stored")
}

func TestTopicRouting(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.subscribe(t, "parent", subscriptions.TopicTarget("a/b"))
	f.subscribe(t, "sibling", subscriptions.TopicTarget("a/x"))
	f.subscribe(t, "wild", subscriptions.TopicTarget("a/#"))

	res, err := f.router.Route(ctx, topic("a/b/c", false, false))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Targets)
	assert.False(t, f.topics.Exists("a/b/c"), "ephemeral publishes do not create topics")

	res, err = f.router.Route(ctx, topic("a/b/c", false, true))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Targets, "leaf-only skips exact ancestors")

	calls := f.deliverer.all()
	require.Len(t, calls, 2)
	assert.ElementsMatch(t, []string{"parent", "wild"}, calls[0].targets)
	assert.ElementsMatch(t, []string{"wild"}, calls[1].targets)

	_, err = f.router.Route(ctx, topic("z/y", false, false))
	assert.ErrorIs(t, err, message.ErrNoSubscribers)

	res, err = f.router.Route(ctx, topic("z/y", true, false))
	require.NoError(t, err, "persistent publishes succeed without subscribers")
	assert.Equal(t, "$topic/z/y", res.Log)
	assert.True(t, f.topics.Exists("z/y"))
}

func TestBroadcast(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	bc := message.New("agent-a", message.RoutingDescriptor{Mode: message.ModeBroadcast},
		message.Body{ContentType: message.ContentText, Payload: []byte("all hands")}, message.DeliveryOptions{})
	_, err := f.router.Route(ctx, bc)
	assert.ErrorIs(t, err, message.ErrNoSubscribers)

	f.subscribe(t, "agent-b", subscriptions.BroadcastTarget())
	bc.Options.Persistent = true
	res, err := f.router.Route(ctx, bc)
	require.NoError(t, err)
	assert.Equal(t, message.BroadcastLog, res.Log)
	assert.Equal(t, 1, res.Targets)
}

func TestRateLimit(t *testing.T) {
	limiter := ratelimit.NewManager(ratelimit.Config{
		Enabled: true,
		Publish: ratelimit.LimitConfig{Enabled: true, Rate: 0.001, Burst: 2},
	})
	defer limiter.Stop()
	f := newFixture(t, limiter)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.router.Route(ctx, direct("inbox", fmt.Sprintf("m%d", i), true))
		require.NoError(t, err)
	}
	_, err := f.router.Route(ctx, direct("inbox", "too many", true))
	assert.ErrorIs(t, err, message.ErrOverloaded)
}

func TestDeferredWriteFansOutOnCommit(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.subscribe(t, "agent-b", subscriptions.MailboxTarget("inbox"))
	_, err := f.store.EnsureMailbox(ctx, "inbox")
	require.NoError(t, err)

	f.backend.log.down.Store(true)
	res, err := f.router.Route(ctx, direct("inbox", "later", true))
	require.NoError(t, err)
	assert.True(t, res.Deferred)
	assert.Zero(t, res.MessageID)
	assert.Empty(t, f.deliverer.all())

	f.backend.log.down.Store(false)
	require.Eventually(t, func() bool { return len(f.deliverer.all()) == 1 }, 2*time.Second, 5*time.Millisecond)

	call := f.deliverer.all()[0]
	assert.Equal(t, uint64(1), call.msg.ID)
	assert.Equal(t, []string{"agent-b"}, call.targets)
}
