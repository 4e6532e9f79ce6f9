// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package subscriptions_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/absmach/fluxmail/storage"
	"github.com/absmach/fluxmail/storage/memory"
	"github.com/absmach/fluxmail/subscriptions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTable(t *testing.T, store storage.SubscriptionStore, clock *fakeClock) *subscriptions.Table {
	t.Helper()
	cfg := subscriptions.Config{
		HeartbeatTimeout: 10 * time.Second,
		StaleGrace:       time.Minute,
	}
	return subscriptions.NewTable(store, cfg, nil, subscriptions.WithClock(clock.Now))
}

func ids(subs []subscriptions.Subscription) []string {
	ret := make([]string, 0, len(subs))
	for _, s := range subs {
		ret = append(ret, s.Identity)
	}
	return ret
}

func TestSubscribeIsIdempotent(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	tbl := newTable(t, memory.New().Subscriptions(), clock)
	ctx := context.Background()

	first, created, err := tbl.Subscribe(ctx, "agent-a", subscriptions.MailboxTarget("inbox"), subscriptions.Options{})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, storage.DeliveryRealtime, first.Mode)

	second, created, err := tbl.Subscribe(ctx, "agent-a", subscriptions.MailboxTarget("inbox"), subscriptions.Options{Mode: storage.DeliveryPoll, AutoAck: true})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, storage.DeliveryPoll, second.Mode)
	assert.True(t, second.AutoAck)

	active := tbl.ActiveFor(subscriptions.MailboxTarget("inbox"))
	require.Len(t, active, 1, "re-subscribing never duplicates delivery")
	assert.Equal(t, 1, tbl.Len())
}

func TestSubscribeValidation(t *testing.T) {
	tbl := newTable(t, nil, &fakeClock{now: time.Now()})
	ctx := context.Background()

	cases := []struct {
		desc     string
		identity string
		target   storage.Target
		err      error
	}{
		{"empty identity", "", subscriptions.MailboxTarget("inbox"), subscriptions.ErrInvalidIdentity},
		{"reserved mailbox", "agent-a", subscriptions.MailboxTarget("$broadcast"), subscriptions.ErrInvalidTarget},
		{"wildcard in the middle", "agent-a", subscriptions.TopicTarget("a/#/b"), subscriptions.ErrInvalidTarget},
		{"named broadcast", "agent-a", storage.Target{Kind: storage.KindBroadcast, Name: "x"}, subscriptions.ErrInvalidTarget},
		{"unknown kind", "agent-a", storage.Target{Name: "x"}, subscriptions.ErrInvalidTarget},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			_, _, err := tbl.Subscribe(ctx, tc.identity, tc.target, subscriptions.Options{})
			assert.ErrorIs(t, err, tc.err)
		})
	}
	assert.Zero(t, tbl.Len())
}

func TestTopicInheritance(t *testing.T) {
	tbl := newTable(t, nil, &fakeClock{now: time.Now()})
	ctx := context.Background()

	subscribe := func(identity, pattern string) {
		_, _, err := tbl.Subscribe(ctx, identity, subscriptions.TopicTarget(pattern), subscriptions.Options{})
		require.NoError(t, err)
	}
	subscribe("exact-ab", "a/b")
	subscribe("wild-ab", "a/b/#")
	subscribe("wild-all", "#")
	subscribe("exact-abc", "a/b/c")
	subscribe("exact-ax", "a/x")

	cases := []struct {
		desc     string
		path     string
		leafOnly bool
		want     []string
	}{
		{"descendant reaches ancestor", "a/b/c", false, []string{"exact-ab", "wild-ab", "wild-all", "exact-abc"}},
		{"leaf only skips exact ancestors", "a/b/c", true, []string{"wild-ab", "wild-all", "exact-abc"}},
		{"wildcard matches its parent", "a/b", false, []string{"exact-ab", "wild-ab", "wild-all"}},
		{"sibling is not inherited", "a/x", false, []string{"wild-all", "exact-ax"}},
		{"deep descendant", "a/b/c/d/e", false, []string{"exact-ab", "wild-ab", "wild-all", "exact-abc"}},
		{"unrelated path", "z", false, []string{"wild-all"}},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			got := tbl.MatchTopic(tc.path, tc.leafOnly)
			assert.ElementsMatch(t, tc.want, ids(got))
		})
	}
}

func TestUnsubscribePrunesIndexes(t *testing.T) {
	tbl := newTable(t, memory.New().Subscriptions(), &fakeClock{now: time.Now()})
	ctx := context.Background()

	var removed []string
	tbl.OnRemove(func(s subscriptions.Subscription) { removed = append(removed, s.ID) })

	sub, _, err := tbl.Subscribe(ctx, "agent-a", subscriptions.TopicTarget("a/b"), subscriptions.Options{})
	require.NoError(t, err)
	bc, _, err := tbl.Subscribe(ctx, "agent-a", subscriptions.BroadcastTarget(), subscriptions.Options{})
	require.NoError(t, err)

	require.NoError(t, tbl.Unsubscribe(ctx, sub.ID))
	assert.ErrorIs(t, tbl.Unsubscribe(ctx, sub.ID), subscriptions.ErrSubscriptionNotFound)
	assert.Empty(t, tbl.MatchTopic("a/b", false))
	assert.Len(t, tbl.ActiveFor(subscriptions.BroadcastTarget()), 1)

	require.NoError(t, tbl.Unsubscribe(ctx, bc.ID))
	assert.Empty(t, tbl.ActiveFor(subscriptions.BroadcastTarget()))
	assert.Equal(t, []string{sub.ID, bc.ID}, removed)
}

func TestStaleAndSweep(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	store := memory.New().Subscriptions()
	tbl := newTable(t, store, clock)
	ctx := context.Background()

	var removed []subscriptions.Subscription
	tbl.OnRemove(func(s subscriptions.Subscription) { removed = append(removed, s) })

	a, _, err := tbl.Subscribe(ctx, "agent-a", subscriptions.MailboxTarget("inbox"), subscriptions.Options{})
	require.NoError(t, err)
	b, _, err := tbl.Subscribe(ctx, "agent-b", subscriptions.MailboxTarget("inbox"), subscriptions.Options{})
	require.NoError(t, err)

	clock.Advance(15 * time.Second)
	require.NoError(t, tbl.Heartbeat(b.ID))

	got, ok := tbl.Get(a.ID)
	require.True(t, ok)
	assert.True(t, got.Stale)
	got, ok = tbl.Get(b.ID)
	require.True(t, ok)
	assert.False(t, got.Stale)

	assert.Empty(t, tbl.Sweep(ctx), "stale subscriptions are kept during the grace period")

	clock.Advance(time.Minute)
	require.NoError(t, tbl.Heartbeat(b.ID))
	swept := tbl.Sweep(ctx)
	require.Len(t, swept, 1)
	assert.Equal(t, a.ID, swept[0].ID)
	require.Len(t, removed, 1)

	_, err = store.Get(ctx, a.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, tbl.Heartbeat(a.ID), subscriptions.ErrSubscriptionNotFound)
}

func TestLoadRestoresStale(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	store := memory.New().Subscriptions()
	ctx := context.Background()

	first := newTable(t, store, clock)
	sub, _, err := first.Subscribe(ctx, "agent-a", subscriptions.TopicTarget("a/#"), subscriptions.Options{Mode: storage.DeliveryBatch, BatchSize: 7})
	require.NoError(t, err)

	second := newTable(t, store, clock)
	require.NoError(t, second.Load(ctx))

	got, ok := second.Get(sub.ID)
	require.True(t, ok)
	assert.True(t, got.Stale)
	assert.Equal(t, 7, got.BatchSize)
	assert.Len(t, second.MatchTopic("a/b", false), 1)

	require.NoError(t, second.Heartbeat(sub.ID))
	got, _ = second.Get(sub.ID)
	assert.False(t, got.Stale)
}

func TestSnapshotUnderConcurrency(t *testing.T) {
	tbl := newTable(t, nil, &fakeClock{now: time.Now()})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				identity := fmt.Sprintf("agent-%d-%d", i, j)
				sub, _, err := tbl.Subscribe(ctx, identity, subscriptions.TopicTarget("fleet/#"), subscriptions.Options{})
				if !assert.NoError(t, err) {
					return
				}
				if j%2 == 0 {
					assert.NoError(t, tbl.Unsubscribe(ctx, sub.ID))
				}
			}
		}(i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				for _, s := range tbl.MatchTopic("fleet/a", false) {
					assert.NotEmpty(t, s.ID)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 8*25, tbl.Len())
	assert.Len(t, tbl.MatchTopic("fleet/a", false), 8*25)
}
