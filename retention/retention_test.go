// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package retention_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/absmach/fluxmail/message"
	"github.com/absmach/fluxmail/retention"
	"github.com/absmach/fluxmail/storage"
	"github.com/absmach/fluxmail/storage/memory"
	"github.com/absmach/fluxmail/store"
	"github.com/absmach/fluxmail/subscriptions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	clock  *clock
	store  *store.Store
	topics *subscriptions.TopicManager
	table  *subscriptions.Table
	mgr    *retention.Manager
}

type brokenLog struct {
	storage.MessageLog
	log string
}

func (b brokenLog) DeleteThrough(ctx context.Context, log string, id uint64) (int, error) {
	if log == b.log {
		return 0, errors.New("disk full")
	}
	return b.MessageLog.DeleteThrough(ctx, log, id)
}

type brokenStore struct {
	*memory.Store
	log string
}

func (b brokenStore) Messages() storage.MessageLog {
	return brokenLog{MessageLog: b.Store.Messages(), log: b.log}
}

func newFixture(t *testing.T, cfg retention.Config) *fixture {
	t.Helper()
	return newFixtureOn(t, cfg, memory.New())
}

func newFixtureOn(t *testing.T, cfg retention.Config, mem storage.Store) *fixture {
	t.Helper()
	c := &clock{now: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}

	scfg := store.DefaultConfig()
	scfg.DefaultRetention = 24 * time.Hour
	st := store.New(mem, scfg, nil, store.WithClock(c.Now))
	require.NoError(t, st.Start(context.Background()))
	t.Cleanup(func() { st.Close() })

	table := subscriptions.NewTable(nil, subscriptions.DefaultConfig(), nil, subscriptions.WithClock(c.Now))
	tm := subscriptions.NewTopicManager(mem.Topics(), table, nil)
	return &fixture{
		clock:  c,
		store:  st,
		topics: tm,
		table:  table,
		mgr:    retention.New(cfg, st, tm, table, nil),
	}
}

func (f *fixture) fill(t *testing.T, log string, n int) {
	t.Helper()
	for i := range n {
		_, err := f.store.Append(context.Background(), log, &message.Message{
			Sender:      "agent-a",
			ContentType: message.ContentText,
			Payload:     []byte(fmt.Sprint(i)),
			Options:     message.DeliveryOptions{Persistent: true},
		}, store.AppendOptions{})
		require.NoError(t, err)
	}
}

func (f *fixture) first(t *testing.T, log string) uint64 {
	t.Helper()
	b, err := f.store.Bounds(context.Background(), log)
	require.NoError(t, err)
	return b.First
}

func TestRunCompactsAgedMessages(t *testing.T) {
	f := newFixture(t, retention.Config{})
	ctx := context.Background()

	_, err := f.store.CreateMailbox(ctx, storage.Mailbox{Name: "logs", Retention: time.Hour})
	require.NoError(t, err)
	f.fill(t, "logs", 3)
	f.clock.Advance(2 * time.Hour)
	f.fill(t, "logs", 2)

	n, err := f.mgr.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, uint64(4), f.first(t, "logs"))

	stats := f.mgr.Stats()
	assert.Equal(t, int64(3), stats.MessagesDeleted)
	assert.Equal(t, int64(1), stats.LogsCompacted)
	assert.False(t, stats.LastRunTime.IsZero())
}

func TestRunContinuesPastFailingLog(t *testing.T) {
	f := newFixtureOn(t, retention.Config{}, brokenStore{Store: memory.New(), log: "b-broken"})
	ctx := context.Background()

	for _, name := range []string{"a-logs", "b-broken", "c-logs"} {
		_, err := f.store.CreateMailbox(ctx, storage.Mailbox{Name: name, Retention: time.Hour})
		require.NoError(t, err)
		f.fill(t, name, 2)
	}
	f.clock.Advance(2 * time.Hour)
	for _, name := range []string{"a-logs", "b-broken", "c-logs"} {
		f.fill(t, name, 1)
	}

	n, err := f.mgr.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b-broken")
	assert.Equal(t, 4, n)
	assert.Equal(t, uint64(3), f.first(t, "a-logs"))
	assert.Equal(t, uint64(3), f.first(t, "c-logs"))
	assert.Equal(t, uint64(1), f.first(t, "b-broken"))
	assert.Equal(t, int64(2), f.mgr.Stats().LogsCompacted)
}

func TestPolicy(t *testing.T) {
	f := newFixture(t, retention.Config{DefaultWindow: 6 * time.Hour})
	ctx := context.Background()

	_, err := f.store.CreateMailbox(ctx, storage.Mailbox{Name: "audit", Retention: 48 * time.Hour, Hold: true})
	require.NoError(t, err)
	_, err = f.store.CreateMailbox(ctx, storage.Mailbox{Name: "plain"})
	require.NoError(t, err)
	_, err = f.topics.Create(ctx, storage.Topic{Path: "ops/db", Retention: time.Minute})
	require.NoError(t, err)

	cases := []struct {
		log  string
		want retention.Policy
	}{
		{log: "audit", want: retention.Policy{Window: 48 * time.Hour, Hold: true}},
		{log: "plain", want: retention.Policy{Window: 6 * time.Hour}},
		{log: "unknown", want: retention.Policy{Window: 6 * time.Hour}},
		{log: message.TopicLog("ops/db"), want: retention.Policy{Window: time.Minute}},
		{log: message.TopicLog("ops"), want: retention.Policy{Window: 6 * time.Hour}},
		{log: message.BroadcastLog, want: retention.Policy{Window: 6 * time.Hour}},
	}
	for _, tc := range cases {
		t.Run(tc.log, func(t *testing.T) {
			assert.Equal(t, tc.want, f.mgr.Policy(tc.log))
		})
	}
}

func TestEvictionIgnoresReadStateWithoutHold(t *testing.T) {
	f := newFixture(t, retention.Config{})
	ctx := context.Background()

	_, err := f.store.CreateMailbox(ctx, storage.Mailbox{Name: "inbox", Retention: time.Hour})
	require.NoError(t, err)
	_, _, err = f.table.Subscribe(ctx, "agent-b", subscriptions.MailboxTarget("inbox"), subscriptions.Options{Mode: storage.DeliveryPoll})
	require.NoError(t, err)

	f.fill(t, "inbox", 4)
	f.clock.Advance(2 * time.Hour)

	n, err := f.mgr.Compact(ctx, "inbox")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestHoldKeepsUnreadMessages(t *testing.T) {
	f := newFixture(t, retention.Config{})
	ctx := context.Background()

	_, err := f.store.CreateMailbox(ctx, storage.Mailbox{Name: "inbox", Retention: time.Hour, Hold: true})
	require.NoError(t, err)
	_, _, err = f.table.Subscribe(ctx, "agent-b", subscriptions.MailboxTarget("inbox"), subscriptions.Options{Mode: storage.DeliveryPoll})
	require.NoError(t, err)

	f.fill(t, "inbox", 5)
	f.clock.Advance(2 * time.Hour)

	n, err := f.mgr.Compact(ctx, "inbox")
	require.NoError(t, err)
	assert.Zero(t, n, "subscriber has read nothing")

	_, err = f.store.MarkRead(ctx, "inbox", "agent-b", 2)
	require.NoError(t, err)
	n, err = f.mgr.Compact(ctx, "inbox")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, uint64(3), f.first(t, "inbox"))

	require.NoError(t, f.store.SetHold(ctx, "inbox", false))
	n, err = f.mgr.Compact(ctx, "inbox")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestHoldOnTopicCountsAncestorSubscribers(t *testing.T) {
	f := newFixture(t, retention.Config{})
	ctx := context.Background()

	_, err := f.topics.Create(ctx, storage.Topic{Path: "fleet/a", Retention: time.Hour, Hold: true})
	require.NoError(t, err)
	_, _, err = f.table.Subscribe(ctx, "agent-c", subscriptions.TopicTarget("fleet"), subscriptions.Options{Mode: storage.DeliveryPoll})
	require.NoError(t, err)

	log := message.TopicLog("fleet/a")
	f.fill(t, log, 3)
	f.clock.Advance(2 * time.Hour)

	n, err := f.mgr.Compact(ctx, log)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNonPositiveWindowKeepsForever(t *testing.T) {
	f := newFixture(t, retention.Config{})
	ctx := context.Background()

	_, err := f.store.CreateMailbox(ctx, storage.Mailbox{Name: "archive", Retention: -1})
	require.NoError(t, err)
	f.fill(t, "archive", 3)
	f.clock.Advance(365 * 24 * time.Hour)

	n, err := f.mgr.Compact(ctx, "archive")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBackgroundLoop(t *testing.T) {
	f := newFixture(t, retention.Config{Interval: 5 * time.Millisecond})
	ctx := context.Background()

	_, err := f.store.CreateMailbox(ctx, storage.Mailbox{Name: "inbox", Retention: time.Minute})
	require.NoError(t, err)
	f.fill(t, "inbox", 2)
	f.clock.Advance(time.Hour)

	f.mgr.Start(ctx)
	defer f.mgr.Stop()

	assert.Eventually(t, func() bool {
		return f.mgr.Stats().MessagesDeleted == 2
	}, time.Second, 5*time.Millisecond)
}
