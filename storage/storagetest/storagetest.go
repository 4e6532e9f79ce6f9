// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package storagetest holds behaviour tests shared by every storage backend.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/absmach/fluxmail/message"
	"github.com/absmach/fluxmail/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty store. Cleanup is registered on t.
type Factory func(t *testing.T) storage.Store

// Run exercises a storage backend.
func Run(t *testing.T, newStore Factory) {
	t.Run("AppendAssignsSequentialIDs", func(t *testing.T) { testAppendSequential(t, newStore(t)) })
	t.Run("ConcurrentAppendsHaveNoGaps", func(t *testing.T) { testConcurrentAppend(t, newStore(t)) })
	t.Run("AppendDoesNotMutateInput", func(t *testing.T) { testAppendInput(t, newStore(t)) })
	t.Run("Range", func(t *testing.T) { testRange(t, newStore(t)) })
	t.Run("DeleteThrough", func(t *testing.T) { testDeleteThrough(t, newStore(t)) })
	t.Run("Cursors", func(t *testing.T) { testCursors(t, newStore(t)) })
	t.Run("Mailboxes", func(t *testing.T) { testMailboxes(t, newStore(t)) })
	t.Run("Topics", func(t *testing.T) { testTopics(t, newStore(t)) })
	t.Run("Subscriptions", func(t *testing.T) { testSubscriptions(t, newStore(t)) })
	t.Run("Grants", func(t *testing.T) { testGrants(t, newStore(t)) })
	t.Run("DeadLetters", func(t *testing.T) { testDeadLetters(t, newStore(t)) })
}

func newMessage(payload string, at time.Time) *message.Message {
	return &message.Message{
		Sender:      "agent-a",
		CreatedAt:   at,
		ContentType: message.ContentText,
		Payload:     []byte(payload),
		Metadata:    map[string]string{"k": "v"},
		Routing:     message.RoutingDescriptor{Mode: message.ModeDirect, Target: "inbox"},
		Options:     message.DeliveryOptions{Persistent: true},
	}
}

func appendN(t *testing.T, s storage.Store, log string, n int, start time.Time) []*message.Message {
	t.Helper()
	ret := make([]*message.Message, 0, n)
	for i := 0; i < n; i++ {
		m, err := s.Messages().Append(context.Background(), log, newMessage(fmt.Sprintf("m%d", i+1), start.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
		ret = append(ret, m)
	}
	return ret
}

func testAppendSequential(t *testing.T, s storage.Store) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	msgs := appendN(t, s, "inbox", 3, now)
	for i, m := range msgs {
		assert.Equal(t, uint64(i+1), m.ID)
		assert.Equal(t, "inbox", m.Log)
	}

	other, err := s.Messages().Append(context.Background(), "$topic/a/b", newMessage("x", now))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), other.ID, "logs are sequenced independently")

	got, err := s.Messages().Get(context.Background(), "inbox", 2)
	require.NoError(t, err)
	assert.Equal(t, "m2", string(got.Payload))
	assert.Equal(t, "v", got.Metadata["k"])
	assert.True(t, got.Options.Persistent)

	_, err = s.Messages().Get(context.Background(), "inbox", 42)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// CreatedAt never goes backwards inside a log.
	late, err := s.Messages().Append(context.Background(), "inbox", newMessage("late", now.Add(-time.Hour)))
	require.NoError(t, err)
	assert.False(t, late.CreatedAt.Before(msgs[2].CreatedAt))

	logs, err := s.Messages().Logs(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"inbox", "$topic/a/b"}, logs)
}

func testConcurrentAppend(t *testing.T, s storage.Store) {
	const writers, perWriter = 2, 500

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := s.Messages().Append(context.Background(), "inbox", newMessage(fmt.Sprintf("w%d-%d", w, i), time.Now()))
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	msgs, err := s.Messages().Range(context.Background(), "inbox", 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, writers*perWriter)
	seen := make(map[string]bool)
	for i, m := range msgs {
		assert.Equal(t, uint64(i+1), m.ID)
		seen[string(m.Payload)] = true
	}
	assert.Len(t, seen, writers*perWriter)

	b, err := s.Messages().Bounds(context.Background(), "inbox")
	require.NoError(t, err)
	assert.Equal(t, uint64(writers*perWriter), b.Last)
}

func testAppendInput(t *testing.T, s storage.Store) {
	in := newMessage("original", time.Now())
	stored, err := s.Messages().Append(context.Background(), "inbox", in)
	require.NoError(t, err)
	assert.Zero(t, in.ID)
	assert.Empty(t, in.Log)

	in.Payload[0] = 'X'
	got, err := s.Messages().Get(context.Background(), "inbox", stored.ID)
	require.NoError(t, err)
	assert.Equal(t, "original", string(got.Payload))
}

func testRange(t *testing.T, s storage.Store) {
	start := time.Now().UTC().Truncate(time.Second)
	appendN(t, s, "inbox", 10, start)
	ctx := context.Background()

	msgs, err := s.Messages().Range(ctx, "inbox", 3, 4)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, uint64(4), msgs[0].ID)
	assert.Equal(t, uint64(7), msgs[3].ID)

	msgs, err = s.Messages().Range(ctx, "inbox", 8, 100)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	msgs, err = s.Messages().RangeFrom(ctx, "inbox", start.Add(5*time.Second), 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, uint64(6), msgs[0].ID)

	msgs, err = s.Messages().Range(ctx, "missing", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func testDeleteThrough(t *testing.T, s storage.Store) {
	ctx := context.Background()
	appendN(t, s, "inbox", 10, time.Now())

	n, err := s.Messages().DeleteThrough(ctx, "inbox", 4)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	b, err := s.Messages().Bounds(ctx, "inbox")
	require.NoError(t, err)
	assert.Equal(t, storage.Bounds{First: 5, Last: 10, Compacted: 4, Count: 6}, b)

	m, err := s.Messages().Append(ctx, "inbox", newMessage("after", time.Now()))
	require.NoError(t, err)
	assert.Equal(t, uint64(11), m.ID, "compaction never reuses ids")

	require.NoError(t, s.Messages().Drop(ctx, "inbox"))
	b, err = s.Messages().Bounds(ctx, "inbox")
	require.NoError(t, err)
	assert.Equal(t, storage.Bounds{}, b)
}

func testCursors(t *testing.T, s storage.Store) {
	ctx := context.Background()
	c := s.Cursors()

	cur, err := c.Get(ctx, "inbox", "agent-b")
	require.NoError(t, err)
	assert.Zero(t, cur)

	cur, err = c.Advance(ctx, "inbox", "agent-b", 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), cur)

	cur, err = c.Advance(ctx, "inbox", "agent-b", 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), cur, "advance never moves backwards")

	require.NoError(t, c.Rewind(ctx, "inbox", "agent-b", 2))
	cur, err = c.Get(ctx, "inbox", "agent-b")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), cur)

	require.NoError(t, c.Rewind(ctx, "inbox", "agent-b", 9))
	cur, err = c.Get(ctx, "inbox", "agent-b")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), cur, "rewind never moves forward")

	_, err = c.Advance(ctx, "inbox", "agent-c", 7)
	require.NoError(t, err)
	all, err := c.List(ctx, "inbox")
	require.NoError(t, err)
	assert.Equal(t, map[string]uint64{"agent-b": 2, "agent-c": 7}, all)

	require.NoError(t, c.DropLog(ctx, "inbox"))
	all, err = c.List(ctx, "inbox")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func testMailboxes(t *testing.T, s storage.Store) {
	ctx := context.Background()
	mb := storage.Mailbox{Name: "inbox", CreatedAt: time.Now().UTC(), Owner: "agent-a", Readers: []string{"agent-b"}, Retention: time.Hour}

	require.NoError(t, s.Mailboxes().Create(ctx, mb))
	assert.ErrorIs(t, s.Mailboxes().Create(ctx, mb), storage.ErrAlreadyExists)

	got, err := s.Mailboxes().Get(ctx, "inbox")
	require.NoError(t, err)
	assert.Equal(t, "agent-a", got.Owner)
	assert.Equal(t, []string{"agent-b"}, got.Readers)
	assert.Equal(t, time.Hour, got.Retention)

	got.Hold = true
	require.NoError(t, s.Mailboxes().Put(ctx, got))
	list, err := s.Mailboxes().List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].Hold)

	require.NoError(t, s.Mailboxes().Delete(ctx, "inbox"))
	_, err = s.Mailboxes().Get(ctx, "inbox")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, s.Mailboxes().Delete(ctx, "inbox"), storage.ErrNotFound)
}

func testTopics(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.Topics().Create(ctx, storage.Topic{Path: "a/b", CreatedAt: time.Now().UTC()}))
	require.NoError(t, s.Topics().Create(ctx, storage.Topic{Path: "a", CreatedAt: time.Now().UTC()}))
	assert.ErrorIs(t, s.Topics().Create(ctx, storage.Topic{Path: "a"}), storage.ErrAlreadyExists)

	list, err := s.Topics().List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].Path)

	require.NoError(t, s.Topics().Delete(ctx, "a"))
	_, err = s.Topics().Get(ctx, "a")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testSubscriptions(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	sub1 := storage.Subscription{ID: "s1", Identity: "agent-b", Target: storage.Target{Kind: storage.KindTopic, Name: "a/b"}, Mode: storage.DeliveryRealtime, CreatedAt: now}
	sub2 := storage.Subscription{ID: "s2", Identity: "agent-c", Target: storage.Target{Kind: storage.KindTopic, Name: "a/b"}, Mode: storage.DeliveryPoll, CreatedAt: now.Add(time.Second)}
	sub3 := storage.Subscription{ID: "s3", Identity: "agent-c", Target: storage.Target{Kind: storage.KindMailbox, Name: "inbox"}, Mode: storage.DeliveryPoll, AutoAck: true, CreatedAt: now.Add(2 * time.Second)}

	for _, sub := range []storage.Subscription{sub1, sub2, sub3} {
		require.NoError(t, s.Subscriptions().Save(ctx, sub))
	}

	got, err := s.Subscriptions().Get(ctx, "s3")
	require.NoError(t, err)
	assert.True(t, got.AutoAck)
	assert.Equal(t, storage.KindMailbox, got.Target.Kind)

	byTarget, err := s.Subscriptions().ListByTarget(ctx, storage.Target{Kind: storage.KindTopic, Name: "a/b"})
	require.NoError(t, err)
	require.Len(t, byTarget, 2)
	assert.Equal(t, "s1", byTarget[0].ID)

	// Retargeting a subscription moves it between indexes.
	sub2.Target = storage.Target{Kind: storage.KindBroadcast}
	require.NoError(t, s.Subscriptions().Save(ctx, sub2))
	byTarget, err = s.Subscriptions().ListByTarget(ctx, storage.Target{Kind: storage.KindTopic, Name: "a/b"})
	require.NoError(t, err)
	assert.Len(t, byTarget, 1)

	require.NoError(t, s.Subscriptions().Delete(ctx, "s1"))
	assert.ErrorIs(t, s.Subscriptions().Delete(ctx, "s1"), storage.ErrNotFound)
	all, err := s.Subscriptions().List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func testGrants(t *testing.T, s storage.Store) {
	ctx := context.Background()
	g1 := storage.Grant{Identity: "agent-a", Operation: "write", Resource: "mailbox:*", CreatedAt: time.Now().UTC()}
	g2 := storage.Grant{Identity: "agent-a", Operation: "publish", Resource: "topic:a/#", CreatedAt: time.Now().UTC()}

	require.NoError(t, s.Grants().Put(ctx, g1))
	require.NoError(t, s.Grants().Put(ctx, g2))
	require.NoError(t, s.Grants().Put(ctx, g2))

	list, err := s.Grants().List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)

	require.NoError(t, s.Grants().Delete(ctx, g1))
	assert.ErrorIs(t, s.Grants().Delete(ctx, g1), storage.ErrNotFound)
	list, err = s.Grants().List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "topic:a/#", list[0].Resource)
}

func testDeadLetters(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		sub := "s1"
		if i == 2 {
			sub = "s2"
		}
		require.NoError(t, s.DeadLetters().Put(ctx, storage.DeadLetter{
			ID:             fmt.Sprintf("dl-%d", i),
			SubscriptionID: sub,
			Identity:       "agent-b",
			Message:        newMessage(fmt.Sprintf("m%d", i), now),
			Reason:         "delivery attempts exhausted",
			Attempts:       3,
			DeadLetteredAt: now.Add(time.Duration(i) * time.Second),
		}))
	}

	n, err := s.DeadLetters().Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	list, err := s.DeadLetters().List(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "dl-0", list[0].ID)
	assert.Equal(t, "m0", string(list[0].Message.Payload))

	list, err = s.DeadLetters().List(ctx, "", 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeadLetters().Delete(ctx, "dl-0"))
	_, err = s.DeadLetters().Get(ctx, "dl-0")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
