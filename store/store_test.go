// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package store_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/fluxmail/message"
	"github.com/absmach/fluxmail/storage"
	"github.com/absmach/fluxmail/storage/memory"
	"github.com/absmach/fluxmail/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyLog struct {
	storage.MessageLog
	down atomic.Bool
}

func (f *flakyLog) Append(ctx context.Context, log string, msg *message.Message) (*message.Message, error) {
	if f.down.Load() {
		return nil, fmt.Errorf("disk detached: %w", storage.ErrUnavailable)
	}
	return f.MessageLog.Append(ctx, log, msg)
}

type flakyStore struct {
	*memory.Store
	log *flakyLog
}

func (f *flakyStore) Messages() storage.MessageLog {
	return f.log
}

func newFlaky() *flakyStore {
	mem := memory.New()
	return &flakyStore{Store: mem, log: &flakyLog{MessageLog: mem.Messages()}}
}

func testConfig() store.Config {
	return store.Config{
		DegradedQueueSize: 3,
		CriticalReserve:   1,
		FlushInterval:     5 * time.Millisecond,
		FlushMaxBackoff:   20 * time.Millisecond,
		BreakerThreshold:  2,
		BreakerTimeout:    20 * time.Millisecond,
	}
}

func newStore(t *testing.T, backend storage.Store, opts ...store.Option) *store.Store {
	t.Helper()
	s := store.New(backend, testConfig(), nil, opts...)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func textMessage(payload string) *message.Message {
	return &message.Message{
		Sender:      "agent-a",
		ContentType: message.ContentText,
		Payload:     []byte(payload),
		Options:     message.DeliveryOptions{Persistent: true},
	}
}

func TestAppendAssignsIDAndTime(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s := newStore(t, memory.New(), store.WithClock(func() time.Time { return now }))

	in := textMessage("hello")
	in.ID = 99
	in.CreatedAt = time.Unix(0, 0)

	res, err := s.Append(context.Background(), "inbox", in, store.AppendOptions{})
	require.NoError(t, err)
	require.False(t, res.Deferred)
	assert.Equal(t, uint64(1), res.Message.ID)
	assert.Equal(t, now, res.Message.CreatedAt)
	assert.Equal(t, "inbox", res.Message.Log)
	assert.Equal(t, uint64(99), in.ID, "input message is not modified")
}

func TestOnCommitRunsInIDOrder(t *testing.T) {
	s := newStore(t, memory.New())
	ctx := context.Background()

	var (
		mu  sync.Mutex
		ids []uint64
	)
	opts := store.AppendOptions{OnCommit: func(m *message.Message, deferred bool) {
		assert.False(t, deferred)
		mu.Lock()
		ids = append(ids, m.ID)
		mu.Unlock()
	}}

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 200 {
				_, err := s.Append(ctx, "shared", textMessage("x"), opts)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	require.Len(t, ids, 1600)
	for i, id := range ids {
		require.Equal(t, uint64(i+1), id)
	}
}

func TestDegradedModeQueuesAndFlushesInOrder(t *testing.T) {
	backend := newFlaky()
	s := newStore(t, backend)
	ctx := context.Background()

	backend.log.down.Store(true)

	var mu sync.Mutex
	var committed []*message.Message
	onCommit := func(m *message.Message, deferred bool) {
		assert.True(t, deferred)
		mu.Lock()
		defer mu.Unlock()
		committed = append(committed, m)
	}

	for i := 1; i <= 3; i++ {
		res, err := s.Append(ctx, "inbox", textMessage(fmt.Sprintf("m%d", i)), store.AppendOptions{OnCommit: onCommit})
		require.NoError(t, err)
		assert.True(t, res.Deferred)
		assert.Nil(t, res.Message)
		assert.Equal(t, i, res.Pending)
	}
	assert.True(t, s.Degraded())

	_, err := s.Append(ctx, "inbox", textMessage("rejected"), store.AppendOptions{})
	assert.ErrorIs(t, err, message.ErrOverloaded)

	res, err := s.Append(ctx, "inbox", textMessage("critical"), store.AppendOptions{Critical: true, OnCommit: onCommit})
	require.NoError(t, err)
	assert.True(t, res.Deferred)

	_, err = s.Append(ctx, "inbox", textMessage("critical-2"), store.AppendOptions{Critical: true})
	assert.ErrorIs(t, err, message.ErrOverloaded, "the critical reserve is bounded too")

	backend.log.down.Store(false)

	assert.Eventually(t, func() bool { return s.Pending() == 0 }, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, committed, 4)
	for i, want := range []string{"m1", "m2", "m3", "critical"} {
		assert.Equal(t, uint64(i+1), committed[i].ID)
		assert.Equal(t, want, string(committed[i].Payload))
	}

	msgs, err := s.ReadRange(ctx, "inbox", 0, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 4)
}

func TestAppendQueuesBehindPendingWrites(t *testing.T) {
	backend := newFlaky()
	s := store.New(backend, testConfig(), nil)
	ctx := context.Background()

	backend.log.down.Store(true)
	res, err := s.Append(ctx, "inbox", textMessage("first"), store.AppendOptions{})
	require.NoError(t, err)
	require.True(t, res.Deferred)

	// The backend is back but the flusher has not run: later writes must
	// wait behind the queued one.
	backend.log.down.Store(false)
	res, err = s.Append(ctx, "inbox", textMessage("second"), store.AppendOptions{})
	require.NoError(t, err)
	assert.True(t, res.Deferred)

	require.NoError(t, s.Start(ctx))
	defer s.Close()
	assert.Eventually(t, func() bool { return s.Pending() == 0 }, 2*time.Second, 5*time.Millisecond)

	msgs, err := s.ReadRange(ctx, "inbox", 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", string(msgs[0].Payload))
	assert.Equal(t, "second", string(msgs[1].Payload))
}

func TestNonRetryableErrorIsReturned(t *testing.T) {
	s := newStore(t, memory.New())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Append(ctx, "inbox", textMessage("x"), store.AppendOptions{})
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Zero(t, s.Pending())
}

func TestStampEphemeral(t *testing.T) {
	s := newStore(t, memory.New())

	a := s.Stamp("$broadcast", textMessage("a"), nil)
	b := s.Stamp("$broadcast", textMessage("b"), nil)
	assert.Equal(t, uint64(1), a.ID)
	assert.Equal(t, uint64(2), b.ID)
	assert.Equal(t, "$broadcast", b.Log)
	assert.False(t, b.CreatedAt.IsZero())

	msgs, err := s.ReadRange(context.Background(), "$broadcast", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs, "stamped messages are not persisted")
}

func TestCompactionExpiresCursor(t *testing.T) {
	now := time.Now()
	s := newStore(t, memory.New(), store.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := s.Append(ctx, "inbox", textMessage(fmt.Sprintf("m%d", i+1)), store.AppendOptions{})
		require.NoError(t, err)
		now = now.Add(time.Minute)
	}

	// Messages 1..4 are older than the cutoff.
	n, err := s.Compact(ctx, "inbox", now.Add(-6*time.Minute), nil)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	_, err = s.ReadRange(ctx, "inbox", 2, 10)
	var expired *message.CursorExpiredError
	require.ErrorAs(t, err, &expired)
	assert.Equal(t, uint64(5), expired.Earliest)
	assert.ErrorIs(t, err, message.ErrCursorExpired)

	msgs, err := s.ReadRange(ctx, "inbox", expired.Earliest-1, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 6)
	assert.Equal(t, uint64(5), msgs[0].ID)

	msgs, err = s.ReadRange(ctx, "inbox", 0, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), msgs[0].ID, "zero cursor starts at the earliest retained message")
}

func TestCompactionRespectsHold(t *testing.T) {
	now := time.Now()
	s := newStore(t, memory.New(), store.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.Append(ctx, "inbox", textMessage("x"), store.AppendOptions{})
		require.NoError(t, err)
	}
	_, err := s.MarkRead(ctx, "inbox", "agent-b", 3)
	require.NoError(t, err)
	_, err = s.MarkRead(ctx, "inbox", "agent-c", 5)
	require.NoError(t, err)

	n, err := s.Compact(ctx, "inbox", now.Add(time.Hour), []string{"agent-b", "agent-c"})
	require.NoError(t, err)
	assert.Equal(t, 3, n, "unread messages of agent-b are kept")

	n, err = s.Compact(ctx, "inbox", now.Add(time.Hour), []string{"agent-d"})
	require.NoError(t, err)
	assert.Zero(t, n, "a holder that never read keeps everything")

	n, err = s.Compact(ctx, "inbox", now.Add(time.Hour), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "without hold compaction ignores read state")
}

func TestCompactionHoldIgnoresFormerReaders(t *testing.T) {
	now := time.Now()
	s := newStore(t, memory.New(), store.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.Append(ctx, "inbox", textMessage("x"), store.AppendOptions{})
		require.NoError(t, err)
	}
	_, err := s.MarkRead(ctx, "inbox", "agent-old", 1)
	require.NoError(t, err)
	_, err = s.MarkRead(ctx, "inbox", "agent-b", 4)
	require.NoError(t, err)

	n, err := s.Compact(ctx, "inbox", now.Add(time.Hour), []string{"agent-b"})
	require.NoError(t, err)
	assert.Equal(t, 4, n, "a read mark of a non-holder does not pin the log")
}

func TestMarkReadAndRequeue(t *testing.T) {
	s := newStore(t, memory.New())
	ctx := context.Background()

	cur, err := s.MarkRead(ctx, "inbox", "agent-b", 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), cur)

	cur, err = s.MarkRead(ctx, "inbox", "agent-b", 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), cur)

	require.NoError(t, s.Requeue(ctx, "inbox", "agent-b", 5))
	cur, err = s.ReadMark(ctx, "inbox", "agent-b")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), cur)
}
