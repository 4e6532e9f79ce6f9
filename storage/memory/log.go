// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/absmach/fluxmail/message"
	"github.com/absmach/fluxmail/storage"
)

var _ storage.MessageLog = (*MessageLog)(nil)

// MessageLog is an in-memory implementation of storage.MessageLog.
type MessageLog struct {
	mu   sync.RWMutex
	logs map[string]*memLog
}

type memLog struct {
	mu        sync.RWMutex
	msgs      []*message.Message
	head      uint64
	compacted uint64
}

// NewMessageLog creates a new in-memory message log store.
func NewMessageLog() *MessageLog {
	return &MessageLog{
		logs: make(map[string]*memLog),
	}
}

func (s *MessageLog) get(name string) *memLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.logs[name]
}

func (s *MessageLog) getOrCreate(name string) *memLog {
	if l := s.get(name); l != nil {
		return l
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[name]
	if !ok {
		l = &memLog{}
		s.logs[name] = l
	}
	return l
}

// Append stores a copy of msg with the next id of the log.
func (s *MessageLog) Append(ctx context.Context, log string, msg *message.Message) (*message.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l := s.getOrCreate(log)

	l.mu.Lock()
	defer l.mu.Unlock()

	stored := msg.Clone()
	stored.Log = log
	stored.ID = l.head + 1
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	if n := len(l.msgs); n > 0 && stored.CreatedAt.Before(l.msgs[n-1].CreatedAt) {
		stored.CreatedAt = l.msgs[n-1].CreatedAt
	}
	l.head = stored.ID
	l.msgs = append(l.msgs, stored)

	return stored, nil
}

// Get returns the stored message.
func (s *MessageLog) Get(_ context.Context, log string, id uint64) (*message.Message, error) {
	l := s.get(log)
	if l == nil {
		return nil, storage.ErrNotFound
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	i := l.search(id)
	if i == len(l.msgs) || l.msgs[i].ID != id {
		return nil, storage.ErrNotFound
	}
	return l.msgs[i], nil
}

// Range returns up to limit messages after afterID.
func (s *MessageLog) Range(_ context.Context, log string, afterID uint64, limit int) ([]*message.Message, error) {
	l := s.get(log)
	if l == nil {
		return nil, nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.slice(l.search(afterID+1), limit), nil
}

// RangeFrom returns up to limit messages created at or after from.
func (s *MessageLog) RangeFrom(_ context.Context, log string, from time.Time, limit int) ([]*message.Message, error) {
	l := s.get(log)
	if l == nil {
		return nil, nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	i := sort.Search(len(l.msgs), func(i int) bool {
		return !l.msgs[i].CreatedAt.Before(from)
	})
	return l.slice(i, limit), nil
}

// Bounds returns the retained window of the log.
func (s *MessageLog) Bounds(_ context.Context, log string) (storage.Bounds, error) {
	l := s.get(log)
	if l == nil {
		return storage.Bounds{}, nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	b := storage.Bounds{Last: l.head, Compacted: l.compacted, Count: len(l.msgs)}
	if len(l.msgs) > 0 {
		b.First = l.msgs[0].ID
	}
	return b, nil
}

// DeleteThrough drops the prefix of the log up to and including id.
func (s *MessageLog) DeleteThrough(_ context.Context, log string, id uint64) (int, error) {
	l := s.get(log)
	if l == nil {
		return 0, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if id > l.head {
		id = l.head
	}
	i := l.search(id + 1)
	l.msgs = append([]*message.Message(nil), l.msgs[i:]...)
	if id > l.compacted {
		l.compacted = id
	}
	return i, nil
}

// Drop removes the log.
func (s *MessageLog) Drop(_ context.Context, log string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.logs, log)
	return nil
}

// Logs lists all log names.
func (s *MessageLog) Logs(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.logs))
	for name := range s.logs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// search returns the index of the first message with ID >= id.
func (l *memLog) search(id uint64) int {
	return sort.Search(len(l.msgs), func(i int) bool {
		return l.msgs[i].ID >= id
	})
}

func (l *memLog) slice(from, limit int) []*message.Message {
	to := len(l.msgs)
	if limit > 0 && from+limit < to {
		to = from + limit
	}
	if from >= to {
		return nil
	}
	return append([]*message.Message(nil), l.msgs[from:to]...)
}
