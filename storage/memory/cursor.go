// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"maps"
	"sync"

	"github.com/absmach/fluxmail/storage"
)

var _ storage.CursorStore = (*CursorStore)(nil)

// CursorStore is an in-memory implementation of storage.CursorStore.
type CursorStore struct {
	mu   sync.RWMutex
	data map[string]map[string]uint64 // log -> subscriber -> last read id
}

// NewCursorStore creates a new in-memory cursor store.
func NewCursorStore() *CursorStore {
	return &CursorStore{
		data: make(map[string]map[string]uint64),
	}
}

// Get returns the cursor of subscriber on log.
func (s *CursorStore) Get(_ context.Context, log, subscriber string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.data[log][subscriber], nil
}

// Advance moves the cursor forward.
func (s *CursorStore) Advance(_ context.Context, log, subscriber string, id uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs, ok := s.data[log]
	if !ok {
		subs = make(map[string]uint64)
		s.data[log] = subs
	}
	if id > subs[subscriber] {
		subs[subscriber] = id
	}
	return subs[subscriber], nil
}

// Rewind moves the cursor back.
func (s *CursorStore) Rewind(_ context.Context, log, subscriber string, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs, ok := s.data[log]
	if !ok {
		return nil
	}
	if cur, ok := subs[subscriber]; ok && id < cur {
		subs[subscriber] = id
	}
	return nil
}

// List returns a copy of all cursors on the log.
func (s *CursorStore) List(_ context.Context, log string) (map[string]uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ret := maps.Clone(s.data[log])
	if ret == nil {
		ret = map[string]uint64{}
	}
	return ret, nil
}

// DropLog removes all cursors of the log.
func (s *CursorStore) DropLog(_ context.Context, log string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, log)
	return nil
}
