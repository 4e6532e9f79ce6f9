// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/absmach/fluxmail/storage"
)

var _ storage.DeadLetterStore = (*DeadLetterStore)(nil)

// DeadLetterStore is an in-memory implementation of storage.DeadLetterStore.
type DeadLetterStore struct {
	mu   sync.RWMutex
	data map[string]storage.DeadLetter
}

// NewDeadLetterStore creates a new in-memory dead-letter store.
func NewDeadLetterStore() *DeadLetterStore {
	return &DeadLetterStore{data: make(map[string]storage.DeadLetter)}
}

func (s *DeadLetterStore) Put(_ context.Context, dl storage.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[dl.ID] = dl
	return nil
}

func (s *DeadLetterStore) Get(_ context.Context, id string) (storage.DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dl, ok := s.data[id]
	if !ok {
		return storage.DeadLetter{}, storage.ErrNotFound
	}
	return dl, nil
}

func (s *DeadLetterStore) List(_ context.Context, subscriptionID string, limit int) ([]storage.DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ret []storage.DeadLetter
	for _, dl := range s.data {
		if subscriptionID == "" || dl.SubscriptionID == subscriptionID {
			ret = append(ret, dl)
		}
	}
	sort.Slice(ret, func(i, j int) bool {
		if ret[i].DeadLetteredAt.Equal(ret[j].DeadLetteredAt) {
			return ret[i].ID < ret[j].ID
		}
		return ret[i].DeadLetteredAt.Before(ret[j].DeadLetteredAt)
	})
	if limit > 0 && len(ret) > limit {
		ret = ret[:limit]
	}
	return ret, nil
}

func (s *DeadLetterStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.data, id)
	return nil
}

func (s *DeadLetterStore) Count(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data), nil
}
