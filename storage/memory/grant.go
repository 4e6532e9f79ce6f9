// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/absmach/fluxmail/storage"
)

var _ storage.GrantStore = (*GrantStore)(nil)

type grantKey struct {
	identity, operation, resource string
}

// GrantStore is an in-memory implementation of storage.GrantStore.
type GrantStore struct {
	mu   sync.RWMutex
	data map[grantKey]storage.Grant
}

// NewGrantStore creates a new in-memory grant store.
func NewGrantStore() *GrantStore {
	return &GrantStore{data: make(map[grantKey]storage.Grant)}
}

func keyOf(g storage.Grant) grantKey {
	return grantKey{g.Identity, g.Operation, g.Resource}
}

// Put adds or replaces a grant.
func (s *GrantStore) Put(_ context.Context, g storage.Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[keyOf(g)] = g
	return nil
}

// Delete removes a grant.
func (s *GrantStore) Delete(_ context.Context, g storage.Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := keyOf(g)
	if _, ok := s.data[k]; !ok {
		return storage.ErrNotFound
	}
	delete(s.data, k)
	return nil
}

// List returns all grants ordered by identity, operation and resource.
func (s *GrantStore) List(context.Context) ([]storage.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ret := make([]storage.Grant, 0, len(s.data))
	for _, g := range s.data {
		ret = append(ret, g)
	}
	sort.Slice(ret, func(i, j int) bool {
		a, b := keyOf(ret[i]), keyOf(ret[j])
		if a.identity != b.identity {
			return a.identity < b.identity
		}
		if a.operation != b.operation {
			return a.operation < b.operation
		}
		return a.resource < b.resource
	})
	return ret, nil
}
