// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/absmach/fluxmail/storage"
)

var _ storage.SubscriptionStore = (*SubscriptionStore)(nil)

// SubscriptionStore is an in-memory implementation of storage.SubscriptionStore.
type SubscriptionStore struct {
	mu       sync.RWMutex
	data     map[string]storage.Subscription
	byTarget map[storage.Target]map[string]struct{}
}

// NewSubscriptionStore creates a new in-memory subscription store.
func NewSubscriptionStore() *SubscriptionStore {
	return &SubscriptionStore{
		data:     make(map[string]storage.Subscription),
		byTarget: make(map[storage.Target]map[string]struct{}),
	}
}

// Save adds or replaces a subscription.
func (s *SubscriptionStore) Save(_ context.Context, sub storage.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.data[sub.ID]; ok {
		s.unindex(old)
	}
	s.data[sub.ID] = sub
	ids, ok := s.byTarget[sub.Target]
	if !ok {
		ids = make(map[string]struct{})
		s.byTarget[sub.Target] = ids
	}
	ids[sub.ID] = struct{}{}
	return nil
}

// Get returns a subscription by id.
func (s *SubscriptionStore) Get(_ context.Context, id string) (storage.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.data[id]
	if !ok {
		return storage.Subscription{}, storage.ErrNotFound
	}
	return sub, nil
}

// Delete removes a subscription.
func (s *SubscriptionStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.data[id]
	if !ok {
		return storage.ErrNotFound
	}
	s.unindex(sub)
	delete(s.data, id)
	return nil
}

// List returns all subscriptions ordered by creation time.
func (s *SubscriptionStore) List(context.Context) ([]storage.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ret := make([]storage.Subscription, 0, len(s.data))
	for _, sub := range s.data {
		ret = append(ret, sub)
	}
	sortSubscriptions(ret)
	return ret, nil
}

// ListByTarget returns the subscriptions of a target.
func (s *SubscriptionStore) ListByTarget(_ context.Context, target storage.Target) ([]storage.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byTarget[target]
	ret := make([]storage.Subscription, 0, len(ids))
	for id := range ids {
		ret = append(ret, s.data[id])
	}
	sortSubscriptions(ret)
	return ret, nil
}

func (s *SubscriptionStore) unindex(sub storage.Subscription) {
	ids := s.byTarget[sub.Target]
	delete(ids, sub.ID)
	if len(ids) == 0 {
		delete(s.byTarget, sub.Target)
	}
}

func sortSubscriptions(subs []storage.Subscription) {
	sort.Slice(subs, func(i, j int) bool {
		if subs[i].CreatedAt.Equal(subs[j].CreatedAt) {
			return subs[i].ID < subs[j].ID
		}
		return subs[i].CreatedAt.Before(subs[j].CreatedAt)
	})
}
