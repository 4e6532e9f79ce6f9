// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"errors"
	"sort"

	"github.com/absmach/fluxmail/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.SubscriptionStore = (*SubscriptionStore)(nil)

// SubscriptionStore implements storage.SubscriptionStore using BadgerDB.
// Every subscription has an empty index key under its target.
type SubscriptionStore struct {
	db *badger.DB
}

// NewSubscriptionStore creates a new BadgerDB subscription store.
func NewSubscriptionStore(db *badger.DB) *SubscriptionStore {
	return &SubscriptionStore{db: db}
}

func subKey(id string) []byte {
	return []byte(prefixSub + id)
}

func subIndexKey(sub storage.Subscription) []byte {
	return append(subIndexPrefix(uint8(sub.Target.Kind), sub.Target.Name), sub.ID...)
}

// Save adds or replaces a subscription.
func (s *SubscriptionStore) Save(_ context.Context, sub storage.Subscription) error {
	return wrapErr(s.db.Update(func(txn *badger.Txn) error {
		old, err := getJSON[storage.Subscription](txn, subKey(sub.ID))
		switch {
		case err == nil:
			if err := txn.Delete(subIndexKey(old)); err != nil {
				return err
			}
		case !errors.Is(err, storage.ErrNotFound):
			return err
		}
		if err := setJSON(txn, subKey(sub.ID), sub); err != nil {
			return err
		}
		return txn.Set(subIndexKey(sub), []byte{})
	}))
}

// Get returns a subscription by id.
func (s *SubscriptionStore) Get(_ context.Context, id string) (storage.Subscription, error) {
	var sub storage.Subscription
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		sub, err = getJSON[storage.Subscription](txn, subKey(id))
		return err
	})
	return sub, wrapErr(err)
}

// Delete removes a subscription and its index entry.
func (s *SubscriptionStore) Delete(_ context.Context, id string) error {
	return wrapErr(s.db.Update(func(txn *badger.Txn) error {
		sub, err := getJSON[storage.Subscription](txn, subKey(id))
		if err != nil {
			return err
		}
		if err := txn.Delete(subIndexKey(sub)); err != nil {
			return err
		}
		return txn.Delete(subKey(id))
	}))
}

// List returns all subscriptions ordered by creation time.
func (s *SubscriptionStore) List(context.Context) ([]storage.Subscription, error) {
	subs, err := listJSON[storage.Subscription](s.db, []byte(prefixSub), nil)
	if err != nil {
		return nil, err
	}
	sortSubscriptions(subs)
	return subs, nil
}

// ListByTarget returns the subscriptions of a target.
func (s *SubscriptionStore) ListByTarget(_ context.Context, target storage.Target) ([]storage.Subscription, error) {
	prefix := subIndexPrefix(uint8(target.Kind), target.Name)
	var subs []storage.Subscription
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			id := string(it.Item().Key()[len(prefix):])
			sub, err := getJSON[storage.Subscription](txn, subKey(id))
			if err != nil {
				return err
			}
			subs = append(subs, sub)
		}
		return nil
	})
	if err != nil {
		return nil, wrapErr(err)
	}
	sortSubscriptions(subs)
	return subs, nil
}

func sortSubscriptions(subs []storage.Subscription) {
	sort.Slice(subs, func(i, j int) bool {
		if subs[i].CreatedAt.Equal(subs[j].CreatedAt) {
			return subs[i].ID < subs[j].ID
		}
		return subs[i].CreatedAt.Before(subs[j].CreatedAt)
	})
}
