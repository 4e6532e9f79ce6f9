// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"sort"

	"github.com/absmach/fluxmail/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.DeadLetterStore = (*DeadLetterStore)(nil)

// DeadLetterStore implements storage.DeadLetterStore using BadgerDB.
type DeadLetterStore struct {
	recs records[storage.DeadLetter]
}

// NewDeadLetterStore creates a new BadgerDB dead-letter store.
func NewDeadLetterStore(db *badger.DB) *DeadLetterStore {
	return &DeadLetterStore{recs: records[storage.DeadLetter]{db: db, prefix: prefixDeadLetter}}
}

func (s *DeadLetterStore) Put(_ context.Context, dl storage.DeadLetter) error {
	return s.recs.put(dl.ID, dl)
}

func (s *DeadLetterStore) Get(_ context.Context, id string) (storage.DeadLetter, error) {
	return s.recs.get(id)
}

func (s *DeadLetterStore) List(_ context.Context, subscriptionID string, limit int) ([]storage.DeadLetter, error) {
	list, err := listJSON(s.recs.db, []byte(prefixDeadLetter), func(dl storage.DeadLetter) bool {
		return subscriptionID == "" || dl.SubscriptionID == subscriptionID
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].DeadLetteredAt.Equal(list[j].DeadLetteredAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].DeadLetteredAt.Before(list[j].DeadLetteredAt)
	})
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (s *DeadLetterStore) Delete(_ context.Context, id string) error {
	return s.recs.delete(id)
}

// Count scans the dead-letter keys.
func (s *DeadLetterStore) Count(context.Context) (int, error) {
	n := 0
	err := s.recs.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixDeadLetter)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, wrapErr(err)
}
