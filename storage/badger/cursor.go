// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"

	"github.com/absmach/fluxmail/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.CursorStore = (*CursorStore)(nil)

// CursorStore implements storage.CursorStore using BadgerDB.
type CursorStore struct {
	db    *badger.DB
	locks *logLocks
}

// NewCursorStore creates a new BadgerDB cursor store.
func NewCursorStore(db *badger.DB, locks *logLocks) *CursorStore {
	return &CursorStore{db: db, locks: locks}
}

// Get returns the cursor of subscriber on log.
func (s *CursorStore) Get(_ context.Context, log, subscriber string) (uint64, error) {
	var cur uint64
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		cur, err = readUint64(txn, cursorKey(log, subscriber))
		return err
	})
	return cur, wrapErr(err)
}

// Advance moves the cursor forward.
func (s *CursorStore) Advance(_ context.Context, log, subscriber string, id uint64) (uint64, error) {
	key := cursorKey(log, subscriber)
	defer s.locks.hold(string(key))()

	var cur uint64
	err := s.db.Update(func(txn *badger.Txn) error {
		var err error
		if cur, err = readUint64(txn, key); err != nil {
			return err
		}
		if id <= cur {
			return nil
		}
		cur = id
		return txn.Set(key, encodeUint64(id))
	})
	return cur, wrapErr(err)
}

// Rewind moves the cursor back.
func (s *CursorStore) Rewind(_ context.Context, log, subscriber string, id uint64) error {
	key := cursorKey(log, subscriber)
	defer s.locks.hold(string(key))()

	return wrapErr(s.db.Update(func(txn *badger.Txn) error {
		cur, err := readUint64(txn, key)
		if err != nil || id >= cur {
			return err
		}
		return txn.Set(key, encodeUint64(id))
	}))
}

// List returns all cursors on the log.
func (s *CursorStore) List(_ context.Context, log string) (map[string]uint64, error) {
	prefix := cursorPrefix(log)
	ret := make(map[string]uint64)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			sub := string(item.Key()[len(prefix):])
			if err := item.Value(func(val []byte) error {
				ret[sub] = decodeUint64(val)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	return ret, wrapErr(err)
}

// DropLog removes all cursors of the log.
func (s *CursorStore) DropLog(_ context.Context, log string) error {
	return wrapErr(deletePrefix(s.db, cursorPrefix(log)))
}

// deletePrefix removes every key with the prefix in bounded batches.
func deletePrefix(db *badger.DB, prefix []byte) error {
	for {
		var keys [][]byte
		err := db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = prefix
			opts.PrefetchValues = false
			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Rewind(); it.Valid() && len(keys) < deleteBatch; it.Next() {
				keys = append(keys, it.Item().KeyCopy(nil))
			}
			return nil
		})
		if err != nil || len(keys) == 0 {
			return err
		}
		err = db.Update(func(txn *badger.Txn) error {
			for _, key := range keys {
				if err := txn.Delete(key); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil || len(keys) < deleteBatch {
			return err
		}
	}
}
