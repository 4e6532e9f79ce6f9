// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"errors"
	"fmt"

	"github.com/absmach/fluxmail/storage"
	"github.com/dgraph-io/badger/v4"
	json "github.com/goccy/go-json"
)

var (
	_ storage.MailboxStore = (*MailboxStore)(nil)
	_ storage.TopicStore   = (*TopicStore)(nil)
)

func getJSON[T any](txn *badger.Txn, key []byte) (T, error) {
	var v T
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return v, storage.ErrNotFound
	}
	if err != nil {
		return v, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &v)
	})
	return v, err
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	return txn.Set(key, data)
}

func listJSON[T any](db *badger.DB, prefix []byte, keep func(T) bool) ([]T, error) {
	var ret []T
	err := db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var v T
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &v)
			}); err != nil {
				return fmt.Errorf("failed to unmarshal record: %w", err)
			}
			if keep == nil || keep(v) {
				ret = append(ret, v)
			}
		}
		return nil
	})
	return ret, wrapErr(err)
}

// records stores JSON values under a key prefix.
type records[T any] struct {
	db     *badger.DB
	prefix string
}

func (r records[T]) key(name string) []byte {
	return []byte(r.prefix + name)
}

func (r records[T]) create(name string, v T) error {
	return wrapErr(r.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(r.key(name))
		if err == nil {
			return storage.ErrAlreadyExists
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return setJSON(txn, r.key(name), v)
	}))
}

func (r records[T]) put(name string, v T) error {
	return wrapErr(r.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, r.key(name), v)
	}))
}

func (r records[T]) get(name string) (T, error) {
	var v T
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		v, err = getJSON[T](txn, r.key(name))
		return err
	})
	return v, wrapErr(err)
}

func (r records[T]) delete(name string) error {
	return wrapErr(r.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(r.key(name)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storage.ErrNotFound
			}
			return err
		}
		return txn.Delete(r.key(name))
	}))
}

func (r records[T]) list() ([]T, error) {
	return listJSON[T](r.db, []byte(r.prefix), nil)
}

// MailboxStore implements storage.MailboxStore using BadgerDB.
type MailboxStore struct {
	recs records[storage.Mailbox]
}

// NewMailboxStore creates a new BadgerDB mailbox store.
func NewMailboxStore(db *badger.DB) *MailboxStore {
	return &MailboxStore{recs: records[storage.Mailbox]{db: db, prefix: prefixMailbox}}
}

func (s *MailboxStore) Create(_ context.Context, mb storage.Mailbox) error {
	return s.recs.create(mb.Name, mb)
}

func (s *MailboxStore) Put(_ context.Context, mb storage.Mailbox) error {
	return s.recs.put(mb.Name, mb)
}

func (s *MailboxStore) Get(_ context.Context, name string) (storage.Mailbox, error) {
	return s.recs.get(name)
}

func (s *MailboxStore) Delete(_ context.Context, name string) error {
	return s.recs.delete(name)
}

func (s *MailboxStore) List(context.Context) ([]storage.Mailbox, error) {
	return s.recs.list()
}

// TopicStore implements storage.TopicStore using BadgerDB.
type TopicStore struct {
	recs records[storage.Topic]
}

// NewTopicStore creates a new BadgerDB topic store.
func NewTopicStore(db *badger.DB) *TopicStore {
	return &TopicStore{recs: records[storage.Topic]{db: db, prefix: prefixTopic}}
}

func (s *TopicStore) Create(_ context.Context, t storage.Topic) error {
	return s.recs.create(t.Path, t)
}

func (s *TopicStore) Put(_ context.Context, t storage.Topic) error {
	return s.recs.put(t.Path, t)
}

func (s *TopicStore) Get(_ context.Context, path string) (storage.Topic, error) {
	return s.recs.get(path)
}

func (s *TopicStore) Delete(_ context.Context, path string) error {
	return s.recs.delete(path)
}

func (s *TopicStore) List(context.Context) ([]storage.Topic, error) {
	return s.recs.list()
}
