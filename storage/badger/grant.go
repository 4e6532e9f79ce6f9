// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"errors"

	"github.com/absmach/fluxmail/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.GrantStore = (*GrantStore)(nil)

// GrantStore implements storage.GrantStore using BadgerDB.
type GrantStore struct {
	db *badger.DB
}

// NewGrantStore creates a new BadgerDB grant store.
func NewGrantStore(db *badger.DB) *GrantStore {
	return &GrantStore{db: db}
}

// Put adds or replaces a grant.
func (s *GrantStore) Put(_ context.Context, g storage.Grant) error {
	return wrapErr(s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, grantKey(g.Identity, g.Operation, g.Resource), g)
	}))
}

// Delete removes a grant.
func (s *GrantStore) Delete(_ context.Context, g storage.Grant) error {
	key := grantKey(g.Identity, g.Operation, g.Resource)
	return wrapErr(s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storage.ErrNotFound
			}
			return err
		}
		return txn.Delete(key)
	}))
}

// List returns all grants in key order.
func (s *GrantStore) List(context.Context) ([]storage.Grant, error) {
	return listJSON[storage.Grant](s.db, []byte(prefixGrant), nil)
}
