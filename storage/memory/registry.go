// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/absmach/fluxmail/storage"
)

var (
	_ storage.MailboxStore = (*MailboxStore)(nil)
	_ storage.TopicStore   = (*TopicStore)(nil)
)

// registry is a keyed set of records guarded by a single lock.
type registry[T any] struct {
	mu   sync.RWMutex
	data map[string]T
}

func newRegistry[T any]() registry[T] {
	return registry[T]{data: make(map[string]T)}
}

func (r *registry[T]) create(key string, v T) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.data[key]; ok {
		return storage.ErrAlreadyExists
	}
	r.data[key] = v
	return nil
}

func (r *registry[T]) put(key string, v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data[key] = v
}

func (r *registry[T]) get(key string) (T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.data[key]
	if !ok {
		var zero T
		return zero, storage.ErrNotFound
	}
	return v, nil
}

func (r *registry[T]) delete(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.data[key]; !ok {
		return storage.ErrNotFound
	}
	delete(r.data, key)
	return nil
}

func (r *registry[T]) list() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.data))
	for k := range r.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ret := make([]T, 0, len(keys))
	for _, k := range keys {
		ret = append(ret, r.data[k])
	}
	return ret
}

// MailboxStore is an in-memory implementation of storage.MailboxStore.
type MailboxStore struct {
	reg registry[storage.Mailbox]
}

// NewMailboxStore creates a new in-memory mailbox store.
func NewMailboxStore() *MailboxStore {
	return &MailboxStore{reg: newRegistry[storage.Mailbox]()}
}

func (s *MailboxStore) Create(_ context.Context, mb storage.Mailbox) error {
	return s.reg.create(mb.Name, copyMailbox(mb))
}

func (s *MailboxStore) Put(_ context.Context, mb storage.Mailbox) error {
	s.reg.put(mb.Name, copyMailbox(mb))
	return nil
}

func (s *MailboxStore) Get(_ context.Context, name string) (storage.Mailbox, error) {
	mb, err := s.reg.get(name)
	return copyMailbox(mb), err
}

func (s *MailboxStore) Delete(_ context.Context, name string) error {
	return s.reg.delete(name)
}

func (s *MailboxStore) List(context.Context) ([]storage.Mailbox, error) {
	list := s.reg.list()
	for i := range list {
		list[i] = copyMailbox(list[i])
	}
	return list, nil
}

func copyMailbox(mb storage.Mailbox) storage.Mailbox {
	mb.Readers = slices.Clone(mb.Readers)
	mb.Writers = slices.Clone(mb.Writers)
	return mb
}

// TopicStore is an in-memory implementation of storage.TopicStore.
type TopicStore struct {
	reg registry[storage.Topic]
}

// NewTopicStore creates a new in-memory topic store.
func NewTopicStore() *TopicStore {
	return &TopicStore{reg: newRegistry[storage.Topic]()}
}

func (s *TopicStore) Create(_ context.Context, t storage.Topic) error {
	return s.reg.create(t.Path, t)
}

func (s *TopicStore) Put(_ context.Context, t storage.Topic) error {
	s.reg.put(t.Path, t)
	return nil
}

func (s *TopicStore) Get(_ context.Context, path string) (storage.Topic, error) {
	return s.reg.get(path)
}

func (s *TopicStore) Delete(_ context.Context, path string) error {
	return s.reg.delete(path)
}

func (s *TopicStore) List(context.Context) ([]storage.Topic, error) {
	return s.reg.list(), nil
}
