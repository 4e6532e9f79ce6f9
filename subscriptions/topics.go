// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/absmach/fluxmail/message"
	"github.com/absmach/fluxmail/storage"
	"github.com/absmach/fluxmail/topics"
)

// TopicManager keeps the registry of known topics. A topic is known once it
// is created explicitly or receives its first persistent message.
type TopicManager struct {
	store  storage.TopicStore
	table  *Table
	logger *slog.Logger
	clock  func() time.Time

	mu     sync.RWMutex
	topics map[string]storage.Topic
}

// NewTopicManager creates a topic registry persisted to store that resolves
// subscribers through table.
func NewTopicManager(store storage.TopicStore, table *Table, logger *slog.Logger) *TopicManager {
	if logger == nil {
		logger = slog.Default()
	}
	clock := time.Now
	if table != nil {
		clock = table.clock
	}
	return &TopicManager{
		store:  store,
		table:  table,
		logger: logger,
		clock:  clock,
		topics: make(map[string]storage.Topic),
	}
}

// Load restores the persisted topic registry.
func (m *TopicManager) Load(ctx context.Context) error {
	list, err := m.store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load topics: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range list {
		m.topics[t.Path] = t
	}
	return nil
}

// Create registers a topic.
func (m *TopicManager) Create(ctx context.Context, t storage.Topic) (storage.Topic, error) {
	if err := topics.ValidatePath(t.Path); err != nil {
		return storage.Topic{}, err
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = m.clock()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.topics[t.Path]; ok {
		return storage.Topic{}, fmt.Errorf("topic %s: %w", t.Path, storage.ErrAlreadyExists)
	}
	if err := m.store.Create(ctx, t); err != nil {
		return storage.Topic{}, fmt.Errorf("failed to create topic %s: %w", t.Path, err)
	}
	m.topics[t.Path] = t
	return t, nil
}

// Ensure registers the topic on first use and reports whether it was
// created.
func (m *TopicManager) Ensure(ctx context.Context, path string) (bool, error) {
	if m.Exists(path) {
		return false, nil
	}
	_, err := m.Create(ctx, storage.Topic{Path: path})
	switch {
	case err == nil:
		m.logger.Info("topic created on first publish", slog.String("topic", path))
		return true, nil
	case errors.Is(err, storage.ErrAlreadyExists):
		m.mu.Lock()
		if _, ok := m.topics[path]; !ok {
			if t, gerr := m.store.Get(ctx, path); gerr == nil {
				m.topics[path] = t
			}
		}
		m.mu.Unlock()
		return false, nil
	default:
		return false, err
	}
}

// Exists reports whether the topic is known.
func (m *TopicManager) Exists(path string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.topics[path]
	return ok
}

// Get returns a known topic.
func (m *TopicManager) Get(path string) (storage.Topic, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.topics[path]
	return t, ok
}

// Update changes the settings of a known topic.
func (m *TopicManager) Update(ctx context.Context, path string, update func(*storage.Topic)) (storage.Topic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.topics[path]
	if !ok {
		return storage.Topic{}, ErrTopicNotFound
	}
	update(&t)
	t.Path = path
	if err := m.store.Put(ctx, t); err != nil {
		return storage.Topic{}, fmt.Errorf("failed to update topic %s: %w", path, err)
	}
	m.topics[path] = t
	return t, nil
}

// Delete unregisters a topic. The caller drops its log.
func (m *TopicManager) Delete(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.topics[path]; !ok {
		return ErrTopicNotFound
	}
	if err := m.store.Delete(ctx, path); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to delete topic %s: %w", path, err)
	}
	delete(m.topics, path)
	return nil
}

// List returns the known topics ordered by path.
func (m *TopicManager) List() []storage.Topic {
	m.mu.RLock()
	ret := make([]storage.Topic, 0, len(m.topics))
	for _, t := range m.topics {
		ret = append(ret, t)
	}
	m.mu.RUnlock()

	sort.Slice(ret, func(i, j int) bool { return ret[i].Path < ret[j].Path })
	return ret
}

// Logs returns the logs of known topics a subscriber on pattern reads from,
// ordered by topic path. Leaf-only filtering is per message and left to the
// reader.
func (m *TopicManager) Logs(pattern string) []string {
	var ret []string
	for _, t := range m.List() {
		if topics.Receives(pattern, t.Path, false) {
			ret = append(ret, message.TopicLog(t.Path))
		}
	}
	return ret
}

// Resolve returns the subscriptions receiving a message published to path.
func (m *TopicManager) Resolve(path string, leafOnly bool) []Subscription {
	if m.table == nil {
		return nil
	}
	return m.table.MatchTopic(path, leafOnly)
}
