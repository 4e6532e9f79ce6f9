// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package reader serves offline reads: subscribers poll what they missed
// from the stored logs, resuming from an opaque cursor or from their read
// marks.
package reader

import (
	"context"
	"errors"
	"log/slog"

	"github.com/absmach/fluxmail/message"
	"github.com/absmach/fluxmail/store"
	"github.com/absmach/fluxmail/storage"
	"github.com/absmach/fluxmail/subscriptions"
	"github.com/absmach/fluxmail/topics"
)

// Config holds reader settings.
type Config struct {
	DefaultLimit int
	MaxLimit     int
}

// DefaultConfig returns the default reader settings.
func DefaultConfig() Config {
	return Config{DefaultLimit: 100, MaxLimit: 1000}
}

// Page is one poll result.
type Page struct {
	Messages   []*message.Message
	NextCursor string
	HasMore    bool
}

// Reader is the offline reader.
type Reader struct {
	cfg    Config
	store  *store.Store
	topics *subscriptions.TopicManager
	logger *slog.Logger
}

// New creates a reader over the Message Store.
func New(cfg Config, st *store.Store, tm *subscriptions.TopicManager, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = def.DefaultLimit
	}
	if cfg.MaxLimit < cfg.DefaultLimit {
		cfg.MaxLimit = max(def.MaxLimit, cfg.DefaultLimit)
	}
	return &Reader{cfg: cfg, store: st, topics: tm, logger: logger}
}

// Logs returns the logs a subscription reads from.
func (r *Reader) Logs(sub subscriptions.Subscription) []string {
	if sub.Target.Kind == storage.KindTopic {
		return r.topics.Logs(sub.Target.Name)
	}
	return sub.Logs()
}

func (r *Reader) limit(sub subscriptions.Subscription, limit int) int {
	if limit <= 0 {
		limit = r.cfg.DefaultLimit
		if sub.Mode == storage.DeliveryBatch && sub.BatchSize > 0 {
			limit = sub.BatchSize
		}
	}
	return min(limit, r.cfg.MaxLimit)
}

// Poll returns the next messages of a subscription ordered by creation
// time. An empty cursor resumes from the subscriber's read marks; an
// explicit cursor below a compaction boundary fails with
// *message.CursorExpiredError. Auto-ack subscriptions have their read marks
// advanced to the returned cursor.
func (r *Reader) Poll(ctx context.Context, sub subscriptions.Subscription, cursor string, limit int, filter Filter) (Page, error) {
	explicit, err := ParseCursor(cursor)
	if err != nil {
		return Page{}, err
	}
	limit = r.limit(sub, limit)

	logs := r.Logs(sub)
	pos := make(Cursor, len(logs))
	for _, log := range logs {
		if explicit != nil {
			pos[log] = explicit[log]
			continue
		}
		mark, err := r.store.ReadMark(ctx, log, sub.Identity)
		if err != nil {
			return Page{}, err
		}
		pos[log] = mark
	}

	keep := func(m *message.Message) bool {
		if sub.Target.Kind == storage.KindTopic {
			path, _ := message.TopicPath(m.Log)
			if !topics.Receives(sub.Target.Name, path, m.Routing.LeafOnly) {
				return false
			}
		}
		return filter.Match(m)
	}

	msgs, more, err := r.merge(ctx, pos, limit, explicit != nil, keep)
	if err != nil {
		return Page{}, err
	}

	if sub.AutoAck {
		if err := r.commit(ctx, sub.Identity, pos); err != nil {
			return Page{}, err
		}
	}
	return Page{Messages: msgs, NextCursor: pos.Encode(), HasMore: more}, nil
}

// Commit advances the read marks of identity to an issued cursor.
func (r *Reader) Commit(ctx context.Context, identity, cursor string) error {
	c, err := ParseCursor(cursor)
	if err != nil {
		return err
	}
	return r.commit(ctx, identity, c)
}

func (r *Reader) commit(ctx context.Context, identity string, c Cursor) error {
	for log, id := range c {
		if id == 0 {
			continue
		}
		if _, err := r.store.MarkRead(ctx, log, identity, id); err != nil {
			return err
		}
	}
	return nil
}

// History reads one log from fromID regardless of read marks.
func (r *Reader) History(ctx context.Context, log string, fromID uint64, limit int, filter Filter) (Page, error) {
	if limit <= 0 {
		limit = r.cfg.DefaultLimit
	}
	limit = min(limit, r.cfg.MaxLimit)

	pos := Cursor{log: fromID}
	msgs, more, err := r.merge(ctx, pos, limit, true, filter.Match)
	if err != nil {
		return Page{}, err
	}
	return Page{Messages: msgs, NextCursor: pos.Encode(), HasMore: more}, nil
}

type source struct {
	log  string
	buf  []*message.Message
	done bool
}

// merge reads the logs in pos from their positions and merges them by
// (CreatedAt, log, id) until limit messages pass keep. pos is advanced past
// every consumed message, kept or not.
func (r *Reader) merge(ctx context.Context, pos Cursor, limit int, strict bool, keep func(*message.Message) bool) ([]*message.Message, bool, error) {
	now := r.store.Now()
	batch := limit + 1

	sources := make([]*source, 0, len(pos))
	for log := range pos {
		sources = append(sources, &source{log: log})
	}

	fill := func(s *source) error {
		if s.done || len(s.buf) > 0 {
			return nil
		}
		msgs, err := r.store.ReadRange(ctx, s.log, pos[s.log], batch)
		var expired *message.CursorExpiredError
		if errors.As(err, &expired) && !strict {
			r.logger.Debug("read mark behind compaction, resuming at earliest",
				slog.String("log", s.log),
				slog.Uint64("mark", pos[s.log]),
				slog.Uint64("earliest", expired.Earliest))
			pos[s.log] = expired.Earliest - 1
			msgs, err = r.store.ReadRange(ctx, s.log, pos[s.log], batch)
		}
		if err != nil {
			return err
		}
		s.buf = msgs
		s.done = len(msgs) < batch
		return nil
	}

	var out []*message.Message
	for {
		var next *source
		for _, s := range sources {
			if err := fill(s); err != nil {
				return nil, false, err
			}
			if len(s.buf) == 0 {
				continue
			}
			if next == nil || before(s.buf[0], next.buf[0]) {
				next = s
			}
		}
		if next == nil {
			return out, false, nil
		}
		if len(out) == limit {
			return out, true, nil
		}

		m := next.buf[0]
		next.buf = next.buf[1:]
		pos[next.log] = m.ID
		if m.Expired(now) || !keep(m) {
			continue
		}
		out = append(out, m)
	}
}

func before(a, b *message.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	if a.Log != b.Log {
		return a.Log < b.Log
	}
	return a.ID < b.ID
}

// Lag returns how many stored messages of a subscription are unread.
func (r *Reader) Lag(ctx context.Context, sub subscriptions.Subscription) (uint64, error) {
	var lag uint64
	for _, log := range r.Logs(sub) {
		b, err := r.store.Bounds(ctx, log)
		if err != nil {
			return 0, err
		}
		mark, err := r.store.ReadMark(ctx, log, sub.Identity)
		if err != nil {
			return 0, err
		}
		if b.Last > mark {
			lag += b.Last - max(mark, b.Compacted)
		}
	}
	return lag, nil
}
