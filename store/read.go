// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/absmach/fluxmail/message"
	"github.com/absmach/fluxmail/storage"
)

// compactScanBatch bounds the messages loaded per step while searching for
// the compaction boundary.
const compactScanBatch = 500

// Get returns a stored message.
func (s *Store) Get(ctx context.Context, log string, id uint64) (*message.Message, error) {
	return s.backend.Messages().Get(ctx, log, id)
}

// Bounds returns the retained window of a log.
func (s *Store) Bounds(ctx context.Context, log string) (storage.Bounds, error) {
	return s.backend.Messages().Bounds(ctx, log)
}

// Logs lists every log known to the backend.
func (s *Store) Logs(ctx context.Context) ([]string, error) {
	return s.backend.Messages().Logs(ctx)
}

// ReadRange returns up to limit messages after the last seen id fromID.
// A zero fromID starts at the earliest retained message; a non-zero fromID
// below the compaction boundary fails with *message.CursorExpiredError.
func (s *Store) ReadRange(ctx context.Context, log string, fromID uint64, limit int) ([]*message.Message, error) {
	b, err := s.backend.Messages().Bounds(ctx, log)
	if err != nil {
		return nil, fmt.Errorf("failed to read bounds of %s: %w", log, err)
	}
	if fromID == 0 {
		fromID = b.Compacted
	}
	if fromID < b.Compacted {
		return nil, &message.CursorExpiredError{Log: log, Cursor: fromID, Earliest: b.Compacted + 1}
	}
	return s.backend.Messages().Range(ctx, log, fromID, limit)
}

// ReadFrom returns up to limit messages created at or after from.
func (s *Store) ReadFrom(ctx context.Context, log string, from time.Time, limit int) ([]*message.Message, error) {
	return s.backend.Messages().RangeFrom(ctx, log, from, limit)
}

// ReadMark returns the last id subscriber has read on log.
func (s *Store) ReadMark(ctx context.Context, log, subscriber string) (uint64, error) {
	return s.backend.Cursors().Get(ctx, log, subscriber)
}

// MarkRead advances the read mark of subscriber on log to upTo. The mark is
// advisory: it never hides messages from explicit range reads.
func (s *Store) MarkRead(ctx context.Context, log, subscriber string, upTo uint64) (uint64, error) {
	return s.backend.Cursors().Advance(ctx, log, subscriber, upTo)
}

// Requeue makes id and every later message of log unread again for
// subscriber.
func (s *Store) Requeue(ctx context.Context, log, subscriber string, id uint64) error {
	if id == 0 {
		return nil
	}
	return s.backend.Cursors().Rewind(ctx, log, subscriber, id-1)
}

// Compact removes the prefix of log created before cutoff. With a non-nil
// holders list the boundary also stops at the first message that a holder
// has not read yet.
func (s *Store) Compact(ctx context.Context, log string, cutoff time.Time, holders []string) (int, error) {
	b, err := s.backend.Messages().Bounds(ctx, log)
	if err != nil {
		return 0, err
	}
	if b.Count == 0 {
		return 0, nil
	}

	limit := b.Last
	if holders != nil {
		cursors, err := s.backend.Cursors().List(ctx, log)
		if err != nil {
			return 0, err
		}
		for _, h := range holders {
			limit = min(limit, cursors[h])
		}
	}

	var boundary uint64
	after := b.First - 1
scan:
	for {
		msgs, err := s.backend.Messages().Range(ctx, log, after, compactScanBatch)
		if err != nil {
			return 0, err
		}
		if len(msgs) == 0 {
			break
		}
		for _, m := range msgs {
			if m.ID > limit || !m.CreatedAt.Before(cutoff) {
				break scan
			}
			boundary = m.ID
		}
		after = msgs[len(msgs)-1].ID
	}

	if boundary == 0 {
		return 0, nil
	}
	return s.backend.Messages().DeleteThrough(ctx, log, boundary)
}

// DropLog removes a log together with its read marks.
func (s *Store) DropLog(ctx context.Context, log string) error {
	if err := s.backend.Messages().Drop(ctx, log); err != nil {
		return fmt.Errorf("failed to drop log %s: %w", log, err)
	}
	if err := s.backend.Cursors().DropLog(ctx, log); err != nil {
		return fmt.Errorf("failed to drop cursors of %s: %w", log, err)
	}
	return nil
}
