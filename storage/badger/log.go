// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/absmach/fluxmail/message"
	"github.com/absmach/fluxmail/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.MessageLog = (*MessageLog)(nil)

// deleteBatch bounds the keys removed by a single transaction.
const deleteBatch = 1000

// MessageLog implements storage.MessageLog using BadgerDB.
type MessageLog struct {
	db        *badger.DB
	locks     *logLocks
	threshold int
}

// NewMessageLog creates a new BadgerDB message log store.
func NewMessageLog(db *badger.DB, locks *logLocks, compressThreshold int) *MessageLog {
	return &MessageLog{db: db, locks: locks, threshold: compressThreshold}
}

// head is the persisted tail of a log.
type head struct {
	last      uint64
	createdAt time.Time
}

func readHead(txn *badger.Txn, log string) (head, error) {
	item, err := txn.Get(headKey(log))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return head{}, nil
	}
	if err != nil {
		return head{}, err
	}
	var h head
	err = item.Value(func(val []byte) error {
		if len(val) < 16 {
			return errBadRecord
		}
		h.last = decodeUint64(val[:8])
		h.createdAt = time.Unix(0, int64(decodeUint64(val[8:16]))).UTC()
		return nil
	})
	return h, err
}

func encodeHead(h head) []byte {
	buf := encodeUint64(h.last)
	return append(buf, encodeUint64(uint64(h.createdAt.UnixNano()))...)
}

// Append stores a copy of msg with the next id of the log.
func (s *MessageLog) Append(ctx context.Context, log string, msg *message.Message) (*message.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	defer s.locks.hold(log)()

	stored := msg.Clone()
	stored.Log = log
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	stored.CreatedAt = stored.CreatedAt.UTC()

	err := s.db.Update(func(txn *badger.Txn) error {
		h, err := readHead(txn, log)
		if err != nil {
			return err
		}
		stored.ID = h.last + 1
		if stored.CreatedAt.Before(h.createdAt) {
			stored.CreatedAt = h.createdAt
		}

		val, err := encodeMessage(stored, s.threshold)
		if err != nil {
			return err
		}
		if err := txn.Set(msgKey(log, stored.ID), val); err != nil {
			return err
		}
		return txn.Set(headKey(log), encodeHead(head{last: stored.ID, createdAt: stored.CreatedAt}))
	})
	if err != nil {
		return nil, wrapErr(err)
	}

	return stored, nil
}

// Get returns a stored message.
func (s *MessageLog) Get(_ context.Context, log string, id uint64) (*message.Message, error) {
	var msg *message.Message
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(msgKey(log, id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			msg, err = decodeMessage(val)
			return err
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, wrapErr(err)
	}
	return msg, nil
}

// Range returns up to limit messages after afterID.
func (s *MessageLog) Range(_ context.Context, log string, afterID uint64, limit int) ([]*message.Message, error) {
	var msgs []*message.Message
	err := s.db.View(func(txn *badger.Txn) error {
		return s.scan(txn, log, msgKey(log, afterID+1), func(m *message.Message) bool {
			msgs = append(msgs, m)
			return limit <= 0 || len(msgs) < limit
		})
	})
	return msgs, wrapErr(err)
}

// RangeFrom returns up to limit messages created at or after from.
func (s *MessageLog) RangeFrom(_ context.Context, log string, from time.Time, limit int) ([]*message.Message, error) {
	var msgs []*message.Message
	err := s.db.View(func(txn *badger.Txn) error {
		return s.scan(txn, log, msgPrefix(log), func(m *message.Message) bool {
			if m.CreatedAt.Before(from) {
				return true
			}
			msgs = append(msgs, m)
			return limit <= 0 || len(msgs) < limit
		})
	})
	return msgs, wrapErr(err)
}

// scan decodes messages of log from seek on, until fn returns false.
func (s *MessageLog) scan(txn *badger.Txn, log string, seek []byte, fn func(*message.Message) bool) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = msgPrefix(log)
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(seek); it.Valid(); it.Next() {
		var m *message.Message
		err := it.Item().Value(func(val []byte) error {
			var err error
			m, err = decodeMessage(val)
			return err
		})
		if err != nil {
			return err
		}
		if !fn(m) {
			return nil
		}
	}
	return nil
}

// Bounds returns the retained window of the log.
func (s *MessageLog) Bounds(_ context.Context, log string) (storage.Bounds, error) {
	var b storage.Bounds
	err := s.db.View(func(txn *badger.Txn) error {
		h, err := readHead(txn, log)
		if err != nil {
			return err
		}
		b.Last = h.last

		if b.Compacted, err = readUint64(txn, compactedKey(log)); err != nil {
			return err
		}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = msgPrefix(log)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if b.Count == 0 {
				b.First = msgID(it.Item().Key())
			}
			b.Count++
		}
		return nil
	})
	return b, wrapErr(err)
}

// DeleteThrough removes the prefix of the log up to and including id.
func (s *MessageLog) DeleteThrough(_ context.Context, log string, id uint64) (int, error) {
	defer s.locks.hold(log)()

	deleted := 0
	end := msgKey(log, id)
	for {
		var keys [][]byte
		err := s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = msgPrefix(log)
			opts.PrefetchValues = false
			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Rewind(); it.Valid() && len(keys) < deleteBatch; it.Next() {
				key := it.Item().KeyCopy(nil)
				if bytes.Compare(key, end) > 0 {
					break
				}
				keys = append(keys, key)
			}
			return nil
		})
		if err != nil {
			return deleted, wrapErr(err)
		}

		err = s.db.Update(func(txn *badger.Txn) error {
			for _, key := range keys {
				if err := txn.Delete(key); err != nil {
					return err
				}
			}
			if len(keys) < deleteBatch {
				return s.setCompacted(txn, log, id)
			}
			return nil
		})
		if err != nil {
			return deleted, wrapErr(err)
		}
		deleted += len(keys)

		if len(keys) < deleteBatch {
			return deleted, nil
		}
	}
}

func (s *MessageLog) setCompacted(txn *badger.Txn, log string, id uint64) error {
	h, err := readHead(txn, log)
	if err != nil {
		return err
	}
	if id > h.last {
		id = h.last
	}
	cur, err := readUint64(txn, compactedKey(log))
	if err != nil {
		return err
	}
	if id <= cur {
		return nil
	}
	return txn.Set(compactedKey(log), encodeUint64(id))
}

// Drop removes the log, its head and its compaction boundary.
func (s *MessageLog) Drop(ctx context.Context, log string) error {
	if _, err := s.DeleteThrough(ctx, log, ^uint64(0)); err != nil {
		return err
	}

	defer s.locks.hold(log)()

	return wrapErr(s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(headKey(log)); err != nil {
			return err
		}
		return txn.Delete(compactedKey(log))
	}))
}

// Logs lists all logs that ever received a message.
func (s *MessageLog) Logs(context.Context) ([]string, error) {
	var names []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixHead)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			names = append(names, string(it.Item().Key()[len(prefixHead):]))
		}
		return nil
	})
	return names, wrapErr(err)
}

func readUint64(txn *badger.Txn, key []byte) (uint64, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var v uint64
	err = item.Value(func(val []byte) error {
		v = decodeUint64(val)
		return nil
	})
	return v, err
}
