// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"

	"github.com/absmach/fluxmail/message"
	"github.com/absmach/fluxmail/permissions"
	"github.com/absmach/fluxmail/storage"
)

var _ permissions.ACLSource = (*Store)(nil)

// ErrMailboxNotFound is returned for operations on unknown mailboxes.
var ErrMailboxNotFound = errors.New("mailbox not found")

func (s *Store) loadMailboxes(ctx context.Context) error {
	list, err := s.backend.Mailboxes().List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load mailboxes: %w", err)
	}

	s.mbMu.Lock()
	defer s.mbMu.Unlock()
	for _, mb := range list {
		s.mailboxes[mb.Name] = mb
	}
	return nil
}

// EnsureMailbox creates the mailbox on first use and reports whether it was
// created. When the backend is unavailable the mailbox is registered in
// memory and persisted by the flusher.
func (s *Store) EnsureMailbox(ctx context.Context, name string) (bool, error) {
	if err := message.ValidateMailboxName(name); err != nil {
		return false, err
	}

	s.mbMu.RLock()
	_, ok := s.mailboxes[name]
	s.mbMu.RUnlock()
	if ok {
		return false, nil
	}

	// The identity a mailbox is named after owns it.
	mb := storage.Mailbox{Name: name, Owner: name, CreatedAt: s.clock(), AutoCreated: true}
	err := s.backend.Mailboxes().Create(ctx, mb)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrAlreadyExists):
		if mb, err = s.backend.Mailboxes().Get(ctx, name); err != nil {
			return false, err
		}
		s.cacheMailbox(mb)
		return false, nil
	case errors.Is(err, storage.ErrUnavailable):
		s.mbMu.Lock()
		s.pendingMailboxes[name] = struct{}{}
		s.mbMu.Unlock()
		s.signal()
	default:
		return false, fmt.Errorf("failed to create mailbox %s: %w", name, err)
	}

	s.cacheMailbox(mb)
	s.logger.Info("mailbox created on first delivery", slog.String("mailbox", name))
	if s.onMailbox != nil {
		s.onMailbox(mb)
	}
	return true, nil
}

// CreateMailbox registers a mailbox explicitly.
func (s *Store) CreateMailbox(ctx context.Context, mb storage.Mailbox) (storage.Mailbox, error) {
	if err := message.ValidateMailboxName(mb.Name); err != nil {
		return storage.Mailbox{}, err
	}
	if mb.CreatedAt.IsZero() {
		mb.CreatedAt = s.clock()
	}
	mb.AutoCreated = false
	if err := s.backend.Mailboxes().Create(ctx, mb); err != nil {
		return storage.Mailbox{}, fmt.Errorf("failed to create mailbox %s: %w", mb.Name, err)
	}
	s.cacheMailbox(mb)
	return mb, nil
}

// UpdateMailbox replaces the mutable settings of an existing mailbox.
func (s *Store) UpdateMailbox(ctx context.Context, name string, update func(*storage.Mailbox)) (storage.Mailbox, error) {
	s.mbMu.Lock()
	defer s.mbMu.Unlock()

	mb, ok := s.mailboxes[name]
	if !ok {
		return storage.Mailbox{}, ErrMailboxNotFound
	}
	mb.Readers = slices.Clone(mb.Readers)
	mb.Writers = slices.Clone(mb.Writers)
	update(&mb)
	mb.Name = name
	if err := s.backend.Mailboxes().Put(ctx, mb); err != nil {
		return storage.Mailbox{}, fmt.Errorf("failed to update mailbox %s: %w", name, err)
	}
	s.mailboxes[name] = mb
	return mb, nil
}

// SetHold turns the retention hold of a mailbox on or off.
func (s *Store) SetHold(ctx context.Context, name string, hold bool) error {
	_, err := s.UpdateMailbox(ctx, name, func(mb *storage.Mailbox) {
		mb.Hold = hold
	})
	return err
}

// SetRetention sets the retention window of a mailbox. Zero restores the
// default window.
func (s *Store) SetRetention(ctx context.Context, name string, window time.Duration) error {
	_, err := s.UpdateMailbox(ctx, name, func(mb *storage.Mailbox) {
		mb.Retention = window
	})
	return err
}

// DeleteMailbox removes a mailbox together with its log and read cursors.
// Mailboxes are never deleted implicitly.
func (s *Store) DeleteMailbox(ctx context.Context, name string) error {
	s.mbMu.Lock()
	_, ok := s.mailboxes[name]
	delete(s.mailboxes, name)
	delete(s.pendingMailboxes, name)
	s.mbMu.Unlock()
	if !ok {
		return ErrMailboxNotFound
	}

	s.mu.Lock()
	if n := len(s.pending[name]); n > 0 {
		s.pendingTotal.Add(-int64(n))
	}
	delete(s.pending, name)
	s.mu.Unlock()

	if err := s.backend.Mailboxes().Delete(ctx, name); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to delete mailbox %s: %w", name, err)
	}
	if err := s.backend.Messages().Drop(ctx, name); err != nil {
		return fmt.Errorf("failed to drop log of mailbox %s: %w", name, err)
	}
	if err := s.backend.Cursors().DropLog(ctx, name); err != nil {
		return fmt.Errorf("failed to drop cursors of mailbox %s: %w", name, err)
	}
	return nil
}

// Mailbox returns a registered mailbox.
func (s *Store) Mailbox(name string) (storage.Mailbox, bool) {
	s.mbMu.RLock()
	defer s.mbMu.RUnlock()

	mb, ok := s.mailboxes[name]
	return mb, ok
}

// Mailboxes lists registered mailboxes by name.
func (s *Store) Mailboxes() []storage.Mailbox {
	s.mbMu.RLock()
	ret := make([]storage.Mailbox, 0, len(s.mailboxes))
	for _, mb := range s.mailboxes {
		ret = append(ret, mb)
	}
	s.mbMu.RUnlock()

	sort.Slice(ret, func(i, j int) bool { return ret[i].Name < ret[j].Name })
	return ret
}

// MailboxACL implements permissions.ACLSource.
func (s *Store) MailboxACL(name string) (permissions.ACL, bool) {
	mb, ok := s.Mailbox(name)
	if !ok {
		// Until it exists, a mailbox belongs to the identity of the same
		// name, as it will once created on first delivery.
		return permissions.ACL{Owner: name}, true
	}
	return permissions.ACL{Owner: mb.Owner, Readers: mb.Readers, Writers: mb.Writers}, true
}

func (s *Store) cacheMailbox(mb storage.Mailbox) {
	s.mbMu.Lock()
	defer s.mbMu.Unlock()
	s.mailboxes[mb.Name] = mb
}

// flushMailboxes persists mailboxes created while the backend was down.
func (s *Store) flushMailboxes() bool {
	s.mbMu.RLock()
	names := make([]string, 0, len(s.pendingMailboxes))
	for name := range s.pendingMailboxes {
		names = append(names, name)
	}
	s.mbMu.RUnlock()

	for _, name := range names {
		mb, ok := s.Mailbox(name)
		if !ok {
			continue
		}
		err := s.backend.Mailboxes().Create(context.Background(), mb)
		if err != nil && !errors.Is(err, storage.ErrAlreadyExists) {
			if errors.Is(err, storage.ErrUnavailable) {
				return false
			}
			s.logger.Error("failed to persist mailbox", slog.String("mailbox", name), slog.Any("error", err))
		}
		s.mbMu.Lock()
		delete(s.pendingMailboxes, name)
		s.mbMu.Unlock()
	}
	return true
}
