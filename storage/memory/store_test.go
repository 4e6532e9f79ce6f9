// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory_test

import (
	"context"
	"testing"

	"github.com/absmach/fluxmail/storage"
	"github.com/absmach/fluxmail/storage/memory"
	"github.com/absmach/fluxmail/storage/storagetest"
)

func TestStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		s := memory.New()
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestPingAfterClose(t *testing.T) {
	s := memory.New()
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	s.Close()
	if err := s.Ping(context.Background()); err != storage.ErrUnavailable {
		t.Errorf("Ping after close = %v, want %v", err, storage.ErrUnavailable)
	}
}
