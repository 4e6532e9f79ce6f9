// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"hash/maphash"
	"sync"
)

const lockStripes = 128

// logLocks serializes the read-modify-write sequences of a log (head
// update, cursor move, compaction) without a lock per log name. Names
// that hash to the same stripe share a mutex.
type logLocks struct {
	seed    maphash.Seed
	stripes [lockStripes]sync.Mutex
}

func newLogLocks() *logLocks {
	return &logLocks{seed: maphash.MakeSeed()}
}

// hold locks the stripe of name and returns its unlock function.
func (l *logLocks) hold(name string) func() {
	mu := &l.stripes[maphash.String(l.seed, name)%lockStripes]
	mu.Lock()
	return mu.Unlock
}
