// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"sync"

	"github.com/absmach/fluxmail/delivery"
)

// Channel delivers to an in-process subscriber through a buffered channel.
type Channel struct {
	ch     chan delivery.Delivery
	mu     sync.RWMutex
	closed bool
	done   chan struct{}
	once   sync.Once
}

// NewChannel creates a channel transport holding up to size deliveries.
func NewChannel(size int) *Channel {
	return &Channel{
		ch:   make(chan delivery.Delivery, size),
		done: make(chan struct{}),
	}
}

// Push blocks until the delivery is buffered, ctx is done or the channel
// is closed.
func (c *Channel) Push(ctx context.Context, d delivery.Delivery) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}

	select {
	case c.ch <- d:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// C returns the receive side.
func (c *Channel) C() <-chan delivery.Delivery {
	return c.ch
}

// Close stops accepting deliveries and closes the receive side.
func (c *Channel) Close() {
	c.once.Do(func() {
		// Unblock pending pushes before taking the write lock.
		close(c.done)

		c.mu.Lock()
		c.closed = true
		close(c.ch)
		c.mu.Unlock()
	})
}
