// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy bounds redelivery of a message to a subscriber.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay"`
	Jitter      bool          `json:"jitter,omitempty"`
}

// IsZero reports whether no field is set.
func (p RetryPolicy) IsZero() bool {
	return p == RetryPolicy{}
}

// Backoff returns the wait before the given retry (1-based), doubling from
// BaseDelay and capped at MaxDelay, or at the largest duration when MaxDelay
// is zero. With jitter the result is drawn from [d/2, d].
func (p RetryPolicy) Backoff(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	limit := p.MaxDelay
	if limit <= 0 {
		limit = math.MaxInt64
	}
	d := p.BaseDelay
	for i := 1; i < retry && d > 0 && d < limit; i++ {
		if d > limit/2 {
			d = limit
			break
		}
		d *= 2
	}
	d = min(d, limit)
	if p.Jitter && d > 1 {
		half := d / 2
		d = half + time.Duration(rand.Int64N(int64(d-half)+1))
	}
	return d
}
