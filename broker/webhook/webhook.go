// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package webhook forwards broker events to HTTP endpoints.
package webhook

import (
	"context"
	"time"

	"github.com/absmach/fluxmail/broker/events"
)

// Notifier receives broker events. Notify must not block the broker.
type Notifier interface {
	Notify(ctx context.Context, event events.Event) error
	// Close stops the workers, waiting at most the configured shutdown timeout.
	Close() error
}

// Sender posts one encoded event envelope to an endpoint.
type Sender interface {
	Send(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error
}
