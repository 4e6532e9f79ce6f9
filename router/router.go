// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package router validates published messages, checks the sender's
// permission, persists what must survive and hands the message to the
// delivery engine for every subscriber it resolves to.
package router

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/absmach/fluxmail/delivery"
	"github.com/absmach/fluxmail/message"
	"github.com/absmach/fluxmail/permissions"
	"github.com/absmach/fluxmail/ratelimit"
	"github.com/absmach/fluxmail/store"
	"github.com/absmach/fluxmail/subscriptions"
)

// DefaultMaxPayloadSize is the inline payload limit when none is set.
const DefaultMaxPayloadSize = 1 << 20

// Config holds router settings.
type Config struct {
	// MaxPayloadSize is the largest inline payload in bytes. Larger payloads
	// need an external reference.
	MaxPayloadSize int
}

// Authorizer decides whether an identity may perform an operation.
type Authorizer interface {
	Evaluate(identity string, op permissions.Operation, resource string) permissions.Decision
}

// Deliverer hands routed messages to subscribers.
type Deliverer interface {
	Deliver(msg *message.Message, targets []subscriptions.Subscription) []delivery.Status
}

// Result is the outcome of routing one message.
type Result struct {
	Ref message.Ref
	// MessageID is zero for a deferred persistent write; the id is assigned
	// once the store recovers.
	MessageID uint64
	Log       string
	// Targets is the number of subscriptions the message was handed to.
	Targets  int
	Durable  bool
	Deferred bool
	Statuses []delivery.Status
}

// Router is the Message Router.
type Router struct {
	cfg       Config
	store     *store.Store
	auth      Authorizer
	table     *subscriptions.Table
	topics    *subscriptions.TopicManager
	deliverer Deliverer
	limiter   *ratelimit.Manager
	logger    *slog.Logger
}

// New creates a Message Router. A nil limiter disables rate limiting.
func New(cfg Config, st *store.Store, auth Authorizer, table *subscriptions.Table, tm *subscriptions.TopicManager, d Deliverer, limiter *ratelimit.Manager, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxPayloadSize <= 0 {
		cfg.MaxPayloadSize = DefaultMaxPayloadSize
	}
	return &Router{
		cfg:       cfg,
		store:     st,
		auth:      auth,
		table:     table,
		topics:    tm,
		deliverer: d,
		limiter:   limiter,
		logger:    logger,
	}
}

// Route validates, persists and fans out a message. The caller's message is
// not modified.
func (r *Router) Route(ctx context.Context, msg *message.Message) (Result, error) {
	m := msg.Clone()
	if err := r.Validate(m); err != nil {
		return Result{}, err
	}
	if !r.limiter.AllowPublish(m.Sender) {
		return Result{}, fmt.Errorf("%w: publish rate exceeded for %s", message.ErrOverloaded, m.Sender)
	}
	enrich(m)

	log, resolve, err := r.resolve(ctx, m)
	if err != nil {
		return Result{}, err
	}
	targets := resolve()

	if !m.Options.Persistent && m.Routing.Mode != message.ModeDirect && live(targets) == 0 {
		return Result{}, fmt.Errorf("%w: %s %s", message.ErrNoSubscribers, m.Routing.Mode, m.Routing.Target)
	}

	if !m.Options.Persistent {
		var statuses []delivery.Status
		stamped := r.store.Stamp(log, m, func(eph *message.Message) {
			statuses = r.deliverer.Deliver(eph, targets)
		})
		return Result{
			Ref:       stamped.Ref(),
			MessageID: stamped.ID,
			Log:       log,
			Targets:   len(targets),
			Statuses:  statuses,
		}, nil
	}

	// The hand-off runs inside the log's sequencing point: a subscriber's
	// worker receives messages of one log in id order.
	var statuses []delivery.Status
	res, err := r.store.Append(ctx, log, m, store.AppendOptions{
		Critical: m.Critical(),
		OnCommit: func(stored *message.Message, deferred bool) {
			if deferred {
				// Deferred writes fan out to the subscribers present at commit.
				r.deliverer.Deliver(stored, resolve())
				return
			}
			statuses = r.deliverer.Deliver(stored, targets)
		},
	})
	if err != nil {
		return Result{}, err
	}
	if res.Deferred {
		r.logger.Warn("persistent message deferred",
			slog.String("log", log),
			slog.String("sender", m.Sender),
			slog.Int("pending", res.Pending))
		return Result{Ref: message.Ref{Log: log}, Log: log, Durable: true, Deferred: true}, nil
	}

	return Result{
		Ref:       res.Message.Ref(),
		MessageID: res.Message.ID,
		Log:       log,
		Targets:   len(targets),
		Durable:   true,
		Statuses:  statuses,
	}, nil
}

// resolve returns the log of the message and a function snapshotting its
// subscribers.
func (r *Router) resolve(ctx context.Context, m *message.Message) (string, func() []subscriptions.Subscription, error) {
	switch m.Routing.Mode {
	case message.ModeDirect:
		name := m.Routing.Target
		if _, err := r.store.EnsureMailbox(ctx, name); err != nil {
			return "", nil, err
		}
		target := subscriptions.MailboxTarget(name)
		return name, func() []subscriptions.Subscription { return r.table.ActiveFor(target) }, nil

	case message.ModeBroadcast:
		target := subscriptions.BroadcastTarget()
		return message.BroadcastLog, func() []subscriptions.Subscription { return r.table.ActiveFor(target) }, nil

	case message.ModeTopic:
		path, leafOnly := m.Routing.Target, m.Routing.LeafOnly
		if m.Options.Persistent {
			if _, err := r.topics.Ensure(ctx, path); err != nil {
				return "", nil, err
			}
		}
		return message.TopicLog(path), func() []subscriptions.Subscription { return r.topics.Resolve(path, leafOnly) }, nil

	default:
		return "", nil, fmt.Errorf("%w: unknown routing mode %d", message.ErrValidationFailed, m.Routing.Mode)
	}
}

func enrich(m *message.Message) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]string, 2)
	}
	m.Metadata[message.MetaSender] = m.Sender
	m.Metadata[message.MetaMode] = m.Routing.Mode.String()
}

func live(subs []subscriptions.Subscription) int {
	n := 0
	for _, s := range subs {
		if !s.Stale {
			n++
		}
	}
	return n
}
