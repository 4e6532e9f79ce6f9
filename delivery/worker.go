// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxmail/message"
	"github.com/absmach/fluxmail/subscriptions"
	"github.com/sony/gobreaker"
)

type task struct {
	sub        subscriptions.Subscription
	msg        *message.Message
	receipt    *Receipt
	queuedAt   time.Time
	redelivery bool
}

// worker pushes the deliveries of one subscription in order.
type worker struct {
	engine    *Engine
	sub       subscriptions.Subscription
	transport Transport
	breaker   *gobreaker.CircuitBreaker

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	closed bool
	queue  chan *task
}

func newWorker(e *Engine, sub subscriptions.Subscription, t Transport) *worker {
	ctx, cancel := context.WithCancel(context.Background())
	size := sub.QueueSize
	if size <= 0 {
		size = subscriptions.DefaultConfig().DefaultQueueSize
	}

	threshold := e.cfg.BreakerThreshold
	logger := e.logger
	w := &worker{
		engine:    e,
		sub:       sub,
		transport: t,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		queue:     make(chan *task, size),
	}
	w.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        sub.ID,
		MaxRequests: 1,
		Timeout:     e.cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, errAttemptCanceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("subscriber circuit breaker state changed",
				slog.String("subscription", name),
				slog.String("identity", sub.Identity),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	return w
}

func (w *worker) start() {
	go w.run()
}

// stop cancels the in-flight push and waits for the queue to be drained.
func (w *worker) stop() {
	w.cancel()
	<-w.done
}

func (w *worker) open() bool {
	return w.breaker.State() == gobreaker.StateOpen
}

func (w *worker) enqueue(t *task) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return false
	}
	select {
	case w.queue <- t:
		return true
	default:
		return false
	}
}

func (w *worker) run() {
	defer close(w.done)

	for {
		select {
		case <-w.ctx.Done():
			w.drain()
			return
		case t := <-w.queue:
			w.process(t)
		}
	}
}

// drain closes the worker and sends everything still queued to the store.
func (w *worker) drain() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	for {
		select {
		case t := <-w.queue:
			w.engine.storeOnly(t.sub, t.msg, t.receipt, 0)
		default:
			return
		}
	}
}

// process runs the retry state machine of one delivery.
func (w *worker) process(t *task) {
	e := w.engine
	policy := e.retryPolicy(t.msg)
	ackReq := ackRequired(t.sub, t.msg)
	first := e.clock()

	for attempt := 1; ; attempt++ {
		if t.msg.Expired(e.clock()) {
			t.receipt.resolve(Outcome{State: StateExpired, Attempts: attempt - 1})
			return
		}

		err := w.attempt(t, attempt, ackReq)
		switch {
		case err == nil:
			e.observer.Delivered(t.sub.Identity, e.clock().Sub(t.queuedAt))
			if ackReq {
				e.awaitAck(t, attempt)
				return
			}
			e.advance(t.sub, t.msg)
			t.receipt.resolve(Outcome{State: StateDelivered, Attempts: attempt})
			return

		case errors.Is(err, errAttemptCanceled):
			e.storeOnly(t.sub, t.msg, t.receipt, attempt-1)
			return

		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			e.storeOnly(t.sub, t.msg, t.receipt, attempt-1)
			return
		}

		if attempt >= policy.MaxAttempts {
			e.deadLetter(t.sub, t.msg, err.Error(), attempt, first)
			t.receipt.resolve(Outcome{State: StateDeadLettered, Attempts: attempt, Err: fmt.Errorf("%w: %w", message.ErrDeliveryExhausted, err)})
			return
		}

		e.observer.Retried(t.sub.Identity, attempt)
		delay := policy.Backoff(attempt)
		e.logger.Debug("delivery attempt failed, retrying",
			slog.String("subscription", t.sub.ID),
			slog.String("message", t.msg.Ref().String()),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.Any("error", err))

		timer := time.NewTimer(delay)
		select {
		case <-w.ctx.Done():
			timer.Stop()
			e.storeOnly(t.sub, t.msg, t.receipt, attempt)
			return
		case <-timer.C:
		}
	}
}

// attempt performs one push bounded by the attempt timeout. A timeout is
// reported like any other transport failure.
func (w *worker) attempt(t *task, n int, ackReq bool) error {
	if w.ctx.Err() != nil {
		return errAttemptCanceled
	}

	ctx, cancel := context.WithTimeout(w.ctx, w.engine.cfg.AttemptTimeout)
	defer cancel()

	d := Delivery{
		SubscriptionID: t.sub.ID,
		Identity:       t.sub.Identity,
		Message:        t.msg,
		Attempt:        n,
		Redelivery:     t.redelivery,
		AckRequired:    ackReq,
	}
	_, err := w.breaker.Execute(func() (interface{}, error) {
		err := w.transport.Push(ctx, d)
		switch {
		case err == nil:
			return nil, nil
		case w.ctx.Err() != nil:
			return nil, errAttemptCanceled
		case errors.Is(err, context.DeadlineExceeded):
			return nil, fmt.Errorf("%w: push timed out after %s", message.ErrTransportUnavailable, w.engine.cfg.AttemptTimeout)
		default:
			return nil, fmt.Errorf("%w: %w", message.ErrTransportUnavailable, err)
		}
	})
	return err
}
