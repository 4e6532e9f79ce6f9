// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"log/slog"
	"time"

	"github.com/absmach/fluxmail/message"
	"github.com/absmach/fluxmail/subscriptions"
)

type ackKey struct {
	subID string
	ref   message.Ref
}

type pendingAck struct {
	sub        subscriptions.Subscription
	msg        *message.Message
	receipt    *Receipt
	attempts   int
	first      time.Time
	deadline   time.Time
	redelivery bool
}

func (e *Engine) awaitAck(t *task, attempts int) {
	now := e.clock()
	p := &pendingAck{
		sub:        t.sub,
		msg:        t.msg,
		receipt:    t.receipt,
		attempts:   attempts,
		first:      t.queuedAt,
		deadline:   now.Add(e.cfg.AckTimeout),
		redelivery: t.redelivery,
	}

	e.ackMu.Lock()
	e.acks[ackKey{subID: t.sub.ID, ref: t.msg.Ref()}] = p
	e.ackMu.Unlock()
}

// Ack confirms a pushed message for a subscription.
func (e *Engine) Ack(subID string, ref message.Ref) error {
	key := ackKey{subID: subID, ref: ref}

	e.ackMu.Lock()
	p, ok := e.acks[key]
	delete(e.acks, key)
	e.ackMu.Unlock()
	if !ok {
		return ErrAckNotFound
	}

	e.advance(p.sub, p.msg)
	p.receipt.resolve(Outcome{State: StateDelivered, Attempts: p.attempts})
	return nil
}

// PendingAcks returns the number of deliveries awaiting acknowledgement.
func (e *Engine) PendingAcks() int {
	e.ackMu.Lock()
	defer e.ackMu.Unlock()
	return len(e.acks)
}

func (e *Engine) takeAcks(subID string) []*pendingAck {
	e.ackMu.Lock()
	defer e.ackMu.Unlock()

	var ret []*pendingAck
	for k, p := range e.acks {
		if k.subID == subID {
			ret = append(ret, p)
			delete(e.acks, k)
		}
	}
	return ret
}

func (e *Engine) ackLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.AckCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.CheckAcks()
		case <-e.stopCh:
			return
		}
	}
}

// CheckAcks handles acknowledgement timeouts: the first timeout pushes the
// message once more, the second dead-letters it.
func (e *Engine) CheckAcks() {
	now := e.clock()

	e.ackMu.Lock()
	var expired []*pendingAck
	for k, p := range e.acks {
		if now.Before(p.deadline) {
			continue
		}
		expired = append(expired, p)
		delete(e.acks, k)
	}
	e.ackMu.Unlock()

	for _, p := range expired {
		if !p.redelivery && e.redeliver(p) {
			continue
		}
		e.deadLetter(p.sub, p.msg, "acknowledgement timeout", p.attempts, p.first)
		p.receipt.resolve(Outcome{State: StateDeadLettered, Attempts: p.attempts, Err: message.ErrDeliveryExhausted})
	}
}

func (e *Engine) redeliver(p *pendingAck) bool {
	w, ok := e.workers.Get(p.sub.ID)
	if !ok || w.open() {
		return false
	}
	ok = w.enqueue(&task{
		sub:        p.sub,
		msg:        p.msg,
		receipt:    p.receipt,
		queuedAt:   p.first,
		redelivery: true,
	})
	if ok {
		e.logger.Info("redelivering unacknowledged message",
			slog.String("subscription", p.sub.ID),
			slog.String("message", p.msg.Ref().String()))
	}
	return ok
}
