// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"

	"github.com/absmach/fluxmail/broker/events"
	"github.com/absmach/fluxmail/message"
)

// PublishResult is the synchronous answer to a publisher.
type PublishResult struct {
	// MessageID is zero for ephemeral-only rejections and for deferred
	// writes, which get their id once the store recovers.
	MessageID  uint64
	Log        string
	Accepted   bool
	Durable    bool
	Deferred   bool
	Recipients int
	// Reason explains a rejection.
	Reason string
}

// Publish validates, stores and fans out a message. Rejections return both
// a result carrying the reason and the error.
func (b *Broker) Publish(ctx context.Context, sender string, routing message.RoutingDescriptor, body message.Body, opts message.DeliveryOptions) (PublishResult, error) {
	select {
	case <-b.closed:
		return PublishResult{Reason: ErrClosed.Error()}, ErrClosed
	default:
	}

	msg := message.New(sender, routing, body, opts)
	res, err := b.router.Route(ctx, msg)
	if err != nil {
		return PublishResult{Log: res.Log, Reason: err.Error()}, err
	}

	ev := events.MessagePublished{
		Sender:      sender,
		Mode:        routing.Mode.String(),
		Target:      routing.Target,
		Log:         res.Log,
		MessageID:   res.MessageID,
		Durable:     res.Durable,
		Deferred:    res.Deferred,
		Recipients:  res.Targets,
		PayloadSize: len(body.Payload),
	}
	if b.cfg.IncludePayload {
		ev.Payload = body.Payload
	}
	b.notify(ev)

	return PublishResult{
		MessageID:  res.MessageID,
		Log:        res.Log,
		Accepted:   true,
		Durable:    res.Durable,
		Deferred:   res.Deferred,
		Recipients: res.Targets,
	}, nil
}
