// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transport carries realtime deliveries to connected subscribers
// over in-process channels, WebSocket connections or NATS subjects.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/absmach/fluxmail/delivery"
	"github.com/absmach/fluxmail/message"
	json "github.com/goccy/go-json"
)

// ErrClosed is returned when pushing to a closed transport.
var ErrClosed = errors.New("transport closed")

// Frame types.
const (
	FrameMessage   = "message"
	FrameAck       = "ack"
	FrameHeartbeat = "heartbeat"
	FrameAttach    = "attach"
	FrameDetach    = "detach"
	FrameError     = "error"
)

// Frame is the JSON envelope exchanged with remote subscribers.
type Frame struct {
	Type           string           `json:"type"`
	SubscriptionID string           `json:"subscription_id,omitempty"`
	Message        *message.Message `json:"message,omitempty"`
	Attempt        int              `json:"attempt,omitempty"`
	Redelivery     bool             `json:"redelivery,omitempty"`
	AckRequired    bool             `json:"ack_required,omitempty"`
	Ref            *message.Ref     `json:"ref,omitempty"`
	Error          string           `json:"error,omitempty"`
}

// DeliveryFrame wraps a delivery.
func DeliveryFrame(d delivery.Delivery) Frame {
	return Frame{
		Type:           FrameMessage,
		SubscriptionID: d.SubscriptionID,
		Message:        d.Message,
		Attempt:        d.Attempt,
		Redelivery:     d.Redelivery,
		AckRequired:    d.AckRequired,
	}
}

// Encode marshals a frame.
func Encode(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

// Decode unmarshals a frame.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("invalid frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, errors.New("invalid frame: missing type")
	}
	return f, nil
}

// Session is the subscriber side of the broker used by remote transports.
type Session interface {
	Attach(ctx context.Context, identity, subscriptionID string, t delivery.Transport) error
	Disconnect(ctx context.Context, identity, subscriptionID string) error
	Heartbeat(ctx context.Context, identity, subscriptionID string) error
	Ack(ctx context.Context, identity, subscriptionID string, ref message.Ref) error
}

// handle applies an inbound control frame to the session.
func handle(ctx context.Context, s Session, identity string, f Frame) error {
	switch f.Type {
	case FrameAck:
		if f.Ref == nil {
			return errors.New("ack frame without ref")
		}
		return s.Ack(ctx, identity, f.SubscriptionID, *f.Ref)
	case FrameHeartbeat:
		return s.Heartbeat(ctx, identity, f.SubscriptionID)
	default:
		return fmt.Errorf("unexpected frame type %q", f.Type)
	}
}
