// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/absmach/fluxmail/delivery"
	"github.com/absmach/fluxmail/message"
	"github.com/nats-io/nats.go"
)

// NATSConfig configures NATS delivery.
type NATSConfig struct {
	URL string `yaml:"url"`
	// Prefix roots the per-identity delivery subjects
	// <prefix>.deliver.<identity> and the control subject
	// <prefix>.control.<identity>.
	Prefix string `yaml:"prefix"`
}

// DefaultNATSConfig returns the default NATS settings.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{URL: nats.DefaultURL, Prefix: "fluxmail"}
}

// Publisher is the part of *nats.Conn used for delivery.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// DeliverSubject returns the subject deliveries for identity are published on.
func DeliverSubject(prefix, identity string) string {
	return prefix + ".deliver." + subjectToken(identity)
}

// ControlSubject returns the subject identity sends ack and heartbeat
// frames to.
func ControlSubject(prefix, identity string) string {
	return prefix + ".control." + subjectToken(identity)
}

// subjectToken maps an identity to a single NATS subject token.
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// NATS pushes deliveries to a per-identity subject.
type NATS struct {
	pub     Publisher
	subject string
}

// NewNATS creates a NATS transport for identity.
func NewNATS(pub Publisher, prefix, identity string) *NATS {
	return &NATS{pub: pub, subject: DeliverSubject(prefix, identity)}
}

// Subject returns the delivery subject.
func (n *NATS) Subject() string {
	return n.subject
}

func (n *NATS) Push(ctx context.Context, d delivery.Delivery) error {
	data, err := Encode(DeliveryFrame(d))
	if err != nil {
		return err
	}
	if err := n.pub.Publish(n.subject, data); err != nil {
		return fmt.Errorf("%w: %w", message.ErrTransportUnavailable, err)
	}
	if nc, ok := n.pub.(*nats.Conn); ok {
		if err := nc.FlushWithContext(ctx); err != nil {
			return fmt.Errorf("%w: %w", message.ErrTransportUnavailable, err)
		}
	}
	return nil
}

// ControlListener applies ack and heartbeat frames received on the control
// subjects to the session.
type ControlListener struct {
	sub    *nats.Subscription
	logger *slog.Logger
}

// ListenControl subscribes to the control subjects of every identity. An
// attach frame binds the subscription to the identity's delivery subject.
func ListenControl(nc *nats.Conn, prefix string, session Session, logger *slog.Logger) (*ControlListener, error) {
	if logger == nil {
		logger = slog.Default()
	}
	root := prefix + ".control."
	sub, err := nc.Subscribe(root+"*", func(msg *nats.Msg) {
		identity := strings.TrimPrefix(msg.Subject, root)
		if err := handleControl(nc, prefix, session, identity, msg.Data); err != nil {
			logger.Warn("invalid control frame",
				slog.String("subject", msg.Subject),
				slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s*: %w", root, err)
	}
	return &ControlListener{sub: sub, logger: logger}, nil
}

func handleControl(pub Publisher, prefix string, session Session, identity string, data []byte) error {
	f, err := Decode(data)
	if err != nil {
		return err
	}
	ctx := context.Background()
	switch f.Type {
	case FrameAttach:
		return session.Attach(ctx, identity, f.SubscriptionID, NewNATS(pub, prefix, identity))
	case FrameDetach:
		return session.Disconnect(ctx, identity, f.SubscriptionID)
	}
	return handle(ctx, session, identity, f)
}

// Close stops listening.
func (l *ControlListener) Close() error {
	return l.sub.Unsubscribe()
}
