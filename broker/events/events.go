// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package events defines the notifications emitted by the mailbox broker.
package events

import (
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Event type constants.
const (
	TypeMessagePublished    = "message.published"
	TypeMessageDeadLettered = "message.dead_lettered"
	TypeSubscriptionCreated = "subscription.created"
	TypeSubscriptionRemoved = "subscription.removed"
	TypePermissionDenied    = "permission.denied"
	TypeMailboxCreated      = "mailbox.created"
)

// Event is the common interface for all broker events.
type Event interface {
	// Type returns the event type identifier (e.g., "message.published")
	Type() string

	// Topic returns the topic path or pattern of topic events, empty for others
	Topic() string

	// Wrap wraps the event in a common envelope with metadata
	Wrap(brokerID string) *Envelope
}

// Envelope is the common wrapper for all events.
type Envelope struct {
	EventType string `json:"event_type"`
	EventID   string `json:"event_id"`
	Timestamp string `json:"timestamp"`
	BrokerID  string `json:"broker_id"`
	Data      any    `json:"data"`
}

// MarshalJSON serializes the envelope to JSON.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	type plain Envelope
	return json.Marshal((*plain)(e))
}

func wrap(e Event, brokerID string) *Envelope {
	return &Envelope{
		EventType: e.Type(),
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		BrokerID:  brokerID,
		Data:      e,
	}
}

// MessagePublished is emitted when the router accepts a message.
type MessagePublished struct {
	Sender      string `json:"sender"`
	Mode        string `json:"mode"`
	Target      string `json:"target,omitempty"`
	Log         string `json:"log"`
	MessageID   uint64 `json:"message_id"`
	Durable     bool   `json:"durable"`
	Deferred    bool   `json:"deferred,omitempty"`
	Recipients  int    `json:"recipients"`
	PayloadSize int    `json:"payload_size"`
	Payload     []byte `json:"payload,omitempty"`
}

func (e MessagePublished) Type() string { return TypeMessagePublished }
func (e MessagePublished) Topic() string {
	if e.Mode == "topic" {
		return e.Target
	}
	return ""
}
func (e MessagePublished) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// MessageDeadLettered is emitted when a delivery exhausts its retries.
type MessageDeadLettered struct {
	DeadLetterID   string `json:"dead_letter_id"`
	SubscriptionID string `json:"subscription_id"`
	Identity       string `json:"identity"`
	Log            string `json:"log"`
	MessageID      uint64 `json:"message_id"`
	Reason         string `json:"reason"`
	Attempts       int    `json:"attempts"`
	MessageTopic   string `json:"topic,omitempty"`
}

func (e MessageDeadLettered) Type() string                   { return TypeMessageDeadLettered }
func (e MessageDeadLettered) Topic() string                  { return e.MessageTopic }
func (e MessageDeadLettered) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// SubscriptionCreated is emitted when a new subscription is added.
type SubscriptionCreated struct {
	SubscriptionID string `json:"subscription_id"`
	Identity       string `json:"identity"`
	Target         string `json:"target"`
	Mode           string `json:"mode"`
	TopicPattern   string `json:"topic_pattern,omitempty"`
}

func (e SubscriptionCreated) Type() string                   { return TypeSubscriptionCreated }
func (e SubscriptionCreated) Topic() string                  { return e.TopicPattern }
func (e SubscriptionCreated) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// SubscriptionRemoved is emitted when a subscription is removed, explicitly
// or after going stale.
type SubscriptionRemoved struct {
	SubscriptionID string `json:"subscription_id"`
	Identity       string `json:"identity"`
	Target         string `json:"target"`
	Reason         string `json:"reason"` // "unsubscribed", "stale"
	TopicPattern   string `json:"topic_pattern,omitempty"`
}

func (e SubscriptionRemoved) Type() string                   { return TypeSubscriptionRemoved }
func (e SubscriptionRemoved) Topic() string                  { return e.TopicPattern }
func (e SubscriptionRemoved) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// PermissionDenied is emitted for every denied operation.
type PermissionDenied struct {
	Identity  string `json:"identity"`
	Operation string `json:"operation"`
	Resource  string `json:"resource"`
	Reason    string `json:"reason"`
	AuditID   string `json:"audit_id"`
}

func (e PermissionDenied) Type() string                   { return TypePermissionDenied }
func (e PermissionDenied) Topic() string                  { return "" }
func (e PermissionDenied) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// MailboxCreated is emitted when a mailbox is created explicitly or on
// first write.
type MailboxCreated struct {
	Name        string `json:"name"`
	Owner       string `json:"owner,omitempty"`
	AutoCreated bool   `json:"auto_created"`
}

func (e MailboxCreated) Type() string                   { return TypeMailboxCreated }
func (e MailboxCreated) Topic() string                  { return "" }
func (e MailboxCreated) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }
