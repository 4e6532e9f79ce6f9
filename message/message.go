// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package message defines the mailbox message model shared by the router,
// the store and the delivery engine.
package message

import (
	"fmt"
	"maps"
	"strings"
	"time"
)

const (
	// BroadcastLog is the log holding persisted broadcast messages.
	BroadcastLog = "$broadcast"
	// TopicLogPrefix prefixes the log of every topic path.
	TopicLogPrefix = "$topic/"
)

// Metadata keys set by the router during enrichment.
const (
	MetaSender = "sender"
	MetaMode   = "routing-mode"
)

// ContentType is the closed set of payload kinds.
type ContentType uint8

const (
	ContentUnknown ContentType = iota
	ContentText
	ContentStructured
	ContentBinaryRef
)

func (c ContentType) String() string {
	switch c {
	case ContentText:
		return "text"
	case ContentStructured:
		return "structured"
	case ContentBinaryRef:
		return "binary-ref"
	default:
		return "unknown"
	}
}

// ParseContentType parses the textual form of a content type.
func ParseContentType(s string) (ContentType, error) {
	switch strings.ToLower(s) {
	case "text":
		return ContentText, nil
	case "structured", "json":
		return ContentStructured, nil
	case "binary-ref", "binary":
		return ContentBinaryRef, nil
	default:
		return ContentUnknown, fmt.Errorf("unknown content type %q", s)
	}
}

// Mode selects how a message is routed.
type Mode uint8

const (
	ModeDirect Mode = iota + 1
	ModeBroadcast
	ModeTopic
)

func (m Mode) String() string {
	switch m {
	case ModeDirect:
		return "direct"
	case ModeBroadcast:
		return "broadcast"
	case ModeTopic:
		return "topic"
	default:
		return "unknown"
	}
}

// Priority orders messages for admission under load. It does not reorder
// messages within a log.
type Priority int8

const (
	PriorityLow Priority = iota - 1
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int8(p))
	}
}

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// RoutingDescriptor says where a message goes.
type RoutingDescriptor struct {
	Mode     Mode          `json:"mode"`
	Target   string        `json:"target,omitempty"`
	Priority Priority      `json:"priority,omitempty"`
	TTL      time.Duration `json:"ttl,omitempty"`
	LeafOnly bool          `json:"leaf_only,omitempty"`
}

// DeliveryOptions carries the sender's delivery requirements.
type DeliveryOptions struct {
	Persistent           bool        `json:"persistent,omitempty"`
	ConfirmationRequired bool        `json:"confirmation_required,omitempty"`
	Retry                RetryPolicy `json:"retry"`
	// Encryption is an opaque descriptor passed through untouched.
	Encryption map[string]string `json:"encryption,omitempty"`
}

// ExternalRef points to a payload held outside the message store.
type ExternalRef struct {
	URI      string `json:"uri"`
	Size     int64  `json:"size,omitempty"`
	Checksum string `json:"checksum,omitempty"`
}

// Body is the sender supplied content of a message.
type Body struct {
	ContentType ContentType
	Payload     []byte
	External    *ExternalRef
	Metadata    map[string]string
}

// Message is a routed mailbox message. Once appended to a log it is never
// mutated; components share the stored pointer.
type Message struct {
	ID          uint64            `json:"id"`
	Log         string            `json:"log"`
	Sender      string            `json:"sender"`
	CreatedAt   time.Time         `json:"created_at"`
	ContentType ContentType       `json:"content_type"`
	Payload     []byte            `json:"payload,omitempty"`
	External    *ExternalRef      `json:"external,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Routing     RoutingDescriptor `json:"routing"`
	Options     DeliveryOptions   `json:"options"`
}

// New builds an unsequenced message from its parts.
func New(sender string, rd RoutingDescriptor, body Body, opts DeliveryOptions) *Message {
	return &Message{
		Sender:      sender,
		ContentType: body.ContentType,
		Payload:     body.Payload,
		External:    body.External,
		Metadata:    body.Metadata,
		Routing:     rd,
		Options:     opts,
	}
}

// Ref returns the reference to the message within its log.
func (m *Message) Ref() Ref {
	return Ref{Log: m.Log, ID: m.ID, Ephemeral: !m.Options.Persistent}
}

// Expired reports whether the message TTL has elapsed at now.
func (m *Message) Expired(now time.Time) bool {
	return m.Routing.TTL > 0 && now.Sub(m.CreatedAt) > m.Routing.TTL
}

// Critical reports whether the message has critical priority.
func (m *Message) Critical() bool {
	return m.Routing.Priority == PriorityCritical
}

// Clone returns a deep copy.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.Payload != nil {
		c.Payload = append([]byte(nil), m.Payload...)
	}
	if m.External != nil {
		ext := *m.External
		c.External = &ext
	}
	c.Metadata = maps.Clone(m.Metadata)
	c.Options.Encryption = maps.Clone(m.Options.Encryption)
	return &c
}

// Ref identifies a message inside a log. Ephemeral refs are never persisted.
type Ref struct {
	Log       string `json:"log"`
	ID        uint64 `json:"id"`
	Ephemeral bool   `json:"ephemeral,omitempty"`
}

func (r Ref) String() string {
	return fmt.Sprintf("%s#%d", r.Log, r.ID)
}

// TopicLog returns the log name of a topic path.
func TopicLog(path string) string {
	return TopicLogPrefix + path
}

// TopicPath returns the topic path of a topic log and whether log is one.
func TopicPath(log string) (string, bool) {
	if !strings.HasPrefix(log, TopicLogPrefix) {
		return "", false
	}
	return strings.TrimPrefix(log, TopicLogPrefix), true
}
