// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package permissions decides whether an identity may perform an operation
// on a mailbox, topic or the broadcast channel. Everything not explicitly
// granted is denied.
package permissions

import (
	"fmt"
	"strings"
	"time"

	"github.com/absmach/fluxmail/topics"
)

// Operation is an action an identity performs on a resource.
type Operation string

const (
	OpRead      Operation = "read"
	OpWrite     Operation = "write"
	OpPublish   Operation = "publish"
	OpSubscribe Operation = "subscribe"
	OpAdmin     Operation = "admin"
	// OpAny in a grant matches every operation.
	OpAny Operation = "*"
)

// ParseOperation parses an operation name.
func ParseOperation(s string) (Operation, error) {
	switch op := Operation(strings.ToLower(s)); op {
	case OpRead, OpWrite, OpPublish, OpSubscribe, OpAdmin, OpAny:
		return op, nil
	default:
		return "", fmt.Errorf("unknown operation %q", s)
	}
}

// Resource kinds.
const (
	mailboxPrefix = "mailbox:"
	topicPrefix   = "topic:"
	// BroadcastResource names the broadcast channel.
	BroadcastResource = "broadcast"
	// AnyResource in a grant matches every resource.
	AnyResource = "*"
	// Everyone as grant identity applies the grant to all identities.
	Everyone = "*"
)

// MailboxResource names a mailbox resource.
func MailboxResource(name string) string {
	return mailboxPrefix + name
}

// TopicResource names a topic path or pattern resource.
func TopicResource(pattern string) string {
	return topicPrefix + pattern
}

// Grant allows an operation on every resource matching Resource. Resource
// is a resource name, "mailbox:*", a topic pattern such as "topic:a/#", or "*".
type Grant struct {
	Operation Operation `json:"operation"`
	Resource  string    `json:"resource"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

func (g Grant) String() string {
	return string(g.Operation) + "@" + g.Resource
}

func (g Grant) expired(now time.Time) bool {
	return !g.ExpiresAt.IsZero() && !now.Before(g.ExpiresAt)
}

func (g Grant) matches(op Operation, resource string) bool {
	if g.Operation != OpAny && g.Operation != op {
		return false
	}
	return resourceMatches(g.Resource, resource)
}

func resourceMatches(pattern, resource string) bool {
	switch {
	case pattern == AnyResource, pattern == resource:
		return true
	case strings.HasPrefix(pattern, mailboxPrefix):
		return pattern == mailboxPrefix+"*" && strings.HasPrefix(resource, mailboxPrefix)
	case strings.HasPrefix(pattern, topicPrefix):
		if !strings.HasPrefix(resource, topicPrefix) {
			return false
		}
		return topicCovers(strings.TrimPrefix(pattern, topicPrefix), strings.TrimPrefix(resource, topicPrefix))
	default:
		return false
	}
}

// topicCovers reports whether a granted topic pattern covers a requested
// path or pattern. A wildcard request is covered only by a wildcard grant
// rooted at the same level or above.
func topicCovers(granted, requested string) bool {
	if !topics.HasWildcard(requested) {
		return topics.Match(granted, requested)
	}
	if !topics.HasWildcard(granted) {
		return false
	}
	gBase, rBase := topics.Base(granted), topics.Base(requested)
	switch {
	case gBase == "":
		return true
	case rBase == "":
		return false
	default:
		return gBase == rBase || topics.IsAncestor(gBase, rBase)
	}
}

// ACL is the access list stored with a mailbox. The owner may do anything on
// the mailbox; writers may write; readers may read and subscribe.
type ACL struct {
	Owner   string
	Readers []string
	Writers []string
}

func (a ACL) allows(identity string, op Operation) (bool, string) {
	if a.Owner != "" && a.Owner == identity {
		return true, "mailbox owner"
	}
	switch op {
	case OpWrite, OpPublish:
		if contains(a.Writers, identity) {
			return true, "mailbox writer"
		}
	case OpRead, OpSubscribe:
		if contains(a.Readers, identity) {
			return true, "mailbox reader"
		}
	}
	return false, ""
}

func contains(list []string, identity string) bool {
	for _, v := range list {
		if v == identity || v == Everyone {
			return true
		}
	}
	return false
}

// ACLSource looks up mailbox access lists.
type ACLSource interface {
	MailboxACL(name string) (ACL, bool)
}
