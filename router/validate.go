// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/absmach/fluxmail/message"
	"github.com/absmach/fluxmail/permissions"
	"github.com/absmach/fluxmail/topics"
	"github.com/goccy/go-json"
)

// Validate checks a message before routing. Structural problems fail with
// *message.ValidationError; an oversized inline payload without external
// reference fails with message.ErrPayloadTooLarge; a sender lacking the
// write or publish permission fails with message.ErrPermissionDenied.
// An oversized payload with an external reference is dropped in favor of
// the reference.
func (r *Router) Validate(m *message.Message) error {
	verr := &message.ValidationError{}

	if strings.TrimSpace(m.Sender) == "" {
		verr.Add("sender", "required")
	}
	validateContent(m, verr)
	validateRouting(m.Routing, verr)
	validateRetry(m.Options.Retry, verr)
	if err := verr.Err(); err != nil {
		return err
	}

	if len(m.Payload) > r.cfg.MaxPayloadSize {
		if m.External == nil {
			return fmt.Errorf("%w: %d bytes exceeds the %d byte limit", message.ErrPayloadTooLarge, len(m.Payload), r.cfg.MaxPayloadSize)
		}
		m.Payload = nil
	}

	return r.authorize(m)
}

func validateContent(m *message.Message, verr *message.ValidationError) {
	if m.External != nil && m.External.URI == "" {
		verr.Add("external.uri", "required")
	}
	switch m.ContentType {
	case message.ContentText:
		if !utf8.Valid(m.Payload) {
			verr.Add("payload", "text payload is not valid UTF-8")
		}
	case message.ContentStructured:
		if len(m.Payload) > 0 && !json.Valid(m.Payload) {
			verr.Add("payload", "structured payload is not valid JSON")
		}
		if len(m.Payload) == 0 && m.External == nil {
			verr.Add("payload", "structured payload is empty")
		}
	case message.ContentBinaryRef:
		if m.External == nil {
			verr.Add("external", "binary-ref content requires an external reference")
		}
	default:
		verr.Add("content_type", "unknown content type")
	}
}

func validateRouting(rd message.RoutingDescriptor, verr *message.ValidationError) {
	switch rd.Mode {
	case message.ModeDirect:
		if err := message.ValidateMailboxName(rd.Target); err != nil {
			verr.Add("routing.target", err.Error())
		}
	case message.ModeTopic:
		if err := topics.ValidatePath(rd.Target); err != nil {
			verr.Add("routing.target", err.Error())
		}
	case message.ModeBroadcast:
		if rd.Target != "" {
			verr.Add("routing.target", "broadcast has no target")
		}
	default:
		verr.Add("routing.mode", "unknown routing mode")
	}
	if rd.LeafOnly && rd.Mode != message.ModeTopic {
		verr.Add("routing.leaf_only", "only applies to topic routing")
	}
	if !rd.Priority.Valid() {
		verr.Add("routing.priority", "unknown priority")
	}
	if rd.TTL < 0 {
		verr.Add("routing.ttl", "must not be negative")
	}
}

func validateRetry(p message.RetryPolicy, verr *message.ValidationError) {
	if p.MaxAttempts < 0 {
		verr.Add("retry.max_attempts", "must not be negative")
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 {
		verr.Add("retry.delay", "must not be negative")
	}
	if p.MaxDelay > 0 && p.MaxDelay < p.BaseDelay {
		verr.Add("retry.max_delay", "must not be below base delay")
	}
}

func (r *Router) authorize(m *message.Message) error {
	var op permissions.Operation
	var resource string
	switch m.Routing.Mode {
	case message.ModeDirect:
		op, resource = permissions.OpWrite, permissions.MailboxResource(m.Routing.Target)
	case message.ModeTopic:
		op, resource = permissions.OpPublish, permissions.TopicResource(m.Routing.Target)
	default:
		op, resource = permissions.OpPublish, permissions.BroadcastResource
	}

	d := r.auth.Evaluate(m.Sender, op, resource)
	if !d.Allowed {
		return fmt.Errorf("%w: %s may not %s %s (%s)", message.ErrPermissionDenied, m.Sender, op, resource, d.Reason)
	}
	return nil
}
