// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package reader

import (
	"time"

	"github.com/absmach/fluxmail/message"
	"github.com/tidwall/gjson"
)

// Filter selects messages. Zero fields match everything.
type Filter struct {
	Sender      string
	ContentType message.ContentType
	Since       time.Time
	Until       time.Time
	// Metadata entries must all be present with equal values.
	Metadata map[string]string
	// JSONPath is a gjson path that must exist in structured payloads. With
	// JSONValue set the value found must also equal it.
	JSONPath  string
	JSONValue string
}

// Match reports whether m passes the filter.
func (f Filter) Match(m *message.Message) bool {
	if f.Sender != "" && m.Sender != f.Sender {
		return false
	}
	if f.ContentType != message.ContentUnknown && m.ContentType != f.ContentType {
		return false
	}
	if !f.Since.IsZero() && m.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !m.CreatedAt.Before(f.Until) {
		return false
	}
	for k, v := range f.Metadata {
		if got, ok := m.Metadata[k]; !ok || got != v {
			return false
		}
	}
	if f.JSONPath != "" {
		if m.ContentType != message.ContentStructured || !gjson.ValidBytes(m.Payload) {
			return false
		}
		res := gjson.GetBytes(m.Payload, f.JSONPath)
		if !res.Exists() {
			return false
		}
		if f.JSONValue != "" && res.String() != f.JSONValue {
			return false
		}
	}
	return true
}
