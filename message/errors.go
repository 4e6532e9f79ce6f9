// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"errors"
	"fmt"
	"strings"
)

// Error taxonomy shared by all components. Callers match with errors.Is.
var (
	ErrValidationFailed     = errors.New("validation failed")
	ErrPermissionDenied     = errors.New("permission denied")
	ErrPayloadTooLarge      = errors.New("payload too large")
	ErrNoSubscribers        = errors.New("no subscribers")
	ErrOverloaded           = errors.New("overloaded")
	ErrCursorExpired        = errors.New("cursor expired")
	ErrDeliveryExhausted    = errors.New("delivery attempts exhausted")
	ErrTransportUnavailable = errors.New("transport unavailable")
)

// FieldError describes a single invalid field.
type FieldError struct {
	Field  string
	Reason string
}

func (f FieldError) String() string {
	return f.Field + ": " + f.Reason
}

// ValidationError lists every field that failed validation.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.String()
	}
	return fmt.Sprintf("%s: %s", ErrValidationFailed, strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidationFailed
}

// Add records an invalid field.
func (e *ValidationError) Add(field, reason string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Reason: reason})
}

// Err returns e if any field failed, nil otherwise.
func (e *ValidationError) Err() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

// CursorExpiredError is returned when a reader resumes below the compaction
// boundary of a log. Earliest is the first id still available.
type CursorExpiredError struct {
	Log      string
	Cursor   uint64
	Earliest uint64
}

func (e *CursorExpiredError) Error() string {
	return fmt.Sprintf("%s: log %s cursor %d, earliest available %d", ErrCursorExpired, e.Log, e.Cursor, e.Earliest)
}

func (e *CursorExpiredError) Unwrap() error {
	return ErrCursorExpired
}
