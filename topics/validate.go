// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// MaxPathLength is the longest accepted topic path or pattern in bytes.
const MaxPathLength = 1024

var (
	ErrInvalidPath    = errors.New("invalid topic path: empty level, wildcard or illegal characters")
	ErrInvalidPattern = errors.New("invalid topic pattern: wildcard must be the last level")
)

// ValidatePath checks that the path names a concrete topic (no wildcards).
func ValidatePath(path string) error {
	if !validString(path) {
		return ErrInvalidPath
	}
	for _, level := range Levels(path) {
		if level == "" || strings.ContainsAny(level, "#+") {
			return ErrInvalidPath
		}
	}
	return nil
}

// ValidatePattern checks a subscription pattern. The wildcard may only
// appear as the whole last level.
func ValidatePattern(pattern string) error {
	if !validString(pattern) {
		return ErrInvalidPattern
	}
	levels := Levels(pattern)
	for i, level := range levels {
		if level == Wildcard && i == len(levels)-1 {
			continue
		}
		if level == "" || strings.ContainsAny(level, "#+") {
			return ErrInvalidPattern
		}
	}
	return nil
}

func validString(s string) bool {
	if s == "" || len(s) > MaxPathLength {
		return false
	}
	// '$' prefixed names are reserved for internal logs.
	if s[0] == '$' {
		return false
	}
	return utf8.ValidString(s) && !strings.Contains(s, "\u0000")
}
