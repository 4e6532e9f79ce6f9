// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// MaxMailboxNameLength is the longest accepted mailbox name in bytes.
const MaxMailboxNameLength = 255

var ErrInvalidMailboxName = errors.New("invalid mailbox name")

// ValidateMailboxName checks a mailbox name. Names starting with '$' are
// reserved for internal logs.
func ValidateMailboxName(name string) error {
	switch {
	case name == "", len(name) > MaxMailboxNameLength:
		return ErrInvalidMailboxName
	case name[0] == '$':
		return ErrInvalidMailboxName
	case !utf8.ValidString(name), strings.ContainsAny(name, "\x00#"):
		return ErrInvalidMailboxName
	}
	return nil
}
