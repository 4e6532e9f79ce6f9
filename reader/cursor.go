// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package reader

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
)

// ErrInvalidCursor is returned for cursors this reader did not issue.
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor is the position of a reader in each log it reads: the last id
// consumed per log.
type Cursor map[string]uint64

// Encode returns the opaque form of the cursor.
func (c Cursor) Encode() string {
	if len(c) == 0 {
		return ""
	}
	logs := make([]string, 0, len(c))
	for log := range c {
		logs = append(logs, log)
	}
	sort.Strings(logs)

	v := url.Values{}
	for _, log := range logs {
		v.Add(log, strconv.FormatUint(c[log], 10))
	}
	return base64.RawURLEncoding.EncodeToString([]byte(v.Encode()))
}

// ParseCursor decodes an opaque cursor. The empty string yields a nil
// cursor.
func ParseCursor(s string) (Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCursor, err)
	}
	v, err := url.ParseQuery(string(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCursor, err)
	}

	c := make(Cursor, len(v))
	for log, ids := range v {
		if log == "" || len(ids) != 1 {
			return nil, fmt.Errorf("%w: bad entry for %q", ErrInvalidCursor, log)
		}
		id, err := strconv.ParseUint(ids[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCursor, err)
		}
		c[log] = id
	}
	return c, nil
}
