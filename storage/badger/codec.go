// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"errors"
	"fmt"

	"github.com/absmach/fluxmail/message"
	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/s2"
)

// Record encodings, stored as the first byte of a message value.
const (
	encodingJSON   byte = 'j'
	encodingJSONS2 byte = 's'
)

var errBadRecord = errors.New("malformed message record")

func encodeMessage(m *message.Message, threshold int) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	if len(data) > threshold {
		enc := s2.Encode(nil, data)
		return append([]byte{encodingJSONS2}, enc...), nil
	}
	return append([]byte{encodingJSON}, data...), nil
}

func decodeMessage(val []byte) (*message.Message, error) {
	if len(val) == 0 {
		return nil, errBadRecord
	}
	data := val[1:]
	switch val[0] {
	case encodingJSON:
	case encodingJSONS2:
		var err error
		if data, err = s2.Decode(nil, data); err != nil {
			return nil, fmt.Errorf("failed to decompress message: %w", err)
		}
	default:
		return nil, errBadRecord
	}

	var m message.Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return &m, nil
}
