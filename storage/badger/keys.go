// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"encoding/binary"
	"strconv"
)

// Key layout. Names never contain NUL, so it separates key parts.
//
//	m\x00{log}\x00{id BE}       message
//	h\x00{log}                  head: last id + last created-at
//	c\x00{log}                  compaction boundary
//	r\x00{log}\x00{subscriber}  read cursor
//	b\x00{name}                 mailbox
//	t\x00{path}                 topic
//	s\x00{id}                   subscription
//	x\x00{kind}\x00{target}\x00{id} subscription target index
//	g\x00{identity}\x00{op}\x00{resource} grant
//	d\x00{id}                   dead letter
const (
	prefixMessage    = "m\x00"
	prefixHead       = "h\x00"
	prefixCompacted  = "c\x00"
	prefixCursor     = "r\x00"
	prefixMailbox    = "b\x00"
	prefixTopic      = "t\x00"
	prefixSub        = "s\x00"
	prefixSubIndex   = "x\x00"
	prefixGrant      = "g\x00"
	prefixDeadLetter = "d\x00"
)

func msgPrefix(log string) []byte {
	return []byte(prefixMessage + log + "\x00")
}

func msgKey(log string, id uint64) []byte {
	return binary.BigEndian.AppendUint64(msgPrefix(log), id)
}

func msgID(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[len(key)-8:])
}

func headKey(log string) []byte {
	return []byte(prefixHead + log)
}

func compactedKey(log string) []byte {
	return []byte(prefixCompacted + log)
}

func cursorPrefix(log string) []byte {
	return []byte(prefixCursor + log + "\x00")
}

func cursorKey(log, subscriber string) []byte {
	return append(cursorPrefix(log), subscriber...)
}

func subIndexPrefix(kind uint8, target string) []byte {
	return []byte(prefixSubIndex + strconv.Itoa(int(kind)) + "\x00" + target + "\x00")
}

func grantKey(identity, op, resource string) []byte {
	return []byte(prefixGrant + identity + "\x00" + op + "\x00" + resource)
}

func encodeUint64(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

func decodeUint64(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
