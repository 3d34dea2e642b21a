// Package ofpkey defines the canonical flow key and value used to identify
// and compare flow-table entries across the desired and installed tables.
package ofpkey

import (
	"encoding"
	"encoding/binary"
	"hash/fnv"
)

// Match is an opaque, hashable, equality-comparable wildcarded OpenFlow
// match. Implementations wrap an OXM match (ofp4.Match) produced by the
// match-expression parser; this package never interprets the contents.
type Match interface {
	encoding.BinaryMarshaler
	String() string
}

// Key is the triple that identifies a flow-table entry: table, priority,
// and match. Two keys are equal iff all three components are equal.
type Key struct {
	TableID  uint8
	Priority uint16
	Match    Match
}

func combine(a, b uint32) uint32 {
	h := fnv.New32a()
	var buf [8]byte
	binary.BigEndian.PutUint32(buf[0:4], a)
	binary.BigEndian.PutUint32(buf[4:8], b)
	h.Write(buf[:])
	return h.Sum32()
}

func matchHash(m Match) uint32 {
	buf, err := m.MarshalBinary()
	if err != nil {
		return 0
	}
	h := fnv.New32a()
	h.Write(buf)
	return h.Sum32()
}

// Hash returns the canonical 32-bit hash: (table_id<<16 | priority)
// combined with the match's own hash.
func (k Key) Hash() uint32 {
	return combine(uint32(k.TableID)<<16|uint32(k.Priority), matchHash(k.Match))
}

func matchBytes(m Match) []byte {
	if m == nil {
		return nil
	}
	buf, _ := m.MarshalBinary()
	return buf
}

// Equal reports whether two keys are structurally identical.
func (k Key) Equal(other Key) bool {
	if k.TableID != other.TableID || k.Priority != other.Priority {
		return false
	}
	return string(matchBytes(k.Match)) == string(matchBytes(other.Match))
}

func (k Key) String() string {
	m := ""
	if k.Match != nil {
		m = k.Match.String()
	}
	return "table=" + itoa(uint64(k.TableID)) + ",priority=" + itoa(uint64(k.Priority)) + "," + m
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// Actions is an opaque action/instruction blob. It is compared using the
// codec-provided MarshalBinary output rather than any structural equality
// of its own, since the codec normalizes representation (ordering,
// padding) during marshaling.
type Actions interface {
	encoding.BinaryMarshaler
}

// Value is the mutable part of a flow-table entry: its actions and cookie.
// Cookie mismatch does not imply key mismatch; it forces a modify (see
// package reconcile).
type Value struct {
	Actions Actions
	Cookie  uint64
}

// ActionsEqual reports whether two action blobs are semantically equal, as
// judged by their canonical wire encoding.
func ActionsEqual(a, b Actions) bool {
	var abuf, bbuf []byte
	if a != nil {
		abuf, _ = a.MarshalBinary()
	}
	if b != nil {
		bbuf, _ = b.MarshalBinary()
	}
	return string(abuf) == string(bbuf)
}

// RawActions is a pre-encoded instruction/action blob produced by the
// (out-of-scope) match/action expression parser. It satisfies both
// ofpkey.Actions and ofp4.Instruction, since both are just
// encoding.BinaryMarshaler; the core never decodes it, only concatenates
// and compares it.
type RawActions []byte

func (r RawActions) MarshalBinary() ([]byte, error) {
	return []byte(r), nil
}

// Append returns a new RawActions with b's bytes appended after a's,
// preserving call order. Used by add_or_append to concatenate actions
// from multiple source records onto one desired flow.
func Append(a, b Actions) RawActions {
	var out []byte
	if a != nil {
		if buf, err := a.MarshalBinary(); err == nil {
			out = append(out, buf...)
		}
	}
	if b != nil {
		if buf, err := b.MarshalBinary(); err == nil {
			out = append(out, buf...)
		}
	}
	return RawActions(out)
}
