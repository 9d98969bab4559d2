package raftpb

import (
	"encoding/binary"
	"errors"

	"github.com/neo4j/neo4j-sub208/pkg/types"
)

// ErrShortBuffer is returned when a record is truncated.
var ErrShortBuffer = errors.New("raftpb: short buffer")

// encoder appends big-endian fixed-width fields to a byte slice.
type encoder struct {
	b []byte
}

func (e *encoder) u8(v uint8)   { e.b = append(e.b, v) }
func (e *encoder) u32(v uint32) { e.b = binary.BigEndian.AppendUint32(e.b, v) }
func (e *encoder) u64(v uint64) { e.b = binary.BigEndian.AppendUint64(e.b, v) }
func (e *encoder) id(v types.MemberID) {
	e.b = append(e.b, v[:]...)
}
func (e *encoder) bytes(v []byte) {
	e.u32(uint32(len(v)))
	e.b = append(e.b, v...)
}
func (e *encoder) bool(v bool) {
	if v {
		e.u8(1)
	} else {
		e.u8(0)
	}
}

// decoder reads fields written by encoder. The first failure sticks.
type decoder struct {
	b   []byte
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if len(d.b) < n {
		d.err = ErrShortBuffer
		return nil
	}
	v := d.b[:n]
	d.b = d.b[n:]
	return v
}

func (d *decoder) u8() uint8 {
	if v := d.take(1); v != nil {
		return v[0]
	}
	return 0
}

func (d *decoder) u32() uint32 {
	if v := d.take(4); v != nil {
		return binary.BigEndian.Uint32(v)
	}
	return 0
}

func (d *decoder) u64() uint64 {
	if v := d.take(8); v != nil {
		return binary.BigEndian.Uint64(v)
	}
	return 0
}

func (d *decoder) id() types.MemberID {
	var id types.MemberID
	if v := d.take(16); v != nil {
		copy(id[:], v)
	}
	return id
}

func (d *decoder) bytes() []byte {
	n := d.u32()
	v := d.take(int(n))
	if v == nil {
		return nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out
}

func (d *decoder) bool() bool { return d.u8() != 0 }

// finish returns the sticky error, or errTrailingBytes when input is
// left over.
func (d *decoder) finish() error {
	if d.err != nil {
		return d.err
	}
	if len(d.b) != 0 {
		return errTrailingBytes
	}
	return nil
}

var errTrailingBytes = errors.New("raftpb: trailing bytes")

func (e *Entry) marshalTo(enc *encoder) {
	enc.u64(e.Index)
	enc.u64(e.Term)
	enc.u32(uint32(e.Type))
	enc.bytes(e.Data)
}

func (e *Entry) unmarshalFrom(dec *decoder) {
	e.Index = dec.u64()
	e.Term = dec.u64()
	e.Type = ENTRY_TYPE(dec.u32())
	e.Data = dec.bytes()
}

// Size returns the encoded size of the entry.
func (e *Entry) Size() int { return 8 + 8 + 4 + 4 + len(e.Data) }

// Marshal encodes the entry.
func (e *Entry) Marshal() ([]byte, error) {
	enc := &encoder{b: make([]byte, 0, e.Size())}
	e.marshalTo(enc)
	return enc.b, nil
}

// Unmarshal decodes the entry.
func (e *Entry) Unmarshal(b []byte) error {
	dec := &decoder{b: b}
	e.unmarshalFrom(dec)
	return dec.finish()
}

// Size returns the encoded size of the message.
func (m *Message) Size() int {
	n := 4 + 16 + 16 + 8*7 + 1 + 4
	for i := range m.Entries {
		n += m.Entries[i].Size()
	}
	return n
}

// Marshal encodes the message.
func (m *Message) Marshal() ([]byte, error) {
	enc := &encoder{b: make([]byte, 0, m.Size())}
	enc.u32(uint32(m.Type))
	enc.id(m.From)
	enc.id(m.To)
	enc.u64(m.Term)
	enc.u64(m.LogIndex)
	enc.u64(m.LogTerm)
	enc.u64(m.Commit)
	enc.u64(m.CommitTerm)
	enc.u64(m.MatchIndex)
	enc.u64(m.AppendIndex)
	enc.bool(m.Reject)
	enc.u32(uint32(len(m.Entries)))
	for i := range m.Entries {
		m.Entries[i].marshalTo(enc)
	}
	return enc.b, nil
}

// Unmarshal decodes the message.
func (m *Message) Unmarshal(b []byte) error {
	dec := &decoder{b: b}
	m.Type = MESSAGE_TYPE(dec.u32())
	m.From = dec.id()
	m.To = dec.id()
	m.Term = dec.u64()
	m.LogIndex = dec.u64()
	m.LogTerm = dec.u64()
	m.Commit = dec.u64()
	m.CommitTerm = dec.u64()
	m.MatchIndex = dec.u64()
	m.AppendIndex = dec.u64()
	m.Reject = dec.bool()
	n := dec.u32()
	if dec.err == nil && n > 0 {
		if int(n) > len(dec.b)/24 {
			return ErrShortBuffer
		}
		m.Entries = make([]Entry, n)
		for i := range m.Entries {
			m.Entries[i].unmarshalFrom(dec)
		}
	} else {
		m.Entries = nil
	}
	return dec.finish()
}
