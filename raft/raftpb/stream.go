package raftpb

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxFrameSize bounds a single decoded message or entry.
const maxFrameSize = 512 * 1024 * 1024

// frameHeaderSize is the big-endian uint64 length before each frame.
const frameHeaderSize = 8

type marshaler interface {
	Marshal() ([]byte, error)
}

// writeFrame writes the length-prefixed encoding of m in one Write.
func writeFrame(w io.Writer, m marshaler) error {
	bts, err := m.Marshal()
	if err != nil {
		return err
	}
	frame := make([]byte, frameHeaderSize, frameHeaderSize+len(bts))
	binary.BigEndian.PutUint64(frame, uint64(len(bts)))
	_, err = w.Write(append(frame, bts...))
	return err
}

// readFrame returns the next frame body. A stream that ends between
// frames returns io.EOF; one that ends inside a frame returns
// io.ErrUnexpectedEOF.
func readFrame(r io.Reader, what string) ([]byte, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint64(hdr[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("raftpb: %s size %d exceeds limit %d", what, n, maxFrameSize)
	}
	body := make([]byte, int(n))
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return body, nil
}

// MessageBinaryEncoder writes length-prefixed messages, the body format
// of a raft POST.
type MessageBinaryEncoder struct{ w io.Writer }

func NewMessageBinaryEncoder(w io.Writer) *MessageBinaryEncoder {
	return &MessageBinaryEncoder{w: w}
}

func (enc *MessageBinaryEncoder) Encode(msg *Message) error { return writeFrame(enc.w, msg) }

// MessageBinaryDecoder reads what MessageBinaryEncoder writes.
type MessageBinaryDecoder struct{ r io.Reader }

func NewMessageBinaryDecoder(r io.Reader) *MessageBinaryDecoder {
	return &MessageBinaryDecoder{r: r}
}

func (dec *MessageBinaryDecoder) Decode() (Message, error) {
	var msg Message
	body, err := readFrame(dec.r, "message")
	if err != nil {
		return msg, err
	}
	err = msg.Unmarshal(body)
	return msg, err
}

// EntryBinaryEncoder writes length-prefixed entries, the body format of
// a catch-up entries response.
type EntryBinaryEncoder struct{ w io.Writer }

func NewEntryBinaryEncoder(w io.Writer) *EntryBinaryEncoder {
	return &EntryBinaryEncoder{w: w}
}

func (enc *EntryBinaryEncoder) Encode(e *Entry) error { return writeFrame(enc.w, e) }

// EntryBinaryDecoder reads what EntryBinaryEncoder writes. Decode
// returns io.EOF at a clean end of the stream.
type EntryBinaryDecoder struct{ r io.Reader }

func NewEntryBinaryDecoder(r io.Reader) *EntryBinaryDecoder {
	return &EntryBinaryDecoder{r: r}
}

func (dec *EntryBinaryDecoder) Decode() (Entry, error) {
	var e Entry
	body, err := readFrame(dec.r, "entry")
	if err != nil {
		return e, err
	}
	err = e.Unmarshal(body)
	return e, err
}
