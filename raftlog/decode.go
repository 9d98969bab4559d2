package raftlog

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// ErrCRCMismatch is returned when a record fails its checksum.
var ErrCRCMismatch = errors.New("raftlog: crc mismatch")

type record struct {
	tp   recordType
	crc  uint32
	data []byte
}

// parseRecord splits a frame body, padding included, into a record.
func parseRecord(frame []byte, dataN int64) record {
	return record{
		tp:   recordType(frame[0]),
		crc:  binary.LittleEndian.Uint32(frame[1:5]),
		data: frame[recordHeaderN:dataN:dataN],
	}
}

// decoder reads the records of one segment file in order, validating
// the CRC chain. offset is the end of the last valid record.
type decoder struct {
	r      *bufio.Reader
	crc    uint32
	offset int64

	// only the last segment may end in a torn write
	tail bool
}

func newDecoder(r io.Reader, tail bool) *decoder {
	return &decoder{r: bufio.NewReader(r), tail: tail}
}

// decode returns io.EOF at a clean end of file and io.ErrUnexpectedEOF
// at a torn tail.
func (d *decoder) decode(rec *record) error {
	var hdr [byteBitN]byte
	if _, err := io.ReadFull(d.r, hdr[:]); err != nil {
		return err
	}
	lenField := int64(binary.LittleEndian.Uint64(hdr[:]))
	if lenField == 0 {
		// preallocated zeros past the last record
		return io.EOF
	}

	dataN, padN := decodeLen(lenField)
	if dataN < recordHeaderN {
		if d.tail {
			return io.ErrUnexpectedEOF
		}
		return fmt.Errorf("raftlog: bad record length %d at offset %d", dataN, d.offset)
	}
	frame := make([]byte, dataN+padN)
	if _, err := io.ReadFull(d.r, frame); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return err
	}

	*rec = parseRecord(frame, dataN)
	crc := crc32.Update(d.crc, crcTable, rec.data)
	if crc != rec.crc {
		if d.tail && hasZeroSector(frame, d.offset+byteBitN) {
			return io.ErrUnexpectedEOF
		}
		return fmt.Errorf("%w at offset %d", ErrCRCMismatch, d.offset)
	}
	d.crc = crc
	d.offset += byteBitN + dataN + padN
	return nil
}

// hasZeroSector reports whether some sector-aligned piece of frame,
// which starts at file offset start, is entirely zero. A write torn by a
// crash leaves such a piece behind.
func hasZeroSector(frame []byte, start int64) bool {
	for len(frame) > 0 {
		n := int(minSectorSize - start%minSectorSize)
		if n > len(frame) {
			n = len(frame)
		}
		if allZero(frame[:n]) {
			return true
		}
		frame, start = frame[n:], start+int64(n)
	}
	return false
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// readRecordAt reads the record whose length header starts at off.
// The CRC chain is not re-validated; the segment was validated on open
// or written by this process.
func readRecordAt(r io.ReaderAt, off int64) (record, error) {
	var hdr [byteBitN]byte
	if _, err := r.ReadAt(hdr[:], off); err != nil {
		return record{}, err
	}
	dataN, padN := decodeLen(int64(binary.LittleEndian.Uint64(hdr[:])))
	if dataN < recordHeaderN {
		return record{}, fmt.Errorf("raftlog: bad record length %d at offset %d", dataN, off)
	}
	frame := make([]byte, dataN+padN)
	if _, err := r.ReadAt(frame, off+byteBitN); err != nil {
		return record{}, err
	}
	return parseRecord(frame, dataN), nil
}
