package raftlog

import (
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/neo4j/neo4j-sub208/pkg/ioutil"
)

const (
	systemBitN = 64 // 64-bit system
	byteBitN   = 8  // 1-byte is 8-bit

	// wordBitN is the size of a word chunk.
	wordBitN = systemBitN / byteBitN

	// alignedBitN is the number of bytes each record is aligned to.
	// Each record is 8-byte aligned, so that the length field is never torn.
	alignedBitN = wordBitN

	lowerBitN = systemBitN - alignedBitN // lower 56-bit

	// minSectorSize is the minimum sector size a write is torn at.
	minSectorSize = 512
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

func getPadBytesN(dataN int) int {
	return (alignedBitN - (dataN % alignedBitN)) % alignedBitN
}

// encodeLen stores the pad byte count in the most significant byte of
// the length header, with the sign bit set when padding is present.
func encodeLen(dataN, padBytesN int) (headerN uint64) {
	headerN = uint64(dataN)
	if padBytesN != 0 {
		headerN = headerN | uint64(0x80|padBytesN)<<lowerBitN
	}
	return
}

func decodeLen(headerN int64) (dataN int64, padBytesN int64) {
	shift := uint64(0xff) << lowerBitN
	dataN = int64(uint64(headerN) &^ shift)

	if headerN < 0 { // padding was encoded in lower 3-bit of length MSB
		revt := uint64(headerN) >> lowerBitN
		padBytesN = int64(revt & 0x7)
	}
	return
}

// recordType is the first byte of every record.
type recordType uint8

const (
	// recordTypeHeader is the first record of every segment and holds
	// the index and term of the entry preceding the segment.
	recordTypeHeader recordType = 1

	// recordTypeEntry holds one encoded raftpb.Entry.
	recordTypeEntry recordType = 2
)

// recordHeaderN is type u8 and crc u32.
const recordHeaderN = 1 + 4

// encoder writes framed records, chaining the CRC of each record's
// data onto the previous one.
type encoder struct {
	crc       uint32
	wordBuf   []byte
	recordBuf []byte
	pw        *ioutil.PageWriter
}

// newEncoder returns an encoder writing to w at offset bytes into the
// file.
func newEncoder(w io.Writer, prevCRC uint32, offset int64) *encoder {
	return &encoder{
		crc:     prevCRC,
		wordBuf: make([]byte, byteBitN),
		pw:      ioutil.NewPageWriter(w, minSectorSize, int(offset%minSectorSize)),
	}
}

// encode writes one record and returns the number of bytes written
// including the length header and padding.
func (e *encoder) encode(tp recordType, data []byte) (int64, error) {
	e.crc = crc32.Update(e.crc, crcTable, data)

	dataN := recordHeaderN + len(data)
	padBytesN := getPadBytesN(dataN)

	e.recordBuf = e.recordBuf[:0]
	e.recordBuf = append(e.recordBuf, byte(tp))
	e.recordBuf = binary.LittleEndian.AppendUint32(e.recordBuf, e.crc)
	e.recordBuf = append(e.recordBuf, data...)
	for i := 0; i < padBytesN; i++ {
		e.recordBuf = append(e.recordBuf, 0)
	}

	binary.LittleEndian.PutUint64(e.wordBuf, encodeLen(dataN, padBytesN))
	if _, err := e.pw.Write(e.wordBuf); err != nil {
		return 0, err
	}
	if _, err := e.pw.Write(e.recordBuf); err != nil {
		return 0, err
	}
	return int64(byteBitN + dataN + padBytesN), nil
}

func (e *encoder) flush() error {
	return e.pw.Flush()
}
