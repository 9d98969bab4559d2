package raftlog

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/neo4j/neo4j-sub208/pkg/fileutil"
	"github.com/neo4j/neo4j-sub208/raft/raftpb"
)

const segmentExt = ".log"

func segmentName(seq, firstIndex uint64) string {
	return fmt.Sprintf("%016x-%016x%s", seq, firstIndex, segmentExt)
}

func parseSegmentName(name string) (seq, firstIndex uint64, err error) {
	if filepath.Ext(name) != segmentExt {
		return 0, 0, fmt.Errorf("bad segment name %q", name)
	}
	_, err = fmt.Sscanf(name, "%016x-%016x"+segmentExt, &seq, &firstIndex)
	return
}

// entryPos locates one entry inside a segment file.
type entryPos struct {
	offset int64
	term   uint64
	// crc is the chained crc after this record.
	crc uint32
}

// segment is one log file. Entries prevIndex+1 .. prevIndex+len(entries)
// live in it.
type segment struct {
	seq       uint64
	prevIndex uint64
	prevTerm  uint64
	path      string

	headerCRC uint32
	headerN   int64
	entries   []entryPos
	size      int64
	modTime   time.Time

	// rf serves concurrent ReadAt calls. It is opened when the segment
	// is published and closed when it is removed.
	rf *os.File
}

func (s *segment) firstIndex() uint64 { return s.prevIndex + 1 }

func (s *segment) lastIndex() uint64 { return s.prevIndex + uint64(len(s.entries)) }

func (s *segment) lastTerm() uint64 {
	if len(s.entries) == 0 {
		return s.prevTerm
	}
	return s.entries[len(s.entries)-1].term
}

func (s *segment) lastCRC() uint32 {
	if len(s.entries) == 0 {
		return s.headerCRC
	}
	return s.entries[len(s.entries)-1].crc
}

func (s *segment) contains(index uint64) bool {
	return index > s.prevIndex && index <= s.lastIndex()
}

func (s *segment) pos(index uint64) entryPos {
	return s.entries[index-s.firstIndex()]
}

func (s *segment) openReader() error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	s.rf = f
	return nil
}

func (s *segment) readEntry(index uint64) (raftpb.Entry, error) {
	rec, err := readRecordAt(s.rf, s.pos(index).offset)
	if err != nil {
		return raftpb.Entry{}, fmt.Errorf("raftlog: read index %d from %q: %w", index, s.path, err)
	}
	if rec.tp != recordTypeEntry {
		return raftpb.Entry{}, fmt.Errorf("raftlog: unexpected record type %d at index %d", rec.tp, index)
	}
	var ent raftpb.Entry
	if err = ent.Unmarshal(rec.data); err != nil {
		return raftpb.Entry{}, err
	}
	return ent, nil
}

func (s *segment) closeReader() {
	if s.rf != nil {
		s.rf.Close()
		s.rf = nil
	}
}

func (s *segment) info() SegmentInfo {
	return SegmentInfo{
		Seq:       s.seq,
		PrevIndex: s.prevIndex,
		LastIndex: s.lastIndex(),
		Size:      s.size,
		ModTime:   s.modTime,
	}
}

func encodeSegmentHeader(prevIndex, prevTerm uint64) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[0:], prevIndex)
	binary.BigEndian.PutUint64(b[8:], prevTerm)
	return b
}

func decodeSegmentHeader(b []byte) (prevIndex, prevTerm uint64, err error) {
	if len(b) != 16 {
		return 0, 0, fmt.Errorf("raftlog: bad segment header size %d", len(b))
	}
	return binary.BigEndian.Uint64(b[0:]), binary.BigEndian.Uint64(b[8:]), nil
}

// createSegment writes a new segment holding only its header record.
// The file is written under a temporary name, fsynced and renamed so a
// crash never leaves a segment without a header.
func createSegment(dir string, seq, prevIndex, prevTerm uint64) (*segment, error) {
	fpath := filepath.Join(dir, segmentName(seq, prevIndex+1))
	tmp := fpath + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fileutil.PrivateFileMode)
	if err != nil {
		return nil, err
	}
	enc := newEncoder(f, 0, 0)
	n, err := enc.encode(recordTypeHeader, encodeSegmentHeader(prevIndex, prevTerm))
	if err == nil {
		err = enc.flush()
	}
	if err == nil {
		err = fileutil.Fsync(f)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return nil, err
	}
	if err = os.Rename(tmp, fpath); err != nil {
		return nil, err
	}
	if err = fileutil.FsyncDir(dir); err != nil {
		return nil, err
	}

	return &segment{
		seq:       seq,
		prevIndex: prevIndex,
		prevTerm:  prevTerm,
		path:      fpath,
		headerCRC: enc.crc,
		headerN:   n,
		size:      n,
		modTime:   time.Now(),
	}, nil
}

// loadSegment decodes every record of the segment at fpath. When tail
// is true a torn final record is reported through torn with the offset
// to truncate to.
func loadSegment(fpath string, seq uint64, tail bool) (seg *segment, torn bool, err error) {
	f, err := os.Open(fpath)
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, false, err
	}

	seg = &segment{seq: seq, path: fpath, modTime: fi.ModTime()}
	dec := newDecoder(f, tail)

	var rec record
	if err = dec.decode(&rec); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, false, fmt.Errorf("raftlog: segment %q has no header: %w", fpath, err)
	}
	if rec.tp != recordTypeHeader {
		return nil, false, fmt.Errorf("raftlog: segment %q starts with record type %d", fpath, rec.tp)
	}
	if seg.prevIndex, seg.prevTerm, err = decodeSegmentHeader(rec.data); err != nil {
		return nil, false, err
	}
	seg.headerCRC = dec.crc
	seg.headerN = dec.offset

	for {
		off := dec.offset
		err = dec.decode(&rec)
		switch {
		case err == io.EOF:
			// trailing zeros past the last record are cut away as well
			seg.size = dec.offset
			return seg, tail && fi.Size() > seg.size, nil

		case err == io.ErrUnexpectedEOF && tail:
			seg.size = dec.offset
			return seg, true, nil

		case err != nil:
			return nil, false, fmt.Errorf("raftlog: segment %q: %w", fpath, err)
		}

		if rec.tp != recordTypeEntry {
			return nil, false, fmt.Errorf("raftlog: segment %q: unexpected record type %d", fpath, rec.tp)
		}
		var ent raftpb.Entry
		if err = ent.Unmarshal(rec.data); err != nil {
			return nil, false, fmt.Errorf("raftlog: segment %q: %w", fpath, err)
		}
		if want := seg.lastIndex() + 1; ent.Index != want {
			return nil, false, fmt.Errorf("raftlog: segment %q: entry index %d, want %d", fpath, ent.Index, want)
		}
		seg.entries = append(seg.entries, entryPos{offset: off, term: ent.Term, crc: dec.crc})
	}
}

// repairTail copies the torn segment aside and truncates it to size.
func repairTail(seg *segment) error {
	logger.Warningf("repairing torn tail of %q at offset %d", seg.path, seg.size)

	f, err := os.OpenFile(seg.path, os.O_RDWR, fileutil.PrivateFileMode)
	if err != nil {
		return err
	}
	defer f.Close()

	bf, err := os.Create(seg.path + ".broken")
	if err != nil {
		return err
	}
	defer bf.Close()
	if _, err = io.Copy(bf, f); err != nil {
		return err
	}

	if err = f.Truncate(seg.size); err != nil {
		return err
	}
	return fileutil.Fsync(f)
}
