// Package raftlog implements the durable raft log as a sequence of
// size-bounded segment files.
//
// Every segment starts with a header record naming the index and term
// of the entry preceding it, followed by one record per entry. Records
// are 8-byte aligned with a length header that cannot be torn, and carry
// a CRC chained over the segment. Appends are fsynced before the new
// entries become visible to readers.
package raftlog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/neo4j/neo4j-sub208/pkg/fileutil"
	"github.com/neo4j/neo4j-sub208/pkg/logutil"
	"github.com/neo4j/neo4j-sub208/raft/raftpb"
)

var logger = logutil.NewPackageLogger("raftlog")

// DefaultRotationSize is the segment size at which the tail is cut.
const DefaultRotationSize = 250 * 1024 * 1024

var (
	// ErrNotFound is returned for an index that is not in the log.
	ErrNotFound = errors.New("raftlog: entry not found")

	// ErrCompacted is returned for an index that has been pruned. It
	// wraps ErrNotFound.
	ErrCompacted = fmt.Errorf("%w: pruned", ErrNotFound)

	// ErrNonContiguous is returned when appended entries do not follow
	// the last index.
	ErrNonContiguous = errors.New("raftlog: non-contiguous append")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("raftlog: closed")

	// ErrLocked is returned when another process owns the directory.
	ErrLocked = errors.New("raftlog: directory locked by another process")
)

// Config configures a Log.
type Config struct {
	// RotationSize is the size in bytes at which the tail segment is
	// closed and a new one started.
	RotationSize int64
}

// SegmentInfo describes one segment, for pruning decisions.
type SegmentInfo struct {
	Seq       uint64
	PrevIndex uint64
	LastIndex uint64
	Size      int64
	ModTime   time.Time
}

// Log is a segmented raft log. One writer and any number of readers
// may use it concurrently.
type Log struct {
	dir  string
	cfg  Config
	lock *fileutil.LockedFile

	// wmu serializes writers; tailFile and enc belong to it.
	wmu      sync.Mutex
	tailFile *os.File
	enc      *encoder
	failed   error

	// mu guards what readers see.
	mu        sync.RWMutex
	segments  *btree.BTreeG[*segment]
	tail      *segment
	prevIndex uint64
	prevTerm  uint64
	lastIndex uint64
	lastTerm  uint64
	closed    bool
}

func newSegmentTree() *btree.BTreeG[*segment] {
	return btree.NewG(32, func(a, b *segment) bool { return a.prevIndex < b.prevIndex })
}

// Open opens the log in dir, creating it when empty. A torn record at
// the end of the last segment is cut away.
func Open(dir string, cfg Config) (*Log, error) {
	if cfg.RotationSize <= 0 {
		cfg.RotationSize = DefaultRotationSize
	}
	if err := fileutil.MkdirAll(dir); err != nil {
		return nil, err
	}
	lock, err := fileutil.TryLockFile(filepath.Join(dir, "LOCK"), os.O_CREATE|os.O_RDWR, fileutil.PrivateFileMode)
	if err != nil {
		if errors.Is(err, fileutil.ErrLocked) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, dir)
		}
		return nil, err
	}

	l := &Log{dir: dir, cfg: cfg, lock: lock, segments: newSegmentTree()}
	if err = l.load(); err != nil {
		l.closeFiles()
		return nil, err
	}
	if err = l.openTail(); err != nil {
		l.closeFiles()
		return nil, err
	}

	logger.Infof("opened %q [prev index=%d | last index=%d | segments=%d]", dir, l.prevIndex, l.lastIndex, l.segments.Len())
	return l, nil
}

func (l *Log) load() error {
	if err := fileutil.RemoveMatchFile(l.dir, func(n string) bool { return strings.HasSuffix(n, ".tmp") }); err != nil {
		return err
	}

	names, err := fileutil.ReadDir(l.dir)
	if err != nil {
		return err
	}
	var (
		seqs  []uint64
		paths []string
	)
	for _, n := range names {
		seq, _, err := parseSegmentName(n)
		if err != nil {
			continue
		}
		seqs = append(seqs, seq)
		paths = append(paths, filepath.Join(l.dir, n))
	}

	if len(paths) == 0 {
		seg, err := createSegment(l.dir, 1, 0, 0)
		if err != nil {
			return err
		}
		return l.publish(seg)
	}

	var loaded []*segment
	for i, fpath := range paths {
		tail := i == len(paths)-1
		seg, torn, err := loadSegment(fpath, seqs[i], tail)
		if err != nil {
			return err
		}
		if torn {
			if err = repairTail(seg); err != nil {
				return fmt.Errorf("raftlog: repair %q: %w", fpath, err)
			}
		}

		if n := len(loaded); n > 0 {
			prev := loaded[n-1]
			follows := seg.prevIndex == prev.lastIndex() && seg.prevTerm == prev.lastTerm()
			switch {
			case !follows && tail:
				// Skip writes its segment before removing the old ones
				logger.Warningf("dropping %d segment(s) before %q [prev index=%d | prev term=%d]", n, fpath, seg.prevIndex, seg.prevTerm)
				for _, old := range loaded {
					if err = os.Remove(old.path); err != nil {
						return err
					}
				}
				loaded = loaded[:0]
			case !follows:
				return fmt.Errorf("raftlog: segment %q [prev index=%d, prev term=%d] does not follow %q [last index=%d, last term=%d]",
					fpath, seg.prevIndex, seg.prevTerm, prev.path, prev.lastIndex(), prev.lastTerm())
			}
		}
		loaded = append(loaded, seg)
	}

	for _, seg := range loaded {
		if err = l.publish(seg); err != nil {
			return err
		}
	}
	return nil
}

// publish adds seg as the newest segment. Callers hold mu or own l exclusively.
func (l *Log) publish(seg *segment) error {
	if err := seg.openReader(); err != nil {
		return err
	}
	if l.segments.Len() == 0 {
		l.prevIndex, l.prevTerm = seg.prevIndex, seg.prevTerm
	}
	l.segments.ReplaceOrInsert(seg)
	l.tail = seg
	l.lastIndex, l.lastTerm = seg.lastIndex(), seg.lastTerm()
	return nil
}

// openTail opens the tail segment for appending. Callers hold wmu.
func (l *Log) openTail() error {
	if l.tailFile != nil {
		l.tailFile.Close()
		l.tailFile = nil
	}
	f, err := os.OpenFile(l.tail.path, os.O_WRONLY, fileutil.PrivateFileMode)
	if err != nil {
		return err
	}
	if _, err = f.Seek(l.tail.size, io.SeekStart); err != nil {
		f.Close()
		return err
	}
	l.tailFile = f
	l.enc = newEncoder(f, l.tail.lastCRC(), l.tail.size)
	return nil
}

// Append durably appends entries, which must start at LastIndex()+1,
// have contiguous indexes and non-decreasing terms. It returns after
// the entries are fsynced; only then do readers see them.
func (l *Log) Append(ents ...raftpb.Entry) error {
	if len(ents) == 0 {
		return nil
	}

	l.wmu.Lock()
	defer l.wmu.Unlock()
	if err := l.writable(); err != nil {
		return err
	}

	var (
		last, lastTerm = l.lastIndex, l.lastTerm
		off            = l.tail.size
		positions      = make([]entryPos, 0, len(ents))
	)
	for i := range ents {
		e := &ents[i]
		if e.Index != last+1 || e.Term < lastTerm {
			return fmt.Errorf("%w: entry [index=%d, term=%d] after [index=%d, term=%d]", ErrNonContiguous, e.Index, e.Term, last, lastTerm)
		}
		data, err := e.Marshal()
		if err != nil {
			return err
		}
		n, err := l.enc.encode(recordTypeEntry, data)
		if err != nil {
			return l.fail(err)
		}
		positions = append(positions, entryPos{offset: off, term: e.Term, crc: l.enc.crc})
		off += n
		last, lastTerm = e.Index, e.Term
	}
	if err := l.enc.flush(); err != nil {
		return l.fail(err)
	}
	if err := fileutil.Fdatasync(l.tailFile); err != nil {
		return l.fail(err)
	}

	l.mu.Lock()
	l.tail.entries = append(l.tail.entries, positions...)
	l.tail.size = off
	l.tail.modTime = time.Now()
	l.lastIndex, l.lastTerm = last, lastTerm
	l.mu.Unlock()

	if l.tail.size >= l.cfg.RotationSize {
		return l.cut()
	}
	return nil
}

// cut starts a new tail segment. Callers hold wmu.
func (l *Log) cut() error {
	seg, err := createSegment(l.dir, l.tail.seq+1, l.lastIndex, l.lastTerm)
	if err != nil {
		return l.fail(err)
	}

	l.mu.Lock()
	err = l.publish(seg)
	l.mu.Unlock()
	if err != nil {
		return l.fail(err)
	}
	if err = l.openTail(); err != nil {
		return l.fail(err)
	}
	logger.Infof("cut segment %q", filepath.Base(seg.path))
	return nil
}

// Truncate removes every entry with index >= from. Later segments are
// deleted newest first, then the segment holding from is cut short.
// Whether the removed entries are uncommitted is the caller's concern.
func (l *Log) Truncate(from uint64) error {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	if err := l.writable(); err != nil {
		return err
	}

	if from <= l.prevIndex {
		return fmt.Errorf("%w: truncate from %d, prev index %d", ErrCompacted, from, l.prevIndex)
	}
	if from > l.lastIndex {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var drop []*segment
	l.segments.Descend(func(s *segment) bool {
		if s.prevIndex < from {
			return false
		}
		drop = append(drop, s)
		return true
	})
	for _, s := range drop {
		s.closeReader()
		if err := os.Remove(s.path); err != nil {
			return l.fail(err)
		}
		l.segments.Delete(s)
	}
	if len(drop) > 0 {
		if err := fileutil.FsyncDir(l.dir); err != nil {
			return l.fail(err)
		}
	}

	keep := l.find(from)
	size := keep.headerN
	if from > keep.firstIndex() {
		size = keep.pos(from).offset
	}

	l.tailFile.Close()
	l.tailFile = nil
	f, err := os.OpenFile(keep.path, os.O_WRONLY, fileutil.PrivateFileMode)
	if err != nil {
		return l.fail(err)
	}
	if err = f.Truncate(size); err == nil {
		err = fileutil.Fsync(f)
	}
	f.Close()
	if err != nil {
		return l.fail(err)
	}

	keep.entries = keep.entries[:from-keep.firstIndex()]
	keep.size = size
	keep.modTime = time.Now()
	l.tail = keep
	l.lastIndex, l.lastTerm = keep.lastIndex(), keep.lastTerm()

	if err = l.openTail(); err != nil {
		return l.fail(err)
	}
	logger.Infof("truncated %q from index %d", l.dir, from)
	return nil
}

// Prune removes whole segments whose entries are all <= upTo. The tail
// segment is never removed. It returns the new prev index.
func (l *Log) Prune(upTo uint64) (uint64, error) {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	if err := l.writable(); err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var drop []*segment
	l.segments.Ascend(func(s *segment) bool {
		if s == l.tail || s.lastIndex() > upTo {
			return false
		}
		drop = append(drop, s)
		return true
	})
	if len(drop) == 0 {
		return l.prevIndex, nil
	}

	for _, s := range drop {
		l.segments.Delete(s)
		s.closeReader()
		if err := os.Remove(s.path); err != nil {
			return l.prevIndex, l.fail(err)
		}
	}
	first, _ := l.segments.Min()
	l.prevIndex, l.prevTerm = first.prevIndex, first.prevTerm

	logger.Infof("pruned %d segment(s) from %q [prev index=%d]", len(drop), l.dir, l.prevIndex)
	return l.prevIndex, nil
}

// Skip moves the log past index with the given term, discarding every
// entry. It is used after a store copy made the local log obsolete. If
// the log already holds index with that term, Skip does nothing.
func (l *Log) Skip(index, term uint64) error {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	if err := l.writable(); err != nil {
		return err
	}

	if t, err := l.Term(index); err == nil && t == term {
		return nil
	}

	seg, err := createSegment(l.dir, l.tail.seq+1, index, term)
	if err != nil {
		return l.fail(err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var old []*segment
	l.segments.Ascend(func(s *segment) bool {
		old = append(old, s)
		return true
	})
	for _, s := range old {
		s.closeReader()
		if err = os.Remove(s.path); err != nil {
			return l.fail(err)
		}
	}
	l.segments.Clear(false)
	if err = l.publish(seg); err != nil {
		return l.fail(err)
	}
	if err = l.openTail(); err != nil {
		return l.fail(err)
	}

	logger.Infof("skipped %q to [index=%d | term=%d]", l.dir, index, term)
	return nil
}

// Entry returns the entry at index.
func (l *Log) Entry(index uint64) (raftpb.Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if err := l.check(index); err != nil {
		return raftpb.Entry{}, err
	}
	return l.find(index).readEntry(index)
}

// Entries returns entries in [lo, hi), stopping early once their total
// size exceeds maxSize. At least one entry is returned when lo < hi.
// maxSize 0 means no limit.
func (l *Log) Entries(lo, hi, maxSize uint64) ([]raftpb.Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if lo >= hi {
		return nil, nil
	}
	if err := l.check(lo); err != nil {
		return nil, err
	}
	if hi > l.lastIndex+1 {
		return nil, fmt.Errorf("%w: index %d beyond last index %d", ErrNotFound, hi-1, l.lastIndex)
	}

	var (
		ents []raftpb.Entry
		size uint64
		seg  *segment
	)
	for i := lo; i < hi; i++ {
		if seg == nil || !seg.contains(i) {
			seg = l.find(i)
		}
		e, err := seg.readEntry(i)
		if err != nil {
			return nil, err
		}
		size += uint64(e.Size())
		if maxSize > 0 && len(ents) > 0 && size > maxSize {
			break
		}
		ents = append(ents, e)
	}
	return ents, nil
}

// Term returns the term of the entry at index. The prev index of the
// log, and index 0, are answered from the segment header.
func (l *Log) Term(index uint64) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if index == l.prevIndex {
		return l.prevTerm, nil
	}
	if err := l.check(index); err != nil {
		return 0, err
	}
	return l.find(index).pos(index).term, nil
}

// FirstIndex returns the index of the first entry held.
func (l *Log) FirstIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.prevIndex + 1
}

// PrevIndex returns the index preceding the first entry held.
func (l *Log) PrevIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.prevIndex
}

// LastIndex returns the index of the last durable entry.
func (l *Log) LastIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastIndex
}

// LastTerm returns the term of the last durable entry.
func (l *Log) LastTerm() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastTerm
}

// Segments describes the segments, oldest first.
func (l *Log) Segments() []SegmentInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()

	infos := make([]SegmentInfo, 0, l.segments.Len())
	l.segments.Ascend(func(s *segment) bool {
		infos = append(infos, s.info())
		return true
	})
	return infos
}

// Close closes every file and releases the directory lock.
func (l *Log) Close() error {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.closeFiles()
}

func (l *Log) closeFiles() error {
	var err error
	if l.tailFile != nil {
		err = l.tailFile.Close()
		l.tailFile = nil
	}
	l.segments.Ascend(func(s *segment) bool {
		s.closeReader()
		return true
	})
	if l.lock != nil {
		if cerr := l.lock.Close(); err == nil {
			err = cerr
		}
		l.lock = nil
	}
	return err
}

// check reports whether index is held. Callers hold mu.
func (l *Log) check(index uint64) error {
	switch {
	case index <= l.prevIndex:
		return fmt.Errorf("%w: index %d, prev index %d", ErrCompacted, index, l.prevIndex)
	case index > l.lastIndex:
		return fmt.Errorf("%w: index %d beyond last index %d", ErrNotFound, index, l.lastIndex)
	}
	return nil
}

// find returns the segment holding index. Callers hold mu.
func (l *Log) find(index uint64) *segment {
	var found *segment
	l.segments.DescendLessOrEqual(&segment{prevIndex: index - 1}, func(s *segment) bool {
		found = s
		return false
	})
	if found == nil {
		logger.Panicf("no segment for index %d [prev index=%d | last index=%d]", index, l.prevIndex, l.lastIndex)
	}
	return found
}

// writable returns the sticky failure, if any. Callers hold wmu.
func (l *Log) writable() error {
	if l.closed {
		return ErrClosed
	}
	return l.failed
}

// fail records a durability failure. Every later write returns it.
func (l *Log) fail(err error) error {
	l.failed = fmt.Errorf("raftlog: write failed: %w", err)
	logger.Errorf("%v", l.failed)
	return l.failed
}
