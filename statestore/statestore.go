// Package statestore persists small records (term, vote, membership,
// applied index) in a pair of alternating slot files so that a crash
// in the middle of a write never leaves a torn record behind.
//
// Each slot file holds one record:
//
//	magic u32 | generation u64 | length u32 | crc32c u32 | payload
//
// A write goes to the inactive slot with a generation one higher than
// the active one, and is fsynced before returning. On open the valid
// slot with the highest generation becomes active.
package statestore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/neo4j/neo4j-sub208/pkg/fileutil"
	"github.com/neo4j/neo4j-sub208/pkg/logutil"
)

var logger = logutil.NewPackageLogger("statestore")

const (
	slotMagic  uint32 = 0x72737331
	headerSize        = 4 + 8 + 4 + 4
)

var (
	// ErrNoState is returned by Read when nothing was ever written.
	ErrNoState = errors.New("statestore: no state")

	// ErrCorruptState is returned when no slot holds a valid record.
	// The member must not participate until recovered.
	ErrCorruptState = errors.New("statestore: both slots corrupt")

	errBadSlot = errors.New("statestore: bad slot")
	crcTable   = crc32.MakeTable(crc32.Castagnoli)
)

// Record is a value that can be stored.
type Record interface {
	Marshal() ([]byte, error)
	Unmarshal(b []byte) error
}

// Store is one named double-slot record.
type Store struct {
	mu sync.Mutex

	dir  string
	name string

	// active is the slot index (0 or 1) holding the latest record,
	// -1 when nothing has been written.
	active     int
	generation uint64
	payload    []byte
}

// Open opens the store named name under dir, creating dir if needed.
func Open(dir, name string) (*Store, error) {
	if err := fileutil.MkdirAll(dir); err != nil {
		return nil, err
	}
	s := &Store{dir: dir, name: name, active: -1}

	var (
		present int
		corrupt int
	)
	for slot := 0; slot < 2; slot++ {
		gen, payload, err := s.readSlot(slot)
		switch {
		case os.IsNotExist(err):
			continue
		case err != nil:
			present++
			corrupt++
			logger.Warningf("ignoring corrupt slot %q (%v)", s.slotPath(slot), err)
			continue
		}
		present++
		if s.active == -1 || gen > s.generation {
			s.active, s.generation, s.payload = slot, gen, payload
		}
	}

	switch {
	case present == 2 && corrupt == 2:
		return nil, fmt.Errorf("%w: %s", ErrCorruptState, filepath.Join(dir, name))
	case present == 1 && corrupt == 1:
		// only the very first write can leave a single torn slot behind
		logger.Warningf("%q has a single torn slot, treating as empty", filepath.Join(dir, name))
	}
	return s, nil
}

// Read decodes the latest record into r.
func (s *Store) Read(r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == -1 {
		return ErrNoState
	}
	return r.Unmarshal(s.payload)
}

// Write durably stores r. It returns only after the slot is fsynced.
func (s *Store) Write(r Record) error {
	payload, err := r.Marshal()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := 0
	if s.active == 0 {
		next = 1
	}
	gen := s.generation + 1

	if err = s.writeSlot(next, gen, payload); err != nil {
		return err
	}
	s.active, s.generation, s.payload = next, gen, payload
	return nil
}

// Generation returns the generation of the active slot.
func (s *Store) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

func (s *Store) slotPath(slot int) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s.%c", s.name, 'a'+slot))
}

func (s *Store) writeSlot(slot int, gen uint64, payload []byte) error {
	buf := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:], slotMagic)
	binary.LittleEndian.PutUint64(buf[4:], gen)
	binary.LittleEndian.PutUint32(buf[12:], uint32(len(payload)))
	copy(buf[headerSize:], payload)
	binary.LittleEndian.PutUint32(buf[16:], checksum(buf))

	fpath := s.slotPath(slot)
	existed := fileutil.Exist(fpath)
	if err := fileutil.WriteSync(fpath, buf, fileutil.PrivateFileMode); err != nil {
		return fmt.Errorf("statestore: write %q: %w", fpath, err)
	}
	if !existed {
		if err := fileutil.FsyncDir(s.dir); err != nil {
			return fmt.Errorf("statestore: fsync dir %q: %w", s.dir, err)
		}
	}
	return nil
}

func (s *Store) readSlot(slot int) (uint64, []byte, error) {
	f, err := os.Open(s.slotPath(slot))
	if err != nil {
		return 0, nil, err
	}
	defer f.Close()

	buf, err := io.ReadAll(f)
	if err != nil {
		return 0, nil, err
	}
	if len(buf) < headerSize {
		return 0, nil, fmt.Errorf("%w: short header (%d bytes)", errBadSlot, len(buf))
	}
	if m := binary.LittleEndian.Uint32(buf[0:]); m != slotMagic {
		return 0, nil, fmt.Errorf("%w: magic %x", errBadSlot, m)
	}
	gen := binary.LittleEndian.Uint64(buf[4:])
	n := binary.LittleEndian.Uint32(buf[12:])
	if int(n) != len(buf)-headerSize {
		return 0, nil, fmt.Errorf("%w: length %d, have %d", errBadSlot, n, len(buf)-headerSize)
	}
	if want, got := binary.LittleEndian.Uint32(buf[16:]), checksum(buf); want != got {
		return 0, nil, fmt.Errorf("%w: crc %x, want %x", errBadSlot, got, want)
	}
	return gen, buf[headerSize:], nil
}

// checksum covers the header fields before the crc and the payload.
func checksum(buf []byte) uint32 {
	crc := crc32.Update(0, crcTable, buf[:16])
	return crc32.Update(crc, crcTable, buf[headerSize:])
}
