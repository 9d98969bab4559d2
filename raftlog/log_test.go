package raftlog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/neo4j/neo4j-sub208/raft/raftpb"
)

func makeEntries(lo, hi, term uint64) []raftpb.Entry {
	var ents []raftpb.Entry
	for i := lo; i < hi; i++ {
		ents = append(ents, raftpb.Entry{Index: i, Term: term, Data: []byte(fmt.Sprintf("data-%d", i))})
	}
	return ents
}

func openLog(t *testing.T, dir string, rotation int64) *Log {
	l, err := Open(dir, Config{RotationSize: rotation})
	require.NoError(t, err)
	return l
}

func TestLogAppendReadReopen(t *testing.T) {
	dir := t.TempDir()
	l := openLog(t, dir, 0)

	require.Equal(t, uint64(0), l.LastIndex())
	require.Equal(t, uint64(1), l.FirstIndex())
	term, err := l.Term(0)
	require.NoError(t, err)
	require.Zero(t, term)

	require.NoError(t, l.Append(makeEntries(1, 11, 1)...))
	require.NoError(t, l.Append(makeEntries(11, 21, 2)...))
	require.Equal(t, uint64(20), l.LastIndex())
	require.Equal(t, uint64(2), l.LastTerm())

	e, err := l.Entry(15)
	require.NoError(t, err)
	require.Equal(t, uint64(2), e.Term)
	require.Equal(t, "data-15", string(e.Data))

	_, err = l.Entry(21)
	require.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, l.Close())

	l = openLog(t, dir, 0)
	defer l.Close()
	require.Equal(t, uint64(20), l.LastIndex())
	ents, err := l.Entries(1, 21, 0)
	require.NoError(t, err)
	require.Len(t, ents, 20)
	for i, e := range ents {
		require.Equal(t, uint64(i+1), e.Index)
	}
}

func TestLogRejectsNonContiguous(t *testing.T) {
	l := openLog(t, t.TempDir(), 0)
	defer l.Close()

	require.NoError(t, l.Append(makeEntries(1, 3, 2)...))
	err := l.Append(raftpb.Entry{Index: 4, Term: 2})
	require.True(t, errors.Is(err, ErrNonContiguous))
	err = l.Append(raftpb.Entry{Index: 3, Term: 1})
	require.True(t, errors.Is(err, ErrNonContiguous))
	require.Equal(t, uint64(2), l.LastIndex())
}

func TestLogSecondOpenLocked(t *testing.T) {
	dir := t.TempDir()
	l := openLog(t, dir, 0)
	defer l.Close()

	_, err := Open(dir, Config{})
	require.True(t, errors.Is(err, ErrLocked))
}

func TestLogRotationAcrossSegments(t *testing.T) {
	dir := t.TempDir()
	l := openLog(t, dir, 512)

	for i := uint64(1); i <= 100; i++ {
		require.NoError(t, l.Append(makeEntries(i, i+1, 1)...))
	}
	segs := l.Segments()
	require.Greater(t, len(segs), 3)
	for i := 1; i < len(segs); i++ {
		require.Equal(t, segs[i-1].LastIndex, segs[i].PrevIndex)
	}

	ents, err := l.Entries(1, 101, 0)
	require.NoError(t, err)
	require.Len(t, ents, 100)
	require.NoError(t, l.Close())

	l = openLog(t, dir, 512)
	defer l.Close()
	require.Equal(t, uint64(100), l.LastIndex())
	require.Equal(t, len(segs), len(l.Segments()))
	e, err := l.Entry(57)
	require.NoError(t, err)
	require.Equal(t, "data-57", string(e.Data))
}

func TestLogEntriesMaxSize(t *testing.T) {
	l := openLog(t, t.TempDir(), 0)
	defer l.Close()
	require.NoError(t, l.Append(makeEntries(1, 11, 1)...))

	one := uint64((&raftpb.Entry{Data: []byte("data-1")}).Size())
	ents, err := l.Entries(1, 11, 3*one)
	require.NoError(t, err)
	require.Len(t, ents, 3)

	ents, err = l.Entries(1, 11, 1)
	require.NoError(t, err)
	require.Len(t, ents, 1)
}

func TestLogTruncate(t *testing.T) {
	tests := []struct {
		from  uint64
		wlast uint64
	}{
		{from: 35, wlast: 34},
		{from: 17, wlast: 16}, // first entry of a segment
		{from: 1, wlast: 0},
		{from: 60, wlast: 50}, // beyond last is a no-op
	}
	for i, tt := range tests {
		dir := t.TempDir()
		l := openLog(t, dir, 400)
		for j := uint64(1); j <= 50; j++ {
			require.NoError(t, l.Append(makeEntries(j, j+1, 1)...))
		}

		require.NoError(t, l.Truncate(tt.from), "#%d", i)
		require.Equal(t, tt.wlast, l.LastIndex(), "#%d", i)

		// conflicting entries from a newer term replace the suffix
		require.NoError(t, l.Append(raftpb.Entry{Index: tt.wlast + 1, Term: 2, Data: []byte("new")}), "#%d", i)
		require.NoError(t, l.Close())

		l = openLog(t, dir, 400)
		require.Equal(t, tt.wlast+1, l.LastIndex(), "#%d", i)
		e, err := l.Entry(tt.wlast + 1)
		require.NoError(t, err)
		require.Equal(t, uint64(2), e.Term)
		require.Equal(t, "new", string(e.Data))
		if tt.wlast > 0 {
			e, err = l.Entry(tt.wlast)
			require.NoError(t, err)
			require.Equal(t, uint64(1), e.Term)
		}
		require.NoError(t, l.Close())
	}
}

func TestLogPrune(t *testing.T) {
	dir := t.TempDir()
	l := openLog(t, dir, 400)
	defer l.Close()
	for j := uint64(1); j <= 50; j++ {
		require.NoError(t, l.Append(makeEntries(j, j+1, 1)...))
	}
	segs := l.Segments()
	require.Greater(t, len(segs), 2)

	// prunes only whole segments
	prev, err := l.Prune(segs[1].LastIndex - 1)
	require.NoError(t, err)
	require.Equal(t, segs[0].LastIndex, prev)
	require.Equal(t, prev+1, l.FirstIndex())

	_, err = l.Entry(prev)
	require.True(t, errors.Is(err, ErrCompacted))
	require.True(t, errors.Is(err, ErrNotFound))
	term, err := l.Term(prev)
	require.NoError(t, err)
	require.Equal(t, uint64(1), term)

	// the tail survives any bound
	_, err = l.Prune(1000)
	require.NoError(t, err)
	require.Len(t, l.Segments(), 1)
	require.Equal(t, uint64(50), l.LastIndex())

	require.True(t, errors.Is(l.Truncate(l.PrevIndex()), ErrCompacted))
}

func TestLogSkip(t *testing.T) {
	dir := t.TempDir()
	l := openLog(t, dir, 0)
	require.NoError(t, l.Append(makeEntries(1, 6, 1)...))

	// already present with the same term
	require.NoError(t, l.Skip(3, 1))
	require.Equal(t, uint64(5), l.LastIndex())

	require.NoError(t, l.Skip(100, 7))
	require.Equal(t, uint64(100), l.PrevIndex())
	require.Equal(t, uint64(100), l.LastIndex())
	term, err := l.Term(100)
	require.NoError(t, err)
	require.Equal(t, uint64(7), term)

	require.NoError(t, l.Append(raftpb.Entry{Index: 101, Term: 7}))
	require.NoError(t, l.Close())

	l = openLog(t, dir, 0)
	defer l.Close()
	require.Equal(t, uint64(100), l.PrevIndex())
	require.Equal(t, uint64(101), l.LastIndex())
	require.Len(t, l.Segments(), 1)
}

func TestLogInterruptedSkipRecovers(t *testing.T) {
	dir := t.TempDir()
	l := openLog(t, dir, 0)
	require.NoError(t, l.Append(makeEntries(1, 6, 1)...))
	require.NoError(t, l.Close())

	// the new segment was written but the old one not yet removed
	_, err := createSegment(dir, 2, 100, 7)
	require.NoError(t, err)

	l = openLog(t, dir, 0)
	defer l.Close()
	require.Equal(t, uint64(100), l.PrevIndex())
	require.Equal(t, uint64(100), l.LastIndex())
}

func TestLogRepairTornTail(t *testing.T) {
	dir := t.TempDir()
	l := openLog(t, dir, 0)
	require.NoError(t, l.Append(makeEntries(1, 11, 1)...))
	segs := l.Segments()
	require.NoError(t, l.Close())

	fpath := filepath.Join(dir, segmentName(segs[0].Seq, segs[0].PrevIndex+1))
	fi, err := os.Stat(fpath)
	require.NoError(t, err)

	// cut the last record in half
	require.NoError(t, os.Truncate(fpath, fi.Size()-5))

	l = openLog(t, dir, 0)
	require.Equal(t, uint64(9), l.LastIndex())
	require.FileExists(t, fpath+".broken")

	require.NoError(t, l.Append(raftpb.Entry{Index: 10, Term: 2}))
	require.NoError(t, l.Close())

	l = openLog(t, dir, 0)
	defer l.Close()
	require.Equal(t, uint64(10), l.LastIndex())
}

func TestLogTornTailZeroedSector(t *testing.T) {
	dir := t.TempDir()
	l := openLog(t, dir, 0)
	require.NoError(t, l.Append(makeEntries(1, 4, 1)...))
	segs := l.Segments()
	require.NoError(t, l.Close())

	// the last record's length made it to disk, its data did not
	fpath := filepath.Join(dir, segmentName(segs[0].Seq, segs[0].PrevIndex+1))
	b, err := os.ReadFile(fpath)
	require.NoError(t, err)
	size := len(b)
	l2 := openLog(t, dir, 0)
	off := l2.find(3).pos(3).offset
	require.NoError(t, l2.Close())
	for i := int(off) + byteBitN; i < size; i++ {
		b[i] = 0
	}
	require.NoError(t, os.WriteFile(fpath, b, 0600))

	l = openLog(t, dir, 0)
	defer l.Close()
	require.Equal(t, uint64(2), l.LastIndex())
}

func TestLogCorruptMiddleSegmentFails(t *testing.T) {
	dir := t.TempDir()
	l := openLog(t, dir, 300)
	for j := uint64(1); j <= 30; j++ {
		require.NoError(t, l.Append(makeEntries(j, j+1, 1)...))
	}
	segs := l.Segments()
	require.Greater(t, len(segs), 2)
	require.NoError(t, l.Close())

	fpath := filepath.Join(dir, segmentName(segs[0].Seq, segs[0].PrevIndex+1))
	b, err := os.ReadFile(fpath)
	require.NoError(t, err)
	b[len(b)-10] ^= 0xff
	require.NoError(t, os.WriteFile(fpath, b, 0600))

	_, err = Open(dir, Config{RotationSize: 300})
	require.Error(t, err)
}
