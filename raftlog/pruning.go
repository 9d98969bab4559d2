package raftlog

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PruningStrategy decides how much of the log may be dropped.
type PruningStrategy interface {
	// PruneIndex returns the highest index whose removal the strategy
	// allows, given the segments oldest first. Callers still clamp it to
	// what is safe to remove.
	PruneIndex(segs []SegmentInfo, now time.Time) uint64

	String() string
}

// ParsePruningStrategy parses a strategy of the form "<n> <unit>",
// where unit is one of entries, files, size, hours, days. "keep_all"
// (or "true") keeps every segment, "keep_none" (or "false") keeps only
// the tail. Sizes accept k, m and g suffixes.
func ParsePruningStrategy(s string) (PruningStrategy, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch s {
	case "keep_all", "true":
		return keepAll{}, nil
	case "keep_none", "false":
		return keepNone{}, nil
	}

	fs := strings.Fields(s)
	if len(fs) != 2 {
		return nil, fmt.Errorf("raftlog: invalid pruning strategy %q", s)
	}
	unit := fs[1]
	if unit == "size" {
		n, err := ParseSize(fs[0])
		if err != nil {
			return nil, fmt.Errorf("raftlog: invalid pruning strategy %q: %w", s, err)
		}
		return keepSize(n), nil
	}

	n, err := strconv.ParseUint(fs[0], 10, 64)
	if err != nil || n == 0 {
		return nil, fmt.Errorf("raftlog: invalid pruning strategy %q: bad count %q", s, fs[0])
	}
	switch unit {
	case "entries", "txs":
		return keepEntries(n), nil
	case "files":
		return keepFiles(n), nil
	case "hours", "hrs", "h":
		return keepAge(time.Duration(n) * time.Hour), nil
	case "days", "d":
		return keepAge(time.Duration(n) * 24 * time.Hour), nil
	}
	return nil, fmt.Errorf("raftlog: invalid pruning strategy %q: unknown unit %q", s, unit)
}

// ParseSize parses a byte size such as "250", "64k", "250m" or "1g".
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "k"):
		mult, s = 1<<10, strings.TrimSuffix(s, "k")
	case strings.HasSuffix(s, "m"):
		mult, s = 1<<20, strings.TrimSuffix(s, "m")
	case strings.HasSuffix(s, "g"):
		mult, s = 1<<30, strings.TrimSuffix(s, "g")
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("bad size %q", s)
	}
	return n * mult, nil
}

type keepAll struct{}

func (keepAll) PruneIndex([]SegmentInfo, time.Time) uint64 { return 0 }
func (keepAll) String() string                               { return "keep_all" }

type keepNone struct{}

func (keepNone) PruneIndex(segs []SegmentInfo, _ time.Time) uint64 {
	if len(segs) == 0 {
		return 0
	}
	return segs[len(segs)-1].PrevIndex
}
func (keepNone) String() string { return "keep_none" }

// keepEntries keeps at least n entries.
type keepEntries uint64

func (k keepEntries) PruneIndex(segs []SegmentInfo, _ time.Time) uint64 {
	var kept uint64
	for i := len(segs) - 1; i >= 0; i-- {
		kept += segs[i].LastIndex - segs[i].PrevIndex
		if kept >= uint64(k) {
			return segs[i].PrevIndex
		}
	}
	return 0
}
func (k keepEntries) String() string { return fmt.Sprintf("%d entries", uint64(k)) }

// keepFiles keeps the n newest segments.
type keepFiles uint64

func (k keepFiles) PruneIndex(segs []SegmentInfo, _ time.Time) uint64 {
	if uint64(len(segs)) <= uint64(k) {
		return 0
	}
	return segs[uint64(len(segs))-uint64(k)].PrevIndex
}
func (k keepFiles) String() string { return fmt.Sprintf("%d files", uint64(k)) }

// keepSize keeps the newest segments whose total size stays within n
// bytes, and always the tail.
type keepSize int64

func (k keepSize) PruneIndex(segs []SegmentInfo, _ time.Time) uint64 {
	var total int64
	for i := len(segs) - 1; i >= 0; i-- {
		total += segs[i].Size
		if total > int64(k) && i < len(segs)-1 {
			return segs[i].LastIndex
		}
	}
	return 0
}
func (k keepSize) String() string { return fmt.Sprintf("%d size", int64(k)) }

// keepAge keeps segments written to within d.
type keepAge time.Duration

func (k keepAge) PruneIndex(segs []SegmentInfo, now time.Time) uint64 {
	cutoff := now.Add(-time.Duration(k))
	var idx uint64
	for i := 0; i < len(segs)-1; i++ {
		if !segs[i].ModTime.Before(cutoff) {
			break
		}
		idx = segs[i].LastIndex
	}
	return idx
}
func (k keepAge) String() string { return fmt.Sprintf("%s age", time.Duration(k)) }
