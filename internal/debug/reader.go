package debug

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"
)

// Entry is one decoded log entry.
type Entry struct {
	Time   time.Time
	Kind   DebugKind
	Source string
	Data   []byte
}

// Exit decodes the entry as an exit record.
func (e Entry) Exit() (ExitRecord, error) {
	if e.Kind != DebugKindExit {
		return ExitRecord{}, fmt.Errorf("debug: %s entry is not an exit", e.Kind)
	}
	return DecodeExitRecord(e.Data)
}

// Filter selects entries. Zero fields match everything.
type Filter struct {
	Sources []string
	Kinds   []DebugKind
	Start   time.Time
	End     time.Time
	// Limit keeps only the first Limit matches, or the last -Limit when
	// negative.
	Limit int
}

func (f Filter) match(e *indexEntry, src string) bool {
	if len(f.Sources) > 0 && !slices.Contains(f.Sources, src) {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, e.kind) {
		return false
	}
	ts := time.Unix(0, e.unixNano)
	if !f.Start.IsZero() && ts.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && ts.After(f.End) {
		return false
	}
	return true
}

type indexEntry struct {
	off      int64
	unixNano int64
	kind     DebugKind
	source   int
}

// Reader reads a log written by this package. Entries are returned in
// timestamp order; entries reserved but never completed are skipped.
type Reader struct {
	r       io.ReaderAt
	entries []indexEntry
	sources []string
}

// NewReader indexes the log in r.
func NewReader(r io.ReaderAt, size int64) (*Reader, error) {
	rd := &Reader{r: r}
	if err := rd.index(io.NewSectionReader(r, 0, size)); err != nil {
		return nil, err
	}
	return rd, nil
}

// NewReaderFromFile opens and indexes a log file.
func NewReaderFromFile(filename string) (*Reader, io.Closer, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, nil, fmt.Errorf("debug: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("debug: %w", err)
	}
	rd, err := NewReader(f, st.Size())
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return rd, f, nil
}

func (rd *Reader) index(r io.Reader) error {
	br := bufio.NewReaderSize(r, 1<<20)
	seen := make(map[string]int)
	var hdr [headerSize]byte
	var off int64
	for {
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return fmt.Errorf("debug: read header at %d: %w", off, err)
		}
		kind := DebugKind(binary.LittleEndian.Uint16(hdr[0:2]))
		srcLen := int(binary.LittleEndian.Uint16(hdr[2:4]))
		dataLen := int64(binary.LittleEndian.Uint32(hdr[4:8]))
		ts := int64(binary.LittleEndian.Uint64(hdr[8:16]))
		if kind == DebugKindInvalid {
			// A hole left by a writer that never finished; nothing after
			// it can be located.
			break
		}
		src := make([]byte, srcLen)
		if _, err := io.ReadFull(br, src); err != nil {
			break
		}
		if _, err := br.Discard(int(dataLen)); err != nil {
			break
		}
		id, ok := seen[string(src)]
		if !ok {
			id = len(rd.sources)
			seen[string(src)] = id
			rd.sources = append(rd.sources, string(src))
		}
		rd.entries = append(rd.entries, indexEntry{off: off, unixNano: ts, kind: kind, source: id})
		off += headerSize + int64(srcLen) + dataLen
	}
	slices.SortStableFunc(rd.entries, func(a, b indexEntry) int {
		switch {
		case a.unixNano < b.unixNano:
			return -1
		case a.unixNano > b.unixNano:
			return 1
		}
		return 0
	})
	return nil
}

// Sources returns every source in order of first appearance.
func (rd *Reader) Sources() []string { return slices.Clone(rd.sources) }

// Len returns the number of entries.
func (rd *Reader) Len() int { return len(rd.entries) }

// TimeRange returns the first and last timestamps.
func (rd *Reader) TimeRange() (time.Time, time.Time) {
	if len(rd.entries) == 0 {
		return time.Time{}, time.Time{}
	}
	return time.Unix(0, rd.entries[0].unixNano), time.Unix(0, rd.entries[len(rd.entries)-1].unixNano)
}

// Search calls fn for every entry matching f.
func (rd *Reader) Search(f Filter, fn func(Entry) error) error {
	var match []*indexEntry
	for i := range rd.entries {
		e := &rd.entries[i]
		if f.match(e, rd.sources[e.source]) {
			match = append(match, e)
		}
	}
	switch {
	case f.Limit > 0 && len(match) > f.Limit:
		match = match[:f.Limit]
	case f.Limit < 0 && len(match) > -f.Limit:
		match = match[len(match)+f.Limit:]
	}
	for _, e := range match {
		entry, err := rd.read(e)
		if err != nil {
			return err
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	return nil
}

// Each calls fn for every entry.
func (rd *Reader) Each(fn func(Entry) error) error { return rd.Search(Filter{}, fn) }

func (rd *Reader) read(e *indexEntry) (Entry, error) {
	var hdr [headerSize]byte
	if _, err := rd.r.ReadAt(hdr[:], e.off); err != nil {
		return Entry{}, fmt.Errorf("debug: read entry at %d: %w", e.off, err)
	}
	srcLen := int64(binary.LittleEndian.Uint16(hdr[2:4]))
	data := make([]byte, binary.LittleEndian.Uint32(hdr[4:8]))
	if _, err := rd.r.ReadAt(data, e.off+headerSize+srcLen); err != nil {
		return Entry{}, fmt.Errorf("debug: read entry at %d: %w", e.off, err)
	}
	return Entry{
		Time:   time.Unix(0, e.unixNano),
		Kind:   e.kind,
		Source: rd.sources[e.source],
		Data:   data,
	}, nil
}
