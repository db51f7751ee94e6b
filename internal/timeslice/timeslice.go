// Package timeslice accounts where VCPU workers spend their time. Each
// worker owns a Recorder that charges the time since its previous call to
// a registered kind; while a sink is open the records are streamed to it.
package timeslice

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	Magic   uint32 = 0x54565353 // "SSVT"
	Version uint32 = 3

	// headerAlign pads the kind table so records start on a page boundary.
	headerAlign = 4096
)

type header struct {
	Magic     uint32
	Version   uint32
	KindsSize uint32
}

// ID names a registered kind. Zero is never registered.
type ID uint32

type SliceFlags uint32

const (
	// SliceFlagGuestTime marks time spent executing guest code.
	SliceFlagGuestTime SliceFlags = 1 << iota
	// SliceFlagExitTime marks time spent handling exits.
	SliceFlagExitTime
)

func (f SliceFlags) String() string {
	var parts []string
	if f&SliceFlagGuestTime != 0 {
		parts = append(parts, "guest")
	}
	if f&SliceFlagExitTime != 0 {
		parts = append(parts, "exit")
	}
	return strings.Join(parts, ",")
}

// Kind describes a registered ID.
type Kind struct {
	ID    ID         `json:"id"`
	Name  string     `json:"name"`
	Flags SliceFlags `json:"flags"`
}

var (
	kindsMu sync.Mutex
	kinds   []Kind
)

// RegisterKind adds a kind. It is meant for package-level variables.
func RegisterKind(name string, flags SliceFlags) ID {
	kindsMu.Lock()
	defer kindsMu.Unlock()
	id := ID(len(kinds) + 1)
	kinds = append(kinds, Kind{ID: id, Name: name, Flags: flags})
	return id
}

// Kinds returns every registered kind.
func Kinds() []Kind {
	kindsMu.Lock()
	defer kindsMu.Unlock()
	return append([]Kind(nil), kinds...)
}

type record struct {
	ID       ID
	Source   uint32
	Duration int64
}

var recordSize = binary.Size(record{})

type stream struct {
	w    io.Writer
	recs chan record
	done chan error
}

var active atomic.Pointer[stream]

func (s *stream) run() {
	bw := bufio.NewWriterSize(s.w, 64*recordSize)
	var buf [16]byte
	var err error
	for rec := range s.recs {
		if err != nil {
			continue
		}
		binary.LittleEndian.PutUint32(buf[0:4], uint32(rec.ID))
		binary.LittleEndian.PutUint32(buf[4:8], rec.Source)
		binary.LittleEndian.PutUint64(buf[8:16], uint64(rec.Duration))
		_, err = bw.Write(buf[:])
	}
	if err == nil {
		err = bw.Flush()
	}
	s.done <- err
}

// Close stops recording and waits for every record to be written.
func (s *stream) Close() error {
	if !active.CompareAndSwap(s, nil) {
		return errors.New("timeslice: already closed")
	}
	close(s.recs)
	if err := <-s.done; err != nil {
		return fmt.Errorf("timeslice: write records: %w", err)
	}
	return nil
}

// Open starts streaming records to w. Only one sink may be open.
func Open(w io.Writer) (io.Closer, error) {
	if active.Load() != nil {
		return nil, errors.New("timeslice: already open")
	}
	table, err := json.Marshal(Kinds())
	if err != nil {
		return nil, fmt.Errorf("timeslice: encode kinds: %w", err)
	}
	hdr := header{Magic: Magic, Version: Version, KindsSize: uint32(len(table))}
	if err := binary.Write(w, binary.LittleEndian, hdr); err != nil {
		return nil, fmt.Errorf("timeslice: write header: %w", err)
	}
	if _, err := w.Write(table); err != nil {
		return nil, fmt.Errorf("timeslice: write kinds: %w", err)
	}
	if pad := padding(binary.Size(hdr) + len(table)); pad > 0 {
		if _, err := w.Write(make([]byte, pad)); err != nil {
			return nil, fmt.Errorf("timeslice: write padding: %w", err)
		}
	}

	s := &stream{w: w, recs: make(chan record, 4096), done: make(chan error, 1)}
	if !active.CompareAndSwap(nil, s) {
		return nil, errors.New("timeslice: already open")
	}
	go s.run()
	return s, nil
}

func padding(n int) int {
	if n%headerAlign == 0 {
		return 0
	}
	return headerAlign - n%headerAlign
}

// Record charges d to id on behalf of source. It drops the record when no
// sink is open.
func Record(id ID, source int, d time.Duration) {
	if s := active.Load(); s != nil {
		s.recs <- record{ID: id, Source: uint32(source), Duration: d.Nanoseconds()}
	}
}

// Recorder charges consecutive intervals of one worker. It must not be
// shared between goroutines.
type Recorder struct {
	source int
	last   time.Time
}

// NewRecorder returns a Recorder for the worker identified by source.
func NewRecorder(source int) *Recorder {
	return &Recorder{source: source, last: time.Now()}
}

// Record charges the time since the previous call to id.
func (r *Recorder) Record(id ID) {
	now := time.Now()
	d := now.Sub(r.last)
	r.last = now
	Record(id, r.source, d)
}

// ReadAll decodes a stream written by Open and calls fn for every record.
func ReadAll(r io.Reader, fn func(k Kind, source int, d time.Duration) error) error {
	br := bufio.NewReaderSize(r, headerAlign)
	var hdr header
	if err := binary.Read(br, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("timeslice: read header: %w", err)
	}
	if hdr.Magic != Magic {
		return fmt.Errorf("timeslice: bad magic %#x", hdr.Magic)
	}
	if hdr.Version != Version {
		return fmt.Errorf("timeslice: unsupported version %d", hdr.Version)
	}
	var table []Kind
	if err := json.NewDecoder(io.LimitReader(br, int64(hdr.KindsSize))).Decode(&table); err != nil {
		return fmt.Errorf("timeslice: decode kinds: %w", err)
	}
	byID := make(map[ID]Kind, len(table))
	for _, k := range table {
		byID[k.ID] = k
	}
	if _, err := br.Discard(padding(binary.Size(hdr) + int(hdr.KindsSize))); err != nil {
		return fmt.Errorf("timeslice: skip padding: %w", err)
	}

	for {
		var rec record
		if err := binary.Read(br, binary.LittleEndian, &rec); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("timeslice: read record: %w", err)
		}
		k, ok := byID[rec.ID]
		if !ok {
			return fmt.Errorf("timeslice: unknown kind %d", rec.ID)
		}
		if err := fn(k, int(rec.Source), time.Duration(rec.Duration)); err != nil {
			return err
		}
	}
}

// Total is the time charged to one kind.
type Total struct {
	Kind  Kind
	Count int
	Time  time.Duration
}

// Summarize adds up a stream per kind, largest total first.
func Summarize(r io.Reader) ([]Total, error) {
	sums := make(map[ID]*Total)
	err := ReadAll(r, func(k Kind, _ int, d time.Duration) error {
		t, ok := sums[k.ID]
		if !ok {
			t = &Total{Kind: k}
			sums[k.ID] = t
		}
		t.Count++
		t.Time += d
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]Total, 0, len(sums))
	for _, t := range sums {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Time != out[j].Time {
			return out[i].Time > out[j].Time
		}
		return out[i].Kind.ID < out[j].Kind.ID
	})
	return out, nil
}
