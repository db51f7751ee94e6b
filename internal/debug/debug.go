// Package debug is a binary trace log shared by every VCPU worker.
//
// Writers never take a lock: each entry reserves its byte range by adding
// its size to a shared offset and then writes with WriteAt. An entry is
//
//   - 2 bytes kind
//   - 2 bytes source length
//   - 4 bytes data length
//   - 8 bytes timestamp (nanoseconds since epoch)
//   - source bytes
//   - data bytes
//
// Entries of kind DebugKindExit carry one ExitRecord.
package debug

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const headerSize = 16

type DebugKind uint16

const (
	DebugKindInvalid DebugKind = iota
	DebugKindString
	DebugKindExit
)

func (k DebugKind) String() string {
	switch k {
	case DebugKindString:
		return "string"
	case DebugKindExit:
		return "exit"
	default:
		return "invalid"
	}
}

// Writer is where the log goes.
type Writer interface {
	io.WriterAt
	io.Closer
}

type sink struct {
	w Writer
}

var (
	current atomic.Pointer[sink]
	offset  atomic.Int64
)

// ErrAlreadyOpen is returned by Open when it replaced an open log.
var ErrAlreadyOpen = errors.New("debug: log already open, previous writer discarded")

// Open starts logging to w.
func Open(w Writer) error {
	offset.Store(0)
	if current.Swap(&sink{w: w}) != nil {
		return ErrAlreadyOpen
	}
	return nil
}

// OpenFile starts logging to a new file, truncating an old one.
func OpenFile(filename string) error {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("debug: %w", err)
	}
	return Open(f)
}

// Close stops logging and closes the writer.
func Close() error {
	s := current.Swap(nil)
	offset.Store(0)
	if s == nil {
		return nil
	}
	return s.w.Close()
}

// Enabled reports whether a log is open. Callers check it before building
// expensive entries.
func Enabled() bool { return current.Load() != nil }

// Memory is an in-memory log, for tests and short captures.
type Memory struct {
	mu  sync.Mutex
	buf []byte
}

// OpenMemory starts logging into a new Memory.
func OpenMemory() (*Memory, error) {
	m := &Memory{}
	return m, Open(m)
}

func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if end := off + int64(len(p)); end > int64(len(m.buf)) {
		m.buf = append(m.buf, make([]byte, end-int64(len(m.buf)))...)
	}
	return copy(m.buf[off:], p), nil
}

func (m *Memory) Close() error { return nil }

// Bytes returns a copy of everything logged so far.
func (m *Memory) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.buf...)
}

func write(kind DebugKind, source string, data []byte) {
	s := current.Load()
	if s == nil {
		return
	}
	entry := make([]byte, headerSize+len(source)+len(data))
	binary.LittleEndian.PutUint16(entry[0:2], uint16(kind))
	binary.LittleEndian.PutUint16(entry[2:4], uint16(len(source)))
	binary.LittleEndian.PutUint32(entry[4:8], uint32(len(data)))
	binary.LittleEndian.PutUint64(entry[8:16], uint64(time.Now().UnixNano()))
	copy(entry[headerSize:], source)
	copy(entry[headerSize+len(source):], data)

	off := offset.Add(int64(len(entry))) - int64(len(entry))
	// A failing trace must not take a VCPU down.
	_, _ = s.w.WriteAt(entry, off)
}

// Write logs a message under source.
func Write(source, msg string) { write(DebugKindString, source, []byte(msg)) }

// Writef logs a formatted message under source.
func Writef(source, format string, args ...any) {
	write(DebugKindString, source, fmt.Appendf(nil, format, args...))
}

// Debug logs under a fixed source.
type Debug interface {
	Write(msg string)
	Writef(format string, args ...any)
	WriteExit(rec ExitRecord)
}

type source string

func (s source) Write(msg string) { write(DebugKindString, string(s), []byte(msg)) }

func (s source) Writef(format string, args ...any) {
	write(DebugKindString, string(s), fmt.Appendf(nil, format, args...))
}

func (s source) WriteExit(rec ExitRecord) {
	buf := make([]byte, 0, exitRecordSize)
	write(DebugKindExit, string(s), rec.AppendBinary(buf))
}

// WithSource returns a Debug that logs under name.
func WithSource(name string) Debug { return source(name) }
