// Package debug is the process-wide trace sink used by every device and by
// the exit dispatcher. It is intentionally not a structured-logging
// framework: callers hand it a source tag and a formatted message, and it
// appends a length-prefixed record to whatever sink was opened.
package debug

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"
)

type write struct {
	off  int64
	data []byte
}

// Writer is the sink a trace stream is written to.
type Writer interface {
	io.WriterAt
	io.Closer
}

type writerHandle struct {
	w Writer
}

var (
	fh     atomic.Pointer[writerHandle]
	offset atomic.Uint64
)

// OpenFile truncates and opens filename as the process-wide trace sink.
func OpenFile(filename string) error {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	return Open(f)
}

// Open installs w as the process-wide trace sink, discarding any prior one.
func Open(w Writer) error {
	offset.Store(0)
	if prev := fh.Swap(&writerHandle{w: w}); prev != nil {
		return fmt.Errorf("debug: already open, discarded old writer")
	}
	return nil
}

// memoryWriter is a Writer backed by an in-memory list of writes, used by tests that
// want to assert on what was traced without touching the filesystem.
type memoryWriter struct {
	entries []write
}

func (m *memoryWriter) WriteAt(p []byte, off int64) (int, error) {
	m.entries = append(m.entries, write{off: off, data: append([]byte(nil), p...)})
	return len(p), nil
}

func (m *memoryWriter) Close() error { return nil }

// OpenMemory installs an in-memory trace sink and returns it so tests can
// inspect the raw records.
func OpenMemory() (*memoryWriter, error) {
	mem := &memoryWriter{}
	if err := Open(mem); err != nil {
		return nil, err
	}
	return mem, nil
}

// Close detaches and closes the current trace sink, if any.
func Close() error {
	h := fh.Swap(nil)
	if h != nil {
		if err := h.w.Close(); err != nil {
			return err
		}
	}
	offset.Store(0)
	return nil
}

// Kind distinguishes raw-byte records from formatted-string records.
type Kind uint16

const (
	KindInvalid Kind = iota
	KindBytes
	KindString
)

// record layout: 2B kind, 2B source length, 4B data length, 8B unix nanos,
// source bytes, data bytes.
func encodeHeader(kind Kind, source string, data []byte) ([]byte, int64) {
	header := make([]byte, 16)
	binary.LittleEndian.PutUint16(header[0:2], uint16(kind))
	binary.LittleEndian.PutUint16(header[2:4], uint16(len(source)))
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(data)))
	binary.LittleEndian.PutUint64(header[8:16], uint64(time.Now().UnixNano()))
	return header, int64(len(source) + len(data) + 16)
}

func writeRecord(kind Kind, source string, data []byte) {
	h := fh.Load()
	if h == nil {
		return
	}
	header, size := encodeHeader(kind, source, data)
	off := offset.Add(uint64(size)) - uint64(size)
	record := make([]byte, 0, size)
	record = append(record, header...)
	record = append(record, source...)
	record = append(record, data...)
	if _, err := h.w.WriteAt(record, int64(off)); err != nil {
		panic(err)
	}
}

// WriteBytes appends a raw-byte trace record under source.
func WriteBytes(source string, data []byte) {
	writeRecord(KindBytes, source, data)
}

// Write appends a string trace record under source.
func Write(source string, data string) {
	writeRecord(KindString, source, []byte(data))
}

// Writef appends a formatted string trace record under source. This is the
// call site every device and the exit dispatcher use at each dispatch
// decision.
func Writef(source string, format string, args ...any) {
	writeRecord(KindString, source, fmt.Appendf(nil, format, args...))
}

// Debug is a source-bound emitter, for callers that want to avoid repeating
// the source string at every call site.
type Debug interface {
	WriteBytes(data []byte)
	Write(data string)
	Writef(format string, args ...any)
}

type bound struct{ source string }

func (d *bound) WriteBytes(data []byte)          { writeRecord(KindBytes, d.source, data) }
func (d *bound) Write(data string)               { writeRecord(KindString, d.source, []byte(data)) }
func (d *bound) Writef(format string, args ...any) {
	writeRecord(KindString, d.source, fmt.Appendf(nil, format, args...))
}

// WithSource returns a Debug bound to source.
func WithSource(source string) Debug {
	return &bound{source: source}
}
