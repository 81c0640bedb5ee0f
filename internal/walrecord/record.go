// Package walrecord defines the on-disk WAL record framing shared by
// internal/walwriter (the demo/test writer simulating the external primary
// write path) and internal/entryreader's file-backed EntryReader
// implementation. The core tailing pipeline does not own this format — it
// belongs to whatever process writes the WAL — so this package models one
// concrete, reasonable framing rather than a negotiated wire protocol.
//
// Wire layout, one record:
//
//	[4 bytes big-endian payload length][payload bytes][4 bytes big-endian CRC32 of payload]
//
// The length prefix lets a reader distinguish a clean end-of-file (zero
// bytes read at a record boundary) from a truncated trailing write (a
// partial header or payload, the signature of an unclean writer shutdown or
// a writer still flushing).
package walrecord

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"time"
)

// ErrTruncated indicates a partial record: fewer bytes are present than the
// header promises. The writer may still be flushing, or the process may
// have died mid-write; the caller decides which based on context (file
// size, queue depth, age of the partial bytes).
var ErrTruncated = errors.New("walrecord: truncated record")

// ErrCorrupt indicates a record whose checksum does not match its payload,
// or whose declared length is implausible.
var ErrCorrupt = errors.New("walrecord: corrupt record")

// MaxPayloadSize bounds a single record's payload, guarding against a
// garbage length prefix being read as a legitimate (and enormous) size.
const MaxPayloadSize = 64 << 20 // 64 MiB, matching the default batch size cap

const headerSize = 4
const trailerSize = 4

// BulkLoadRef is the wire form of types.BulkLoadRef.
type BulkLoadRef struct {
	Path     string `json:"path"`
	ByteSize int64  `json:"byte_size"`
}

// Cell is the wire form of types.Cell.
type Cell struct {
	RowKey        string        `json:"row_key"`
	IsBulkLoad    bool          `json:"is_bulk_load,omitempty"`
	BulkLoadFiles []BulkLoadRef `json:"bulk_load_files,omitempty"`
}

// Record is the wire form of types.Entry.
type Record struct {
	WriteTime time.Time         `json:"write_time"`
	Table     string            `json:"table"`
	Scope     map[string]string `json:"scope,omitempty"`
	Cells     []Cell            `json:"cells,omitempty"`
	EditBytes int64             `json:"edit_bytes"`
}

// Encode writes one framed record to w and returns the total bytes
// written, so a writer can track its own file offset without a separate
// Stat call.
func Encode(w io.Writer, rec Record) (int64, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("walrecord: marshal: %w", err)
	}

	var header [headerSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))

	var trailer [trailerSize]byte
	binary.BigEndian.PutUint32(trailer[:], crc32.ChecksumIEEE(payload))

	buf := bytes.NewBuffer(make([]byte, 0, headerSize+len(payload)+trailerSize))
	buf.Write(header[:])
	buf.Write(payload)
	buf.Write(trailer[:])

	n, err := w.Write(buf.Bytes())
	return int64(n), err
}

// Decode reads one framed record from r, returning the record and the
// number of bytes consumed. It returns io.EOF (unwrapped) when r is
// positioned exactly at a record boundary and has no more data, ErrTruncated
// when a partial record is present, and ErrCorrupt when the checksum fails
// or the declared length is out of bounds.
func Decode(r io.Reader) (Record, int64, error) {
	var header [headerSize]byte
	n, err := io.ReadFull(r, header[:])
	if err != nil {
		if err == io.EOF && n == 0 {
			return Record{}, 0, io.EOF
		}
		return Record{}, int64(n), fmt.Errorf("%w: header: %v", ErrTruncated, err)
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > MaxPayloadSize {
		return Record{}, headerSize, fmt.Errorf("%w: declared length %d exceeds max %d", ErrCorrupt, length, MaxPayloadSize)
	}

	payload := make([]byte, length)
	pn, err := io.ReadFull(r, payload)
	consumed := int64(headerSize + pn)
	if err != nil {
		return Record{}, consumed, fmt.Errorf("%w: payload: %v", ErrTruncated, err)
	}

	var trailer [trailerSize]byte
	tn, err := io.ReadFull(r, trailer[:])
	consumed += int64(tn)
	if err != nil {
		return Record{}, consumed, fmt.Errorf("%w: checksum: %v", ErrTruncated, err)
	}

	want := binary.BigEndian.Uint32(trailer[:])
	got := crc32.ChecksumIEEE(payload)
	if want != got {
		return Record{}, consumed, fmt.Errorf("%w: checksum mismatch (want %x, got %x)", ErrCorrupt, want, got)
	}

	var rec Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return Record{}, consumed, fmt.Errorf("%w: unmarshal: %v", ErrCorrupt, err)
	}

	return rec, consumed, nil
}
