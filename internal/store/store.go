// Package store defines the wide-column backing-store protocol the index
// layer is written against, together with adapters for Badger and
// PostgreSQL.
//
// A store holds rows of sorted columns. Every write carries a caller-supplied
// timestamp and conflicting writes resolve last-writer-wins; a delete leaves
// a tombstone that hides older writes.
package store

import (
	"context"
	"encoding/binary"
	"errors"
)

// Column is one live cell returned by a scan.
type Column struct {
	Key       []byte
	Value     []byte
	Timestamp uint64
}

// ScanOptions bounds a row scan. Lower is inclusive, Upper exclusive, and a
// nil bound is open. Reversed walks from Upper down to Lower.
type ScanOptions struct {
	Lower    []byte
	Upper    []byte
	Limit    int
	Reversed bool
}

// Store is the backing-store protocol.
type Store interface {
	Put(ctx context.Context, row, key, value []byte, ts uint64) error
	Delete(ctx context.Context, row, key []byte, ts uint64) error
	Scan(ctx context.Context, row []byte, opts ScanOptions) ([]Column, error)
	Close() error
}

// GarbageCollector is implemented by stores that can reclaim space held by
// expired tombstones.
type GarbageCollector interface {
	CollectGarbage(ctx context.Context) error
}

// Pinger is implemented by stores with a remote health check.
type Pinger interface {
	Ping(ctx context.Context) error
}

var errShortCell = errors.New("stored cell shorter than its header")

// Cells are stored as an 8-byte big-endian timestamp, a flag byte and the
// payload.
const cellHeaderLen = 9

const flagTombstone byte = 0x01

func encodeCell(value []byte, ts uint64, tombstone bool) []byte {
	buf := make([]byte, cellHeaderLen+len(value))
	binary.BigEndian.PutUint64(buf, ts)
	if tombstone {
		buf[8] = flagTombstone
	}
	copy(buf[cellHeaderLen:], value)
	return buf
}

func decodeCell(b []byte) (value []byte, ts uint64, tombstone bool, err error) {
	if len(b) < cellHeaderLen {
		return nil, 0, false, errShortCell
	}
	return b[cellHeaderLen:], binary.BigEndian.Uint64(b), b[8]&flagTombstone != 0, nil
}

func prefixEnd(p []byte) []byte {
	end := append([]byte(nil), p...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xFF {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

func concat(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
