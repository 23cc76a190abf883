package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/pkg/logger"
	"github.com/dgraph-io/badger/v4"
)

// BadgerOptions configures a Badger-backed store.
type BadgerOptions struct {
	DataDir  string
	InMemory bool
	// TombstoneTTL lets Badger expire tombstones once no delayed write can
	// still be in flight. Zero keeps them forever.
	TombstoneTTL time.Duration
}

// Badger emulates a wide-column store on top of an ordered key-value store.
// Each cell lives under uvarint(len(row)) | row | 0x00 | column key.
type Badger struct {
	db           *badger.DB
	tombstoneTTL time.Duration
	logger       *slog.Logger
}

const maxConflictRetries = 5

// OpenBadger opens (or creates) a Badger store.
func OpenBadger(opts BadgerOptions) (*Badger, error) {
	dir := opts.DataDir
	if opts.InMemory {
		dir = ""
	}
	badgerOpts := badger.DefaultOptions(dir).
		WithInMemory(opts.InMemory).
		WithLogger(logger.NewPrintf("badger")).
		WithLoggingLevel(badger.WARNING).
		WithNumVersionsToKeep(1)
	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("opening badger at %q: %w", dir, err)
	}
	b := &Badger{
		db:           db,
		tombstoneTTL: opts.TombstoneTTL,
		logger:       slog.Default().With("component", "badger-store"),
	}
	b.logger.Info("badger store opened", "data_dir", dir, "in_memory", opts.InMemory)
	return b, nil
}

// OpenBadgerInMemory is a convenience for tests and tooling.
func OpenBadgerInMemory() (*Badger, error) {
	return OpenBadger(BadgerOptions{InMemory: true})
}

func (b *Badger) Put(ctx context.Context, row, key, value []byte, ts uint64) error {
	return b.write(ctx, row, key, value, ts, false)
}

func (b *Badger) Delete(ctx context.Context, row, key []byte, ts uint64) error {
	return b.write(ctx, row, key, nil, ts, true)
}

func (b *Badger) write(ctx context.Context, row, key, value []byte, ts uint64, tombstone bool) error {
	cell := cellKey(row, key)
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := b.db.Update(func(txn *badger.Txn) error {
			item, err := txn.Get(cell)
			switch {
			case err == nil:
				var existing uint64
				if err := item.Value(func(v []byte) error {
					_, cellTS, _, err := decodeCell(v)
					existing = cellTS
					return err
				}); err != nil {
					return err
				}
				if existing > ts {
					return nil
				}
			case errors.Is(err, badger.ErrKeyNotFound):
			default:
				return err
			}
			entry := badger.NewEntry(cell, encodeCell(value, ts, tombstone))
			if tombstone && b.tombstoneTTL > 0 {
				entry = entry.WithTTL(b.tombstoneTTL)
			}
			return txn.SetEntry(entry)
		})
		if errors.Is(err, badger.ErrConflict) && attempt < maxConflictRetries {
			continue
		}
		if err != nil {
			return fmt.Errorf("writing cell: %w", err)
		}
		return nil
	}
}

func (b *Badger) Scan(ctx context.Context, row []byte, opts ScanOptions) ([]Column, error) {
	prefix := rowPrefix(row)
	lower := concat(prefix, opts.Lower)
	upper := prefixEnd(prefix)
	if opts.Upper != nil {
		upper = concat(prefix, opts.Upper)
	}
	if bytes.Compare(lower, upper) >= 0 {
		return nil, nil
	}

	var out []Column
	err := b.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Reverse = opts.Reversed
		iterOpts.Prefix = prefix
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		start := lower
		if opts.Reversed {
			start = upper
		}
		for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			k := item.Key()
			if opts.Reversed {
				if bytes.Compare(k, upper) >= 0 {
					continue
				}
				if bytes.Compare(k, lower) < 0 {
					break
				}
			} else if bytes.Compare(k, upper) >= 0 {
				break
			}
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("reading cell: %w", err)
			}
			value, ts, tombstone, err := decodeCell(raw)
			if err != nil {
				b.logger.Warn("skipping unreadable cell", "key", k, "error", err)
				continue
			}
			if tombstone {
				continue
			}
			out = append(out, Column{
				Key:       append([]byte(nil), k[len(prefix):]...),
				Value:     value,
				Timestamp: ts,
			})
			if opts.Limit > 0 && len(out) >= opts.Limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning row: %w", err)
	}
	return out, nil
}

// CollectGarbage runs one value-log GC cycle. Having nothing to rewrite is
// not an error.
func (b *Badger) CollectGarbage(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.db.RunValueLogGC(0.5)
	switch {
	case err == nil:
		b.logger.Info("value log rewritten")
		return nil
	case errors.Is(err, badger.ErrNoRewrite), errors.Is(err, badger.ErrGCInMemoryMode), errors.Is(err, badger.ErrRejected):
		return nil
	default:
		return fmt.Errorf("badger value log gc: %w", err)
	}
}

// RowStats counts the cells of one row.
type RowStats struct {
	Row        []byte
	Cells      int
	Tombstones int
}

// Stats describes what a Badger store holds.
type Stats struct {
	Rows      []RowStats
	LSMBytes  int64
	VLogBytes int64
}

// Stats walks every cell. It is meant for offline tooling; the walk holds
// one read transaction for its whole duration.
func (b *Badger) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	st.LSMBytes, st.VLogBytes = b.db.Size()
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		var cur *RowStats
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			k := item.Key()
			n, w := binary.Uvarint(k)
			if w <= 0 || uint64(len(k)-w) < n {
				continue
			}
			row := k[w : w+int(n)]
			if cur == nil || !bytes.Equal(cur.Row, row) {
				st.Rows = append(st.Rows, RowStats{Row: bytes.Clone(row)})
				cur = &st.Rows[len(st.Rows)-1]
			}
			cur.Cells++
			err := item.Value(func(v []byte) error {
				_, _, tombstone, err := decodeCell(v)
				if err == nil && tombstone {
					cur.Tombstones++
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("badger stats: %w", err)
	}
	return st, nil
}

// Ping fails once the database is closed.
func (b *Badger) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.db.IsClosed() {
		return fmt.Errorf("badger: %w", badger.ErrDBClosed)
	}
	return nil
}

func (b *Badger) Close() error {
	return b.db.Close()
}

func rowPrefix(row []byte) []byte {
	buf := binary.AppendUvarint(make([]byte, 0, len(row)+binary.MaxVarintLen64+1), uint64(len(row)))
	buf = append(buf, row...)
	return append(buf, 0x00)
}

func cellKey(row, key []byte) []byte {
	return concat(rowPrefix(row), key)
}
