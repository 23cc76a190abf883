package index

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/codec"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/store"
	apperrors "github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/pkg/metrics"
)

// scanPage is how many backing-store columns are fetched per round trip when
// the caller did not ask for a limit or stale entries have to be skipped.
const scanPage = 256

var ledgerRow = []byte("stale-ledger")

// Bound is one end of a value range.
type Bound struct {
	Value     codec.Value
	Inclusive bool
}

// Range selects entries of one scope. Cursor is the composite key of the last
// entry already returned and is exclusive in the scan direction.
type Range struct {
	Lower        *Bound
	Upper        *Bound
	Cursor       []byte
	Limit        int
	Reversed     bool
	IncludeStale bool
}

// StaleRecord is one stale-ledger line: the column of a superseded entry and
// the time it was marked.
type StaleRecord struct {
	MarkedAt uint64
	Row      []byte
	Key      []byte
	ledger   []byte
}

// Store reads and writes index entries on top of a backing store.
type Store struct {
	backend store.Store
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewStore(backend store.Store, m *metrics.Metrics) *Store {
	return &Store{
		backend: backend,
		metrics: m,
		logger:  slog.Default().With("component", "index-store"),
	}
}

// Backend exposes the underlying backing store.
func (s *Store) Backend() store.Store {
	return s.backend
}

// Put writes a live entry at its own timestamp.
func (s *Store) Put(ctx context.Context, e Entry) error {
	e.Stale = false
	e.StaleAt = 0
	err := s.write(ctx, e, e.Timestamp)
	s.observe("put", err)
	return err
}

// MarkStale rewrites an entry as superseded at ts and records it in the stale
// ledger. Marking the same entry twice with the same ts writes identical
// cells.
func (s *Store) MarkStale(ctx context.Context, e Entry, ts uint64) error {
	e.Stale = true
	e.StaleAt = ts
	err := s.write(ctx, e, ts)
	if err == nil {
		var key []byte
		if key, err = e.Key(); err == nil {
			err = s.backend.Put(ctx, ledgerRow, ledgerKey(ts, e.Scope.RowKey(), key), []byte{}, ts)
			if err != nil {
				err = fmt.Errorf("recording stale entry in ledger: %w", err)
			}
		}
	}
	s.observe("stale", err)
	return err
}

// Delete removes an entry's column at ts.
func (s *Store) Delete(ctx context.Context, e Entry, ts uint64) error {
	key, err := e.Key()
	if err == nil {
		err = s.backend.Delete(ctx, e.Scope.RowKey(), key, ts)
	}
	s.observe("delete", err)
	return err
}

func (s *Store) write(ctx context.Context, e Entry, ts uint64) error {
	key, body, err := e.encode()
	if err != nil {
		return err
	}
	if err := s.backend.Put(ctx, e.Scope.RowKey(), key, body, ts); err != nil {
		return fmt.Errorf("writing entry to %s: %w", e.Scope, err)
	}
	return nil
}

func (s *Store) observe(op string, err error) {
	if s.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.metrics.IndexWritesTotal.WithLabelValues(op, status).Inc()
}

// ScanEquals returns entries whose value loosely equals v.
func (s *Store) ScanEquals(ctx context.Context, scope Scope, v codec.Value, limit int) ([]Entry, error) {
	return s.ScanRange(ctx, scope, Range{
		Lower: &Bound{Value: v, Inclusive: true},
		Upper: &Bound{Value: v, Inclusive: true},
		Limit: limit,
	})
}

// ScanRange returns up to r.Limit entries of scope in key order (or reverse
// key order). A zero limit scans the whole range. Stale entries are skipped
// unless r.IncludeStale is set, and never count towards the limit. Corrupt
// columns are logged and skipped.
func (s *Store) ScanRange(ctx context.Context, scope Scope, r Range) ([]Entry, error) {
	lower, upper, empty, err := r.keys()
	if err != nil || empty {
		return nil, err
	}
	row := scope.RowKey()
	var out []Entry
	for {
		if upper != nil && bytes.Compare(lower, upper) >= 0 {
			return out, nil
		}
		page := scanPage
		if remaining := r.Limit - len(out); r.Limit > 0 {
			if !r.IncludeStale {
				remaining += 8
			}
			page = min(page, remaining)
		}
		cols, err := s.backend.Scan(ctx, row, store.ScanOptions{
			Lower:    lower,
			Upper:    upper,
			Limit:    page,
			Reversed: r.Reversed,
		})
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", scope, err)
		}
		for _, col := range cols {
			e, err := decodeEntry(scope, col)
			if err != nil {
				s.corrupt(scope, col.Key, err)
				continue
			}
			if e.Stale && !r.IncludeStale {
				continue
			}
			out = append(out, e)
			if r.Limit > 0 && len(out) == r.Limit {
				return out, nil
			}
		}
		if len(cols) < page {
			return out, nil
		}
		last := cols[len(cols)-1].Key
		if r.Reversed {
			upper = bytes.Clone(last)
		} else {
			lower = codec.Successor(last)
		}
	}
}

func (s *Store) corrupt(scope Scope, key []byte, err error) {
	s.logger.Warn("skipping corrupt index entry", "scope", scope.String(), "key", fmt.Sprintf("%x", key), "error", err)
	if s.metrics != nil {
		s.metrics.CorruptEntriesTotal.Inc()
	}
}

// keys compiles the value bounds and cursor into backing-store keys. A nil
// key is an open bound; empty reports a range that cannot match anything.
func (r Range) keys() (lower, upper []byte, empty bool, err error) {
	if r.Lower != nil {
		p, err := codec.ValuePrefix(r.Lower.Value)
		if err != nil {
			return nil, nil, false, apperrors.Wrapf(apperrors.ErrInvalidQuery, "lower bound: %v", err)
		}
		if r.Lower.Inclusive {
			lower = p
		} else if lower = codec.PrefixEnd(p); lower == nil {
			return nil, nil, true, nil
		}
	}
	if r.Upper != nil {
		p, err := codec.ValuePrefix(r.Upper.Value)
		if err != nil {
			return nil, nil, false, apperrors.Wrapf(apperrors.ErrInvalidQuery, "upper bound: %v", err)
		}
		if r.Upper.Inclusive {
			upper = codec.PrefixEnd(p)
		} else {
			upper = p
		}
	}
	if len(r.Cursor) > 0 {
		if r.Reversed {
			if upper == nil || bytes.Compare(r.Cursor, upper) < 0 {
				upper = bytes.Clone(r.Cursor)
			}
		} else if next := codec.Successor(r.Cursor); bytes.Compare(next, lower) > 0 {
			lower = next
		}
	}
	return lower, upper, false, nil
}

// StaleLedger lists up to limit stale records marked strictly before before,
// oldest first. Unreadable ledger lines are removed as they are met so they
// cannot pin the head of the ledger.
func (s *Store) StaleLedger(ctx context.Context, before uint64, limit int) ([]StaleRecord, error) {
	upper := binary.BigEndian.AppendUint64(nil, before)
	var (
		out   []StaleRecord
		lower []byte
	)
	for {
		want := 0
		if limit > 0 {
			want = limit - len(out)
		}
		cols, err := s.backend.Scan(ctx, ledgerRow, store.ScanOptions{Lower: lower, Upper: upper, Limit: want})
		if err != nil {
			return nil, fmt.Errorf("scanning stale ledger: %w", err)
		}
		for _, col := range cols {
			rec, err := parseLedgerKey(col.Key)
			if err == nil {
				out = append(out, rec)
				continue
			}
			s.logger.Warn("dropping corrupt stale ledger line", "key", fmt.Sprintf("%x", col.Key), "error", err)
			if s.metrics != nil {
				s.metrics.CorruptEntriesTotal.Inc()
			}
			if err := s.backend.Delete(ctx, ledgerRow, col.Key, col.Timestamp); err != nil {
				return nil, fmt.Errorf("removing corrupt ledger line: %w", err)
			}
		}
		if want == 0 || len(cols) < want || len(out) >= limit {
			return out, nil
		}
		lower = codec.Successor(cols[len(cols)-1].Key)
	}
}

// Reap deletes the entry named by rec if it is still stale and then drops
// the ledger line. It reports whether an entry was deleted. Reaping the same
// record twice is harmless.
func (s *Store) Reap(ctx context.Context, rec StaleRecord, ts uint64) (bool, error) {
	scope, err := ParseRowKey(rec.Row)
	if err != nil {
		return false, s.ForgetStale(ctx, rec, ts)
	}
	cols, err := s.backend.Scan(ctx, rec.Row, store.ScanOptions{
		Lower: rec.Key,
		Upper: codec.Successor(rec.Key),
		Limit: 1,
	})
	if err != nil {
		return false, fmt.Errorf("reading stale entry in %s: %w", scope, err)
	}
	deleted := false
	if len(cols) == 1 {
		e, err := decodeEntry(scope, cols[0])
		switch {
		case err != nil:
			s.corrupt(scope, cols[0].Key, err)
		case e.Stale:
			if err := s.backend.Delete(ctx, rec.Row, rec.Key, ts); err != nil {
				s.observe("delete", err)
				return false, fmt.Errorf("deleting stale entry in %s: %w", scope, err)
			}
			s.observe("delete", nil)
			deleted = true
		}
	}
	return deleted, s.ForgetStale(ctx, rec, ts)
}

// ForgetStale removes a ledger line without touching the entry.
func (s *Store) ForgetStale(ctx context.Context, rec StaleRecord, ts uint64) error {
	if err := s.backend.Delete(ctx, ledgerRow, rec.ledger, ts); err != nil {
		return fmt.Errorf("removing stale ledger line: %w", err)
	}
	return nil
}

func ledgerKey(markedAt uint64, row, key []byte) []byte {
	buf := make([]byte, 0, 8+binary.MaxVarintLen64+len(row)+len(key))
	buf = binary.BigEndian.AppendUint64(buf, markedAt)
	buf = binary.AppendUvarint(buf, uint64(len(row)))
	buf = append(buf, row...)
	return append(buf, key...)
}

func parseLedgerKey(b []byte) (StaleRecord, error) {
	if len(b) < 9 {
		return StaleRecord{}, apperrors.Newf(apperrors.ErrCorruptIndexEntry, 0, "ledger key is %d bytes", len(b))
	}
	n, w := binary.Uvarint(b[8:])
	if w <= 0 || uint64(len(b)-8-w) < n {
		return StaleRecord{}, apperrors.Newf(apperrors.ErrCorruptIndexEntry, 0, "bad ledger row length")
	}
	rowStart := 8 + w
	rowEnd := rowStart + int(n)
	return StaleRecord{
		MarkedAt: binary.BigEndian.Uint64(b[:8]),
		Row:      b[rowStart:rowEnd],
		Key:      b[rowEnd:],
		ledger:   b,
	}, nil
}
