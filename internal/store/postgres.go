package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/pkg/postgres"
)

var tableName = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// Postgres stores every column of every row in a single table keyed by
// (row_key, column_key). bytea compares bytewise, so the primary key index
// serves ordered column slices directly.
type Postgres struct {
	client       *postgres.Client
	table        string
	tombstoneTTL time.Duration
	logger       *slog.Logger
}

func NewPostgres(client *postgres.Client, table string, tombstoneTTL time.Duration) (*Postgres, error) {
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid column table name %q", table)
	}
	return &Postgres{
		client:       client,
		table:        table,
		tombstoneTTL: tombstoneTTL,
		logger:       slog.Default().With("component", "postgres-store", "table", table),
	}, nil
}

// EnsureSchema creates the column table if it does not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	return p.client.InTx(ctx, func(tx *sql.Tx) error {
		stmts := []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				row_key    BYTEA   NOT NULL,
				column_key BYTEA   NOT NULL,
				payload    BYTEA   NOT NULL,
				ts         BIGINT  NOT NULL,
				deleted    BOOLEAN NOT NULL DEFAULT FALSE,
				PRIMARY KEY (row_key, column_key)
			)`, p.table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_tombstones ON %s (ts) WHERE deleted`, p.table, p.table),
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("creating column table: %w", err)
			}
		}
		return nil
	})
}

func (p *Postgres) Put(ctx context.Context, row, key, value []byte, ts uint64) error {
	return p.write(ctx, row, key, value, ts, false)
}

func (p *Postgres) Delete(ctx context.Context, row, key []byte, ts uint64) error {
	return p.write(ctx, row, key, []byte{}, ts, true)
}

func (p *Postgres) write(ctx context.Context, row, key, value []byte, ts uint64, deleted bool) error {
	if value == nil {
		value = []byte{}
	}
	query := fmt.Sprintf(`INSERT INTO %[1]s (row_key, column_key, payload, ts, deleted)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (row_key, column_key) DO UPDATE
		SET payload = EXCLUDED.payload, ts = EXCLUDED.ts, deleted = EXCLUDED.deleted
		WHERE %[1]s.ts <= EXCLUDED.ts`, p.table)
	if _, err := p.client.DB.ExecContext(ctx, query, row, key, value, int64(ts), deleted); err != nil {
		return fmt.Errorf("writing column: %w", err)
	}
	return nil
}

func (p *Postgres) Scan(ctx context.Context, row []byte, opts ScanOptions) ([]Column, error) {
	var (
		conds = []string{"row_key = $1", "NOT deleted"}
		args  = []any{row}
	)
	if opts.Lower != nil {
		args = append(args, opts.Lower)
		conds = append(conds, fmt.Sprintf("column_key >= $%d", len(args)))
	}
	if opts.Upper != nil {
		args = append(args, opts.Upper)
		conds = append(conds, fmt.Sprintf("column_key < $%d", len(args)))
	}
	order := "ASC"
	if opts.Reversed {
		order = "DESC"
	}
	query := fmt.Sprintf(`SELECT column_key, payload, ts FROM %s WHERE %s ORDER BY column_key %s`,
		p.table, strings.Join(conds, " AND "), order)
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.client.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scanning row: %w", err)
	}
	defer rows.Close()

	var out []Column
	for rows.Next() {
		var (
			col Column
			ts  int64
		)
		if err := rows.Scan(&col.Key, &col.Value, &ts); err != nil {
			return nil, fmt.Errorf("reading column: %w", err)
		}
		col.Timestamp = uint64(ts)
		out = append(out, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating columns: %w", err)
	}
	return out, nil
}

// CollectGarbage drops tombstones older than the configured TTL.
func (p *Postgres) CollectGarbage(ctx context.Context) error {
	if p.tombstoneTTL <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-p.tombstoneTTL).UnixMicro()
	res, err := p.client.DB.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE deleted AND ts < $1`, p.table), cutoff)
	if err != nil {
		return fmt.Errorf("purging tombstones: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		p.logger.Info("tombstones purged", "count", n)
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Close is a no-op; the connection pool belongs to the caller.
func (p *Postgres) Close() error {
	return nil
}
