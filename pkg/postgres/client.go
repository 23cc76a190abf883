// Package postgres wraps a lib/pq connection pool with transaction and
// health helpers.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/pkg/config"
	"github.com/lib/pq"
)

// Client owns the pool. DB is exported for packages that run their own
// statements.
type Client struct {
	DB     *sql.DB
	cfg    config.PostgresConfig
	logger *slog.Logger
}

func New(cfg config.PostgresConfig) (*Client, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	c := &Client{
		DB:     db,
		cfg:    cfg,
		logger: slog.Default().With("component", "postgres", "database", cfg.Database),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to postgres %s:%d/%s: %w", cfg.Host, cfg.Port, cfg.Database, err)
	}
	c.logger.Info("postgres connected", "host", cfg.Host, "max_open_conns", cfg.MaxOpenConns)
	return c, nil
}

func (c *Client) Close() error {
	return c.DB.Close()
}

// Ping implements health.Pinger.
func (c *Client) Ping(ctx context.Context) error {
	return c.DB.PingContext(ctx)
}

// txAttempts bounds how often InTx replays a transaction that lost a
// serialization or deadlock race.
const txAttempts = 3

// InTx runs fn in a transaction and commits it. Transactions aborted by
// the server with a serialization failure or a deadlock are replayed, so
// fn must not keep state between calls.
func (c *Client) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	for attempt := 1; ; attempt++ {
		err := c.inTx(ctx, fn)
		if err == nil || attempt == txAttempts || !Retryable(err) || ctx.Err() != nil {
			return err
		}
		c.logger.Warn("replaying aborted transaction", "attempt", attempt, "error", err)
	}
}

func (c *Client) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("rolling back: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Retryable reports whether err is a server-side abort that a replay of
// the same transaction can get past.
func Retryable(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch pqErr.Code {
	case "40001", "40P01":
		return true
	}
	return false
}
