package entity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/pkg/postgres"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

var tableName = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// PostgresLoader reads property snapshots from an entity table with the
// columns (id UUID, type TEXT, properties JSONB).
type PostgresLoader struct {
	client *postgres.Client
	table  string
}

func NewPostgresLoader(client *postgres.Client, table string) (*PostgresLoader, error) {
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid entity table name %q", table)
	}
	return &PostgresLoader{client: client, table: table}, nil
}

// EnsureSchema creates the entity table if it does not exist.
func (l *PostgresLoader) EnsureSchema(ctx context.Context) error {
	return l.client.InTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id         UUID  PRIMARY KEY,
			type       TEXT  NOT NULL,
			properties JSONB NOT NULL DEFAULT '{}'
		)`, l.table))
		if err != nil {
			return fmt.Errorf("creating entity table: %w", err)
		}
		return nil
	})
}

// Save upserts one entity row.
func (l *PostgresLoader) Save(ctx context.Context, e Entity) error {
	props, err := json.Marshal(e.Properties)
	if err != nil {
		return fmt.Errorf("encoding properties of %s: %w", e.Ref, err)
	}
	_, err = l.client.DB.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (id, type, properties)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET type = EXCLUDED.type, properties = EXCLUDED.properties`, l.table),
		e.ID.String(), e.Type, string(props))
	if err != nil {
		return fmt.Errorf("saving %s: %w", e.Ref, err)
	}
	return nil
}

func (l *PostgresLoader) Load(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]Entity, error) {
	out := make(map[uuid.UUID]Entity, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = id.String()
	}
	rows, err := l.client.DB.QueryContext(ctx,
		fmt.Sprintf(`SELECT id, type, properties FROM %s WHERE id = ANY($1::uuid[])`, l.table),
		pq.Array(keys))
	if err != nil {
		return nil, fmt.Errorf("loading entities: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			rawID string
			e     Entity
			props []byte
		)
		if err := rows.Scan(&rawID, &e.Type, &props); err != nil {
			return nil, fmt.Errorf("reading entity row: %w", err)
		}
		if e.ID, err = uuid.Parse(rawID); err != nil {
			return nil, fmt.Errorf("parsing entity id %q: %w", rawID, err)
		}
		if e.Properties, err = decodeProperties(props); err != nil {
			return nil, err
		}
		out[e.ID] = e
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating entity rows: %w", err)
	}
	return out, nil
}
