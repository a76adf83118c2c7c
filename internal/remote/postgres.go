package remote

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alexjbarnes/timesync/internal/tables"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Postgres stores every table's rows in one records table, identified by
// (table_name, record_key) where record_key is the registry key encoding.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects using the pgx driver and applies migrations.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}

	p := &Postgres{db: db}
	if err := p.RunMigrations(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration error: %w", err)
	}

	return p, nil
}

// RunMigrations brings the schema up to date.
func (p *Postgres) RunMigrations(ctx context.Context) error {
	goose.SetBaseFS(migrations)

	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}

	return goose.UpContext(ctx, p.db, "migrations")
}

// Close closes the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// Fetch implements Store.
func (p *Postgres) Fetch(ctx context.Context, ref tables.EntityRef) (*Record, error) {
	query := `SELECT data, updated_at FROM records WHERE table_name = $1 AND record_key = $2`

	var (
		data      []byte
		updatedAt time.Time
	)

	err := p.db.QueryRowContext(ctx, query, string(ref.Table), ref.Key.String()).Scan(&data, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", ref, err)
	}

	return &Record{Data: data, UpdatedAt: updatedAt}, nil
}

// Put implements Store.
func (p *Postgres) Put(ctx context.Context, ref tables.EntityRef, data json.RawMessage) (*Record, error) {
	query := `
		INSERT INTO records (table_name, record_key, data, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (table_name, record_key)
		DO UPDATE SET data = EXCLUDED.data, updated_at = now()
		RETURNING data, updated_at
	`

	var (
		stored    []byte
		updatedAt time.Time
	)

	err := p.db.QueryRowContext(ctx, query, string(ref.Table), ref.Key.String(), []byte(data)).Scan(&stored, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("writing %s: %w", ref, err)
	}

	return &Record{Data: stored, UpdatedAt: updatedAt}, nil
}

// Delete implements Store.
func (p *Postgres) Delete(ctx context.Context, ref tables.EntityRef) error {
	query := `DELETE FROM records WHERE table_name = $1 AND record_key = $2`
	if _, err := p.db.ExecContext(ctx, query, string(ref.Table), ref.Key.String()); err != nil {
		return fmt.Errorf("deleting %s: %w", ref, err)
	}

	return nil
}

// UpsertBatch implements Store. The batch is written as one multi-row
// statement in its own transaction.
func (p *Postgres) UpsertBatch(ctx context.Context, table tables.Name, rows []tables.Row) error {
	if len(rows) == 0 {
		return nil
	}

	keys, rows, err := dedupe(table, rows)
	if err != nil {
		return err
	}

	var (
		sb   strings.Builder
		args = make([]any, 0, len(rows)*3)
	)

	sb.WriteString(`INSERT INTO records (table_name, record_key, data, updated_at) VALUES `)

	for i, row := range rows {
		data, err := rowData(row)
		if err != nil {
			return err
		}

		if i > 0 {
			sb.WriteString(", ")
		}

		n := len(args)
		fmt.Fprintf(&sb, "($%d, $%d, $%d, now())", n+1, n+2, n+3)
		args = append(args, string(table), keys[i], []byte(data))
	}

	sb.WriteString(` ON CONFLICT (table_name, record_key) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`)

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("upserting %d rows into %s: %w", len(rows), table, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing upsert into %s: %w", table, err)
	}

	return nil
}

// DeleteAll implements Store.
func (p *Postgres) DeleteAll(ctx context.Context, table tables.Name) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM records WHERE table_name = $1`, string(table))
	if err != nil {
		return 0, fmt.Errorf("wiping %s: %w", table, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected error: %w", err)
	}

	return n, nil
}

// List implements Store.
func (p *Postgres) List(ctx context.Context, table tables.Name, since time.Time) ([]tables.Row, error) {
	query := `
		SELECT data, updated_at FROM records
		WHERE table_name = $1 AND updated_at > $2
		ORDER BY updated_at, record_key
	`

	rows, err := p.db.QueryContext(ctx, query, string(table), since)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", table, err)
	}
	defer rows.Close()

	var result []tables.Row

	for rows.Next() {
		var (
			data      []byte
			updatedAt time.Time
		)

		if err := rows.Scan(&data, &updatedAt); err != nil {
			return nil, err
		}

		row, err := listedRow(data, updatedAt)
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", table, err)
		}

		result = append(result, row)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}
