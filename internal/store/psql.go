package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/adlio/schema"

	// Register the Postgres database driver.
	_ "github.com/lib/pq"
)

const (
	upsertKV = `INSERT INTO ` + TableAuctionKV + ` (key, value) VALUES ($1, $2)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`
	deleteKV = `DELETE FROM ` + TableAuctionKV + ` WHERE key = $1`
)

const (
	// TableAuctionKV holds every key/value pair of the psql backend.
	TableAuctionKV = "auction_kv"
	DriverName     = "postgres"
)

// Migrations is the schema of the psql backend, applied in order on open.
var Migrations = []*schema.Migration{
	{
		ID: "2022-05-01 create auction_kv",
		Script: `
CREATE TABLE IF NOT EXISTS ` + TableAuctionKV + ` (
  key   BYTEA PRIMARY KEY,
  value BYTEA NOT NULL
);`,
	},
}

// PSQLStore is a Store backed by a single PostgreSQL table. Every call other
// than Write is a single statement, so each operation is atomic on its own;
// Write runs its statements in one transaction.
type PSQLStore struct {
	db *sql.DB
}

var _ Store = (*PSQLStore)(nil)

// NewPSQLStore connects to the database specified by connStr and applies the
// schema migrations.
func NewPSQLStore(ctx context.Context, connStr string) (*PSQLStore, error) {
	if connStr == "" {
		return nil, errors.New("psql backend requires a connection string")
	}
	db, err := sql.Open(DriverName, connStr)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := schema.NewMigrator().Apply(db, Migrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &PSQLStore{db: db}, nil
}

// DB returns the underlying Postgres connection used by the store.
// This is exported to support testing.
func (s *PSQLStore) DB() *sql.DB { return s.db }

func (s *PSQLStore) Get(ctx context.Context, key []byte) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM `+TableAuctionKV+` WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *PSQLStore) Put(ctx context.Context, key, value []byte) error {
	if value == nil {
		return errors.New("value cannot be nil")
	}
	_, err := s.db.ExecContext(ctx, upsertKV, key, value)
	return err
}

func (s *PSQLStore) Delete(ctx context.Context, key []byte) error {
	_, err := s.db.ExecContext(ctx, deleteKV, key)
	return err
}

func (s *PSQLStore) Write(ctx context.Context, ops ...Op) error {
	if err := validateOps(ops); err != nil {
		return err
	}
	return runInTransaction(ctx, s.db, func(tx *sql.Tx) error {
		for _, op := range ops {
			var err error
			if op.Delete {
				_, err = tx.ExecContext(ctx, deleteKV, op.Key)
			} else {
				_, err = tx.ExecContext(ctx, upsertKV, op.Key, op.Value)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PSQLStore) Scan(ctx context.Context, prefix []byte) ([]KV, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if end := prefixEnd(prefix); end != nil {
		rows, err = s.db.QueryContext(ctx,
			`SELECT key, value FROM `+TableAuctionKV+` WHERE key >= $1 AND key < $2 ORDER BY key`,
			prefix, end)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT key, value FROM `+TableAuctionKV+` WHERE key >= $1 ORDER BY key`, prefix)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []KV
	for rows.Next() {
		var kv KV
		if err := rows.Scan(&kv.Key, &kv.Value); err != nil {
			return nil, err
		}
		out = append(out, kv)
	}
	return out, rows.Err()
}

func (s *PSQLStore) Close() error {
	return s.db.Close()
}

// runInTransaction executes query in a fresh database transaction.
// If query reports an error, the transaction is rolled back and the
// error from query is reported to the caller.
// Otherwise, the result of committing the transaction is returned.
func runInTransaction(ctx context.Context, db *sql.DB, query func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := query(tx); err != nil {
		_ = tx.Rollback() // report the initial error, not the rollback
		return err
	}
	return tx.Commit()
}
