package store

import (
	"context"
	"errors"
	"fmt"

	dbm "github.com/tendermint/tm-db"
)

// DBStore adapts a tm-db database to the Store interface. Writes are
// synchronous so that an acknowledged Put survives a crash of an on-disk
// backend.
type DBStore struct {
	db dbm.DB
}

var _ Store = (*DBStore)(nil)

// NewDBStore wraps db.
func NewDBStore(db dbm.DB) *DBStore {
	return &DBStore{db: db}
}

// NewDBStoreFromBackend opens a tm-db database of the given backend.
func NewDBStoreFromBackend(backend BackendType, name, dir string) (*DBStore, error) {
	if backend == MemDBBackend {
		return NewDBStore(dbm.NewMemDB()), nil
	}
	db, err := dbm.NewDB(name, dbm.BackendType(backend), dir)
	if err != nil {
		return nil, fmt.Errorf("opening %s database %q in %s: %w", backend, name, dir, err)
	}
	return NewDBStore(db), nil
}

func (s *DBStore) Get(ctx context.Context, key []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.db.Get(key)
}

func (s *DBStore) Put(ctx context.Context, key, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if value == nil {
		return errors.New("value cannot be nil")
	}
	return s.db.SetSync(key, value)
}

func (s *DBStore) Delete(ctx context.Context, key []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.DeleteSync(key)
}

// Write applies ops in a single synchronous tm-db batch.
func (s *DBStore) Write(ctx context.Context, ops ...Op) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateOps(ops); err != nil {
		return err
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	for _, op := range ops {
		if op.Delete {
			if err := batch.Delete(op.Key); err != nil {
				return err
			}
			continue
		}
		if err := batch.Set(op.Key, op.Value); err != nil {
			return err
		}
	}
	return batch.WriteSync()
}

func (s *DBStore) Scan(ctx context.Context, prefix []byte) ([]KV, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// tm-db rejects empty, non-nil bounds
	var start []byte
	if len(prefix) > 0 {
		start = prefix
	}
	iter, err := s.db.Iterator(start, prefixEnd(prefix))
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []KV
	for ; iter.Valid(); iter.Next() {
		key := make([]byte, len(iter.Key()))
		copy(key, iter.Key())
		value := make([]byte, len(iter.Value()))
		copy(value, iter.Value())
		out = append(out, KV{Key: key, Value: value})
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *DBStore) Close() error {
	return s.db.Close()
}
