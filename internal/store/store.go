// Package store defines the key-value capability auctions are persisted
// through and its backends. The registry only relies on the Store interface,
// so an in-memory map, an on-disk log-structured database and a PostgreSQL
// table are interchangeable.
package store

import (
	"context"
	"errors"
	"fmt"
)

//go:generate ../../scripts/mockery_generate.sh Store

// Store is a key-value store with read-your-writes consistency.
//
// Implementations must be safe for concurrent use. Get returns a nil value and
// a nil error when the key is absent. Scan returns copies of every pair whose
// key starts with prefix, in ascending key order; the result is detached from
// the store so callers may Put or Delete while walking it. Write applies a
// batch of operations atomically: after an error none of them is visible.
type Store interface {
	Get(ctx context.Context, key []byte) ([]byte, error)
	Put(ctx context.Context, key, value []byte) error
	Delete(ctx context.Context, key []byte) error
	Write(ctx context.Context, ops ...Op) error
	Scan(ctx context.Context, prefix []byte) ([]KV, error)
	Close() error
}

// Op is a single operation of a batch passed to Write.
type Op struct {
	Key   []byte
	Value []byte
	// Delete removes Key; Value is ignored.
	Delete bool
}

// SetOp returns an Op storing value under key.
func SetOp(key, value []byte) Op {
	return Op{Key: key, Value: value}
}

// DeleteOp returns an Op removing key.
func DeleteOp(key []byte) Op {
	return Op{Key: key, Delete: true}
}

func validateOps(ops []Op) error {
	for _, op := range ops {
		if len(op.Key) == 0 {
			return errors.New("key cannot be empty")
		}
		if !op.Delete && op.Value == nil {
			return errors.New("value cannot be nil")
		}
	}
	return nil
}

// KV is a single key/value pair returned by Scan.
type KV struct {
	Key   []byte
	Value []byte
}

// BackendType names a Store implementation.
type BackendType string

const (
	// MemDBBackend keeps everything in memory. Nothing survives a restart.
	MemDBBackend BackendType = "memdb"
	// GoLevelDBBackend persists to an append-only LSM database on disk.
	GoLevelDBBackend BackendType = "goleveldb"
	// PSQLBackend persists to a PostgreSQL table.
	PSQLBackend BackendType = "psql"
)

// Options select and configure a backend.
type Options struct {
	Backend BackendType
	// Name of the database, used as file name by on-disk backends.
	Name string
	// Dir is the directory on-disk backends keep their files in.
	Dir string
	// PSQLConn is the connection string of the psql backend.
	PSQLConn string
}

// Open returns the Store described by opts.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case MemDBBackend, GoLevelDBBackend:
		return NewDBStoreFromBackend(opts.Backend, opts.Name, opts.Dir)
	case PSQLBackend:
		return NewPSQLStore(ctx, opts.PSQLConn)
	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}
}

// prefixEnd returns the smallest key greater than every key with the given
// prefix, or nil when no such key exists (the prefix is all 0xff).
func prefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
