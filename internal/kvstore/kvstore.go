// Package kvstore defines the abstract transactional key-value store
// contract that every engine above it depends on. Engines never import
// a concrete backend; they depend only on Store/Txn/Iterator, so a
// backend can be swapped (TiKV in production, an in-memory store for
// tests) without touching engine code.
package kvstore

import "context"

// TxnOptions selects the locking mode for a transaction. Pessimistic locks
// are requested for multi-key operations prone to livelock under pure
// optimistic retry (rename, unlink) per spec.md §4.2.
type TxnOptions struct {
	Pessimistic bool
}

// Store is the entry point for beginning transactions and taking
// administrative snapshots against one TiKV-backed (or fake, in tests)
// filesystem.
type Store interface {
	// Begin starts a new transaction under the given options.
	Begin(ctx context.Context, opts TxnOptions) (Txn, error)

	// CreateSnapshot records a snapshot marker under name. It returns
	// existed=true without mutating anything if name is already taken.
	// The tikv and memkv implementations write only the marker key (an
	// empty value); neither captures a KV-level snapshot or timestamp.
	CreateSnapshot(ctx context.Context, name string) (existed bool, err error)

	Close() error
}

// KV is a single key/value pair yielded by a scan.
type KV struct {
	Key   []byte
	Value []byte
}

// Iterator walks the results of a range scan in the order requested.
type Iterator interface {
	// Next advances the iterator. It returns false when exhausted or on
	// error; call Err to distinguish the two.
	Next() bool
	Item() KV
	Err() error
	Close() error
}

// Txn is one attempt at a transactional read/modify/write sequence. A
// single Txn must not be reused after Commit or Rollback.
type Txn interface {
	Get(ctx context.Context, key []byte) ([]byte, error)

	// Scan iterates keys in [startKey, endKey). When desc is true it
	// iterates in descending order and startKey/endKey still bound the
	// same half-open range (startKey inclusive, endKey exclusive),
	// matching TiKV's reverse-scan semantics. limit<=0 means unbounded.
	Scan(ctx context.Context, startKey, endKey []byte, limit int, desc bool) (Iterator, error)

	Put(ctx context.Context, key, value []byte) error
	Delete(ctx context.Context, key []byte) error

	Commit(ctx context.Context) error
	Rollback() error
}

// ErrNotFound is returned by Get when a key does not exist. Callers
// translate this into kverrors.NotFound at the engine boundary; kvstore
// implementations must return exactly this sentinel (wrapped or not) so
// callers can use errors.Is.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "kvstore: key not found" }

// ErrConflict is returned by Commit when a transaction's read set was
// invalidated by a concurrent committed write. internal/txn is the only
// caller expected to interpret this sentinel; it drives the retry loop.
var ErrConflict = conflictError{}

type conflictError struct{}

func (conflictError) Error() string { return "kvstore: transaction conflict" }
