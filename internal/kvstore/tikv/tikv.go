// Package tikv implements kvstore.Store against a real TiKV cluster using
// github.com/tikv/client-go/v2. This is the production backend; memkv is
// its test-only sibling implementing the identical interface.
package tikv

import (
	"context"
	"sync"

	"github.com/pingcap/log"
	"github.com/tikv/client-go/v2/config"
	tikverr "github.com/tikv/client-go/v2/error"
	"github.com/tikv/client-go/v2/txnkv"
	"github.com/tikv/client-go/v2/txnkv/transaction"

	"github.com/kvfs-project/kvfs/internal/kvstore"
)

// Store wraps a *txnkv.Client pointed at a PD cluster.
type Store struct {
	client *txnkv.Client
}

var (
	clientLogOnce sync.Once
	clientLogErr  error
)

// initClientLogging points client-go's own internal logging (which goes
// through the global pingcap/log logger) at a warn-level text logger, so
// a misbehaving TiKV client logs something actionable instead of being
// silently dropped or flooding stderr at its noisy default verbosity.
func initClientLogging() error {
	clientLogOnce.Do(func() {
		logger, props, err := log.InitLogger(&log.Config{Level: "warn", Format: "text"})
		if err != nil {
			clientLogErr = err
			return
		}
		log.ReplaceGlobals(logger, props)
	})
	return clientLogErr
}

// Dial connects to the TiKV cluster fronted by the given PD endpoints.
func Dial(ctx context.Context, pdEndpoints []string, sec config.Security) (*Store, error) {
	if err := initClientLogging(); err != nil {
		return nil, err
	}
	client, err := txnkv.NewClient(pdEndpoints, txnkv.WithSecurity(sec))
	if err != nil {
		return nil, err
	}
	return &Store{client: client}, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) CreateSnapshot(ctx context.Context, name string) (bool, error) {
	key := append([]byte{'N'}, []byte(name)...)
	tx, err := s.client.Begin()
	if err != nil {
		return false, err
	}
	if _, err := tx.Get(ctx, key); err == nil {
		_ = tx.Rollback()
		return true, nil
	} else if err != tikverr.ErrNotExist {
		_ = tx.Rollback()
		return false, err
	}
	if err := tx.Set(key, []byte{}); err != nil {
		_ = tx.Rollback()
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return false, nil
}

// Begin starts a new transaction. Pessimistic transactions are requested
// by internal/kvfs for rename, unlink and rmdir (spec.md §4.2) and by
// internal/format for its format and mount handshakes; every other engine
// call runs optimistic.
func (s *Store) Begin(ctx context.Context, opts kvstore.TxnOptions) (kvstore.Txn, error) {
	tx, err := s.client.Begin()
	if err != nil {
		return nil, err
	}
	if opts.Pessimistic {
		tx.SetPessimistic(true)
	}
	return &txn{tx: tx}, nil
}

type txn struct {
	tx *transaction.KVTxn
}

func (t *txn) Get(ctx context.Context, key []byte) ([]byte, error) {
	v, err := t.tx.Get(ctx, key)
	if err != nil {
		if err == tikverr.ErrNotExist {
			return nil, kvstore.ErrNotFound
		}
		return nil, err
	}
	return v, nil
}

func (t *txn) Scan(ctx context.Context, startKey, endKey []byte, limit int, desc bool) (kvstore.Iterator, error) {
	if desc {
		it, err := t.tx.IterReverse(endKey, startKey)
		if err != nil {
			return nil, err
		}
		return &iterator{it: it, limit: limit}, nil
	}
	it, err := t.tx.Iter(startKey, endKey)
	if err != nil {
		return nil, err
	}
	return &iterator{it: it, limit: limit}, nil
}

func (t *txn) Put(ctx context.Context, key, value []byte) error {
	return t.tx.Set(key, value)
}

func (t *txn) Delete(ctx context.Context, key []byte) error {
	return t.tx.Delete(key)
}

func (t *txn) Commit(ctx context.Context) error {
	err := t.tx.Commit(ctx)
	if err == nil {
		return nil
	}
	if _, ok := err.(*tikverr.ErrWriteConflict); ok {
		return kvstore.ErrConflict
	}
	if _, ok := err.(*tikverr.ErrRetryable); ok {
		return kvstore.ErrConflict
	}
	return err
}

func (t *txn) Rollback() error {
	return t.tx.Rollback()
}

// tikvIterator is the subset of transaction.Iterator this package uses.
// Naming it locally keeps the adapter below independent of the exact
// interface name client-go exports across minor versions.
type tikvIterator interface {
	Valid() bool
	Next() error
	Key() []byte
	Value() []byte
	Close()
}

type iterator struct {
	it      tikvIterator
	limit   int
	seen    int
	started bool
	err     error
}

func (it *iterator) Next() bool {
	if it.err != nil {
		return false
	}
	if it.limit > 0 && it.seen >= it.limit {
		return false
	}
	if !it.started {
		it.started = true
	} else if err := it.it.Next(); err != nil {
		it.err = err
		return false
	}
	if !it.it.Valid() {
		return false
	}
	it.seen++
	return true
}

func (it *iterator) Item() kvstore.KV {
	return kvstore.KV{Key: it.it.Key(), Value: it.it.Value()}
}

func (it *iterator) Err() error   { return it.err }
func (it *iterator) Close() error { it.it.Close(); return nil }
