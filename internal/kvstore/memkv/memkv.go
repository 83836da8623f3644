// Package memkv is an in-memory, fully ordered implementation of
// kvstore.Store used by every engine-level test. It is not a mock: it
// implements real snapshot isolation (via the copy-on-write clone that
// google/btree provides for free) and real optimistic-conflict detection,
// so tests exercise the actual retry and locking contracts that
// internal/txn relies on, not a stand-in for them.
package memkv

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/google/btree"

	"github.com/kvfs-project/kvfs/internal/kvstore"
)

const btreeDegree = 32

// item is the unit google/btree orders. A deleted tombstone is kept in the
// overlay so reads within a transaction correctly see a prior delete, but
// tombstones are never persisted into the committed tree.
type item struct {
	key     []byte
	value   []byte
	rev     uint64
	deleted bool
}

func (a *item) Less(than btree.Item) bool {
	return bytes.Compare(a.key, than.(*item).key) < 0
}

// Store is a single in-process filesystem's committed state.
type Store struct {
	mu   sync.Mutex
	data *btree.BTree // committed items, each with its commit rev
	rev  uint64

	keyLocks map[string]*sync.Mutex // pessimistic per-key locks, held across a txn's lifetime
}

func New() *Store {
	return &Store{data: btree.New(btreeDegree), keyLocks: make(map[string]*sync.Mutex)}
}

func (s *Store) Close() error { return nil }

func (s *Store) CreateSnapshot(ctx context.Context, name string) (bool, error) {
	key, err := snapshotKey(name)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data.Get(&item{key: key}) != nil {
		return true, nil
	}
	s.rev++
	s.data.ReplaceOrInsert(&item{key: key, value: []byte{}, rev: s.rev})
	return false, nil
}

// snapshotKey mirrors keycodec.SnapshotKey without importing it, to keep
// memkv free of a dependency cycle with higher packages that import it for
// other purposes; the 'N' tag matches keycodec.TagSnapshot.
func snapshotKey(name string) ([]byte, error) {
	buf := []byte{'N'}
	if len(name) > 0xFFFF {
		return nil, kvstore.ErrConflict
	}
	buf = append(buf, byte(len(name)>>8), byte(len(name)))
	buf = append(buf, name...)
	return buf, nil
}

func (s *Store) lockFor(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.keyLocks[key]
	if !ok {
		l = &sync.Mutex{}
		s.keyLocks[key] = l
	}
	return l
}

func (s *Store) Begin(ctx context.Context, opts kvstore.TxnOptions) (kvstore.Txn, error) {
	s.mu.Lock()
	snapshot := s.data.Clone()
	s.mu.Unlock()

	return &txn{
		store:       s,
		pessimistic: opts.Pessimistic,
		overlay:     snapshot.Clone(),
		readRevs:    make(map[string]uint64),
		dirty:       make(map[string]*item),
		locked:      make(map[string]bool),
	}, nil
}

type txn struct {
	store       *Store
	pessimistic bool

	overlay  *btree.BTree        // snapshot + this txn's uncommitted writes, for read-your-writes
	readRevs map[string]uint64   // key -> rev observed from the committed snapshot, for conflict checks
	dirty    map[string]*item    // keys this txn has written or deleted
	locked   map[string]bool     // keys this txn holds a pessimistic lock on

	done bool
}

func (t *txn) ensureLocked(key []byte) {
	if !t.pessimistic {
		return
	}
	k := string(key)
	if t.locked[k] {
		return
	}
	t.store.lockFor(k).Lock()
	t.locked[k] = true
}

func (t *txn) Get(ctx context.Context, key []byte) ([]byte, error) {
	t.ensureLocked(key)
	found := t.overlay.Get(&item{key: key})
	if found == nil {
		t.recordRead(key, 0)
		return nil, kvstore.ErrNotFound
	}
	it := found.(*item)
	t.recordRead(key, it.rev)
	if it.deleted {
		return nil, kvstore.ErrNotFound
	}
	out := make([]byte, len(it.value))
	copy(out, it.value)
	return out, nil
}

func (t *txn) recordRead(key []byte, rev uint64) {
	k := string(key)
	if _, ok := t.readRevs[k]; !ok {
		t.readRevs[k] = rev
	}
}

type iterator struct {
	items []KV
	pos   int
}

type KV = kvstore.KV

func (it *iterator) Next() bool {
	it.pos++
	return it.pos < len(it.items)
}
func (it *iterator) Item() kvstore.KV {
	return it.items[it.pos]
}
func (it *iterator) Err() error   { return nil }
func (it *iterator) Close() error { return nil }

func (t *txn) Scan(ctx context.Context, startKey, endKey []byte, limit int, desc bool) (kvstore.Iterator, error) {
	var collected []KV
	visit := func(bi btree.Item) bool {
		it := bi.(*item)
		t.recordRead(it.key, it.rev)
		if it.deleted {
			return true
		}
		v := make([]byte, len(it.value))
		copy(v, it.value)
		k := make([]byte, len(it.key))
		copy(k, it.key)
		collected = append(collected, KV{Key: k, Value: v})
		if limit > 0 && len(collected) >= limit {
			return false
		}
		return true
	}
	if desc {
		t.overlay.DescendLessOrEqual(&item{key: endKey}, func(bi btree.Item) bool {
			// DescendLessOrEqual includes endKey, which is exclusive in our
			// half-open convention, so skip an exact match on it; startKey
			// is inclusive, so stop only below it.
			k := bi.(*item).key
			if bytes.Equal(k, endKey) {
				return true
			}
			if bytes.Compare(k, startKey) < 0 {
				return false
			}
			return visit(bi)
		})
	} else {
		t.overlay.AscendRange(&item{key: startKey}, &item{key: endKey}, visit)
	}
	sortDesc := desc
	sort.SliceStable(collected, func(i, j int) bool {
		if sortDesc {
			return bytes.Compare(collected[i].Key, collected[j].Key) > 0
		}
		return bytes.Compare(collected[i].Key, collected[j].Key) < 0
	})
	if limit > 0 && len(collected) > limit {
		collected = collected[:limit]
	}
	return &iterator{items: collected, pos: -1}, nil
}

func (t *txn) Put(ctx context.Context, key, value []byte) error {
	t.ensureLocked(key)
	k := make([]byte, len(key))
	copy(k, key)
	v := make([]byte, len(value))
	copy(v, value)
	it := &item{key: k, value: v}
	t.overlay.ReplaceOrInsert(it)
	t.dirty[string(k)] = it
	return nil
}

func (t *txn) Delete(ctx context.Context, key []byte) error {
	t.ensureLocked(key)
	k := make([]byte, len(key))
	copy(k, key)
	it := &item{key: k, deleted: true}
	t.overlay.ReplaceOrInsert(it)
	t.dirty[string(k)] = it
	return nil
}

func (t *txn) Commit(ctx context.Context) error {
	if t.done {
		return nil
	}
	defer t.release()

	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	if !t.pessimistic {
		for k, sawRev := range t.readRevs {
			cur := t.store.data.Get(&item{key: []byte(k)})
			var curRev uint64
			if cur != nil {
				curRev = cur.(*item).rev
			}
			if curRev != sawRev {
				return kvstore.ErrConflict
			}
		}
	}

	t.store.rev++
	rev := t.store.rev
	for k, it := range t.dirty {
		if it.deleted {
			t.store.data.Delete(&item{key: []byte(k)})
			continue
		}
		t.store.data.ReplaceOrInsert(&item{key: it.key, value: it.value, rev: rev})
	}
	return nil
}

func (t *txn) Rollback() error {
	if t.done {
		return nil
	}
	t.release()
	return nil
}

func (t *txn) release() {
	t.done = true
	for k := range t.locked {
		t.store.lockFor(k).Unlock()
	}
}
