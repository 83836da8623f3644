// Package alloc allocates fresh inode numbers from the filesystem-wide
// monotonic counter. It is the smallest engine: a single read-increment-
// write against one counter key, executed inside the caller's transaction
// so allocation and the directory insertion that consumes the ino commit
// atomically.
package alloc

import (
	"context"
	"encoding/binary"

	"github.com/kvfs-project/kvfs/internal/keycodec"
	"github.com/kvfs-project/kvfs/internal/kvstore"
	"github.com/kvfs-project/kvfs/internal/kverrors"
)

// RootIno is pre-seeded by internal/format and never allocated here.
const RootIno uint64 = 1

// firstAllocatable is the value next_inode starts at: 1 is reserved for
// the root, so the first call to Allocate returns 2.
const firstAllocatable uint64 = 2

// Allocate reads and increments the next_inode counter within tx, and
// returns the pre-increment value. Allocated numbers are never reused,
// even across deletions, because the counter only ever moves forward.
func Allocate(ctx context.Context, tx kvstore.Txn) (uint64, error) {
	key := keycodec.CounterKey(keycodec.CounterNextInode)

	cur, err := readCounter(ctx, tx, key, firstAllocatable)
	if err != nil {
		return 0, err
	}

	next := cur + 1
	if next < cur {
		return 0, kverrors.New("alloc.Allocate", kverrors.InvalidArgument, "next_inode counter overflow")
	}

	if err := tx.Put(ctx, key, encodeCounter(next)); err != nil {
		return 0, kverrors.Wrap("alloc.Allocate", kverrors.BackendUnavailable, err)
	}
	return cur, nil
}

// AllocateGeneration reads and increments next_generation, used by the
// directory engine to distinguish inode reuse across the FUSE generation
// field (jacobsa/fuse's ChildInodeEntry.Generation).
func AllocateGeneration(ctx context.Context, tx kvstore.Txn) (uint64, error) {
	key := keycodec.CounterKey(keycodec.CounterNextGeneration)

	cur, err := readCounter(ctx, tx, key, 0)
	if err != nil {
		return 0, err
	}

	if err := tx.Put(ctx, key, encodeCounter(cur+1)); err != nil {
		return 0, kverrors.Wrap("alloc.AllocateGeneration", kverrors.BackendUnavailable, err)
	}
	return cur, nil
}

func readCounter(ctx context.Context, tx kvstore.Txn, key []byte, initial uint64) (uint64, error) {
	v, err := tx.Get(ctx, key)
	switch {
	case err == kvstore.ErrNotFound:
		return initial, nil
	case err != nil:
		return 0, kverrors.Wrap("alloc.readCounter", kverrors.BackendUnavailable, err)
	case len(v) != 8:
		return 0, kverrors.New("alloc.readCounter", kverrors.InvalidData, "counter value is not 8 bytes")
	default:
		return binary.BigEndian.Uint64(v), nil
	}
}

func encodeCounter(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}
