// Package format implements first-mount formatting (spec.md §4.11): the
// static-meta singleton, the root inode, and the allocator counters, plus
// the mount-instance handshake that lets a remount detect and clear open
// handles abandoned by a crashed prior mount (spec.md §5).
package format

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/kvfs-project/kvfs/internal/keycodec"
	"github.com/kvfs-project/kvfs/internal/kverrors"
	"github.com/kvfs-project/kvfs/internal/kvstore"
	"github.com/kvfs-project/kvfs/internal/logger"
	"github.com/kvfs-project/kvfs/internal/record"
)

// Options carries the values only meaningful at format time; they are
// never read again once the static-meta singleton is written (spec.md §3).
type Options struct {
	BlockSize     uint64
	HashedBlocks  bool
	HashAlgorithm string
	Encoding      record.Encoding
	Force         bool
	RootUid       uint32
	RootGid       uint32
	RootMode      uint32
	Now           time.Time
}

// Format writes the static-meta singleton, the root inode (ino 1,
// directory, default mode 0755), and seeds next_inode=2/next_generation=1
// so the first inode alloc.Allocate returns is 2 and the first generation
// alloc.AllocateGeneration returns is 1 (root's own implicit generation is
// 0). Refuses to run against an already-formatted store unless opts.Force
// is set, and even then refuses if the existing static meta is
// incompatible (a different block size can't be safely reformatted out
// from under existing block-hash pointers).
func Format(ctx context.Context, store kvstore.Store, opts Options) error {
	if opts.RootMode == 0 {
		opts.RootMode = 0755
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}

	tx, err := store.Begin(ctx, kvstore.TxnOptions{Pessimistic: true})
	if err != nil {
		return kverrors.Wrap("format.Format", kverrors.BackendUnavailable, err)
	}

	if err := formatIn(ctx, tx, opts); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return kverrors.Wrap("format.Format", kverrors.BackendUnavailable, err)
	}
	logger.Infof("formatted filesystem: block_size=%d hash_algorithm=%s", opts.BlockSize, opts.HashAlgorithm)
	return nil
}

func formatIn(ctx context.Context, tx kvstore.Txn, opts Options) error {
	existing, err := tx.Get(ctx, keycodec.StaticMetaKey())
	switch {
	case err == nil:
		if !opts.Force {
			return kverrors.New("format.Format", kverrors.AlreadyExists, "filesystem is already formatted; pass --force to reformat")
		}
		prior, decErr := record.DecodeStaticMeta(existing)
		if decErr != nil {
			return decErr
		}
		if prior.BlockSize != opts.BlockSize {
			return kverrors.New("format.Format", kverrors.InvalidArgument, "cannot reformat with a different block-size while existing block-hash pointers use the old size")
		}
	case err != kvstore.ErrNotFound:
		return kverrors.Wrap("format.Format", kverrors.BackendUnavailable, err)
	}

	meta := record.StaticMeta{
		BlockSize:     opts.BlockSize,
		HashedBlocks:  opts.HashedBlocks,
		HashAlgorithm: opts.HashAlgorithm,
		Encoding:      opts.Encoding,
		MountInstance: newMountInstance(),
	}
	if err := tx.Put(ctx, keycodec.StaticMetaKey(), record.EncodeStaticMeta(meta)); err != nil {
		return kverrors.Wrap("format.Format", kverrors.BackendUnavailable, err)
	}

	rootIno := uint64(1)
	desc := record.InoDesc{Ino: rootIno, Kind: record.KindDirectory, CreationTime: opts.Now}
	if err := tx.Put(ctx, keycodec.InoDescKey(rootIno), record.EncodeInoDesc(desc)); err != nil {
		return kverrors.Wrap("format.Format", kverrors.BackendUnavailable, err)
	}
	attr := record.InoAttr{PermissionBits: opts.RootMode, Uid: opts.RootUid, Gid: opts.RootGid, Ctime: opts.Now, Version: 1}
	if err := tx.Put(ctx, keycodec.InoAttrKey(rootIno), record.EncodeInoAttr(attr)); err != nil {
		return kverrors.Wrap("format.Format", kverrors.BackendUnavailable, err)
	}

	if err := tx.Put(ctx, keycodec.CounterKey(keycodec.CounterNextInode), encodeCounter(2)); err != nil {
		return kverrors.Wrap("format.Format", kverrors.BackendUnavailable, err)
	}
	if err := tx.Put(ctx, keycodec.CounterKey(keycodec.CounterNextGeneration), encodeCounter(1)); err != nil {
		return kverrors.Wrap("format.Format", kverrors.BackendUnavailable, err)
	}
	return nil
}

func encodeCounter(v uint64) []byte {
	buf := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		buf[i] = byte(v)
		v >>= 8
	}
	return buf
}

func newMountInstance() [16]byte {
	return uuid.New()
}

// ReadStaticMeta returns the format-time singleton, failing with
// kverrors.NotInitialized if the store has never been formatted.
func ReadStaticMeta(ctx context.Context, store kvstore.Store) (record.StaticMeta, error) {
	tx, err := store.Begin(ctx, kvstore.TxnOptions{})
	if err != nil {
		return record.StaticMeta{}, kverrors.Wrap("format.ReadStaticMeta", kverrors.BackendUnavailable, err)
	}
	defer tx.Rollback()

	v, err := tx.Get(ctx, keycodec.StaticMetaKey())
	if err == kvstore.ErrNotFound {
		return record.StaticMeta{}, kverrors.New("format.ReadStaticMeta", kverrors.NotInitialized, "filesystem has never been formatted")
	} else if err != nil {
		return record.StaticMeta{}, kverrors.Wrap("format.ReadStaticMeta", kverrors.BackendUnavailable, err)
	}
	return record.DecodeStaticMeta(v)
}

// BeginMount stamps a fresh mount-instance id into static meta, returning
// it so the caller can tag every InoOpen row this mount writes. It does
// not touch InoOpen rows itself; ReconcileOpenHandles clears the ones left
// behind by a mount that never got to release them cleanly (spec.md §5's
// "crash recovery is implicit" design note).
func BeginMount(ctx context.Context, store kvstore.Store) (mountInstance [16]byte, err error) {
	tx, err := store.Begin(ctx, kvstore.TxnOptions{Pessimistic: true})
	if err != nil {
		return mountInstance, kverrors.Wrap("format.BeginMount", kverrors.BackendUnavailable, err)
	}

	v, err := tx.Get(ctx, keycodec.StaticMetaKey())
	if err == kvstore.ErrNotFound {
		_ = tx.Rollback()
		return mountInstance, kverrors.New("format.BeginMount", kverrors.NotInitialized, "filesystem has never been formatted")
	} else if err != nil {
		_ = tx.Rollback()
		return mountInstance, kverrors.Wrap("format.BeginMount", kverrors.BackendUnavailable, err)
	}
	meta, err := record.DecodeStaticMeta(v)
	if err != nil {
		_ = tx.Rollback()
		return mountInstance, err
	}

	mountInstance = newMountInstance()
	meta.MountInstance = mountInstance
	if err := tx.Put(ctx, keycodec.StaticMetaKey(), record.EncodeStaticMeta(meta)); err != nil {
		_ = tx.Rollback()
		return mountInstance, kverrors.Wrap("format.BeginMount", kverrors.BackendUnavailable, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return mountInstance, kverrors.Wrap("format.BeginMount", kverrors.BackendUnavailable, err)
	}
	return mountInstance, nil
}

// ReconcileOpenHandles deletes every InoOpen row not tagged with
// currentMountInstance: entries from any prior mount-instance are
// necessarily abandoned, since only one mount holds the live instance id
// at a time and a clean unmount releases its own handles before exiting.
func ReconcileOpenHandles(ctx context.Context, store kvstore.Store, currentMountInstance [16]byte) (cleared int, err error) {
	tx, err := store.Begin(ctx, kvstore.TxnOptions{Pessimistic: true})
	if err != nil {
		return 0, kverrors.Wrap("format.ReconcileOpenHandles", kverrors.BackendUnavailable, err)
	}

	prefix := []byte{byte(keycodec.TagInodeOpen)}
	end := keycodec.PrefixRangeEnd(prefix)
	it, err := tx.Scan(ctx, prefix, end, 0, false)
	if err != nil {
		_ = tx.Rollback()
		return 0, kverrors.Wrap("format.ReconcileOpenHandles", kverrors.BackendUnavailable, err)
	}

	var stale [][]byte
	for it.Next() {
		kv := it.Item()
		open, decErr := record.DecodeInoOpen(kv.Value)
		if decErr != nil {
			it.Close()
			_ = tx.Rollback()
			return 0, decErr
		}
		if open.MountInstance != currentMountInstance {
			key := make([]byte, len(kv.Key))
			copy(key, kv.Key)
			stale = append(stale, key)
		}
	}
	if itErr := it.Err(); itErr != nil {
		it.Close()
		_ = tx.Rollback()
		return 0, kverrors.Wrap("format.ReconcileOpenHandles", kverrors.BackendUnavailable, itErr)
	}
	it.Close()

	for _, key := range stale {
		if err := tx.Delete(ctx, key); err != nil {
			_ = tx.Rollback()
			return 0, kverrors.Wrap("format.ReconcileOpenHandles", kverrors.BackendUnavailable, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, kverrors.Wrap("format.ReconcileOpenHandles", kverrors.BackendUnavailable, err)
	}
	logger.Infof("cleared %d stale open-handle entries from a prior mount", len(stale))
	return len(stale), nil
}
