package attrengine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kvfs-project/kvfs/internal/attrengine"
	"github.com/kvfs-project/kvfs/internal/keycodec"
	"github.com/kvfs-project/kvfs/internal/kverrors"
	"github.com/kvfs-project/kvfs/internal/kvstore"
	"github.com/kvfs-project/kvfs/internal/kvstore/memkv"
	"github.com/kvfs-project/kvfs/internal/record"
)

const testBlockSize = 8

func seedFile(t *testing.T, ctx context.Context, tx kvstore.Txn, ino uint64, now time.Time) {
	t.Helper()
	require.NoError(t, tx.Put(ctx, keycodec.InoDescKey(ino), record.EncodeInoDesc(record.InoDesc{Ino: ino, Kind: record.KindFile, CreationTime: now})))
	require.NoError(t, tx.Put(ctx, keycodec.InoAttrKey(ino), record.EncodeInoAttr(record.InoAttr{PermissionBits: 0644, Ctime: now})))
	require.NoError(t, tx.Put(ctx, keycodec.InoSizeKey(ino), record.EncodeInoSize(record.InoSize{Mtime: now})))
	require.NoError(t, tx.Put(ctx, keycodec.InoAtimeKey(ino), record.EncodeInoAtime(record.InoAtime{Atime: now})))
}

func TestGetAllMissingInodeIsNotFound(t *testing.T) {
	store := memkv.New()
	ctx := context.Background()
	tx, err := store.Begin(ctx, kvstore.TxnOptions{})
	require.NoError(t, err)
	_, err = attrengine.GetAll(ctx, tx, 42)
	require.Error(t, err)
	require.Equal(t, kverrors.NotFound, kverrors.KindOf(err))
	require.NoError(t, tx.Rollback())
}

func TestSetAllBumpsCtimeAndVersionOnAttrChange(t *testing.T) {
	store := memkv.New()
	ctx := context.Background()
	now := time.Unix(1000, 0)

	tx, err := store.Begin(ctx, kvstore.TxnOptions{})
	require.NoError(t, err)
	seedFile(t, ctx, tx, 2, now)
	require.NoError(t, tx.Commit(ctx))

	later := time.Unix(2000, 0)
	perm := uint32(0600)
	tx2, err := store.Begin(ctx, kvstore.TxnOptions{})
	require.NoError(t, err)
	require.NoError(t, attrengine.SetAll(ctx, tx2, 2, attrengine.SetParams{PermissionBits: &perm, Now: later}))
	require.NoError(t, tx2.Commit(ctx))

	tx3, err := store.Begin(ctx, kvstore.TxnOptions{})
	require.NoError(t, err)
	all, err := attrengine.GetAll(ctx, tx3, 2)
	require.NoError(t, err)
	require.Equal(t, uint32(0600), all.Attr.PermissionBits)
	require.True(t, all.Attr.Ctime.Equal(later))
	require.Equal(t, uint64(1), all.Attr.Version)
	require.NoError(t, tx3.Rollback())
}

func TestOpenCloseReclaimsOrphanWithNoDirectoryEdges(t *testing.T) {
	store := memkv.New()
	ctx := context.Background()
	now := time.Unix(1000, 0)
	var mountInstance [16]byte

	tx, err := store.Begin(ctx, kvstore.TxnOptions{})
	require.NoError(t, err)
	seedFile(t, ctx, tx, 5, now)
	require.NoError(t, tx.Commit(ctx))

	tx2, err := store.Begin(ctx, kvstore.TxnOptions{})
	require.NoError(t, err)
	useID, err := attrengine.Open(ctx, tx2, 5, mountInstance, now)
	require.NoError(t, err)
	require.NoError(t, tx2.Commit(ctx))

	// No directory edge exists for ino 5 in this test (it is orphaned by
	// construction), so Close must destroy it once the last handle drops.
	tx3, err := store.Begin(ctx, kvstore.TxnOptions{})
	require.NoError(t, err)
	require.NoError(t, attrengine.Close(ctx, tx3, 5, useID, testBlockSize))
	require.NoError(t, tx3.Commit(ctx))

	tx4, err := store.Begin(ctx, kvstore.TxnOptions{})
	require.NoError(t, err)
	_, err = tx4.Get(ctx, keycodec.InoDescKey(5))
	require.ErrorIs(t, err, kvstore.ErrNotFound)
	require.NoError(t, tx4.Rollback())
}

func TestAllocateSizeExtendsSparsely(t *testing.T) {
	store := memkv.New()
	ctx := context.Background()
	now := time.Unix(1000, 0)

	tx, err := store.Begin(ctx, kvstore.TxnOptions{})
	require.NoError(t, err)
	seedFile(t, ctx, tx, 7, now)
	require.NoError(t, tx.Commit(ctx))

	tx2, err := store.Begin(ctx, kvstore.TxnOptions{})
	require.NoError(t, err)
	require.NoError(t, attrengine.AllocateSize(ctx, tx2, 7, 100, 50, testBlockSize, now))
	require.NoError(t, tx2.Commit(ctx))

	tx3, err := store.Begin(ctx, kvstore.TxnOptions{})
	require.NoError(t, err)
	all, err := attrengine.GetAll(ctx, tx3, 7)
	require.NoError(t, err)
	require.Equal(t, uint64(150), all.Size.SizeBytes)
	require.NoError(t, tx3.Rollback())

	// No InoBlockHash pointers were written for the extended range.
	tx4, err := store.Begin(ctx, kvstore.TxnOptions{})
	require.NoError(t, err)
	it, err := tx4.Scan(ctx, keycodec.BlockHashPrefix(7), keycodec.PrefixRangeEnd(keycodec.BlockHashPrefix(7)), 0, false)
	require.NoError(t, err)
	require.False(t, it.Next())
	require.NoError(t, it.Close())
	require.NoError(t, tx4.Rollback())
}
