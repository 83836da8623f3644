package format_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kvfs-project/kvfs/internal/alloc"
	"github.com/kvfs-project/kvfs/internal/attrengine"
	"github.com/kvfs-project/kvfs/internal/format"
	"github.com/kvfs-project/kvfs/internal/keycodec"
	"github.com/kvfs-project/kvfs/internal/kverrors"
	"github.com/kvfs-project/kvfs/internal/kvstore"
	"github.com/kvfs-project/kvfs/internal/kvstore/memkv"
	"github.com/kvfs-project/kvfs/internal/record"
)

func testOpts() format.Options {
	return format.Options{
		BlockSize:     8,
		HashedBlocks:  true,
		HashAlgorithm: "blake3",
		Encoding:      record.EncodingGob,
		Now:           time.Unix(1000, 0),
	}
}

func TestFormatSeedsRootAndCounters(t *testing.T) {
	store := memkv.New()
	ctx := context.Background()

	require.NoError(t, format.Format(ctx, store, testOpts()))

	meta, err := format.ReadStaticMeta(ctx, store)
	require.NoError(t, err)
	require.Equal(t, uint64(8), meta.BlockSize)
	require.Equal(t, "blake3", meta.HashAlgorithm)

	tx, err := store.Begin(ctx, kvstore.TxnOptions{})
	require.NoError(t, err)
	defer tx.Rollback()

	all, err := attrengine.GetAll(ctx, tx, alloc.RootIno)
	require.NoError(t, err)
	require.Equal(t, record.KindDirectory, all.Desc.Kind)
	require.EqualValues(t, 0755, all.Attr.PermissionBits)

	firstIno, err := alloc.Allocate(ctx, tx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), firstIno, "the first dynamically allocated inode must be 2, right after the reserved root")

	firstGen, err := alloc.AllocateGeneration(ctx, tx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), firstGen, "root implicitly holds generation 0, so the first allocated generation must be 1")
}

func TestFormatRefusesToRunTwiceWithoutForce(t *testing.T) {
	store := memkv.New()
	ctx := context.Background()

	require.NoError(t, format.Format(ctx, store, testOpts()))
	err := format.Format(ctx, store, testOpts())
	require.Error(t, err)
	require.Equal(t, kverrors.AlreadyExists, kverrors.KindOf(err))
}

func TestFormatWithForceRejectsIncompatibleBlockSize(t *testing.T) {
	store := memkv.New()
	ctx := context.Background()

	require.NoError(t, format.Format(ctx, store, testOpts()))

	changed := testOpts()
	changed.Force = true
	changed.BlockSize = 16
	err := format.Format(ctx, store, changed)
	require.Error(t, err)
	require.Equal(t, kverrors.InvalidArgument, kverrors.KindOf(err))
}

func TestReconcileOpenHandlesClearsOnlyStaleMountInstances(t *testing.T) {
	store := memkv.New()
	ctx := context.Background()
	require.NoError(t, format.Format(ctx, store, testOpts()))

	var staleMount, liveMount [16]byte
	staleMount[0] = 0xAA
	liveMount[0] = 0xBB

	tx, err := store.Begin(ctx, kvstore.TxnOptions{})
	require.NoError(t, err)
	var staleUseID, liveUseID [16]byte
	staleUseID[0] = 1
	liveUseID[0] = 2
	require.NoError(t, tx.Put(ctx, keycodec.InoOpenKey(2, staleUseID), record.EncodeInoOpen(record.InoOpen{MountInstance: staleMount})))
	require.NoError(t, tx.Put(ctx, keycodec.InoOpenKey(2, liveUseID), record.EncodeInoOpen(record.InoOpen{MountInstance: liveMount})))
	require.NoError(t, tx.Commit(ctx))

	cleared, err := format.ReconcileOpenHandles(ctx, store, liveMount)
	require.NoError(t, err)
	require.Equal(t, 1, cleared)

	tx2, err := store.Begin(ctx, kvstore.TxnOptions{})
	require.NoError(t, err)
	defer tx2.Rollback()
	_, err = tx2.Get(ctx, keycodec.InoOpenKey(2, staleUseID))
	require.ErrorIs(t, err, kvstore.ErrNotFound)
	_, err = tx2.Get(ctx, keycodec.InoOpenKey(2, liveUseID))
	require.NoError(t, err)
}

func TestBeginMountFailsBeforeFormat(t *testing.T) {
	store := memkv.New()
	_, err := format.BeginMount(context.Background(), store)
	require.Error(t, err)
	require.Equal(t, kverrors.NotInitialized, kverrors.KindOf(err))
}
