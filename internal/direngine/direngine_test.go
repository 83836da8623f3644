package direngine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kvfs-project/kvfs/internal/attrengine"
	"github.com/kvfs-project/kvfs/internal/direngine"
	"github.com/kvfs-project/kvfs/internal/keycodec"
	"github.com/kvfs-project/kvfs/internal/kverrors"
	"github.com/kvfs-project/kvfs/internal/kvstore"
	"github.com/kvfs-project/kvfs/internal/kvstore/memkv"
	"github.com/kvfs-project/kvfs/internal/record"
)

const testBlockSize = 8

func seedRoot(t *testing.T, ctx context.Context, tx kvstore.Txn, now time.Time) {
	t.Helper()
	require.NoError(t, tx.Put(ctx, keycodec.InoDescKey(1), record.EncodeInoDesc(record.InoDesc{Ino: 1, Kind: record.KindDirectory, CreationTime: now})))
	require.NoError(t, tx.Put(ctx, keycodec.InoAttrKey(1), record.EncodeInoAttr(record.InoAttr{PermissionBits: 0755, Ctime: now})))
}

func begin(t *testing.T, store kvstore.Store) kvstore.Txn {
	t.Helper()
	tx, err := store.Begin(context.Background(), kvstore.TxnOptions{})
	require.NoError(t, err)
	return tx
}

func TestAddChildNewIsIdempotent(t *testing.T) {
	store := memkv.New()
	ctx := context.Background()
	now := time.Unix(1000, 0)

	tx := begin(t, store)
	seedRoot(t, ctx, tx, now)
	require.NoError(t, tx.Commit(ctx))

	tx2 := begin(t, store)
	r1, err := direngine.AddChildNew(ctx, tx2, 1, "a", direngine.NewChildParams{Kind: record.KindFile, Perm: 0644, Now: now})
	require.NoError(t, err)
	require.False(t, r1.ExistedAlready)
	require.NoError(t, tx2.Commit(ctx))

	tx3 := begin(t, store)
	r2, err := direngine.AddChildNew(ctx, tx3, 1, "a", direngine.NewChildParams{Kind: record.KindFile, Perm: 0644, Now: now})
	require.NoError(t, err)
	require.True(t, r2.ExistedAlready)
	require.Equal(t, r1.Ino, r2.Ino)
	require.NoError(t, tx3.Rollback())
}

func TestAddChildNewAssignsIncreasingGenerations(t *testing.T) {
	store := memkv.New()
	ctx := context.Background()
	now := time.Unix(1000, 0)

	tx := begin(t, store)
	seedRoot(t, ctx, tx, now)
	r1, err := direngine.AddChildNew(ctx, tx, 1, "a", direngine.NewChildParams{Kind: record.KindFile, Perm: 0644, Now: now})
	require.NoError(t, err)
	r2, err := direngine.AddChildNew(ctx, tx, 1, "b", direngine.NewChildParams{Kind: record.KindFile, Perm: 0644, Now: now})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	tx2 := begin(t, store)
	a1, err := attrengine.GetAll(ctx, tx2, r1.Ino)
	require.NoError(t, err)
	a2, err := attrengine.GetAll(ctx, tx2, r2.Ino)
	require.NoError(t, err)
	require.Less(t, a1.Desc.Generation, a2.Desc.Generation)
	require.NoError(t, tx2.Rollback())
}

func TestRmdirNonEmptyFailsWithENOTEMPTY(t *testing.T) {
	store := memkv.New()
	ctx := context.Background()
	now := time.Unix(1000, 0)

	tx := begin(t, store)
	seedRoot(t, ctx, tx, now)
	_, err := direngine.AddChildNew(ctx, tx, 1, "d", direngine.NewChildParams{Kind: record.KindDirectory, Perm: 0755, Now: now})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	tx2 := begin(t, store)
	dirAttrs, err := direngine.ChildAllAttrs(ctx, tx2, 1, "d")
	require.NoError(t, err)
	_, err = direngine.AddChildNew(ctx, tx2, dirAttrs.Desc.Ino, "x", direngine.NewChildParams{Kind: record.KindFile, Perm: 0644, Now: now})
	require.NoError(t, err)
	require.NoError(t, tx2.Commit(ctx))

	tx3 := begin(t, store)
	err = direngine.RemoveChildDirectory(ctx, tx3, 1, "d", testBlockSize)
	require.Error(t, err)
	require.Equal(t, kverrors.DirectoryNotEmpty, kverrors.KindOf(err))
	require.NoError(t, tx3.Rollback())
}

func TestRenameWithinSameParentUpdatesSingleEdgePair(t *testing.T) {
	store := memkv.New()
	ctx := context.Background()
	now := time.Unix(1000, 0)

	tx := begin(t, store)
	seedRoot(t, ctx, tx, now)
	require.NoError(t, tx.Put(ctx, keycodec.InoDescKey(1), record.EncodeInoDesc(record.InoDesc{Ino: 1, Kind: record.KindDirectory, CreationTime: now})))
	r, err := direngine.AddChildNew(ctx, tx, 1, "d", direngine.NewChildParams{Kind: record.KindDirectory, Perm: 0755, Now: now})
	require.NoError(t, err)
	xr, err := direngine.AddChildNew(ctx, tx, r.Ino, "x", direngine.NewChildParams{Kind: record.KindFile, Perm: 0644, Now: now})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	later := time.Unix(2000, 0)
	tx2 := begin(t, store)
	require.NoError(t, direngine.Rename(ctx, tx2, r.Ino, "x", r.Ino, "y", testBlockSize, later))
	require.NoError(t, tx2.Commit(ctx))

	tx3 := begin(t, store)
	children, err := direngine.ReadChildren(ctx, tx3, r.Ino)
	require.NoError(t, err)
	require.Len(t, children, 1)
	require.Equal(t, "y", children[0].Name)
	require.Equal(t, xr.Ino, children[0].Ino)

	all, err := attrengine.GetAll(ctx, tx3, xr.Ino)
	require.NoError(t, err)
	require.True(t, all.Attr.Ctime.Equal(later))
	require.NoError(t, tx3.Rollback())
}

func TestRenameRejectsMovingDirectoryIntoOwnDescendant(t *testing.T) {
	store := memkv.New()
	ctx := context.Background()
	now := time.Unix(1000, 0)

	tx := begin(t, store)
	seedRoot(t, ctx, tx, now)
	parent, err := direngine.AddChildNew(ctx, tx, 1, "parent", direngine.NewChildParams{Kind: record.KindDirectory, Perm: 0755, Now: now})
	require.NoError(t, err)
	child, err := direngine.AddChildNew(ctx, tx, parent.Ino, "child", direngine.NewChildParams{Kind: record.KindDirectory, Perm: 0755, Now: now})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	tx2 := begin(t, store)
	err = direngine.Rename(ctx, tx2, 1, "parent", child.Ino, "parent-under-child", testBlockSize, now)
	require.Error(t, err)
	require.Equal(t, kverrors.InvalidArgument, kverrors.KindOf(err))
	require.NoError(t, tx2.Rollback())
}

func TestRemoveChildFileReclaimsOrphan(t *testing.T) {
	store := memkv.New()
	ctx := context.Background()
	now := time.Unix(1000, 0)

	tx := begin(t, store)
	seedRoot(t, ctx, tx, now)
	r, err := direngine.AddChildNew(ctx, tx, 1, "a", direngine.NewChildParams{Kind: record.KindFile, Perm: 0644, Now: now})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	tx2 := begin(t, store)
	require.NoError(t, direngine.RemoveChildFile(ctx, tx2, 1, "a", testBlockSize))
	require.NoError(t, tx2.Commit(ctx))

	tx3 := begin(t, store)
	_, err = tx3.Get(ctx, keycodec.InoDescKey(r.Ino))
	require.ErrorIs(t, err, kvstore.ErrNotFound)
	require.NoError(t, tx3.Rollback())
}
