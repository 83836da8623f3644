package fileio_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kvfs-project/kvfs/internal/attrengine"
	"github.com/kvfs-project/kvfs/internal/direngine"
	"github.com/kvfs-project/kvfs/internal/fileio"
	"github.com/kvfs-project/kvfs/internal/hashblock"
	"github.com/kvfs-project/kvfs/internal/keycodec"
	"github.com/kvfs-project/kvfs/internal/kvstore"
	"github.com/kvfs-project/kvfs/internal/kvstore/memkv"
	"github.com/kvfs-project/kvfs/internal/record"
)

// geo uses small block/inline sizes so tests can exercise multi-block
// writes, reads, and truncation without large payloads.
var geo = fileio.Geometry{BlockSize: 8, InlineThreshold: 4}

func begin(t *testing.T, store kvstore.Store) kvstore.Txn {
	t.Helper()
	tx, err := store.Begin(context.Background(), kvstore.TxnOptions{})
	require.NoError(t, err)
	return tx
}

func seedRootAndFile(t *testing.T, ctx context.Context, tx kvstore.Txn, name string, now time.Time) uint64 {
	t.Helper()
	if _, err := tx.Get(ctx, keycodec.InoDescKey(1)); err != nil {
		require.NoError(t, tx.Put(ctx, keycodec.InoDescKey(1), record.EncodeInoDesc(record.InoDesc{Ino: 1, Kind: record.KindDirectory, CreationTime: now})))
		require.NoError(t, tx.Put(ctx, keycodec.InoAttrKey(1), record.EncodeInoAttr(record.InoAttr{PermissionBits: 0755, Ctime: now})))
	}
	r, err := direngine.AddChildNew(ctx, tx, 1, name, direngine.NewChildParams{Kind: record.KindFile, Perm: 0644, Now: now})
	require.NoError(t, err)
	return r.Ino
}

func TestScenario1_WriteBeyondInlineThresholdMaterializesOneBlock(t *testing.T) {
	store := memkv.New()
	ctx := context.Background()
	now := time.Unix(1000, 0)
	hasher, err := hashblock.NewHasher(hashblock.AlgorithmBlake3)
	require.NoError(t, err)

	tx := begin(t, store)
	ino := seedRootAndFile(t, ctx, tx, "a", now)
	require.NoError(t, fileio.Write(ctx, tx, geo, hasher, ino, 0, []byte("hello"), now))
	require.NoError(t, tx.Commit(ctx))

	tx2 := begin(t, store)
	all, err := attrengine.GetAll(ctx, tx2, ino)
	require.NoError(t, err)
	require.Equal(t, uint64(5), all.Size.SizeBytes)

	got, err := fileio.Read(ctx, tx2, geo, nil, ino, 0, 5)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))
	require.NoError(t, tx2.Rollback())
}

func TestScenario2_DedupAcrossTwoInodes(t *testing.T) {
	store := memkv.New()
	ctx := context.Background()
	now := time.Unix(1000, 0)
	hasher, _ := hashblock.NewHasher(hashblock.AlgorithmBlake3)

	tx := begin(t, store)
	inoB := seedRootAndFile(t, ctx, tx, "b", now)
	require.NoError(t, fileio.Write(ctx, tx, geo, hasher, inoB, 0, []byte("hello"), now))
	inoC := seedRootAndFile(t, ctx, tx, "c", now)
	require.NoError(t, fileio.Write(ctx, tx, geo, hasher, inoC, 0, []byte("hello"), now))
	require.NoError(t, tx.Commit(ctx))

	h := hasher.Sum([]byte("hello"))
	tx2 := begin(t, store)
	v, err := tx2.Get(ctx, keycodec.HashRefKey(h))
	require.NoError(t, err)
	require.Equal(t, uint64(2), beUint64(v))
	require.NoError(t, tx2.Rollback())
}

func TestScenario5_TruncateToZeroThenReadReturnsNothing(t *testing.T) {
	store := memkv.New()
	ctx := context.Background()
	now := time.Unix(1000, 0)
	hasher, _ := hashblock.NewHasher(hashblock.AlgorithmBlake3)
	h := hasher.Sum([]byte("hello"))

	tx := begin(t, store)
	inoB := seedRootAndFile(t, ctx, tx, "b", now)
	require.NoError(t, fileio.Write(ctx, tx, geo, hasher, inoB, 0, []byte("hello"), now))
	inoC := seedRootAndFile(t, ctx, tx, "c", now)
	require.NoError(t, fileio.Write(ctx, tx, geo, hasher, inoC, 0, []byte("hello"), now))
	inoA := seedRootAndFile(t, ctx, tx, "a", now)
	require.NoError(t, fileio.Write(ctx, tx, geo, hasher, inoA, 0, []byte("hello"), now))
	require.NoError(t, tx.Commit(ctx))

	tx2 := begin(t, store)
	require.NoError(t, fileio.Truncate(ctx, tx2, geo, hasher, inoA, 0, now))
	require.NoError(t, tx2.Commit(ctx))

	tx3 := begin(t, store)
	got, err := fileio.Read(ctx, tx3, geo, nil, inoA, 0, 1)
	require.NoError(t, err)
	require.Empty(t, got)

	_, err = tx3.Get(ctx, keycodec.BlockHashKey(inoA, 0))
	require.ErrorIs(t, err, kvstore.ErrNotFound)

	v, err := tx3.Get(ctx, keycodec.HashRefKey(h))
	require.NoError(t, err)
	require.Equal(t, uint64(2), beUint64(v))
	require.NoError(t, tx3.Rollback())
}

func TestScenario6_OpenUnlinkReadThenCloseReclaims(t *testing.T) {
	store := memkv.New()
	ctx := context.Background()
	now := time.Unix(1000, 0)
	hasher, _ := hashblock.NewHasher(hashblock.AlgorithmBlake3)
	var mountInstance [16]byte

	tx := begin(t, store)
	ino := seedRootAndFile(t, ctx, tx, "a", now)
	require.NoError(t, fileio.Write(ctx, tx, geo, hasher, ino, 0, []byte("hello"), now))
	require.NoError(t, tx.Commit(ctx))

	tx2 := begin(t, store)
	useID, err := attrengine.Open(ctx, tx2, ino, mountInstance, now)
	require.NoError(t, err)
	require.NoError(t, tx2.Commit(ctx))

	tx3 := begin(t, store)
	require.NoError(t, direngine.RemoveChildFile(ctx, tx3, 1, "a", geo.BlockSize))
	require.NoError(t, tx3.Commit(ctx))

	// Still readable via the open handle after unlink.
	tx4 := begin(t, store)
	got, err := fileio.Read(ctx, tx4, geo, nil, ino, 0, 5)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))
	require.NoError(t, tx4.Rollback())

	tx5 := begin(t, store)
	require.NoError(t, attrengine.Close(ctx, tx5, ino, useID, geo.BlockSize))
	require.NoError(t, tx5.Commit(ctx))

	tx6 := begin(t, store)
	_, err = tx6.Get(ctx, keycodec.InoDescKey(ino))
	require.ErrorIs(t, err, kvstore.ErrNotFound)
	require.NoError(t, tx6.Rollback())
}

func TestWriteThenReadLaw(t *testing.T) {
	store := memkv.New()
	ctx := context.Background()
	now := time.Unix(1000, 0)
	hasher, _ := hashblock.NewHasher(hashblock.AlgorithmBlake3)

	tx := begin(t, store)
	ino := seedRootAndFile(t, ctx, tx, "f", now)
	data := []byte("the quick brown fox jumps")
	require.NoError(t, fileio.Write(ctx, tx, geo, hasher, ino, 3, data, now))
	require.NoError(t, tx.Commit(ctx))

	tx2 := begin(t, store)
	got, err := fileio.Read(ctx, tx2, geo, nil, ino, 3, uint64(len(data)))
	require.NoError(t, err)
	require.Equal(t, data, got)
	require.NoError(t, tx2.Rollback())
}

func beUint64(v []byte) uint64 {
	var out uint64
	for _, b := range v {
		out = out<<8 | uint64(b)
	}
	return out
}
