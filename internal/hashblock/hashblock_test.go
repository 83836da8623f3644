package hashblock_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kvfs-project/kvfs/internal/hashblock"
	"github.com/kvfs-project/kvfs/internal/keycodec"
	"github.com/kvfs-project/kvfs/internal/kvstore"
	"github.com/kvfs-project/kvfs/internal/kvstore/memkv"
	"github.com/kvfs-project/kvfs/internal/record"
)

const testBlockSize = 8

func seedInoSize(t *testing.T, ctx context.Context, tx kvstore.Txn, ino uint64) {
	t.Helper()
	err := tx.Put(ctx, keycodec.InoSizeKey(ino), record.EncodeInoSize(record.InoSize{Mtime: time.Unix(0, 0)}))
	require.NoError(t, err)
}

func TestUploadNewBlocksIsIdempotentAndStartsRefcountAtZero(t *testing.T) {
	store := memkv.New()
	ctx := context.Background()
	h, err := hashblock.NewHasher(hashblock.AlgorithmBlake3)
	require.NoError(t, err)

	data := []byte("hello!!!")
	hash := h.Sum(data)

	tx, err := store.Begin(ctx, kvstore.TxnOptions{})
	require.NoError(t, err)
	require.NoError(t, hashblock.UploadNewBlocks(ctx, tx, []hashblock.Block{{Hash: hash, Data: data}}))
	require.NoError(t, hashblock.UploadNewBlocks(ctx, tx, []hashblock.Block{{Hash: hash, Data: data}}))
	require.NoError(t, tx.Commit(ctx))

	tx2, err := store.Begin(ctx, kvstore.TxnOptions{})
	require.NoError(t, err)
	got, err := hashblock.GetBlockData(ctx, tx2, []hashblock.Hash{hash})
	require.NoError(t, err)
	require.Equal(t, data, got[0])
	v, err := tx2.Get(ctx, keycodec.HashRefKey(hash))
	require.NoError(t, err)
	require.Equal(t, uint64(0), beUint64(v))
	require.NoError(t, tx2.Rollback())
}

func TestWriteHashBlocksDedupesAndIncrementsRefcount(t *testing.T) {
	store := memkv.New()
	ctx := context.Background()
	h, _ := hashblock.NewHasher(hashblock.AlgorithmBlake3)

	data := []byte("hello!!!")
	hash := h.Sum(data)

	for _, ino := range []uint64{10, 11} {
		tx, err := store.Begin(ctx, kvstore.TxnOptions{})
		require.NoError(t, err)
		seedInoSize(t, ctx, tx, ino)
		require.NoError(t, hashblock.UploadNewBlocks(ctx, tx, []hashblock.Block{{Hash: hash, Data: data}}))
		require.NoError(t, hashblock.WriteHashBlocks(ctx, tx, ino, testBlockSize, []hashblock.BlockWrite{
			{BlockIndex: 0, Hash: hash, Length: uint64(len(data)), BlockIDs: []uint64{1}},
		}))
		require.NoError(t, tx.Commit(ctx))
	}

	tx, err := store.Begin(ctx, kvstore.TxnOptions{})
	require.NoError(t, err)
	v, err := tx.Get(ctx, keycodec.HashRefKey(hash))
	require.NoError(t, err)
	require.Equal(t, uint64(2), beUint64(v))
	require.NoError(t, tx.Rollback())
}

func TestDecrementRefcountToZeroReclaimsPayload(t *testing.T) {
	store := memkv.New()
	ctx := context.Background()
	h, _ := hashblock.NewHasher(hashblock.AlgorithmBlake3)
	data := []byte("hello!!!")
	hash := h.Sum(data)

	tx, err := store.Begin(ctx, kvstore.TxnOptions{})
	require.NoError(t, err)
	require.NoError(t, hashblock.UploadNewBlocks(ctx, tx, []hashblock.Block{{Hash: hash, Data: data}}))
	_, err = hashblock.IncrementRefcount(ctx, tx, []hashblock.Increment{{Hash: hash, Inc: 1}})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	tx2, err := store.Begin(ctx, kvstore.TxnOptions{})
	require.NoError(t, err)
	require.NoError(t, hashblock.DecrementRefcount(ctx, tx2, []hashblock.Increment{{Hash: hash, Inc: 1}}))
	require.NoError(t, tx2.Commit(ctx))

	tx3, err := store.Begin(ctx, kvstore.TxnOptions{})
	require.NoError(t, err)
	_, err = tx3.Get(ctx, keycodec.HashDataKey(hash))
	require.ErrorIs(t, err, kvstore.ErrNotFound)
	_, err = tx3.Get(ctx, keycodec.HashRefKey(hash))
	require.ErrorIs(t, err, kvstore.ErrNotFound)
	require.NoError(t, tx3.Rollback())
}

func beUint64(v []byte) uint64 {
	var out uint64
	for _, b := range v {
		out = out<<8 | uint64(b)
	}
	return out
}
