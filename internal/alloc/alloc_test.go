package alloc_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kvfs-project/kvfs/internal/alloc"
	"github.com/kvfs-project/kvfs/internal/kvstore"
	"github.com/kvfs-project/kvfs/internal/kvstore/memkv"
)

func withTxn(t *testing.T, store kvstore.Store, fn func(tx kvstore.Txn)) {
	t.Helper()
	ctx := context.Background()
	tx, err := store.Begin(ctx, kvstore.TxnOptions{})
	require.NoError(t, err)
	fn(tx)
	require.NoError(t, tx.Commit(ctx))
}

func TestAllocateStartsAtTwoAndIncreasesMonotonically(t *testing.T) {
	store := memkv.New()
	ctx := context.Background()

	var got []uint64
	withTxn(t, store, func(tx kvstore.Txn) {
		for i := 0; i < 4; i++ {
			ino, err := alloc.Allocate(ctx, tx)
			require.NoError(t, err)
			got = append(got, ino)
		}
	})

	require.Equal(t, []uint64{2, 3, 4, 5}, got)
}

func TestAllocateNeverReusesAcrossTransactions(t *testing.T) {
	store := memkv.New()
	ctx := context.Background()

	var first, second uint64
	withTxn(t, store, func(tx kvstore.Txn) {
		var err error
		first, err = alloc.Allocate(ctx, tx)
		require.NoError(t, err)
	})
	withTxn(t, store, func(tx kvstore.Txn) {
		var err error
		second, err = alloc.Allocate(ctx, tx)
		require.NoError(t, err)
	})

	require.Less(t, first, second)
}

func TestAllocateGenerationStartsAtZero(t *testing.T) {
	store := memkv.New()
	ctx := context.Background()

	var gen uint64
	withTxn(t, store, func(tx kvstore.Txn) {
		var err error
		gen, err = alloc.AllocateGeneration(ctx, tx)
		require.NoError(t, err)
	})

	require.Equal(t, uint64(0), gen)
}
