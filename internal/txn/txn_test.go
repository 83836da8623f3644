package txn_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kvfs-project/kvfs/internal/clock"
	"github.com/kvfs-project/kvfs/internal/kverrors"
	"github.com/kvfs-project/kvfs/internal/kvstore"
	"github.com/kvfs-project/kvfs/internal/kvstore/memkv"
	"github.com/kvfs-project/kvfs/internal/txn"
)

func TestRunCommitsOnFirstAttemptWithNoConflict(t *testing.T) {
	store := memkv.New()
	r := txn.NewRunner(store, clock.NewFakeClock(time.Unix(0, 0)), 0)

	err := r.Run(context.Background(), false, func(ctx context.Context, tx kvstore.Txn) error {
		return tx.Put(ctx, []byte("k"), []byte("v"))
	})
	require.NoError(t, err)

	tx, err := store.Begin(context.Background(), kvstore.TxnOptions{})
	require.NoError(t, err)
	v, err := tx.Get(context.Background(), []byte("k"))
	require.NoError(t, err)
	require.Equal(t, "v", string(v))
}

func TestRunRetriesOnConflictThenSucceeds(t *testing.T) {
	store := memkv.New()
	r := txn.NewRunner(store, clock.NewFakeClock(time.Unix(0, 0)), 0)
	ctx := context.Background()

	// Seed a key this attempt will read, then race a concurrent writer in
	// right after the first Begin so the first commit sees a conflict.
	seedTx, err := store.Begin(ctx, kvstore.TxnOptions{})
	require.NoError(t, err)
	require.NoError(t, seedTx.Put(ctx, []byte("counter"), []byte{0}))
	require.NoError(t, seedTx.Commit(ctx))

	var once sync.Once
	attempts := 0
	err = r.Run(ctx, false, func(ctx context.Context, tx kvstore.Txn) error {
		attempts++
		_, getErr := tx.Get(ctx, []byte("counter"))
		require.NoError(t, getErr)

		once.Do(func() {
			racer, beginErr := store.Begin(ctx, kvstore.TxnOptions{})
			require.NoError(t, beginErr)
			require.NoError(t, racer.Put(ctx, []byte("counter"), []byte{1}))
			require.NoError(t, racer.Commit(ctx))
		})

		return tx.Put(ctx, []byte("counter"), []byte{2})
	})
	require.NoError(t, err)
	require.Greater(t, attempts, 1, "the racing writer should have forced at least one retry")
}

func TestRunSurfacesNonConflictErrorImmediately(t *testing.T) {
	store := memkv.New()
	r := txn.NewRunner(store, clock.NewFakeClock(time.Unix(0, 0)), 0)

	wantErr := errors.New("boom")
	attempts := 0
	err := r.Run(context.Background(), false, func(ctx context.Context, tx kvstore.Txn) error {
		attempts++
		return wantErr
	})
	require.ErrorIs(t, err, wantErr)
	require.Equal(t, 1, attempts)
}

func TestRunGivesUpAfterMaxAttemptsUnderPersistentConflict(t *testing.T) {
	store := memkv.New()
	r := txn.NewRunner(store, clock.NewFakeClock(time.Unix(0, 0)), 0)
	ctx := context.Background()

	attempts := 0
	err := r.Run(ctx, false, func(ctx context.Context, tx kvstore.Txn) error {
		attempts++
		return kvstore.ErrConflict
	})
	require.Error(t, err)
	require.Equal(t, kverrors.TransactionConflict, kverrors.KindOf(err))
	require.Equal(t, txn.MaxAttempts, attempts)
}

func TestRunRespectsAlreadyCancelledContext(t *testing.T) {
	store := memkv.New()
	r := txn.NewRunner(store, clock.NewFakeClock(time.Unix(0, 0)), 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.Run(ctx, false, func(ctx context.Context, tx kvstore.Txn) error {
		t.Fatal("fn must not run once the context is already cancelled")
		return nil
	})
	require.Error(t, err)
	require.Equal(t, kverrors.Cancelled, kverrors.KindOf(err))
}

func TestRunAdmissionSemaphoreBoundsConcurrency(t *testing.T) {
	store := memkv.New()
	r := txn.NewRunner(store, clock.NewFakeClock(time.Unix(0, 0)), 1)
	ctx := context.Background()

	var mu sync.Mutex
	inFlight, maxSeen := 0, 0
	bump := func(delta int) {
		mu.Lock()
		inFlight += delta
		if inFlight > maxSeen {
			maxSeen = inFlight
		}
		mu.Unlock()
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Run(ctx, false, func(ctx context.Context, tx kvstore.Txn) error {
				bump(1)
				defer bump(-1)
				time.Sleep(2 * time.Millisecond)
				return nil
			})
		}()
	}
	wg.Wait()
	require.Equal(t, 1, maxSeen, "admission semaphore of weight 1 must serialize every Run call")
}
