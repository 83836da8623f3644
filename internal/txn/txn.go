// Package txn wraps internal/kvstore.Store with the retry, backoff, and
// admission-control policy every filesystem engine call runs under
// (spec.md §4.2). Engines themselves never retry; they take a single
// kvstore.Txn and either succeed or return an error for this package to
// judge retryable or not.
package txn

import (
	"context"
	"math/rand"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kvfs-project/kvfs/internal/clock"
	"github.com/kvfs-project/kvfs/internal/kverrors"
	"github.com/kvfs-project/kvfs/internal/kvstore"
)

const (
	// MaxAttempts bounds retries on kvstore.ErrConflict. Beyond this a
	// conflict is reported up as kverrors.TransactionConflict rather than
	// retried forever.
	MaxAttempts = 8

	baseBackoff = 2 * time.Millisecond
	maxBackoff  = 200 * time.Millisecond
)

// Runner executes functions against fresh transactions, retrying on
// conflict with capped exponential backoff and bounding the number of
// transactions in flight at once across a mount.
type Runner struct {
	store   kvstore.Store
	clock   clock.Clock
	admit   *semaphore.Weighted
	rand    *rand.Rand
}

// NewRunner builds a Runner over store. maxInFlight bounds concurrent
// transactions (spec.md §5's back-pressure requirement); a value <= 0
// means unbounded.
func NewRunner(store kvstore.Store, clk clock.Clock, maxInFlight int64) *Runner {
	if clk == nil {
		clk = clock.RealClock{}
	}
	var sem *semaphore.Weighted
	if maxInFlight > 0 {
		sem = semaphore.NewWeighted(maxInFlight)
	}
	return &Runner{store: store, clock: clk, admit: sem, rand: rand.New(rand.NewSource(1))}
}

// Fn is one unit of transactional work. Returning any error aborts and
// rolls back the attempt; returning nil commits it. Fn must be safe to
// call more than once, since a conflicting attempt is retried from
// scratch with a brand new kvstore.Txn.
type Fn func(ctx context.Context, tx kvstore.Txn) error

// Run executes fn inside a transaction, retrying on kvstore.ErrConflict
// up to MaxAttempts times with capped exponential backoff plus jitter.
// Pessimistic requests a pessimistic-locking transaction for the whole
// attempt (spec.md §4.2: rename and unlink use this to avoid livelock
// under pure optimistic retry).
func (r *Runner) Run(ctx context.Context, pessimistic bool, fn Fn) error {
	if r.admit != nil {
		if err := r.admit.Acquire(ctx, 1); err != nil {
			return kverrors.Wrap("txn.Run", kverrors.Cancelled, err)
		}
		defer r.admit.Release(1)
	}

	var lastErr error
	for attempt := 0; attempt < MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if err == context.DeadlineExceeded {
				return kverrors.Wrap("txn.Run", kverrors.Timeout, err)
			}
			return kverrors.Wrap("txn.Run", kverrors.Cancelled, err)
		}

		tx, err := r.store.Begin(ctx, kvstore.TxnOptions{Pessimistic: pessimistic})
		if err != nil {
			return kverrors.Wrap("txn.Run", kverrors.BackendUnavailable, err)
		}

		err = fn(ctx, tx)
		if err != nil {
			_ = tx.Rollback()
			lastErr = err
			if err == kvstore.ErrConflict || kverrors.KindOf(err) == kverrors.TransactionConflict {
				if waitErr := r.backoff(ctx, attempt); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			lastErr = err
			if err == kvstore.ErrConflict {
				if waitErr := r.backoff(ctx, attempt); waitErr != nil {
					return waitErr
				}
				continue
			}
			return kverrors.Wrap("txn.Run", kverrors.BackendUnavailable, err)
		}
		return nil
	}
	return kverrors.Wrap("txn.Run", kverrors.TransactionConflict, lastErr)
}

// backoff sleeps for a capped exponential delay with up to 50% jitter,
// scaled by attempt, or returns a Cancelled/Timeout error if ctx ends
// first.
func (r *Runner) backoff(ctx context.Context, attempt int) error {
	delay := baseBackoff << attempt
	if delay > maxBackoff || delay <= 0 {
		delay = maxBackoff
	}
	jitter := time.Duration(r.rand.Int63n(int64(delay)/2 + 1))
	wait := delay/2 + jitter

	select {
	case <-r.clock.After(wait):
		return nil
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return kverrors.Wrap("txn.backoff", kverrors.Timeout, ctx.Err())
		}
		return kverrors.Wrap("txn.backoff", kverrors.Cancelled, ctx.Err())
	}
}
