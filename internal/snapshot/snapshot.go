// Package snapshot implements the administrative snapshot-create
// operation (spec.md §4.10): an atomic, idempotent record of a named
// snapshot via kvstore.Store.CreateSnapshot. Both backends in this
// repository store only a marker key for the name (an empty value); no
// KV-level snapshot or read timestamp is captured with it.
package snapshot

import (
	"context"

	"github.com/kvfs-project/kvfs/internal/kverrors"
	"github.com/kvfs-project/kvfs/internal/kvstore"
	"github.com/kvfs-project/kvfs/internal/logger"
)

// Create records a named snapshot handle via store.CreateSnapshot.
// Returns existedAlready=true without mutating anything if name is
// already taken.
func Create(ctx context.Context, store kvstore.Store, name string) (existedAlready bool, err error) {
	if name == "" {
		return false, kverrors.New("snapshot.Create", kverrors.InvalidArgument, "snapshot name must not be empty")
	}

	existed, err := store.CreateSnapshot(ctx, name)
	if err != nil {
		return false, kverrors.Wrap("snapshot.Create", kverrors.BackendUnavailable, err)
	}
	if existed {
		logger.Infof("snapshot %q already exists, no-op", name)
	} else {
		logger.Infof("snapshot %q created", name)
	}
	return existed, nil
}
