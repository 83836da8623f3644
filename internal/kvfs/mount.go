// Package kvfs implements the filesystem façade (spec.md §4.9): it binds
// every fuseops request to the engines in internal/direngine,
// internal/attrengine, internal/fileio, and internal/fscache, running
// each one inside an internal/txn.Runner attempt, and translates engine
// errors to POSIX errnos at the boundary (spec.md §7).
package kvfs

import (
	"time"

	"github.com/kvfs-project/kvfs/internal/alloc"
	"github.com/kvfs-project/kvfs/internal/clock"
	"github.com/kvfs-project/kvfs/internal/fileio"
	"github.com/kvfs-project/kvfs/internal/fscache"
	"github.com/kvfs-project/kvfs/internal/hashblock"
	"github.com/kvfs-project/kvfs/internal/kvstore"
	"github.com/kvfs-project/kvfs/internal/txn"
)

// MountContext carries everything a FileSystem needs that is specific to
// one mount: the store, the retry runtime, the block/attr caches, the
// block geometry and hash algorithm fixed at format time, and the fresh
// mount-instance id stamped by internal/format.BeginMount. It is built
// once by cmd/kvfs and passed to NewFileSystem explicitly rather than
// reached via a package-level global (spec.md §9's "no process-wide
// singletons" note).
type MountContext struct {
	Store         kvstore.Store
	Runner        *txn.Runner
	Geometry      fileio.Geometry
	Hasher        hashblock.Hasher
	BlockCache    *fscache.BlockCache
	AttrCache     *fscache.AttrCache
	MountInstance [16]byte
	Clock         clock.Clock
	HashedBlocks  bool

	// DirMode/FileMode carry the configured default permission bits.
	// MkDir and CreateFile take the mode from the kernel's request as is
	// and do not read these fields, even when that mode is zero.
	DirMode  uint32
	FileMode uint32
}

func (mc *MountContext) now() time.Time {
	if mc.Clock != nil {
		return mc.Clock.Now()
	}
	return time.Now()
}

// RootInode is the well-known inode number of the filesystem root,
// reused directly as fuseops.RootInodeID since internal/alloc reserves
// inode 1 for it at format time.
const RootInode = alloc.RootIno
