package kvfs_test

import (
	"context"
	"testing"
	"time"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/stretchr/testify/require"

	"github.com/kvfs-project/kvfs/internal/clock"
	"github.com/kvfs-project/kvfs/internal/fileio"
	"github.com/kvfs-project/kvfs/internal/format"
	"github.com/kvfs-project/kvfs/internal/fscache"
	"github.com/kvfs-project/kvfs/internal/hashblock"
	"github.com/kvfs-project/kvfs/internal/kvfs"
	"github.com/kvfs-project/kvfs/internal/kvstore/memkv"
	"github.com/kvfs-project/kvfs/internal/record"
	"github.com/kvfs-project/kvfs/internal/txn"
)

// newTestFileSystem assembles a kvfs.FileSystem against a fresh memkv
// store, the same wiring cmd/kvfs/mount.go does against a real TiKV
// dial, cut down to what memkv can support without a real kernel mount
// (no fuse.Mount, no fuseutil.NewFileSystemServer): the façade's
// exported methods are driven directly instead.
func newTestFileSystem(t *testing.T) *kvfs.FileSystem {
	t.Helper()
	ctx := context.Background()
	store := memkv.New()

	require.NoError(t, format.Format(ctx, store, format.Options{
		BlockSize:     64,
		HashedBlocks:  true,
		HashAlgorithm: "blake3",
		Encoding:      record.EncodingGob,
		Now:           time.Unix(1000, 0),
	}))

	meta, err := format.ReadStaticMeta(ctx, store)
	require.NoError(t, err)

	mountInstance, err := format.BeginMount(ctx, store)
	require.NoError(t, err)
	_, err = format.ReconcileOpenHandles(ctx, store, mountInstance)
	require.NoError(t, err)

	hasher, err := hashblock.NewHasher(meta.HashAlgorithm)
	require.NoError(t, err)
	blockCache, err := fscache.NewBlockCache(1<<20, 1024)
	require.NoError(t, err)
	attrCache, err := fscache.NewAttrCache(1024)
	require.NoError(t, err)

	mc := &kvfs.MountContext{
		Store:  store,
		Runner: txn.NewRunner(store, clock.RealClock{}, 64),
		Geometry: fileio.Geometry{
			BlockSize:       meta.BlockSize,
			InlineThreshold: 16,
		},
		Hasher:        hasher,
		BlockCache:    blockCache,
		AttrCache:     attrCache,
		MountInstance: mountInstance,
		Clock:         clock.RealClock{},
		HashedBlocks:  meta.HashedBlocks,
		DirMode:       0755,
		FileMode:      0644,
	}
	return kvfs.NewFileSystem(mc)
}

// opCtx stands in for the per-request context the kernel attaches to
// every op before dispatch; constructing it directly is what lets these
// tests drive the façade without a real fuse.Mount.
func opCtx() fuseops.OpContext {
	return fuseops.OpContext{
		Ctx:    context.Background(),
		FuseID: 1,
		Pid:    1,
	}
}

func mkdir(t *testing.T, fs *kvfs.FileSystem, parent fuseops.InodeID, name string) fuseops.InodeID {
	t.Helper()
	op := &fuseops.MkDirOp{
		OpContext: opCtx(),
		Parent:    parent,
		Name:      name,
		Mode:      0755,
	}
	require.NoError(t, fs.MkDir(op))
	return op.Entry.Child
}

func createFile(t *testing.T, fs *kvfs.FileSystem, parent fuseops.InodeID, name string) (fuseops.InodeID, fuseops.HandleID) {
	t.Helper()
	op := &fuseops.CreateFileOp{
		OpContext: opCtx(),
		Parent:    parent,
		Name:      name,
		Mode:      0644,
	}
	require.NoError(t, fs.CreateFile(op))
	return op.Entry.Child, op.Handle
}

func lookUp(t *testing.T, fs *kvfs.FileSystem, parent fuseops.InodeID, name string) fuseops.ChildInodeEntry {
	t.Helper()
	op := &fuseops.LookUpInodeOp{
		OpContext: opCtx(),
		Parent:    parent,
		Name:      name,
	}
	require.NoError(t, fs.LookUpInode(op))
	return op.Entry
}

func TestMkDirThenLookUp(t *testing.T) {
	fs := newTestFileSystem(t)

	child := mkdir(t, fs, fuseops.RootInodeID, "dir")
	require.NotEqual(t, fuseops.InodeID(0), child)

	entry := lookUp(t, fs, fuseops.RootInodeID, "dir")
	require.Equal(t, child, entry.Child)
	require.True(t, entry.Attributes.Mode.IsDir())
}

func TestCreateWriteReadRoundTrips(t *testing.T) {
	fs := newTestFileSystem(t)

	ino, handle := createFile(t, fs, fuseops.RootInodeID, "file.txt")

	payload := []byte("hello kvfs, spanning more than one block of data: this payload runs past the 64-byte test block size")
	writeOp := &fuseops.WriteFileOp{
		OpContext: opCtx(),
		Inode:     ino,
		Handle:    handle,
		Offset:    0,
		Data:      payload,
	}
	require.NoError(t, fs.WriteFile(writeOp))

	readOp := &fuseops.ReadFileOp{
		OpContext: opCtx(),
		Inode:     ino,
		Handle:    handle,
		Offset:    0,
		Size:      len(payload),
	}
	require.NoError(t, fs.ReadFile(readOp))
	require.Equal(t, payload, readOp.Data)

	attrOp := &fuseops.GetInodeAttributesOp{OpContext: opCtx(), Inode: ino}
	require.NoError(t, fs.GetInodeAttributes(attrOp))
	require.EqualValues(t, len(payload), attrOp.Attributes.Size)

	releaseOp := &fuseops.ReleaseFileHandleOp{OpContext: opCtx(), Handle: handle}
	require.NoError(t, fs.ReleaseFileHandle(releaseOp))
}

func TestReadDirReturnsCreatedChildren(t *testing.T) {
	fs := newTestFileSystem(t)

	mkdir(t, fs, fuseops.RootInodeID, "dir-a")
	mkdir(t, fs, fuseops.RootInodeID, "dir-b")
	createFile(t, fs, fuseops.RootInodeID, "file-c")

	openOp := &fuseops.OpenDirOp{OpContext: opCtx(), Inode: fuseops.RootInodeID}
	require.NoError(t, fs.OpenDir(openOp))

	readOp := &fuseops.ReadDirOp{
		OpContext: opCtx(),
		Inode:     fuseops.RootInodeID,
		Handle:    openOp.Handle,
		Offset:    0,
		Size:      4096,
	}
	require.NoError(t, fs.ReadDir(readOp))
	require.NotEmpty(t, readOp.Data)

	releaseOp := &fuseops.ReleaseDirHandleOp{OpContext: opCtx(), Handle: openOp.Handle}
	require.NoError(t, fs.ReleaseDirHandle(releaseOp))
}

func TestRenameMovesChildBetweenDirectories(t *testing.T) {
	fs := newTestFileSystem(t)

	dirA := mkdir(t, fs, fuseops.RootInodeID, "dir-a")
	dirB := mkdir(t, fs, fuseops.RootInodeID, "dir-b")
	ino, _ := createFile(t, fs, dirA, "moved.txt")

	renameOp := &fuseops.RenameOp{
		OpContext: opCtx(),
		OldParent: dirA,
		OldName:   "moved.txt",
		NewParent: dirB,
		NewName:   "moved.txt",
	}
	require.NoError(t, fs.Rename(renameOp))

	entry := lookUp(t, fs, dirB, "moved.txt")
	require.Equal(t, ino, entry.Child)
}

func TestUnlinkRemovesDirectoryEntry(t *testing.T) {
	fs := newTestFileSystem(t)

	createFile(t, fs, fuseops.RootInodeID, "doomed.txt")

	unlinkOp := &fuseops.UnlinkOp{OpContext: opCtx(), Parent: fuseops.RootInodeID, Name: "doomed.txt"}
	require.NoError(t, fs.Unlink(unlinkOp))

	lookUpOp := &fuseops.LookUpInodeOp{OpContext: opCtx(), Parent: fuseops.RootInodeID, Name: "doomed.txt"}
	require.Error(t, fs.LookUpInode(lookUpOp))
}

func TestDedupSharedBlocksSurviveUnlinkOfOneFile(t *testing.T) {
	fs := newTestFileSystem(t)

	payload := []byte("identical content, long enough to land in a real block")

	inoA, handleA := createFile(t, fs, fuseops.RootInodeID, "a.txt")
	require.NoError(t, fs.WriteFile(&fuseops.WriteFileOp{OpContext: opCtx(), Inode: inoA, Handle: handleA, Data: payload}))
	require.NoError(t, fs.ReleaseFileHandle(&fuseops.ReleaseFileHandleOp{OpContext: opCtx(), Handle: handleA}))

	inoB, handleB := createFile(t, fs, fuseops.RootInodeID, "b.txt")
	require.NoError(t, fs.WriteFile(&fuseops.WriteFileOp{OpContext: opCtx(), Inode: inoB, Handle: handleB, Data: payload}))
	require.NoError(t, fs.ReleaseFileHandle(&fuseops.ReleaseFileHandleOp{OpContext: opCtx(), Handle: handleB}))

	require.NoError(t, fs.Unlink(&fuseops.UnlinkOp{OpContext: opCtx(), Parent: fuseops.RootInodeID, Name: "a.txt"}))

	readOp := &fuseops.OpenFileOp{OpContext: opCtx(), Inode: inoB}
	require.NoError(t, fs.OpenFile(readOp))
	readFileOp := &fuseops.ReadFileOp{OpContext: opCtx(), Inode: inoB, Handle: readOp.Handle, Offset: 0, Size: len(payload)}
	require.NoError(t, fs.ReadFile(readFileOp))
	require.Equal(t, payload, readFileOp.Data, "deleting a.txt must not disturb b.txt's still-referenced, deduplicated blocks")
}
