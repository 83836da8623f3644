package kvfs

import (
	"context"
	"os"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/kvfs-project/kvfs/internal/attrengine"
	"github.com/kvfs-project/kvfs/internal/direngine"
	"github.com/kvfs-project/kvfs/internal/fileio"
	"github.com/kvfs-project/kvfs/internal/fscache"
	"github.com/kvfs-project/kvfs/internal/keycodec"
	"github.com/kvfs-project/kvfs/internal/kverrors"
	"github.com/kvfs-project/kvfs/internal/kvstore"
	"github.com/kvfs-project/kvfs/internal/record"
)

// FileSystem implements fuseutil.FileSystem. Every inode ID the kernel
// hands back to us is the kvfs inode number directly — unlike gcsfuse,
// which must maintain an in-memory inode table mapping fuseops.InodeID
// to GCS object generations, kvfs's inode numbers are already stable,
// persistent identifiers minted by internal/alloc, so no such
// indirection table is needed here.
//
// ForgetInodeOp is a deliberate no-op: gcsfuse needs it to know when an
// in-memory-only inode can finally be freed, but kvfs's reclamation is
// driven entirely by the persisted directory-edge and open-handle sets
// (internal/attrengine.MaybeReclaim), not by the kernel's dentry-cache
// lookup count.
//
// Every method below takes only its op, following the real
// fuseutil.FileSystem convention: the per-request context.Context comes
// from op.Context(), not a separate parameter.
type FileSystem struct {
	fuseutil.NotImplementedFileSystem

	mc      *MountContext
	handles *handleTable
}

// NewFileSystem builds a façade bound to mc. mc must already reflect a
// completed internal/format.BeginMount handshake.
func NewFileSystem(mc *MountContext) *FileSystem {
	return &FileSystem{mc: mc, handles: newHandleTable()}
}

func (fs *FileSystem) run(ctx context.Context, pessimistic bool, fn func(ctx context.Context, tx kvstore.Txn) error) error {
	return fs.mc.Runner.Run(ctx, pessimistic, fn)
}

func (fs *FileSystem) Init(op *fuseops.InitOp) (err error) {
	return nil
}

// getAllAttrs reads the full attribute bundle for ino, consulting
// AttrCache before paying for the (Desc+Attr+Size+Atime) read attrengine.GetAll
// does. InoAttr.Version is cheap to read alone, so every call still pays
// for one point read but skips the other three whenever the cached
// snapshot's version still matches (spec.md §4.8's version-gated
// invalidation).
func (fs *FileSystem) getAllAttrs(ctx context.Context, ino uint64) (attrengine.AllAttrs, error) {
	var out attrengine.AllAttrs
	err := fs.run(ctx, false, func(ctx context.Context, tx kvstore.Txn) error {
		attrRaw, err := tx.Get(ctx, keycodec.InoAttrKey(ino))
		if err == kvstore.ErrNotFound {
			return kverrors.New("kvfs.getAllAttrs", kverrors.NotFound, "inode does not exist")
		} else if err != nil {
			return kverrors.Wrap("kvfs.getAllAttrs", kverrors.BackendUnavailable, err)
		}
		attr, err := record.DecodeInoAttr(attrRaw)
		if err != nil {
			return err
		}
		if snap, ok := fs.mc.AttrCache.Get(ino, attr.Version); ok {
			out = snap.Attrs
			return nil
		}
		all, err := attrengine.GetAll(ctx, tx, ino)
		if err != nil {
			return err
		}
		out = all
		return nil
	})
	if err != nil {
		return attrengine.AllAttrs{}, err
	}
	fs.mc.AttrCache.Put(ino, fscache.AttrSnapshot{Attrs: out, Version: out.Attr.Version, SeenAt: fs.mc.now()})
	return out, nil
}

// LOCKS_EXCLUDED(fs.handles)
func (fs *FileSystem) LookUpInode(op *fuseops.LookUpInodeOp) (err error) {
	ctx := op.Context()
	var all attrengine.AllAttrs
	err = fs.run(ctx, false, func(ctx context.Context, tx kvstore.Txn) error {
		var err error
		all, err = direngine.ChildAllAttrs(ctx, tx, uint64(op.Parent), op.Name)
		return err
	})
	if err != nil {
		return translateError(err)
	}
	op.Entry.Child = fuseops.InodeID(all.Desc.Ino)
	op.Entry.Generation = fuseops.GenerationNumber(all.Desc.Generation)
	op.Entry.Attributes = toInodeAttributes(all)
	return nil
}

func (fs *FileSystem) GetInodeAttributes(op *fuseops.GetInodeAttributesOp) (err error) {
	all, err := fs.getAllAttrs(op.Context(), uint64(op.Inode))
	if err != nil {
		return translateError(err)
	}
	op.Attributes = toInodeAttributes(all)
	return nil
}

func (fs *FileSystem) SetInodeAttributes(op *fuseops.SetInodeAttributesOp) (err error) {
	ctx := op.Context()
	ino := uint64(op.Inode)
	now := fs.mc.now()

	if op.Size != nil {
		err = fs.run(ctx, false, func(ctx context.Context, tx kvstore.Txn) error {
			return fileio.Truncate(ctx, tx, fs.mc.Geometry, fs.mc.Hasher, ino, *op.Size, now)
		})
		if err != nil {
			return translateError(err)
		}
		fs.mc.AttrCache.Invalidate(ino)
	}

	params := attrengine.SetParams{Now: now}
	changed := false
	if op.Mode != nil {
		perm := uint32(*op.Mode & os.ModePerm)
		params.PermissionBits = &perm
		changed = true
	}
	if op.Atime != nil {
		params.Atime = op.Atime
		changed = true
	}
	if op.Mtime != nil {
		params.Mtime = op.Mtime
		changed = true
	}
	if changed {
		err = fs.run(ctx, false, func(ctx context.Context, tx kvstore.Txn) error {
			return attrengine.SetAll(ctx, tx, ino, params)
		})
		if err != nil {
			return translateError(err)
		}
		fs.mc.AttrCache.Invalidate(ino)
	}

	all, err := fs.getAllAttrs(ctx, ino)
	if err != nil {
		return translateError(err)
	}
	op.Attributes = toInodeAttributes(all)
	return nil
}

func (fs *FileSystem) ForgetInode(op *fuseops.ForgetInodeOp) (err error) {
	return nil
}

func (fs *FileSystem) MkDir(op *fuseops.MkDirOp) (err error) {
	ctx := op.Context()
	now := fs.mc.now()
	var res direngine.NewChildResult
	err = fs.run(ctx, false, func(ctx context.Context, tx kvstore.Txn) error {
		var err error
		res, err = direngine.AddChildNew(ctx, tx, uint64(op.Parent), op.Name, direngine.NewChildParams{
			Kind: record.KindDirectory,
			Perm: uint32(op.Mode & os.ModePerm),
			Now:  now,
		})
		return err
	})
	if err != nil {
		return translateError(err)
	}
	if res.ExistedAlready {
		return translateError(kverrors.New("kvfs.MkDir", kverrors.AlreadyExists, "name already exists"))
	}
	return fs.fillEntryPtr(ctx, res.Ino, &op.Entry)
}

func (fs *FileSystem) CreateFile(op *fuseops.CreateFileOp) (err error) {
	ctx := op.Context()
	now := fs.mc.now()
	var res direngine.NewChildResult
	var useID [16]byte
	err = fs.run(ctx, false, func(ctx context.Context, tx kvstore.Txn) error {
		var err error
		res, err = direngine.AddChildNew(ctx, tx, uint64(op.Parent), op.Name, direngine.NewChildParams{
			Kind: record.KindFile,
			Perm: uint32(op.Mode & os.ModePerm),
			Now:  now,
		})
		if err != nil {
			return err
		}
		if res.ExistedAlready {
			return kverrors.New("kvfs.CreateFile", kverrors.AlreadyExists, "name already exists")
		}
		useID, err = attrengine.Open(ctx, tx, res.Ino, fs.mc.MountInstance, now)
		return err
	})
	if err != nil {
		return translateError(err)
	}
	op.Handle = fs.handles.putFile(&fileHandle{ino: res.Ino, useID: useID})
	return fs.fillEntryPtr(ctx, res.Ino, &op.Entry)
}

func (fs *FileSystem) CreateSymlink(op *fuseops.CreateSymlinkOp) (err error) {
	ctx := op.Context()
	now := fs.mc.now()
	var res direngine.NewChildResult
	err = fs.run(ctx, false, func(ctx context.Context, tx kvstore.Txn) error {
		var err error
		res, err = direngine.AddSymlink(ctx, tx, uint64(op.Parent), op.Name, op.Target, 0, 0, now)
		return err
	})
	if err != nil {
		return translateError(err)
	}
	if res.ExistedAlready {
		return translateError(kverrors.New("kvfs.CreateSymlink", kverrors.AlreadyExists, "name already exists"))
	}
	return fs.fillEntryPtr(ctx, res.Ino, &op.Entry)
}

func (fs *FileSystem) CreateLink(op *fuseops.CreateLinkOp) (err error) {
	ctx := op.Context()
	err = fs.run(ctx, false, func(ctx context.Context, tx kvstore.Txn) error {
		return direngine.AddChildExisting(ctx, tx, uint64(op.Parent), op.Name, uint64(op.Target))
	})
	if err != nil {
		return translateError(err)
	}
	return fs.fillEntryPtr(ctx, uint64(op.Target), &op.Entry)
}

func (fs *FileSystem) RmDir(op *fuseops.RmDirOp) (err error) {
	err = fs.run(op.Context(), true, func(ctx context.Context, tx kvstore.Txn) error {
		return direngine.RemoveChildDirectory(ctx, tx, uint64(op.Parent), op.Name, fs.mc.Geometry.BlockSize)
	})
	return translateError(err)
}

func (fs *FileSystem) Unlink(op *fuseops.UnlinkOp) (err error) {
	err = fs.run(op.Context(), true, func(ctx context.Context, tx kvstore.Txn) error {
		return direngine.RemoveChildFile(ctx, tx, uint64(op.Parent), op.Name, fs.mc.Geometry.BlockSize)
	})
	return translateError(err)
}

func (fs *FileSystem) Rename(op *fuseops.RenameOp) (err error) {
	now := fs.mc.now()
	err = fs.run(op.Context(), true, func(ctx context.Context, tx kvstore.Txn) error {
		return direngine.Rename(ctx, tx, uint64(op.OldParent), op.OldName, uint64(op.NewParent), op.NewName, fs.mc.Geometry.BlockSize, now)
	})
	return translateError(err)
}

func (fs *FileSystem) OpenDir(op *fuseops.OpenDirOp) (err error) {
	ino := uint64(op.Inode)
	var children []direngine.Child
	err = fs.run(op.Context(), false, func(ctx context.Context, tx kvstore.Txn) error {
		var err error
		children, err = direngine.ReadChildren(ctx, tx, ino)
		return err
	})
	if err != nil {
		return translateError(err)
	}
	op.Handle = fs.handles.putDir(&dirHandle{ino: ino, children: children})
	return nil
}

func (fs *FileSystem) ReadDir(op *fuseops.ReadDirOp) (err error) {
	dh, ok := fs.handles.getDir(op.Handle)
	if !ok {
		return translateError(kverrors.New("kvfs.ReadDir", kverrors.NotFound, "unknown directory handle"))
	}

	scratch := make([]byte, op.Size)
	var n int
	offset := int(op.Offset)
	for i := offset; i < len(dh.children); i++ {
		c := dh.children[i]
		written := fuseutil.WriteDirent(scratch[n:], fuseops.Dirent{
			Offset: fuseops.DirOffset(i + 1),
			Inode:  fuseops.InodeID(c.Ino),
			Name:   c.Name,
			Type:   toDirentType(c.Kind),
		})
		if written == 0 {
			break
		}
		n += written
	}
	op.Data = scratch[:n]
	return nil
}

func (fs *FileSystem) ReleaseDirHandle(op *fuseops.ReleaseDirHandleOp) (err error) {
	fs.handles.dropDir(op.Handle)
	return nil
}

func (fs *FileSystem) OpenFile(op *fuseops.OpenFileOp) (err error) {
	ino := uint64(op.Inode)
	now := fs.mc.now()
	var useID [16]byte
	err = fs.run(op.Context(), false, func(ctx context.Context, tx kvstore.Txn) error {
		var err error
		useID, err = attrengine.Open(ctx, tx, ino, fs.mc.MountInstance, now)
		return err
	})
	if err != nil {
		return translateError(err)
	}
	op.Handle = fs.handles.putFile(&fileHandle{ino: ino, useID: useID})
	return nil
}

func (fs *FileSystem) ReadFile(op *fuseops.ReadFileOp) (err error) {
	var data []byte
	err = fs.run(op.Context(), false, func(ctx context.Context, tx kvstore.Txn) error {
		var err error
		data, err = fileio.Read(ctx, tx, fs.mc.Geometry, fs.mc.BlockCache, uint64(op.Inode), uint64(op.Offset), uint64(op.Size))
		return err
	})
	if err != nil {
		return translateError(err)
	}
	op.Data = data
	return nil
}

func (fs *FileSystem) WriteFile(op *fuseops.WriteFileOp) (err error) {
	ino := uint64(op.Inode)
	now := fs.mc.now()
	err = fs.run(op.Context(), false, func(ctx context.Context, tx kvstore.Txn) error {
		return fileio.Write(ctx, tx, fs.mc.Geometry, fs.mc.Hasher, ino, uint64(op.Offset), op.Data, now)
	})
	if err != nil {
		return translateError(err)
	}
	fs.mc.AttrCache.Invalidate(ino)
	return nil
}

func (fs *FileSystem) SyncFile(op *fuseops.SyncFileOp) (err error) {
	// Every engine call already commits its own transaction, so there is
	// nothing buffered client-side left to flush (spec.md §9's "no
	// client-side write-back cache" design note).
	return nil
}

func (fs *FileSystem) FlushFile(op *fuseops.FlushFileOp) (err error) {
	return nil
}

func (fs *FileSystem) ReleaseFileHandle(op *fuseops.ReleaseFileHandleOp) (err error) {
	h, ok := fs.handles.getFile(op.Handle)
	if !ok {
		return nil
	}
	fs.handles.dropFile(op.Handle)
	err = fs.run(op.Context(), false, func(ctx context.Context, tx kvstore.Txn) error {
		return attrengine.Close(ctx, tx, h.ino, h.useID, fs.mc.Geometry.BlockSize)
	})
	return translateError(err)
}

func (fs *FileSystem) ReadSymlink(op *fuseops.ReadSymlinkOp) (err error) {
	var target []byte
	err = fs.run(op.Context(), false, func(ctx context.Context, tx kvstore.Txn) error {
		all, err := attrengine.GetAll(ctx, tx, uint64(op.Inode))
		if err != nil {
			return err
		}
		if all.Desc.Kind != record.KindSymlink {
			return kverrors.New("kvfs.ReadSymlink", kverrors.InvalidArgument, "inode is not a symlink")
		}
		v, err := tx.Get(ctx, keycodec.InlineKey(uint64(op.Inode)))
		if err != nil {
			return kverrors.Wrap("kvfs.ReadSymlink", kverrors.BackendUnavailable, err)
		}
		target = v
		return nil
	})
	if err != nil {
		return translateError(err)
	}
	op.Target = string(target)
	return nil
}

// StatFS reports conservative placeholder capacity figures: a
// distributed KV backend's free space is not something this façade can
// cheaply query per statfs(2) call, so (unlike gcsfuse, which has no
// StatFS implementation at all) kvfs reports a large fixed capacity
// rather than failing the call outright.
func (fs *FileSystem) StatFS(op *fuseops.StatFSOp) (err error) {
	op.BlockSize = uint32(fs.mc.Geometry.BlockSize)
	op.IoSize = uint32(fs.mc.Geometry.BlockSize)
	op.Blocks = 1 << 40
	op.BlocksFree = 1 << 40
	op.BlocksAvailable = 1 << 40
	op.Inodes = 1 << 40
	op.InodesFree = 1 << 40
	return nil
}

// Fallocate only supports plain preallocation (mode 0): it raises
// size_bytes to at least offset+length via attrengine.AllocateSize
// without materializing any block-hash pointers, the same sparse-hole
// representation fileio.Truncate's extend path uses. Other modes
// (punch-hole, collapse-range, zero-range) are not implemented.
func (fs *FileSystem) Fallocate(op *fuseops.FallocateOp) (err error) {
	if op.Mode != 0 {
		return fuse.ENOSYS
	}
	now := fs.mc.now()
	err = fs.run(op.Context(), false, func(ctx context.Context, tx kvstore.Txn) error {
		return attrengine.AllocateSize(ctx, tx, uint64(op.Inode), op.Offset, op.Length, fs.mc.Geometry.BlockSize, now)
	})
	if err != nil {
		return translateError(err)
	}
	fs.mc.AttrCache.Invalidate(uint64(op.Inode))
	return nil
}

func (fs *FileSystem) fillEntryPtr(ctx context.Context, ino uint64, entry *fuseops.ChildInodeEntry) error {
	entry.Child = fuseops.InodeID(ino)
	all, err := fs.getAllAttrs(ctx, ino)
	if err != nil {
		return translateError(err)
	}
	entry.Generation = fuseops.GenerationNumber(all.Desc.Generation)
	entry.Attributes = toInodeAttributes(all)
	return nil
}
