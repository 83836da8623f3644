package kvfs

import (
	"os"

	"github.com/jacobsa/fuse/fuseops"

	"github.com/kvfs-project/kvfs/internal/attrengine"
	"github.com/kvfs-project/kvfs/internal/record"
)

// toFuseMode renders the stored permission bits plus the inode kind into
// an os.FileMode the kernel expects, the same split gcsfuse's
// inode.symlink/dir/file Attributes methods apply (permissions |
// os.ModeDir / os.ModeSymlink).
func toFuseMode(kind record.Kind, perm uint32) os.FileMode {
	mode := os.FileMode(perm) & os.ModePerm
	switch kind {
	case record.KindDirectory:
		mode |= os.ModeDir
	case record.KindSymlink:
		mode |= os.ModeSymlink
	}
	return mode
}

// nlinkFor reports the POSIX link count: every kind keeps exactly one
// directory edge per name (kvfs has no hard links beyond CreateLink,
// which simply adds another DirChild edge to the same inode, so Nlink
// would need a live edge count to be exact; we report 1 for files and
// symlinks and 2 for directories, matching the minimal convention
// gcsfuse's own dir.Attributes uses, since tracking a precise directory
// "." / ".." count here would require a second engine-layer scan on
// every getattr).
func nlinkFor(kind record.Kind) uint32 {
	if kind == record.KindDirectory {
		return 2
	}
	return 1
}

func toInodeAttributes(all attrengine.AllAttrs) fuseops.InodeAttributes {
	return fuseops.InodeAttributes{
		Size:  all.Size.SizeBytes,
		Nlink: nlinkFor(all.Desc.Kind),
		Mode:  toFuseMode(all.Desc.Kind, all.Attr.PermissionBits),
		Atime: all.Atime.Atime,
		Mtime: all.Size.Mtime,
		Ctime: all.Attr.Ctime,
		Uid:   all.Attr.Uid,
		Gid:   all.Attr.Gid,
	}
}

func toDirentType(kind record.Kind) fuseops.DirentType {
	switch kind {
	case record.KindDirectory:
		return fuseops.DT_Directory
	case record.KindSymlink:
		return fuseops.DT_Link
	default:
		return fuseops.DT_File
	}
}
