// Package direngine implements children enumeration, lookup, insertion,
// removal, and rename over the DirChild/DirParent key pairs (spec.md
// §4.4). Every exported function runs inside a caller-supplied
// transaction; the caller (internal/txn via internal/kvfs) owns retry and
// commit.
package direngine

import (
	"context"
	"sort"
	"time"

	"github.com/kvfs-project/kvfs/internal/alloc"
	"github.com/kvfs-project/kvfs/internal/attrengine"
	"github.com/kvfs-project/kvfs/internal/keycodec"
	"github.com/kvfs-project/kvfs/internal/kverrors"
	"github.com/kvfs-project/kvfs/internal/kvstore"
	"github.com/kvfs-project/kvfs/internal/record"
)

// Child is one entry as returned by ReadChildren, in lexicographic name
// order (ReadChildren sorts the scan result: DirChild keys length-prefix
// the name, so the raw scan yields shorter names first).
type Child struct {
	Name string
	Ino  uint64
	Kind record.Kind
}

// ReadChildren range-scans every DirChild row under parent.
func ReadChildren(ctx context.Context, tx kvstore.Txn, parent uint64) ([]Child, error) {
	if err := requireDirectory(ctx, tx, parent); err != nil {
		return nil, err
	}

	prefix := keycodec.DirChildPrefix(parent)
	end := keycodec.PrefixRangeEnd(prefix)
	it, err := tx.Scan(ctx, prefix, end, 0, false)
	if err != nil {
		return nil, kverrors.Wrap("direngine.ReadChildren", kverrors.BackendUnavailable, err)
	}
	defer it.Close()

	var out []Child
	for it.Next() {
		kv := it.Item()
		name, err := keycodec.DecodeDirChildName(kv.Key)
		if err != nil {
			return nil, kverrors.Wrap("direngine.ReadChildren", kverrors.InvalidData, err)
		}
		ino, kind, err := decodeDirChildValue(kv.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, Child{Name: name, Ino: ino, Kind: kind})
	}
	if err := it.Err(); err != nil {
		return nil, kverrors.Wrap("direngine.ReadChildren", kverrors.BackendUnavailable, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func requireDirectory(ctx context.Context, tx kvstore.Txn, ino uint64) error {
	descRaw, err := tx.Get(ctx, keycodec.InoDescKey(ino))
	if err == kvstore.ErrNotFound {
		return kverrors.New("direngine", kverrors.NotFound, "parent inode does not exist")
	} else if err != nil {
		return kverrors.Wrap("direngine", kverrors.BackendUnavailable, err)
	}
	desc, err := record.DecodeInoDesc(descRaw)
	if err != nil {
		return err
	}
	if desc.Kind != record.KindDirectory {
		return kverrors.New("direngine", kverrors.NotADirectory, "inode is not a directory")
	}
	return nil
}

func encodeDirChildValue(ino uint64, kind record.Kind) []byte {
	buf := make([]byte, 9)
	buf[0] = byte(kind)
	for i := 0; i < 8; i++ {
		buf[1+i] = byte(ino >> (8 * (7 - i)))
	}
	return buf
}

func decodeDirChildValue(v []byte) (uint64, record.Kind, error) {
	if len(v) != 9 {
		return 0, 0, kverrors.New("direngine.decodeDirChildValue", kverrors.InvalidData, "DirChild value has unexpected length")
	}
	kind := record.Kind(v[0])
	var ino uint64
	for i := 0; i < 8; i++ {
		ino = ino<<8 | uint64(v[1+i])
	}
	return ino, kind, nil
}

func lookupChild(ctx context.Context, tx kvstore.Txn, parent uint64, name string) (uint64, record.Kind, bool, error) {
	key, err := keycodec.DirChildKey(parent, name)
	if err != nil {
		return 0, 0, false, kverrors.Wrap("direngine.lookupChild", kverrors.InvalidArgument, err)
	}
	v, err := tx.Get(ctx, key)
	switch err {
	case nil:
		ino, kind, decErr := decodeDirChildValue(v)
		return ino, kind, true, decErr
	case kvstore.ErrNotFound:
		return 0, 0, false, nil
	default:
		return 0, 0, false, kverrors.Wrap("direngine.lookupChild", kverrors.BackendUnavailable, err)
	}
}

func insertEdges(ctx context.Context, tx kvstore.Txn, parent uint64, name string, child uint64, kind record.Kind) error {
	childKey, err := keycodec.DirChildKey(parent, name)
	if err != nil {
		return kverrors.Wrap("direngine.insertEdges", kverrors.InvalidArgument, err)
	}
	if err := tx.Put(ctx, childKey, encodeDirChildValue(child, kind)); err != nil {
		return kverrors.Wrap("direngine.insertEdges", kverrors.BackendUnavailable, err)
	}
	parentKey, err := keycodec.DirParentKey(child, parent, name)
	if err != nil {
		return kverrors.Wrap("direngine.insertEdges", kverrors.InvalidArgument, err)
	}
	if err := tx.Put(ctx, parentKey, []byte{}); err != nil {
		return kverrors.Wrap("direngine.insertEdges", kverrors.BackendUnavailable, err)
	}
	return nil
}

func removeEdges(ctx context.Context, tx kvstore.Txn, parent uint64, name string, child uint64) error {
	childKey, err := keycodec.DirChildKey(parent, name)
	if err != nil {
		return kverrors.Wrap("direngine.removeEdges", kverrors.InvalidArgument, err)
	}
	if err := tx.Delete(ctx, childKey); err != nil {
		return kverrors.Wrap("direngine.removeEdges", kverrors.BackendUnavailable, err)
	}
	parentKey, err := keycodec.DirParentKey(child, parent, name)
	if err != nil {
		return kverrors.Wrap("direngine.removeEdges", kverrors.InvalidArgument, err)
	}
	if err := tx.Delete(ctx, parentKey); err != nil {
		return kverrors.Wrap("direngine.removeEdges", kverrors.BackendUnavailable, err)
	}
	return nil
}

// AddChildExisting hard-links an existing non-directory inode into parent
// under name.
func AddChildExisting(ctx context.Context, tx kvstore.Txn, parent uint64, name string, ino uint64) error {
	if err := keycodec.ValidateName(name); err != nil {
		return kverrors.Wrap("direngine.AddChildExisting", kverrors.InvalidArgument, err)
	}
	if err := requireDirectory(ctx, tx, parent); err != nil {
		return err
	}
	if _, _, exists, err := lookupChild(ctx, tx, parent, name); err != nil {
		return err
	} else if exists {
		return kverrors.New("direngine.AddChildExisting", kverrors.AlreadyExists, "name already exists in parent")
	}

	descRaw, err := tx.Get(ctx, keycodec.InoDescKey(ino))
	if err == kvstore.ErrNotFound {
		return kverrors.New("direngine.AddChildExisting", kverrors.NotFound, "target inode does not exist")
	} else if err != nil {
		return kverrors.Wrap("direngine.AddChildExisting", kverrors.BackendUnavailable, err)
	}
	desc, err := record.DecodeInoDesc(descRaw)
	if err != nil {
		return err
	}
	if desc.Kind == record.KindDirectory {
		return kverrors.New("direngine.AddChildExisting", kverrors.IsADirectory, "hard links to directories are forbidden")
	}

	return insertEdges(ctx, tx, parent, name, ino, desc.Kind)
}

// NewChildResult is AddChildNew's return value.
type NewChildResult struct {
	Ino            uint64
	Kind           record.Kind
	ExistedAlready bool
}

// NewChildParams carries add_child_new's optional inputs.
type NewChildParams struct {
	Kind       record.Kind
	Perm       uint32
	Uid        uint32
	Gid        uint32
	Rdev       uint32
	InlineData []byte // optional; only meaningful for File/Symlink
	Now        time.Time
}

// AddChildNew allocates a fresh inode and links it into parent under
// name, unless name already exists — in which case it returns the
// existing entry untouched with ExistedAlready=true (spec.md §4.4's
// idempotent-create contract, law 5 in §8).
func AddChildNew(ctx context.Context, tx kvstore.Txn, parent uint64, name string, p NewChildParams) (NewChildResult, error) {
	if err := keycodec.ValidateName(name); err != nil {
		return NewChildResult{}, kverrors.Wrap("direngine.AddChildNew", kverrors.InvalidArgument, err)
	}
	if err := requireDirectory(ctx, tx, parent); err != nil {
		return NewChildResult{}, err
	}

	if existingIno, existingKind, exists, err := lookupChild(ctx, tx, parent, name); err != nil {
		return NewChildResult{}, err
	} else if exists {
		return NewChildResult{Ino: existingIno, Kind: existingKind, ExistedAlready: true}, nil
	}

	ino, err := alloc.Allocate(ctx, tx)
	if err != nil {
		return NewChildResult{}, err
	}
	generation, err := alloc.AllocateGeneration(ctx, tx)
	if err != nil {
		return NewChildResult{}, err
	}

	if err := tx.Put(ctx, keycodec.InoDescKey(ino), record.EncodeInoDesc(record.InoDesc{
		Ino: ino, Kind: p.Kind, CreationTime: p.Now, Generation: generation,
	})); err != nil {
		return NewChildResult{}, kverrors.Wrap("direngine.AddChildNew", kverrors.BackendUnavailable, err)
	}
	if err := tx.Put(ctx, keycodec.InoAttrKey(ino), record.EncodeInoAttr(record.InoAttr{
		PermissionBits: p.Perm, Uid: p.Uid, Gid: p.Gid, Rdev: p.Rdev, Ctime: p.Now,
	})); err != nil {
		return NewChildResult{}, kverrors.Wrap("direngine.AddChildNew", kverrors.BackendUnavailable, err)
	}

	if p.Kind != record.KindDirectory {
		size := record.InoSize{Mtime: p.Now}
		if len(p.InlineData) > 0 {
			size.SizeBytes = uint64(len(p.InlineData))
			if err := tx.Put(ctx, keycodec.InlineKey(ino), p.InlineData); err != nil {
				return NewChildResult{}, kverrors.Wrap("direngine.AddChildNew", kverrors.BackendUnavailable, err)
			}
		}
		if err := tx.Put(ctx, keycodec.InoSizeKey(ino), record.EncodeInoSize(size)); err != nil {
			return NewChildResult{}, kverrors.Wrap("direngine.AddChildNew", kverrors.BackendUnavailable, err)
		}
		if err := tx.Put(ctx, keycodec.InoAtimeKey(ino), record.EncodeInoAtime(record.InoAtime{Atime: p.Now})); err != nil {
			return NewChildResult{}, kverrors.Wrap("direngine.AddChildNew", kverrors.BackendUnavailable, err)
		}
	}

	if err := insertEdges(ctx, tx, parent, name, ino, p.Kind); err != nil {
		return NewChildResult{}, err
	}

	return NewChildResult{Ino: ino, Kind: p.Kind}, nil
}

// AddSymlink creates a Symlink inode whose inline data is the link
// target, a shortcut over AddChildNew (spec.md §4.4).
func AddSymlink(ctx context.Context, tx kvstore.Txn, parent uint64, name, target string, uid, gid uint32, now time.Time) (NewChildResult, error) {
	return AddChildNew(ctx, tx, parent, name, NewChildParams{
		Kind:       record.KindSymlink,
		Perm:       0777,
		Uid:        uid,
		Gid:        gid,
		InlineData: []byte(target),
		Now:        now,
	})
}

// RemoveChildFile drops a File or Symlink entry from parent, reclaiming
// the target inode if it has no remaining directory edges or open
// handles.
func RemoveChildFile(ctx context.Context, tx kvstore.Txn, parent uint64, name string, blockSize uint64) error {
	if err := requireDirectory(ctx, tx, parent); err != nil {
		return err
	}
	ino, kind, exists, err := lookupChild(ctx, tx, parent, name)
	if err != nil {
		return err
	}
	if !exists {
		return kverrors.New("direngine.RemoveChildFile", kverrors.NotFound, "name does not exist in parent")
	}
	if kind == record.KindDirectory {
		return kverrors.New("direngine.RemoveChildFile", kverrors.IsADirectory, "use RemoveChildDirectory for directories")
	}
	if err := removeEdges(ctx, tx, parent, name, ino); err != nil {
		return err
	}
	return attrengine.MaybeReclaim(ctx, tx, ino, blockSize)
}

// RemoveChildDirectory drops an empty Directory entry from parent.
func RemoveChildDirectory(ctx context.Context, tx kvstore.Txn, parent uint64, name string, blockSize uint64) error {
	if err := requireDirectory(ctx, tx, parent); err != nil {
		return err
	}
	ino, kind, exists, err := lookupChild(ctx, tx, parent, name)
	if err != nil {
		return err
	}
	if !exists {
		return kverrors.New("direngine.RemoveChildDirectory", kverrors.NotFound, "name does not exist in parent")
	}
	if kind != record.KindDirectory {
		return kverrors.New("direngine.RemoveChildDirectory", kverrors.NotADirectory, "target is not a directory")
	}
	empty, err := isEmptyDirectory(ctx, tx, ino)
	if err != nil {
		return err
	}
	if !empty {
		return kverrors.New("direngine.RemoveChildDirectory", kverrors.DirectoryNotEmpty, "directory still has children")
	}
	if err := removeEdges(ctx, tx, parent, name, ino); err != nil {
		return err
	}
	return attrengine.MaybeReclaim(ctx, tx, ino, blockSize)
}

func isEmptyDirectory(ctx context.Context, tx kvstore.Txn, ino uint64) (bool, error) {
	prefix := keycodec.DirChildPrefix(ino)
	end := keycodec.PrefixRangeEnd(prefix)
	it, err := tx.Scan(ctx, prefix, end, 1, false)
	if err != nil {
		return false, kverrors.Wrap("direngine.isEmptyDirectory", kverrors.BackendUnavailable, err)
	}
	defer it.Close()
	has := it.Next()
	if err := it.Err(); err != nil {
		return false, kverrors.Wrap("direngine.isEmptyDirectory", kverrors.BackendUnavailable, err)
	}
	return !has, nil
}

// ChildAllAttrs looks up name under parent and fetches its full attribute
// bundle in the same transaction.
func ChildAllAttrs(ctx context.Context, tx kvstore.Txn, parent uint64, name string) (attrengine.AllAttrs, error) {
	if err := requireDirectory(ctx, tx, parent); err != nil {
		return attrengine.AllAttrs{}, err
	}
	ino, _, exists, err := lookupChild(ctx, tx, parent, name)
	if err != nil {
		return attrengine.AllAttrs{}, err
	}
	if !exists {
		return attrengine.AllAttrs{}, kverrors.New("direngine.ChildAllAttrs", kverrors.NotFound, "name does not exist in parent")
	}
	return attrengine.GetAll(ctx, tx, ino)
}

// Rename moves (oldParent, oldName) to (newParent, newName) atomically.
// If the destination exists it must be the same kind and, if a
// Directory, empty; the replaced target is unlinked and reclaimed exactly
// as RemoveChildFile/RemoveChildDirectory would. Moving a directory is
// rejected if newParent is a descendant of the moved inode (a cycle).
func Rename(ctx context.Context, tx kvstore.Txn, oldParent uint64, oldName string, newParent uint64, newName string, blockSize uint64, now time.Time) error {
	if err := requireDirectory(ctx, tx, oldParent); err != nil {
		return err
	}
	if err := requireDirectory(ctx, tx, newParent); err != nil {
		return err
	}

	srcIno, srcKind, exists, err := lookupChild(ctx, tx, oldParent, oldName)
	if err != nil {
		return err
	}
	if !exists {
		return kverrors.New("direngine.Rename", kverrors.NotFound, "source name does not exist")
	}

	if srcKind == record.KindDirectory {
		isAncestor, err := isAncestorOf(ctx, tx, srcIno, newParent)
		if err != nil {
			return err
		}
		if isAncestor {
			return kverrors.New("direngine.Rename", kverrors.InvalidArgument, "cannot move a directory into its own descendant")
		}
	}

	dstIno, dstKind, dstExists, err := lookupChild(ctx, tx, newParent, newName)
	if err != nil {
		return err
	}
	if dstExists {
		if dstKind != srcKind {
			return kverrors.New("direngine.Rename", kverrors.InvalidArgument, "rename target exists with a different kind")
		}
		if dstKind == record.KindDirectory {
			empty, err := isEmptyDirectory(ctx, tx, dstIno)
			if err != nil {
				return err
			}
			if !empty {
				return kverrors.New("direngine.Rename", kverrors.DirectoryNotEmpty, "rename target directory is not empty")
			}
		}
		if err := removeEdges(ctx, tx, newParent, newName, dstIno); err != nil {
			return err
		}
		if err := attrengine.MaybeReclaim(ctx, tx, dstIno, blockSize); err != nil {
			return err
		}
	}

	if err := removeEdges(ctx, tx, oldParent, oldName, srcIno); err != nil {
		return err
	}
	if err := insertEdges(ctx, tx, newParent, newName, srcIno, srcKind); err != nil {
		return err
	}

	// Re-applying the moved inode's own permission bits makes SetAll bump
	// its ctime (and Version) without changing any other attribute.
	moved, err := attrengine.GetAll(ctx, tx, srcIno)
	if err != nil {
		return err
	}
	perm := moved.Attr.PermissionBits
	if err := attrengine.SetAll(ctx, tx, srcIno, attrengine.SetParams{PermissionBits: &perm, Now: now}); err != nil {
		return err
	}
	for _, p := range uniqueParents(oldParent, newParent) {
		if err := attrengine.SetAll(ctx, tx, p, attrengine.SetParams{MtimeNow: true, Now: now}); err != nil {
			return err
		}
	}
	return nil
}

func uniqueParents(a, b uint64) []uint64 {
	if a == b {
		return []uint64{a}
	}
	return []uint64{a, b}
}

// isAncestorOf walks from candidate's directory-parent edges upward,
// bounded by actual tree depth (the directory tree is acyclic per
// invariant 7), checking whether ancestorIno appears on the path.
func isAncestorOf(ctx context.Context, tx kvstore.Txn, ancestorIno, candidate uint64) (bool, error) {
	if ancestorIno == candidate {
		return true, nil
	}
	cur := candidate
	seen := map[uint64]bool{cur: true}
	for {
		parent, _, ok, err := firstParentEdge(ctx, tx, cur)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
		if parent == ancestorIno {
			return true, nil
		}
		if seen[parent] {
			// Should be unreachable given invariant 7, but guards against
			// looping forever if the tree were ever corrupted.
			return false, kverrors.New("direngine.isAncestorOf", kverrors.InvalidData, "directory parent cycle detected")
		}
		seen[parent] = true
		cur = parent
		if parent == alloc.RootIno {
			return false, nil
		}
	}
}

// firstParentEdge returns one DirParent edge for child; directories have
// exactly one (no hard links to directories, per spec.md §4.4).
func firstParentEdge(ctx context.Context, tx kvstore.Txn, child uint64) (parent uint64, name string, ok bool, err error) {
	prefix := keycodec.DirParentPrefix(child)
	end := keycodec.PrefixRangeEnd(prefix)
	it, scanErr := tx.Scan(ctx, prefix, end, 1, false)
	if scanErr != nil {
		return 0, "", false, kverrors.Wrap("direngine.firstParentEdge", kverrors.BackendUnavailable, scanErr)
	}
	defer it.Close()
	if !it.Next() {
		if itErr := it.Err(); itErr != nil {
			return 0, "", false, kverrors.Wrap("direngine.firstParentEdge", kverrors.BackendUnavailable, itErr)
		}
		return 0, "", false, nil
	}
	kv := it.Item()
	parent, name, err = decodeDirParentKey(kv.Key)
	if err != nil {
		return 0, "", false, err
	}
	return parent, name, true, nil
}

// decodeDirParentKey extracts {parent, name} from a DirParent key,
// mirroring keycodec.DecodeDirChildName's fixed-prefix-then-length-
// prefixed-name layout.
func decodeDirParentKey(key []byte) (uint64, string, error) {
	// tag(1) + child(8) + parent(8) + len(2) + name
	if len(key) < 19 {
		return 0, "", kverrors.New("direngine.decodeDirParentKey", kverrors.InvalidData, "DirParent key too short")
	}
	var parent uint64
	for i := 0; i < 8; i++ {
		parent = parent<<8 | uint64(key[9+i])
	}
	n := int(key[17])<<8 | int(key[18])
	if len(key) != 19+n {
		return 0, "", kverrors.New("direngine.decodeDirParentKey", kverrors.InvalidData, "DirParent key length mismatch")
	}
	return parent, string(key[19:]), nil
}
