// Package attrengine manages inode description, permissions, size, and
// timestamps, plus the open-handle registry that keeps an inode alive
// while any handle references it. It also owns the cross-engine
// reclamation check: an inode becomes eligible for destruction only when
// both its directory-edge set (owned by internal/direngine) and its
// open-handle set (owned here) are empty, so MaybeReclaim reads across
// that boundary — permitted under spec.md §3's "cross-role reads are
// permitted" ownership rule.
package attrengine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/kvfs-project/kvfs/internal/hashblock"
	"github.com/kvfs-project/kvfs/internal/keycodec"
	"github.com/kvfs-project/kvfs/internal/kverrors"
	"github.com/kvfs-project/kvfs/internal/kvstore"
	"github.com/kvfs-project/kvfs/internal/record"
)

// AllAttrs bundles the four per-inode records child_all_attrs and
// getattr both need in one round trip.
type AllAttrs struct {
	Desc  record.InoDesc
	Attr  record.InoAttr
	Size  record.InoSize
	Atime record.InoAtime
}

// GetAll point-reads Desc/Attr/Size/Atime for ino. Size/Atime are only
// meaningful for File/Symlink kinds and are read only for those; for a
// directory they are left zero.
func GetAll(ctx context.Context, tx kvstore.Txn, ino uint64) (AllAttrs, error) {
	var out AllAttrs

	descRaw, err := tx.Get(ctx, keycodec.InoDescKey(ino))
	if err == kvstore.ErrNotFound {
		return out, kverrors.New("attrengine.GetAll", kverrors.NotFound, "inode does not exist")
	} else if err != nil {
		return out, kverrors.Wrap("attrengine.GetAll", kverrors.BackendUnavailable, err)
	}
	out.Desc, err = record.DecodeInoDesc(descRaw)
	if err != nil {
		return out, err
	}

	attrRaw, err := tx.Get(ctx, keycodec.InoAttrKey(ino))
	if err != nil {
		return out, kverrors.Wrap("attrengine.GetAll", kverrors.BackendUnavailable, err)
	}
	out.Attr, err = record.DecodeInoAttr(attrRaw)
	if err != nil {
		return out, err
	}

	if out.Desc.Kind != record.KindDirectory {
		sizeRaw, err := tx.Get(ctx, keycodec.InoSizeKey(ino))
		if err != nil {
			return out, kverrors.Wrap("attrengine.GetAll", kverrors.BackendUnavailable, err)
		}
		out.Size, err = record.DecodeInoSize(sizeRaw)
		if err != nil {
			return out, err
		}

		atimeRaw, err := tx.Get(ctx, keycodec.InoAtimeKey(ino))
		if err != nil {
			return out, kverrors.Wrap("attrengine.GetAll", kverrors.BackendUnavailable, err)
		}
		out.Atime, err = record.DecodeInoAtime(atimeRaw)
		if err != nil {
			return out, err
		}
	}

	return out, nil
}

// SetParams carries the optional fields set_all may apply; a nil pointer
// means "leave unchanged". Atime/Mtime also have AtimeNow/MtimeNow flags,
// which take precedence and set the field to Now, the driver-clock "now"
// the caller resolved for this transaction (spec.md §4.5).
type SetParams struct {
	PermissionBits *uint32
	Uid            *uint32
	Gid            *uint32
	Flags          *uint32

	SizeBytes *uint64 // triggers fileio truncate/extend; attrengine only updates the record here

	Atime     *time.Time
	AtimeNow  bool
	Mtime     *time.Time
	MtimeNow  bool

	Now time.Time // resolved "now", supplied by the caller (internal/kvfs reads its MountContext clock)
}

// SetAll applies the optional fields in params to ino. ctime is bumped to
// params.Now whenever any field other than atime changes, per spec.md
// §4.5. It does not itself perform block truncation/extension when
// SizeBytes is set — internal/fileio does that and calls SetSizeRecord
// once it has computed the new block_count.
func SetAll(ctx context.Context, tx kvstore.Txn, ino uint64, params SetParams) error {
	all, err := GetAll(ctx, tx, ino)
	if err != nil {
		return err
	}

	attrChanged := false
	if params.PermissionBits != nil {
		all.Attr.PermissionBits = *params.PermissionBits
		attrChanged = true
	}
	if params.Uid != nil {
		all.Attr.Uid = *params.Uid
		attrChanged = true
	}
	if params.Gid != nil {
		all.Attr.Gid = *params.Gid
		attrChanged = true
	}
	if params.Flags != nil {
		all.Attr.Flags = *params.Flags
		attrChanged = true
	}

	sizeChanged := false
	if params.SizeBytes != nil {
		all.Size.SizeBytes = *params.SizeBytes
		sizeChanged = true
	}
	if params.MtimeNow {
		all.Size.Mtime = params.Now
		sizeChanged = true
	} else if params.Mtime != nil {
		all.Size.Mtime = *params.Mtime
		sizeChanged = true
	}

	atimeChanged := false
	if params.AtimeNow {
		all.Atime.Atime = params.Now
		atimeChanged = true
	} else if params.Atime != nil {
		all.Atime.Atime = *params.Atime
		atimeChanged = true
	}

	if attrChanged || sizeChanged {
		all.Attr.Ctime = params.Now
		all.Attr.Version++
		if err := tx.Put(ctx, keycodec.InoAttrKey(ino), record.EncodeInoAttr(all.Attr)); err != nil {
			return kverrors.Wrap("attrengine.SetAll", kverrors.BackendUnavailable, err)
		}
	}
	if sizeChanged && all.Desc.Kind != record.KindDirectory {
		if err := tx.Put(ctx, keycodec.InoSizeKey(ino), record.EncodeInoSize(all.Size)); err != nil {
			return kverrors.Wrap("attrengine.SetAll", kverrors.BackendUnavailable, err)
		}
	}
	if atimeChanged && all.Desc.Kind != record.KindDirectory {
		if err := tx.Put(ctx, keycodec.InoAtimeKey(ino), record.EncodeInoAtime(all.Atime)); err != nil {
			return kverrors.Wrap("attrengine.SetAll", kverrors.BackendUnavailable, err)
		}
	}
	return nil
}

// SetSizeRecord overwrites InoSize directly, recomputing block_count from
// blockSize. internal/fileio calls this after it has finished adjusting
// block-hash pointers, rather than going through SetAll's general path.
func SetSizeRecord(ctx context.Context, tx kvstore.Txn, ino uint64, sizeBytes uint64, blockSize uint64, mtime time.Time) error {
	size := record.InoSize{
		SizeBytes:  sizeBytes,
		BlockCount: record.BlockCountFor(sizeBytes, blockSize),
		Mtime:      mtime,
	}
	if err := tx.Put(ctx, keycodec.InoSizeKey(ino), record.EncodeInoSize(size)); err != nil {
		return kverrors.Wrap("attrengine.SetSizeRecord", kverrors.BackendUnavailable, err)
	}
	return nil
}

// Open generates a fresh use_id and writes InoOpen{ino,use_id}, keeping
// ino alive against reclamation until a matching Close.
func Open(ctx context.Context, tx kvstore.Txn, ino uint64, mountInstance [16]byte, now time.Time) ([16]byte, error) {
	if _, err := tx.Get(ctx, keycodec.InoDescKey(ino)); err == kvstore.ErrNotFound {
		return [16]byte{}, kverrors.New("attrengine.Open", kverrors.NotFound, "inode does not exist")
	} else if err != nil {
		return [16]byte{}, kverrors.Wrap("attrengine.Open", kverrors.BackendUnavailable, err)
	}

	useID := uuid.New()
	var raw [16]byte
	copy(raw[:], useID[:])

	rec := record.InoOpen{OpenedAt: now, MountInstance: mountInstance}
	if err := tx.Put(ctx, keycodec.InoOpenKey(ino, raw), record.EncodeInoOpen(rec)); err != nil {
		return [16]byte{}, kverrors.Wrap("attrengine.Open", kverrors.BackendUnavailable, err)
	}
	return raw, nil
}

// Close deletes the open-handle row and, if doing so leaves both the
// open-handle set and the directory-edge set empty, destroys the inode.
func Close(ctx context.Context, tx kvstore.Txn, ino uint64, useID [16]byte, blockSize uint64) error {
	if err := tx.Delete(ctx, keycodec.InoOpenKey(ino, useID)); err != nil {
		return kverrors.Wrap("attrengine.Close", kverrors.BackendUnavailable, err)
	}
	return MaybeReclaim(ctx, tx, ino, blockSize)
}

// AllocateSize raises size_bytes to at least offset+length without
// writing any payload: the extension is represented purely as a larger
// size_bytes with no new InoBlockHash pointers, so the new range reads as
// sparse zero-holes (spec.md §4.5).
func AllocateSize(ctx context.Context, tx kvstore.Txn, ino uint64, offset, length, blockSize uint64, now time.Time) error {
	all, err := GetAll(ctx, tx, ino)
	if err != nil {
		return err
	}
	want := offset + length
	if want < offset {
		return kverrors.New("attrengine.AllocateSize", kverrors.InvalidArgument, "offset+length overflow")
	}
	if want <= all.Size.SizeBytes {
		return nil
	}
	return SetSizeRecord(ctx, tx, ino, want, blockSize, now)
}

// MaybeReclaim checks whether ino has no remaining directory edges and no
// remaining open handles; if so it destroys every record owned by this
// inode (Desc/Attr/Size/Atime/Inline) and decrements the refcount of any
// block hashes it pointed to, handing synchronous GC to
// internal/hashblock exactly as spec.md §4.6 requires.
func MaybeReclaim(ctx context.Context, tx kvstore.Txn, ino uint64, blockSize uint64) error {
	hasEdges, err := scanHasAny(ctx, tx, keycodec.DirParentPrefix(ino))
	if err != nil {
		return err
	}
	if hasEdges {
		return nil
	}
	hasOpen, err := scanHasAny(ctx, tx, keycodec.InoOpenPrefix(ino))
	if err != nil {
		return err
	}
	if hasOpen {
		return nil
	}
	return destroy(ctx, tx, ino, blockSize)
}

func scanHasAny(ctx context.Context, tx kvstore.Txn, prefix []byte) (bool, error) {
	end := keycodec.PrefixRangeEnd(prefix)
	it, err := tx.Scan(ctx, prefix, end, 1, false)
	if err != nil {
		return false, kverrors.Wrap("attrengine.scanHasAny", kverrors.BackendUnavailable, err)
	}
	defer it.Close()
	has := it.Next()
	if err := it.Err(); err != nil {
		return false, kverrors.Wrap("attrengine.scanHasAny", kverrors.BackendUnavailable, err)
	}
	return has, nil
}

func destroy(ctx context.Context, tx kvstore.Txn, ino uint64, blockSize uint64) error {
	prefix := keycodec.BlockHashPrefix(ino)
	end := keycodec.PrefixRangeEnd(prefix)
	it, err := tx.Scan(ctx, prefix, end, 0, false)
	if err != nil {
		return kverrors.Wrap("attrengine.destroy", kverrors.BackendUnavailable, err)
	}
	var decrements []hashblock.Increment
	var keys [][]byte
	for it.Next() {
		kv := it.Item()
		k := make([]byte, len(kv.Key))
		copy(k, kv.Key)
		keys = append(keys, k)
		decrements = append(decrements, hashblock.Increment{Hash: hashblock.Hash(kv.Value), Inc: 1})
	}
	scanErr := it.Err()
	it.Close()
	if scanErr != nil {
		return kverrors.Wrap("attrengine.destroy", kverrors.BackendUnavailable, scanErr)
	}

	if err := hashblock.DecrementRefcount(ctx, tx, decrements); err != nil {
		return err
	}
	for _, k := range keys {
		if err := tx.Delete(ctx, k); err != nil {
			return kverrors.Wrap("attrengine.destroy", kverrors.BackendUnavailable, err)
		}
	}

	for _, key := range [][]byte{
		keycodec.InoDescKey(ino),
		keycodec.InoAttrKey(ino),
		keycodec.InoSizeKey(ino),
		keycodec.InoAtimeKey(ino),
		keycodec.InlineKey(ino),
	} {
		if err := tx.Delete(ctx, key); err != nil {
			return kverrors.Wrap("attrengine.destroy", kverrors.BackendUnavailable, err)
		}
	}
	return nil
}
