// Package keycodec implements the bijective, prefix-free encoding of every
// logical record in the data model (spec.md §3) to and from opaque TiKV
// keys. It performs no I/O; every function here is a pure transform over
// byte slices.
//
// Namespaces are distinguished by a single leading tag byte so that a scan
// bounded to one tag's key range can never observe keys from another
// namespace. Integers that participate in ordering are encoded big-endian
// so that lexicographic byte order matches numeric order. Directory names
// are length-prefixed (u16) so concatenated keys stay prefix-free: no
// encoded key is a prefix of another encoded key in the same namespace.
package keycodec

import (
	"encoding/binary"
	"fmt"
)

// Tag is the one-byte namespace discriminator prepended to every key.
type Tag byte

const (
	TagMeta       Tag = 'M'
	TagCounters   Tag = 'C'
	TagInodeDesc  Tag = 'D'
	TagInodeAttr  Tag = 'A'
	TagInodeSize  Tag = 'S'
	TagInodeAtime Tag = 'T'
	TagInline     Tag = 'L'
	TagDirChild   Tag = 'E'
	TagDirParent  Tag = 'P'
	TagBlockHash  Tag = 'H'
	TagHashData   Tag = 'B'
	TagHashRef    Tag = 'R'
	TagHashAddr   Tag = 'X'
	TagInodeOpen  Tag = 'O'
	TagSnapshot   Tag = 'N'
)

// MaxNameLen is the longest a directory entry name may be.
const MaxNameLen = 255

// ValidateName rejects names the directory engine must never accept: the
// empty string, names containing NUL, "." and "..", and names over
// MaxNameLen bytes.
func ValidateName(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("keycodec: empty name")
	}
	if len(name) > MaxNameLen {
		return fmt.Errorf("keycodec: name %q exceeds %d bytes", name, MaxNameLen)
	}
	if name == "." || name == ".." {
		return fmt.Errorf("keycodec: reserved name %q", name)
	}
	for i := 0; i < len(name); i++ {
		if name[i] == 0 {
			return fmt.Errorf("keycodec: name %q contains NUL", name)
		}
	}
	return nil
}

func putUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func putString(buf []byte, s string) ([]byte, error) {
	if len(s) > 0xFFFF {
		return nil, fmt.Errorf("keycodec: string of length %d exceeds u16 range", len(s))
	}
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(len(s)))
	buf = append(buf, tmp[:]...)
	buf = append(buf, s...)
	return buf, nil
}

// StaticMetaKey is the one singleton key for the format-time static meta
// record.
func StaticMetaKey() []byte {
	return []byte{byte(TagMeta)}
}

// Counter names stored under TagCounters.
const (
	CounterNextInode      = "next_inode"
	CounterNextGeneration = "next_generation"
)

func CounterKey(name string) []byte {
	buf := []byte{byte(TagCounters)}
	buf, _ = putString(buf, name)
	return buf
}

func InoDescKey(ino uint64) []byte {
	buf := []byte{byte(TagInodeDesc)}
	return putUint64(buf, ino)
}

func InoAttrKey(ino uint64) []byte {
	buf := []byte{byte(TagInodeAttr)}
	return putUint64(buf, ino)
}

func InoSizeKey(ino uint64) []byte {
	buf := []byte{byte(TagInodeSize)}
	return putUint64(buf, ino)
}

func InoAtimeKey(ino uint64) []byte {
	buf := []byte{byte(TagInodeAtime)}
	return putUint64(buf, ino)
}

func InlineKey(ino uint64) []byte {
	buf := []byte{byte(TagInline)}
	return putUint64(buf, ino)
}

// DirChildKey encodes {parent_ino, name}. Keys for the same parent are
// contiguous because the parent's fixed-width prefix is identical across
// all of its children; within that range they order by name length first
// (the u16 length prefix), then by name bytes.
func DirChildKey(parent uint64, name string) ([]byte, error) {
	buf := []byte{byte(TagDirChild)}
	buf = putUint64(buf, parent)
	return putString(buf, name)
}

// DirChildPrefix returns the shared prefix for a range scan over all
// children of parent.
func DirChildPrefix(parent uint64) []byte {
	buf := []byte{byte(TagDirChild)}
	return putUint64(buf, parent)
}

// DirParentKey encodes {child_ino, parent_ino, name}.
func DirParentKey(child, parent uint64, name string) ([]byte, error) {
	buf := []byte{byte(TagDirParent)}
	buf = putUint64(buf, child)
	buf = putUint64(buf, parent)
	return putString(buf, name)
}

// DirParentPrefix returns the shared prefix for a range scan over all
// reverse edges of child.
func DirParentPrefix(child uint64) []byte {
	buf := []byte{byte(TagDirParent)}
	return putUint64(buf, child)
}

func BlockHashKey(ino uint64, blockIndex uint64) []byte {
	buf := []byte{byte(TagBlockHash)}
	buf = putUint64(buf, ino)
	return putUint64(buf, blockIndex)
}

// BlockHashPrefix returns the shared prefix for a range scan over all
// block-hash pointers of ino.
func BlockHashPrefix(ino uint64) []byte {
	buf := []byte{byte(TagBlockHash)}
	return putUint64(buf, ino)
}

func HashDataKey(hash []byte) []byte {
	buf := []byte{byte(TagHashData)}
	return append(buf, hash...)
}

func HashRefKey(hash []byte) []byte {
	buf := []byte{byte(TagHashRef)}
	return append(buf, hash...)
}

func HashAddrKey(hash []byte, blockID uint64) []byte {
	buf := []byte{byte(TagHashAddr)}
	buf = append(buf, hash...)
	return putUint64(buf, blockID)
}

func HashAddrPrefix(hash []byte) []byte {
	buf := []byte{byte(TagHashAddr)}
	return append(buf, hash...)
}

func InoOpenKey(ino uint64, useID [16]byte) []byte {
	buf := []byte{byte(TagInodeOpen)}
	buf = putUint64(buf, ino)
	return append(buf, useID[:]...)
}

func InoOpenPrefix(ino uint64) []byte {
	buf := []byte{byte(TagInodeOpen)}
	return putUint64(buf, ino)
}

func SnapshotKey(name string) ([]byte, error) {
	buf := []byte{byte(TagSnapshot)}
	return putString(buf, name)
}

// PrefixRangeEnd returns the smallest key that sorts strictly after every
// key sharing prefix, i.e. the exclusive end key for a scan bounded to
// prefix. It assumes prefix does not consist entirely of 0xFF bytes (true
// for every prefix constructed above, since each begins with an ASCII tag
// byte well below 0xFF).
func PrefixRangeEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xFF {
			end[i]++
			return end[:i+1]
		}
	}
	// Unreachable for our tag-prefixed keys.
	return append(end, 0x00)
}

// DecodeDirChildName extracts the name suffix from a DirChild key given the
// known parent prefix length, used by the directory engine when iterating
// a scan's raw keys.
func DecodeDirChildName(key []byte) (string, error) {
	// tag(1) + parent(8) + len(2) + name
	if len(key) < 11 {
		return "", fmt.Errorf("keycodec: DirChild key too short")
	}
	n := binary.BigEndian.Uint16(key[9:11])
	if len(key) != 11+int(n) {
		return "", fmt.Errorf("keycodec: DirChild key length mismatch")
	}
	return string(key[11:]), nil
}

// DecodeBlockIndex extracts the block_index suffix from a BlockHash key.
func DecodeBlockIndex(key []byte) (uint64, error) {
	// tag(1) + ino(8) + block_index(8)
	if len(key) != 17 {
		return 0, fmt.Errorf("keycodec: BlockHash key has unexpected length %d", len(key))
	}
	return binary.BigEndian.Uint64(key[9:17]), nil
}
