// Package record defines the Go shape of every value stored under the
// keys internal/keycodec builds, and their encode/decode functions. Every
// value is encoded with encoding/gob. StaticMeta.Encoding records the
// encoding name given at format time ("gob" or "yaml"), but the
// encode/decode functions here do not consult it: no YAML encoder exists,
// and a store formatted with "yaml" still holds gob values. Every engine
// calls through this package rather than encoding values itself, keeping
// the serializer in exactly one place.
package record

import (
	"bytes"
	"encoding/gob"
	"time"

	"github.com/kvfs-project/kvfs/internal/kverrors"
)

// Kind discriminates the three inode kinds an InoDesc may carry.
type Kind uint8

const (
	KindFile Kind = iota
	KindDirectory
	KindSymlink
)

// Encoding selects the value serializer, recorded once in StaticMeta.
type Encoding string

const (
	EncodingGob  Encoding = "gob"
	EncodingYAML Encoding = "yaml"
)

// StaticMeta is the format-time singleton (spec.md §3 "Static meta").
type StaticMeta struct {
	BlockSize     uint64
	HashedBlocks  bool
	HashAlgorithm string
	Encoding      Encoding
	MountInstance [16]byte // written fresh on every successful mount (SPEC_FULL.md §4.11)
}

// InoDesc is immutable after creation.
type InoDesc struct {
	Ino          uint64
	Kind         Kind
	CreationTime time.Time
	Generation   uint64 // from alloc.AllocateGeneration; root's is 0
}

// InoAttr holds the mutable permission/ownership fields.
type InoAttr struct {
	PermissionBits uint32
	Uid            uint32
	Gid            uint32
	Rdev           uint32
	Flags          uint32
	Ctime          time.Time
	Version        uint64 // bumped on every SetAll that changes more than atime; drives fscache invalidation
}

// InoSize is meaningful for File/Symlink kinds.
type InoSize struct {
	SizeBytes  uint64
	BlockCount uint64
	Mtime      time.Time
}

// InoAtime is split out from InoAttr to avoid write amplification on hot
// read paths (spec.md §3).
type InoAtime struct {
	Atime time.Time
}

// InoOpen is one row per open handle.
type InoOpen struct {
	OpenedAt      time.Time
	MountInstance [16]byte
}

func encode(v interface{}) []byte {
	var buf bytes.Buffer
	// gob.Encoder.Encode can only fail on unsupported types, never on the
	// concrete structs in this file; a failure here is a programming error.
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		panic("record: gob encode of a record package type failed: " + err.Error())
	}
	return buf.Bytes()
}

func decode(data []byte, v interface{}) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return kverrors.Wrap("record.decode", kverrors.InvalidData, err)
	}
	return nil
}

func EncodeStaticMeta(m StaticMeta) []byte { return encode(m) }
func DecodeStaticMeta(data []byte) (StaticMeta, error) {
	var m StaticMeta
	err := decode(data, &m)
	return m, err
}

func EncodeInoDesc(d InoDesc) []byte { return encode(d) }
func DecodeInoDesc(data []byte) (InoDesc, error) {
	var d InoDesc
	err := decode(data, &d)
	return d, err
}

func EncodeInoAttr(a InoAttr) []byte { return encode(a) }
func DecodeInoAttr(data []byte) (InoAttr, error) {
	var a InoAttr
	err := decode(data, &a)
	return a, err
}

func EncodeInoSize(s InoSize) []byte { return encode(s) }
func DecodeInoSize(data []byte) (InoSize, error) {
	var s InoSize
	err := decode(data, &s)
	return s, err
}

func EncodeInoAtime(a InoAtime) []byte { return encode(a) }
func DecodeInoAtime(data []byte) (InoAtime, error) {
	var a InoAtime
	err := decode(data, &a)
	return a, err
}

func EncodeInoOpen(o InoOpen) []byte { return encode(o) }
func DecodeInoOpen(data []byte) (InoOpen, error) {
	var o InoOpen
	err := decode(data, &o)
	return o, err
}

// BlockCountFor returns ceil(sizeBytes / blockSize), the invariant
// InoSize.block_count must satisfy whenever the file is not using the
// inline fast path (spec.md §3, invariant 6 in §8).
func BlockCountFor(sizeBytes, blockSize uint64) uint64 {
	if blockSize == 0 {
		return 0
	}
	return (sizeBytes + blockSize - 1) / blockSize
}
