// Package fileio implements read/write/truncate atop the directory and
// hash-block engines: the inline-data fast path, block-aligned hashing,
// read-modify-write of partial edge blocks, and the whole-file aggregate
// hash used for dedup/equality checks (spec.md §4.7).
package fileio

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/kvfs-project/kvfs/internal/attrengine"
	"github.com/kvfs-project/kvfs/internal/fscache"
	"github.com/kvfs-project/kvfs/internal/hashblock"
	"github.com/kvfs-project/kvfs/internal/keycodec"
	"github.com/kvfs-project/kvfs/internal/kverrors"
	"github.com/kvfs-project/kvfs/internal/kvstore"
	"github.com/kvfs-project/kvfs/internal/record"
)

// Geometry bundles the format-time constants every fileio call needs:
// the block size and the inline-data threshold, both fixed at format and
// read-only thereafter (spec.md §3).
type Geometry struct {
	BlockSize       uint64
	InlineThreshold uint64
}

func blockRange(offset, size, blockSize uint64) (first, lastExclusive uint64) {
	first = offset / blockSize
	if size == 0 {
		return first, first
	}
	lastExclusive = (offset + size + blockSize - 1) / blockSize
	return first, lastExclusive
}

// Read serves bytes from the inline fast path when present, otherwise
// range-scans InoBlockHash for the affected block span, consulting cache
// before the hash-block engine, concatenates, and slices to the
// requested window. Missing block pointers are logical holes and read as
// zeros. Returns fewer bytes than requested only at EOF.
func Read(ctx context.Context, tx kvstore.Txn, geo Geometry, cache *fscache.BlockCache, ino uint64, offset, size uint64) ([]byte, error) {
	inline, err := getInline(ctx, tx, ino)
	if err != nil {
		return nil, err
	}
	if inline != nil {
		return sliceWithin(inline, offset, size), nil
	}

	sizeRec, err := readInoSize(ctx, tx, ino)
	if err != nil {
		return nil, err
	}
	if offset >= sizeRec.SizeBytes {
		return nil, nil
	}
	if offset+size > sizeRec.SizeBytes {
		size = sizeRec.SizeBytes - offset
	}

	first, lastExclusive := blockRange(offset, size, geo.BlockSize)
	hashes, err := readBlockHashPointers(ctx, tx, ino, first, lastExclusive)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, size)
	for idx := first; idx < lastExclusive; idx++ {
		blockStart := idx * geo.BlockSize
		blockEnd := blockStart + geo.BlockSize
		if blockEnd > sizeRec.SizeBytes {
			blockEnd = sizeRec.SizeBytes
		}
		payload, err := fetchBlock(ctx, tx, cache, hashes[idx])
		if err != nil {
			return nil, err
		}
		if uint64(len(payload)) < blockEnd-blockStart {
			// Holes and stored payloads shorter than the block's span
			// within the file read as zeros up to that span.
			padded := make([]byte, blockEnd-blockStart)
			copy(padded, payload)
			payload = padded
		}
		if uint64(len(payload)) > blockEnd-blockStart {
			payload = payload[:blockEnd-blockStart]
		}
		out = append(out, payload...)
	}

	lo := offset - first*geo.BlockSize
	hi := lo + size
	if hi > uint64(len(out)) {
		hi = uint64(len(out))
	}
	if lo > hi {
		lo = hi
	}
	return out[lo:hi], nil
}

func fetchBlock(ctx context.Context, tx kvstore.Txn, cache *fscache.BlockCache, hash hashblock.Hash) ([]byte, error) {
	if hash == nil {
		return nil, nil // logical hole
	}
	if cache != nil {
		if v, ok := cache.Get(hash); ok {
			return v, nil
		}
	}
	data, err := hashblock.GetBlockData(ctx, tx, []hashblock.Hash{hash})
	if err != nil {
		return nil, err
	}
	if cache != nil {
		cache.Put(hash, data[0])
	}
	return data[0], nil
}

func readBlockHashPointers(ctx context.Context, tx kvstore.Txn, ino, first, lastExclusive uint64) (map[uint64]hashblock.Hash, error) {
	prefix := keycodec.BlockHashPrefix(ino)
	end := keycodec.PrefixRangeEnd(prefix)
	it, err := tx.Scan(ctx, prefix, end, 0, false)
	if err != nil {
		return nil, kverrors.Wrap("fileio.readBlockHashPointers", kverrors.BackendUnavailable, err)
	}
	defer it.Close()

	out := make(map[uint64]hashblock.Hash)
	for it.Next() {
		kv := it.Item()
		idx, err := keycodec.DecodeBlockIndex(kv.Key)
		if err != nil {
			return nil, kverrors.Wrap("fileio.readBlockHashPointers", kverrors.InvalidData, err)
		}
		if idx < first || idx >= lastExclusive {
			continue
		}
		h := make(hashblock.Hash, len(kv.Value))
		copy(h, kv.Value)
		out[idx] = h
	}
	if err := it.Err(); err != nil {
		return nil, kverrors.Wrap("fileio.readBlockHashPointers", kverrors.BackendUnavailable, err)
	}
	return out, nil
}

func getInline(ctx context.Context, tx kvstore.Txn, ino uint64) ([]byte, error) {
	v, err := tx.Get(ctx, keycodec.InlineKey(ino))
	switch err {
	case nil:
		return v, nil
	case kvstore.ErrNotFound:
		return nil, nil
	default:
		return nil, kverrors.Wrap("fileio.getInline", kverrors.BackendUnavailable, err)
	}
}

func sliceWithin(data []byte, offset, size uint64) []byte {
	if offset >= uint64(len(data)) {
		return nil
	}
	end := offset + size
	if end > uint64(len(data)) {
		end = uint64(len(data))
	}
	out := make([]byte, end-offset)
	copy(out, data[offset:end])
	return out
}

func readInoSize(ctx context.Context, tx kvstore.Txn, ino uint64) (record.InoSize, error) {
	v, err := tx.Get(ctx, keycodec.InoSizeKey(ino))
	if err == kvstore.ErrNotFound {
		return record.InoSize{}, kverrors.New("fileio.readInoSize", kverrors.NotFound, "inode has no size record")
	} else if err != nil {
		return record.InoSize{}, kverrors.Wrap("fileio.readInoSize", kverrors.BackendUnavailable, err)
	}
	return record.DecodeInoSize(v)
}

func requireNotDirectory(ctx context.Context, tx kvstore.Txn, ino uint64) error {
	v, err := tx.Get(ctx, keycodec.InoDescKey(ino))
	if err == kvstore.ErrNotFound {
		return kverrors.New("fileio", kverrors.NotFound, "inode does not exist")
	} else if err != nil {
		return kverrors.Wrap("fileio", kverrors.BackendUnavailable, err)
	}
	desc, err := record.DecodeInoDesc(v)
	if err != nil {
		return err
	}
	if desc.Kind == record.KindDirectory {
		return kverrors.New("fileio", kverrors.IsADirectory, "write target is a directory")
	}
	return nil
}

// Write rejects directory targets. If the inode currently holds inline
// data and the new logical size would exceed the inline threshold, the
// inline bytes are materialized as block 0 and the inline record cleared
// atomically in the same transaction. A write at offset 0 that fits the
// inline threshold on an empty inode (size 0, no inline record) is stored
// as inline data. Otherwise data is split into
// block-aligned chunks; partial edge blocks are read-modify-written
// (zero-filled across holes), hashed, uploaded, and wired in via
// WriteHashBlocks.
func Write(ctx context.Context, tx kvstore.Txn, geo Geometry, hasher hashblock.Hasher, ino uint64, offset uint64, data []byte, now time.Time) error {
	if err := requireNotDirectory(ctx, tx, ino); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}

	inline, err := getInline(ctx, tx, ino)
	if err != nil {
		return err
	}
	newLogicalSize := offset + uint64(len(data))

	if inline != nil {
		if newLogicalSize <= geo.InlineThreshold && offset <= uint64(len(inline)) {
			merged := mergeInline(inline, offset, data)
			if err := tx.Put(ctx, keycodec.InlineKey(ino), merged); err != nil {
				return kverrors.Wrap("fileio.Write", kverrors.BackendUnavailable, err)
			}
			return attrengine.SetSizeRecord(ctx, tx, ino, uint64(len(merged)), geo.BlockSize, now)
		}
		// Materialize inline data as block 0, then fall through to the
		// block-aligned path for the rest of this write.
		if err := tx.Delete(ctx, keycodec.InlineKey(ino)); err != nil {
			return kverrors.Wrap("fileio.Write", kverrors.BackendUnavailable, err)
		}
		if err := writeWholeBlocks(ctx, tx, geo, hasher, ino, 0, inline); err != nil {
			return err
		}
	}

	if inline == nil && newLogicalSize <= geo.InlineThreshold && offset == 0 {
		prior, err := readInoSize(ctx, tx, ino)
		if err != nil {
			return err
		}
		if prior.SizeBytes == 0 {
			if err := tx.Put(ctx, keycodec.InlineKey(ino), data); err != nil {
				return kverrors.Wrap("fileio.Write", kverrors.BackendUnavailable, err)
			}
			return attrengine.SetSizeRecord(ctx, tx, ino, uint64(len(data)), geo.BlockSize, now)
		}
	}

	if err := writeWholeBlocks(ctx, tx, geo, hasher, ino, offset, data); err != nil {
		return err
	}

	sizeRec, err := readInoSize(ctx, tx, ino)
	if err != nil {
		return err
	}
	if newLogicalSize > sizeRec.SizeBytes {
		return attrengine.SetSizeRecord(ctx, tx, ino, newLogicalSize, geo.BlockSize, now)
	}
	return attrengine.SetSizeRecord(ctx, tx, ino, sizeRec.SizeBytes, geo.BlockSize, now)
}

func mergeInline(inline []byte, offset uint64, data []byte) []byte {
	end := offset + uint64(len(data))
	out := inline
	if end > uint64(len(out)) {
		grown := make([]byte, end)
		copy(grown, out)
		out = grown
	} else {
		out = append([]byte(nil), out...)
	}
	copy(out[offset:], data)
	return out
}

// writeWholeBlocks splits data into blockSize-aligned chunks starting at
// offset, read-modify-writing any partially overlapped edge block, hashes
// every resulting payload, uploads new ones, and commits the pointer
// updates via hashblock.WriteHashBlocks.
func writeWholeBlocks(ctx context.Context, tx kvstore.Txn, geo Geometry, hasher hashblock.Hasher, ino uint64, offset uint64, data []byte) error {
	first, lastExclusive := blockRange(offset, uint64(len(data)), geo.BlockSize)
	existing, err := readBlockHashPointers(ctx, tx, ino, first, lastExclusive)
	if err != nil {
		return err
	}

	var blocks []hashblock.Block
	var writes []hashblock.BlockWrite

	for idx := first; idx < lastExclusive; idx++ {
		blockStart := idx * geo.BlockSize
		blockEnd := blockStart + geo.BlockSize

		payload := make([]byte, geo.BlockSize)
		var priorLen uint64

		// Start from the existing payload (or zero-fill a hole) so a
		// partial overlap read-modify-writes rather than clobbering
		// untouched bytes in this block.
		if h, ok := existing[idx]; ok {
			prior, err := fetchBlock(ctx, tx, nil, h)
			if err != nil {
				return err
			}
			copy(payload, prior)
			priorLen = uint64(len(prior))
		}

		loInData := int64(blockStart) - int64(offset)
		hiInData := int64(blockEnd) - int64(offset)
		loClamped := loInData
		if loClamped < 0 {
			loClamped = 0
		}
		hiClamped := hiInData
		if hiClamped > int64(len(data)) {
			hiClamped = int64(len(data))
		}
		if loClamped < hiClamped {
			dstOff := loClamped - loInData
			copy(payload[dstOff:], data[loClamped:hiClamped])
		}

		length := geo.BlockSize
		if idx == lastExclusive-1 {
			logicalEnd := offset + uint64(len(data))
			if rem := logicalEnd - blockStart; rem < geo.BlockSize {
				length = rem
			}
			// Keep the existing payload's tail past the end of this write.
			if priorLen > length && priorLen <= geo.BlockSize {
				length = priorLen
			}
		}
		payload = payload[:length]

		hash := hasher.Sum(payload)
		blocks = append(blocks, hashblock.Block{Hash: hash, Data: payload})
		writes = append(writes, hashblock.BlockWrite{
			BlockIndex: idx,
			Hash:       hash,
			Length:     length,
			BlockIDs:   []uint64{idx},
		})
	}

	if err := hashblock.UploadNewBlocks(ctx, tx, blocks); err != nil {
		return err
	}
	return hashblock.WriteHashBlocks(ctx, tx, ino, geo.BlockSize, writes)
}

// Truncate shrinks or grows ino to newSize. Shrinking removes
// InoBlockHash entries past the new size (decrementing their refs); the
// last retained block's hash is unchanged, and readers mask tail bytes to
// size_bytes. Growing only updates InoSize (sparse).
func Truncate(ctx context.Context, tx kvstore.Txn, geo Geometry, hasher hashblock.Hasher, ino, newSize uint64, now time.Time) error {
	if err := requireNotDirectory(ctx, tx, ino); err != nil {
		return err
	}

	inline, err := getInline(ctx, tx, ino)
	if err != nil {
		return err
	}
	if inline != nil {
		switch {
		case newSize <= uint64(len(inline)):
			if err := tx.Put(ctx, keycodec.InlineKey(ino), inline[:newSize]); err != nil {
				return kverrors.Wrap("fileio.Truncate", kverrors.BackendUnavailable, err)
			}
		case newSize <= geo.InlineThreshold:
			grown := make([]byte, newSize)
			copy(grown, inline)
			if err := tx.Put(ctx, keycodec.InlineKey(ino), grown); err != nil {
				return kverrors.Wrap("fileio.Truncate", kverrors.BackendUnavailable, err)
			}
		default:
			// Growing past the inline threshold means the inline record
			// can no longer coexist with the new size (spec.md §3's
			// mutual-exclusion invariant), so materialize it as block 0
			// and leave everything past it as a sparse hole.
			if err := tx.Delete(ctx, keycodec.InlineKey(ino)); err != nil {
				return kverrors.Wrap("fileio.Truncate", kverrors.BackendUnavailable, err)
			}
			if err := writeWholeBlocks(ctx, tx, geo, hasher, ino, 0, inline); err != nil {
				return err
			}
		}
		return attrengine.SetSizeRecord(ctx, tx, ino, newSize, geo.BlockSize, now)
	}

	sizeRec, err := readInoSize(ctx, tx, ino)
	if err != nil {
		return err
	}
	if newSize >= sizeRec.SizeBytes {
		return attrengine.SetSizeRecord(ctx, tx, ino, newSize, geo.BlockSize, now)
	}

	firstRemoved := (newSize + geo.BlockSize - 1) / geo.BlockSize
	if newSize%geo.BlockSize == 0 {
		firstRemoved = newSize / geo.BlockSize
	}
	lastExclusive := (sizeRec.SizeBytes + geo.BlockSize - 1) / geo.BlockSize

	pointers, err := readBlockHashPointers(ctx, tx, ino, firstRemoved, lastExclusive)
	if err != nil {
		return err
	}
	var decrements []hashblock.Increment
	for idx, h := range pointers {
		decrements = append(decrements, hashblock.Increment{Hash: h, Inc: 1})
		if err := tx.Delete(ctx, keycodec.BlockHashKey(ino, idx)); err != nil {
			return kverrors.Wrap("fileio.Truncate", kverrors.BackendUnavailable, err)
		}
	}
	if err := hashblock.DecrementRefcount(ctx, tx, decrements); err != nil {
		return err
	}

	return attrengine.SetSizeRecord(ctx, tx, ino, newSize, geo.BlockSize, now)
}

// GetFileHash returns a deterministic aggregate over the ordered sequence
// of block hashes plus trailing size (for an inline file, over the inline
// bytes plus trailing size instead), used for whole-file dedup/equality
// checks. Incorporating size_bytes means a truncate that shortens the
// last block's logical length changes the aggregate even though the
// underlying block payload hash is unchanged (the §9 open-question
// resolution).
func GetFileHash(ctx context.Context, tx kvstore.Txn, hasher hashblock.Hasher, ino uint64) ([]byte, error) {
	sizeRec, err := readInoSize(ctx, tx, ino)
	if err != nil {
		return nil, err
	}

	var buf []byte
	if inline, err := getInline(ctx, tx, ino); err != nil {
		return nil, err
	} else if inline != nil {
		buf = append(buf, inline...)
	} else {
		prefix := keycodec.BlockHashPrefix(ino)
		end := keycodec.PrefixRangeEnd(prefix)
		it, scanErr := tx.Scan(ctx, prefix, end, 0, false)
		if scanErr != nil {
			return nil, kverrors.Wrap("fileio.GetFileHash", kverrors.BackendUnavailable, scanErr)
		}
		type pair struct {
			idx  uint64
			hash []byte
		}
		var pairs []pair
		for it.Next() {
			kv := it.Item()
			idx, decErr := keycodec.DecodeBlockIndex(kv.Key)
			if decErr != nil {
				it.Close()
				return nil, kverrors.Wrap("fileio.GetFileHash", kverrors.InvalidData, decErr)
			}
			pairs = append(pairs, pair{idx: idx, hash: append([]byte(nil), kv.Value...)})
		}
		itErr := it.Err()
		it.Close()
		if itErr != nil {
			return nil, kverrors.Wrap("fileio.GetFileHash", kverrors.BackendUnavailable, itErr)
		}
		for i := 0; i < len(pairs); i++ {
			for j := i + 1; j < len(pairs); j++ {
				if pairs[j].idx < pairs[i].idx {
					pairs[i], pairs[j] = pairs[j], pairs[i]
				}
			}
		}
		for _, p := range pairs {
			buf = append(buf, p.hash...)
		}
	}

	var sizeSuffix [8]byte
	binary.BigEndian.PutUint64(sizeSuffix[:], sizeRec.SizeBytes)
	buf = append(buf, sizeSuffix[:]...)

	return hasher.Sum(buf), nil
}
