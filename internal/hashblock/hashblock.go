// Package hashblock implements content-addressed, deduplicated,
// reference-counted block storage: upload, lookup, reference
// increment/decrement, and the write-path primitive that ties a file's
// per-block hash pointers to the shared payload store. Every operation
// here runs inside a caller-supplied transaction so a write-path call that
// both replaces a block pointer and adjusts two refcounts commits
// atomically, matching spec.md §4.6.
package hashblock

import (
	"context"
	"encoding/binary"

	"github.com/kvfs-project/kvfs/internal/keycodec"
	"github.com/kvfs-project/kvfs/internal/kverrors"
	"github.com/kvfs-project/kvfs/internal/kvstore"
	"github.com/kvfs-project/kvfs/internal/record"
)

// Hash is a content digest, opaque outside this package beyond byte
// comparison. Its width depends on the algorithm recorded in static meta
// at format time (blake3 and sha256 both produce 32 bytes here).
type Hash []byte

// Block pairs a hash with the payload it addresses, the unit
// UploadNewBlocks and WriteHashBlocks operate on.
type Block struct {
	Hash Hash
	Data []byte
}

// Increment pairs a hash with the amount to add (or, for
// DecrementRefcount, subtract) from its reference count.
type Increment struct {
	Hash Hash
	Inc  uint64
}

// BlockWrite is the write-path primitive's per-block-index input: the new
// hash this (ino, blockIndex) should point to, its length, and the
// physical addresses that back it.
type BlockWrite struct {
	BlockIndex uint64
	Hash       Hash
	Length     uint64
	BlockIDs   []uint64
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func decodeUint64(v []byte) (uint64, error) {
	if len(v) != 8 {
		return 0, kverrors.New("hashblock", kverrors.InvalidData, "refcount value is not 8 bytes")
	}
	return binary.BigEndian.Uint64(v), nil
}

// UploadNewBlocks writes the payload for each hash not already present.
// Content-addressing guarantees any existing payload under the same hash
// is byte-identical, so an existing HashData is left untouched
// (immutability, spec.md §3). A freshly written payload starts with
// HashRef=0; the caller is expected to IncrementRefcount in the same
// transaction once it knows which (ino, block_index) pointers reference
// it, preserving invariant 2 (HashRef equals the live pointer count).
func UploadNewBlocks(ctx context.Context, tx kvstore.Txn, blocks []Block) error {
	for _, b := range blocks {
		dataKey := keycodec.HashDataKey(b.Hash)
		_, err := tx.Get(ctx, dataKey)
		switch err {
		case nil:
			continue // payload already present; content-addressing guarantees equivalence
		case kvstore.ErrNotFound:
			// fall through to write
		default:
			return kverrors.Wrap("hashblock.UploadNewBlocks", kverrors.BackendUnavailable, err)
		}

		if err := tx.Put(ctx, dataKey, b.Data); err != nil {
			return kverrors.Wrap("hashblock.UploadNewBlocks", kverrors.BackendUnavailable, err)
		}
		refKey := keycodec.HashRefKey(b.Hash)
		if _, err := tx.Get(ctx, refKey); err == kvstore.ErrNotFound {
			if err := tx.Put(ctx, refKey, encodeUint64(0)); err != nil {
				return kverrors.Wrap("hashblock.UploadNewBlocks", kverrors.BackendUnavailable, err)
			}
		}
	}
	return nil
}

// readRefcount returns the current HashRef for hash, treating a missing
// key as 0 per spec.md §4.6.
func readRefcount(ctx context.Context, tx kvstore.Txn, hash Hash) (uint64, error) {
	v, err := tx.Get(ctx, keycodec.HashRefKey(hash))
	switch err {
	case nil:
		return decodeUint64(v)
	case kvstore.ErrNotFound:
		return 0, nil
	default:
		return 0, kverrors.Wrap("hashblock.readRefcount", kverrors.BackendUnavailable, err)
	}
}

// IncrementRefcount applies each addition atomically and returns the
// pre-image counts in the same order as increments, so callers (the
// write path) can log or assert on the prior state if needed.
func IncrementRefcount(ctx context.Context, tx kvstore.Txn, increments []Increment) ([]uint64, error) {
	pre := make([]uint64, len(increments))
	for i, inc := range increments {
		cur, err := readRefcount(ctx, tx, inc.Hash)
		if err != nil {
			return nil, err
		}
		pre[i] = cur
		if err := tx.Put(ctx, keycodec.HashRefKey(inc.Hash), encodeUint64(cur+inc.Inc)); err != nil {
			return nil, kverrors.Wrap("hashblock.IncrementRefcount", kverrors.BackendUnavailable, err)
		}
	}
	return pre, nil
}

// DecrementRefcount applies each subtraction atomically. When a count
// reaches zero the payload becomes reclaimable and HashData/HashAddr are
// deleted immediately, in the same transaction as the dereferencing file
// operation (synchronous GC per spec.md §4.6).
func DecrementRefcount(ctx context.Context, tx kvstore.Txn, decrements []Increment) error {
	for _, dec := range decrements {
		cur, err := readRefcount(ctx, tx, dec.Hash)
		if err != nil {
			return err
		}
		if dec.Inc > cur {
			return kverrors.New("hashblock.DecrementRefcount", kverrors.InvalidData, "refcount underflow")
		}
		next := cur - dec.Inc
		if next == 0 {
			if err := reclaim(ctx, tx, dec.Hash); err != nil {
				return err
			}
			continue
		}
		if err := tx.Put(ctx, keycodec.HashRefKey(dec.Hash), encodeUint64(next)); err != nil {
			return kverrors.Wrap("hashblock.DecrementRefcount", kverrors.BackendUnavailable, err)
		}
	}
	return nil
}

// reclaim deletes HashRef, HashData, and every HashAddr row for hash.
func reclaim(ctx context.Context, tx kvstore.Txn, hash Hash) error {
	if err := tx.Delete(ctx, keycodec.HashRefKey(hash)); err != nil {
		return kverrors.Wrap("hashblock.reclaim", kverrors.BackendUnavailable, err)
	}
	if err := tx.Delete(ctx, keycodec.HashDataKey(hash)); err != nil {
		return kverrors.Wrap("hashblock.reclaim", kverrors.BackendUnavailable, err)
	}

	prefix := keycodec.HashAddrPrefix(hash)
	end := keycodec.PrefixRangeEnd(prefix)
	it, err := tx.Scan(ctx, prefix, end, 0, false)
	if err != nil {
		return kverrors.Wrap("hashblock.reclaim", kverrors.BackendUnavailable, err)
	}
	defer it.Close()

	var keys [][]byte
	for it.Next() {
		kv := it.Item()
		k := make([]byte, len(kv.Key))
		copy(k, kv.Key)
		keys = append(keys, k)
	}
	if err := it.Err(); err != nil {
		return kverrors.Wrap("hashblock.reclaim", kverrors.BackendUnavailable, err)
	}
	for _, k := range keys {
		if err := tx.Delete(ctx, k); err != nil {
			return kverrors.Wrap("hashblock.reclaim", kverrors.BackendUnavailable, err)
		}
	}
	return nil
}

// GetBlockData batches payload lookups by hash. A hash with no HashData
// row is a data-integrity error (invariant 1), not a logical hole — holes
// are represented by an absent InoBlockHash pointer, handled by
// internal/fileio before this function is ever called.
func GetBlockData(ctx context.Context, tx kvstore.Txn, hashes []Hash) ([][]byte, error) {
	out := make([][]byte, len(hashes))
	for i, h := range hashes {
		v, err := tx.Get(ctx, keycodec.HashDataKey(h))
		switch err {
		case nil:
			out[i] = v
		case kvstore.ErrNotFound:
			return nil, kverrors.New("hashblock.GetBlockData", kverrors.DataMissing, "hash payload missing for a referenced block")
		default:
			return nil, kverrors.Wrap("hashblock.GetBlockData", kverrors.BackendUnavailable, err)
		}
	}
	return out, nil
}

// WriteHashBlocks is the write path's primitive: for each affected
// (ino, block_index), read the previous hash (if any) for decrement,
// write the new InoBlockHash pointer and HashAddr rows, extend InoSize if
// this write reaches past the current end of file, then increment new
// hashes and decrement replaced hashes in one atomic pass (steps 1-5 of
// spec.md §4.6).
func WriteHashBlocks(ctx context.Context, tx kvstore.Txn, ino uint64, blockSize uint64, writes []BlockWrite) error {
	var toIncrement, toDecrement []Increment
	var maxEndOffset uint64

	for _, w := range writes {
		key := keycodec.BlockHashKey(ino, w.BlockIndex)

		prev, err := tx.Get(ctx, key)
		switch err {
		case nil:
			toDecrement = append(toDecrement, Increment{Hash: Hash(prev), Inc: 1})
		case kvstore.ErrNotFound:
			// no prior pointer at this index; nothing to decrement
		default:
			return kverrors.Wrap("hashblock.WriteHashBlocks", kverrors.BackendUnavailable, err)
		}

		if err := tx.Put(ctx, key, w.Hash); err != nil {
			return kverrors.Wrap("hashblock.WriteHashBlocks", kverrors.BackendUnavailable, err)
		}
		toIncrement = append(toIncrement, Increment{Hash: w.Hash, Inc: 1})

		for _, blockID := range w.BlockIDs {
			addrKey := keycodec.HashAddrKey(w.Hash, blockID)
			if err := tx.Put(ctx, addrKey, encodeUint64(w.Length)); err != nil {
				return kverrors.Wrap("hashblock.WriteHashBlocks", kverrors.BackendUnavailable, err)
			}
		}

		end := w.BlockIndex*blockSize + w.Length
		if end > maxEndOffset {
			maxEndOffset = end
		}
	}

	if _, err := IncrementRefcount(ctx, tx, toIncrement); err != nil {
		return err
	}
	if err := DecrementRefcount(ctx, tx, toDecrement); err != nil {
		return err
	}

	return extendSizeIfNeeded(ctx, tx, ino, blockSize, maxEndOffset)
}

// extendSizeIfNeeded raises InoSize.size_bytes to newEnd when the write
// just performed reaches past the file's current end, recomputing
// block_count. It never shrinks size_bytes; truncation is
// internal/fileio.Truncate's job.
func extendSizeIfNeeded(ctx context.Context, tx kvstore.Txn, ino uint64, blockSize uint64, newEnd uint64) error {
	key := keycodec.InoSizeKey(ino)
	v, err := tx.Get(ctx, key)
	if err != nil {
		return kverrors.Wrap("hashblock.extendSizeIfNeeded", kverrors.BackendUnavailable, err)
	}
	size, err := record.DecodeInoSize(v)
	if err != nil {
		return err
	}
	if newEnd <= size.SizeBytes {
		return nil
	}
	size.SizeBytes = newEnd
	size.BlockCount = record.BlockCountFor(size.SizeBytes, blockSize)
	if err := tx.Put(ctx, key, record.EncodeInoSize(size)); err != nil {
		return kverrors.Wrap("hashblock.extendSizeIfNeeded", kverrors.BackendUnavailable, err)
	}
	return nil
}
