package hashblock

import (
	"crypto/sha256"

	"lukechampine.com/blake3"

	"github.com/kvfs-project/kvfs/internal/kverrors"
)

// Algorithm names as recorded verbatim in record.StaticMeta.HashAlgorithm.
const (
	AlgorithmBlake3 = "blake3"
	AlgorithmSHA256 = "sha256"
)

// Hasher computes the content address for a block payload. The engine
// never branches on algorithm name outside of construction: static meta
// picks one Hasher at mount time and every call site is algorithm-blind.
type Hasher interface {
	Sum(data []byte) Hash
	Size() int
}

type blake3Hasher struct{}

func (blake3Hasher) Sum(data []byte) Hash {
	sum := blake3.Sum256(data)
	return sum[:]
}
func (blake3Hasher) Size() int { return 32 }

type sha256Hasher struct{}

func (sha256Hasher) Sum(data []byte) Hash {
	sum := sha256.Sum256(data)
	return sum[:]
}
func (sha256Hasher) Size() int { return 32 }

// NewHasher selects the Hasher static meta recorded at format time.
func NewHasher(algo string) (Hasher, error) {
	switch algo {
	case AlgorithmBlake3, "":
		return blake3Hasher{}, nil
	case AlgorithmSHA256:
		return sha256Hasher{}, nil
	default:
		return nil, kverrors.New("hashblock.NewHasher", kverrors.InvalidArgument, "unsupported hash algorithm "+algo)
	}
}
