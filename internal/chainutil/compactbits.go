package chainutil

import "math/big"

// CompactToTarget expands a 4-byte compact "bits" field (as carried in a
// block header and in getblocktemplate's "bits") into a 256-bit target,
// per spec.md §2's "compact-bits target expansion" primitive. Adapted from
// the teacher's pkg/crypto/pow.go byte-array NBitsToTarget into math/big,
// matching the rest of this package's exact-arithmetic style.
func CompactToTarget(bits uint32) *big.Int {
	exponent := bits >> 24
	mantissa := bits & 0x007fffff
	if bits&0x00800000 != 0 {
		mantissa = 0
	}

	target := new(big.Int).SetUint64(uint64(mantissa))
	if exponent <= 3 {
		return target.Rsh(target, uint(8*(3-exponent)))
	}
	return target.Lsh(target, uint(8*(exponent-3)))
}

// TargetToCompact is CompactToTarget's inverse.
func TargetToCompact(target *big.Int) uint32 {
	if target.Sign() == 0 {
		return 0
	}

	b := target.Bytes()
	size := uint32(len(b))

	var mantissa uint32
	if size <= 3 {
		mantissa = uint32(new(big.Int).Lsh(target, uint(8*(3-size))).Uint64())
	} else {
		shifted := new(big.Int).Rsh(target, uint(8*(size-3)))
		mantissa = uint32(shifted.Uint64())
	}

	if mantissa&0x00800000 != 0 {
		mantissa >>= 8
		size++
	}
	return (size << 24) | mantissa
}
