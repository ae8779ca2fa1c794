// Package chainutil provides Bitcoin-family binary primitives: double SHA-256,
// endianness reversal, varint encoding, base58 address decoding, and script
// compilation. Adapted from the teacher's pkg/crypto/pow.go, generalized from
// its float-based difficulty shortcuts to exact math/big arithmetic.
package chainutil

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
)

// Sha256d computes SHA256(SHA256(data)), the "double SHA-256" used for
// transaction hashes, block hashes, and Merkle tree nodes.
func Sha256d(data []byte) []byte {
	first := sha256.Sum256(data)
	second := sha256.Sum256(first[:])
	return second[:]
}

// ReverseBytes returns a new slice with the byte order reversed. Used
// throughout to convert between display order (big-endian hex as returned by
// daemons) and the internal little-endian order Bitcoin-family wire formats
// expect.
func ReverseBytes(data []byte) []byte {
	out := make([]byte, len(data))
	for i := range data {
		out[i] = data[len(data)-1-i]
	}
	return out
}

// ReverseHex reverses the byte order of a hex string. Panics are avoided by
// returning the input unchanged on decode failure — callers validate hex
// before reaching here.
func ReverseHex(s string) string {
	b, err := hex.DecodeString(s)
	if err != nil {
		return s
	}
	return hex.EncodeToString(ReverseBytes(b))
}

// LEUint32 encodes v as 4 little-endian bytes.
func LEUint32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

// HexLEUint32 parses a big-endian hex-encoded uint32 (e.g. "bits") and
// returns its little-endian byte reversal, ready for header serialization.
func HexLEUint32(hexStr string) ([]byte, error) {
	b, err := hex.DecodeString(hexStr)
	if err != nil {
		return nil, err
	}
	if len(b) != 4 {
		return nil, fmt.Errorf("chainutil: expected 4 bytes, got %d", len(b))
	}
	return ReverseBytes(b), nil
}

// WriteVarInt encodes n using the Bitcoin varint convention:
// 0x00-0xFC -> 1 byte; 0xFD + uint16 LE; 0xFE + uint32 LE; 0xFF + uint64 LE.
func WriteVarInt(n uint64) []byte {
	switch {
	case n < 0xFD:
		return []byte{byte(n)}
	case n < 0x10000:
		b := make([]byte, 3)
		b[0] = 0xFD
		binary.LittleEndian.PutUint16(b[1:], uint16(n))
		return b
	case n < 0x100000000:
		b := make([]byte, 5)
		b[0] = 0xFE
		binary.LittleEndian.PutUint32(b[1:], uint32(n))
		return b
	default:
		b := make([]byte, 9)
		b[0] = 0xFF
		binary.LittleEndian.PutUint64(b[1:], n)
		return b
	}
}

// ReadVarInt decodes a Bitcoin varint from the start of b, returning the
// value and the number of bytes consumed.
func ReadVarInt(b []byte) (uint64, int) {
	if len(b) == 0 {
		return 0, 0
	}
	switch b[0] {
	case 0xFD:
		if len(b) < 3 {
			return 0, 0
		}
		return uint64(binary.LittleEndian.Uint16(b[1:3])), 3
	case 0xFE:
		if len(b) < 5 {
			return 0, 0
		}
		return uint64(binary.LittleEndian.Uint32(b[1:5])), 5
	case 0xFF:
		if len(b) < 9 {
			return 0, 0
		}
		return binary.LittleEndian.Uint64(b[1:9]), 9
	default:
		return uint64(b[0]), 1
	}
}

// BytesToBigEndianInt interprets b as a big-endian unsigned integer.
func BytesToBigEndianInt(b []byte) *big.Int {
	return new(big.Int).SetBytes(b)
}

// LEBytesToBigInt interprets b as a little-endian unsigned integer, as
// Equihash header hashes must be for target comparison.
func LEBytesToBigInt(b []byte) *big.Int {
	return new(big.Int).SetBytes(ReverseBytes(b))
}
