package chainutil

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompactToTarget(t *testing.T) {
	// Bitcoin-family genesis difficulty-1 bits.
	target := CompactToTarget(0x1d00ffff)
	want := new(big.Int).Lsh(big.NewInt(0xffff), 208)
	assert.Equal(t, 0, target.Cmp(want))
}

func TestCompactToTargetSmallExponent(t *testing.T) {
	target := CompactToTarget(0x03123456)
	assert.Equal(t, int64(0x123456), target.Int64())
}

func TestCompactToTargetNegativeBit(t *testing.T) {
	// The sign bit (0x00800000) forces a zero target.
	target := CompactToTarget(0x04800000)
	assert.Zero(t, target.Sign())
}

func TestTargetToCompactRoundTrip(t *testing.T) {
	cases := []uint32{0x1d00ffff, 0x03123456, 0x1b0404cb, 0x207fffff}
	for _, bits := range cases {
		target := CompactToTarget(bits)
		got := TargetToCompact(target)
		assert.Equal(t, bits, got, "bits %08x", bits)
	}
}

func TestTargetToCompactZero(t *testing.T) {
	assert.Zero(t, TargetToCompact(big.NewInt(0)))
}
