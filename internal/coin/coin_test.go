package coin

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDifficultyAtDiff1(t *testing.T) {
	params := AlgoTable["equihash-komodo"]
	got := Difficulty("equihash-komodo", params.Diff1)
	assert.InDelta(t, 1.0, got, 1e-9)
}

func TestDifficultyScalesInversely(t *testing.T) {
	params := AlgoTable["equihash-komodo"]
	halfTarget := new(big.Int).Rsh(params.Diff1, 1)
	got := Difficulty("equihash-komodo", halfTarget)
	assert.InDelta(t, 2.0, got, 1e-6)
}

func TestDifficultyUnknownAlgo(t *testing.T) {
	assert.Zero(t, Difficulty("does-not-exist", big.NewInt(1)))
}

func TestDifficultyZeroTarget(t *testing.T) {
	assert.Zero(t, Difficulty("equihash-komodo", big.NewInt(0)))
	assert.Zero(t, Difficulty("equihash-komodo", nil))
}
