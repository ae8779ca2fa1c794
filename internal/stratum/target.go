package stratum

import (
	"fmt"
	"math/big"

	"github.com/komodo-solomining/pool/internal/coin"
)

// ComputeTarget derives the 64-hex-char big-endian target sent via
// mining.set_target from a miner's difficulty value, per spec.md §4.4:
// komodoDiff1 / (difficulty / scalingFactor), where
// scalingFactor = zcashDiff1 / komodoDiff1 — scaling the Equihash-style
// target into Komodo's internal difficulty unit space.
func ComputeTarget(difficulty float64) (string, error) {
	komodo, ok := coin.AlgoTable["equihash-komodo"]
	if !ok {
		return "", fmt.Errorf("stratum: missing equihash-komodo algo constants")
	}
	zcash, ok := coin.AlgoTable["equihash-zcash"]
	if !ok {
		return "", fmt.Errorf("stratum: missing equihash-zcash algo constants")
	}
	if difficulty <= 0 {
		return "", fmt.Errorf("stratum: difficulty must be positive, got %v", difficulty)
	}

	scalingFactor := new(big.Float).Quo(new(big.Float).SetInt(zcash.Diff1), new(big.Float).SetInt(komodo.Diff1))
	diffOverScaling := new(big.Float).Quo(big.NewFloat(difficulty), scalingFactor)
	target := new(big.Float).Quo(new(big.Float).SetInt(komodo.Diff1), diffOverScaling)

	targetInt, _ := target.Int(nil)
	return fmt.Sprintf("%064x", targetInt), nil
}
