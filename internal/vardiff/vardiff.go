// Package vardiff implements the per-port Variable-Difficulty controller:
// a ring buffer of inter-submit intervals that retargets a client's
// difficulty toward a configured submission cadence. Generalized from the
// teacher's internal/protocol/difficulty.go (which used an unbounded
// append-then-trim slice and a simpler ratio/cap formula) to spec.md
// §4.5's exact ring-buffer-and-threshold algorithm.
package vardiff

import (
	"sync"
)

// Config is the per-port VarDiff configuration, spec.md §6
// ports.<port>.varDiff.
type Config struct {
	TargetTime       float64 // seconds
	RetargetTime     float64 // seconds
	VariancePercent  float64
	MinDiff          float64
	MaxDiff          float64
}

func (c Config) bufferSize() int {
	n := int(4 * c.RetargetTime / c.TargetTime)
	if n < 1 {
		n = 1
	}
	return n
}

func (c Config) tMin() float64 { return c.TargetTime * (1 - c.VariancePercent/100) }
func (c Config) tMax() float64 { return c.TargetTime * (1 + c.VariancePercent/100) }

// Controller tracks one client's submission cadence and decides when to
// retarget its difficulty, per spec.md §4.5.
type Controller struct {
	cfg Config

	mu                sync.Mutex
	buffer            []float64
	lastTs            float64
	lastRtc           float64
	seeded            bool
	networkDifficulty float64
}

// New constructs a Controller for one client on a port with the given
// VarDiff configuration.
func New(cfg Config) *Controller {
	return &Controller{cfg: cfg}
}

// SetNetworkDifficulty refreshes the cap used by the "avg < tMin" branch.
// Refreshed by the orchestrator only on a newBlock transition (spec.md
// §4.5: "networkDifficulty is refreshed ... whenever a new block is
// processed").
func (c *Controller) SetNetworkDifficulty(d float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.networkDifficulty = d
}

// Submit records a submission at time `now` (unix seconds, fractional) for
// a client currently at `difficulty`. It returns the new difficulty and
// true if a retarget occurred, or (0, false) otherwise.
func (c *Controller) Submit(now, difficulty float64) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.seeded {
		c.seeded = true
		c.lastRtc = now - c.cfg.RetargetTime/2
		c.lastTs = now
		c.buffer = make([]float64, 0, c.cfg.bufferSize())
		return 0, false
	}

	if len(c.buffer) >= c.cfg.bufferSize() {
		c.buffer = c.buffer[1:]
	}
	c.buffer = append(c.buffer, now-c.lastTs)
	c.lastTs = now

	if now-c.lastRtc < c.cfg.RetargetTime && len(c.buffer) > 0 {
		return 0, false
	}

	avg := mean(c.buffer)

	var factor float64
	switch {
	case avg > c.cfg.tMax() && difficulty > c.cfg.MinDiff:
		factor = max(0.5, c.cfg.MinDiff/difficulty)
	case avg < c.cfg.tMin():
		ceiling := c.cfg.MaxDiff
		if c.networkDifficulty > 0 && c.networkDifficulty < ceiling {
			ceiling = c.networkDifficulty
		}
		factor = min(2, ceiling/difficulty)
	default:
		return 0, false
	}

	newDiff := difficulty * factor
	c.lastRtc = now
	c.buffer = c.buffer[:0]
	return newDiff, true
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func max(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
