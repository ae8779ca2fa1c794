package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/komodo-solomining/pool/internal/mining"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(zap.NewNop(), nil, nil)
}

func TestRegisterAddsNewWorker(t *testing.T) {
	m := testManager(t)
	w := m.Register(context.Background(), "RAddr.rig1", "RAddr", 1000)

	require.NotNil(t, w)
	assert.Equal(t, "RAddr.rig1", w.Name)
	assert.Equal(t, "RAddr", w.Address)
	assert.Equal(t, 1000.0, w.Difficulty)
	assert.Equal(t, 1, m.Count())
}

func TestRegisterRefreshesExistingWorkerInsteadOfDuplicating(t *testing.T) {
	m := testManager(t)
	first := m.Register(context.Background(), "RAddr.rig1", "RAddr", 1000)
	second := m.Register(context.Background(), "RAddr.rig1", "RAddrUpdated", 2000)

	assert.Same(t, first, second, "registering an existing worker name must return the same record")
	assert.Equal(t, "RAddrUpdated", second.Address)
	assert.Equal(t, 1, m.Count())
}

func TestDisconnectRemovesWorker(t *testing.T) {
	m := testManager(t)
	m.Register(context.Background(), "RAddr.rig1", "RAddr", 1000)
	require.Equal(t, 1, m.Count())

	m.Disconnect(context.Background(), "RAddr.rig1")
	assert.Equal(t, 0, m.Count())

	_, _, _, ok := m.Stats("RAddr.rig1")
	assert.False(t, ok)
}

func TestDisconnectUnknownWorkerIsNoop(t *testing.T) {
	m := testManager(t)
	assert.NotPanics(t, func() {
		m.Disconnect(context.Background(), "ghost")
	})
}

func TestRecordShareValidIncrementsCounters(t *testing.T) {
	m := testManager(t)
	m.Register(context.Background(), "RAddr.rig1", "RAddr", 1000)

	event := &mining.ShareEvent{Worker: "RAddr.rig1", JobID: "job1", Difficulty: 1000, ShareDiff: 1500}
	m.RecordShare(context.Background(), "RAddr.rig1", event, nil)

	valid, invalid, _, ok := m.Stats("RAddr.rig1")
	require.True(t, ok)
	assert.Equal(t, int64(1), valid)
	assert.Equal(t, int64(0), invalid)
}

func TestRecordShareInvalidIncrementsInvalidCounter(t *testing.T) {
	m := testManager(t)
	m.Register(context.Background(), "RAddr.rig1", "RAddr", 1000)

	shareErr := &mining.ShareError{Code: mining.ErrLowDifficulty, Message: "low difficulty share"}
	m.RecordShare(context.Background(), "RAddr.rig1", nil, shareErr)

	valid, invalid, _, ok := m.Stats("RAddr.rig1")
	require.True(t, ok)
	assert.Equal(t, int64(0), valid)
	assert.Equal(t, int64(1), invalid)
}

func TestRecordShareUnknownWorkerIsNoop(t *testing.T) {
	m := testManager(t)
	assert.NotPanics(t, func() {
		m.RecordShare(context.Background(), "ghost", &mining.ShareEvent{}, nil)
	})
}

func TestRecordShareComputesHashrateAfterSecondShare(t *testing.T) {
	m := testManager(t)
	w := m.Register(context.Background(), "RAddr.rig1", "RAddr", 1000)

	// First share seeds lastShareAt; no interval exists yet, so hashrate stays 0.
	m.RecordShare(context.Background(), "RAddr.rig1", &mining.ShareEvent{}, nil)
	_, _, hashrate, _ := m.Stats("RAddr.rig1")
	assert.Zero(t, hashrate)

	// Force a known interval so the hashrate estimate is deterministic.
	w.mu.Lock()
	w.lastShareAt = time.Now().Add(-10 * time.Second)
	w.mu.Unlock()

	m.RecordShare(context.Background(), "RAddr.rig1", &mining.ShareEvent{}, nil)
	_, _, hashrate, _ = m.Stats("RAddr.rig1")
	assert.Greater(t, hashrate, 0.0, "hashrate should be estimated once an inter-share interval is known")
}

func TestSetDifficultyUpdatesWorker(t *testing.T) {
	m := testManager(t)
	m.Register(context.Background(), "RAddr.rig1", "RAddr", 1000)
	m.SetDifficulty(context.Background(), "RAddr.rig1", 4000)

	w, ok := m.workers.Load("RAddr.rig1")
	require.True(t, ok)
	assert.Equal(t, 4000.0, w.(*Worker).Difficulty)
}

func TestSetDifficultyUnknownWorkerIsNoop(t *testing.T) {
	m := testManager(t)
	assert.NotPanics(t, func() {
		m.SetDifficulty(context.Background(), "ghost", 4000)
	})
}

func TestStatsUnknownWorkerReturnsFalse(t *testing.T) {
	m := testManager(t)
	_, _, _, ok := m.Stats("ghost")
	assert.False(t, ok)
}

func TestCountReflectsMultipleWorkers(t *testing.T) {
	m := testManager(t)
	m.Register(context.Background(), "a.rig1", "a", 1000)
	m.Register(context.Background(), "b.rig1", "b", 1000)
	m.Register(context.Background(), "c.rig1", "c", 1000)
	assert.Equal(t, 3, m.Count())

	m.Disconnect(context.Background(), "b.rig1")
	assert.Equal(t, 2, m.Count())
}
