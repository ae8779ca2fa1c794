package mining

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/komodo-solomining/pool/internal/blocktemplate"
	"github.com/komodo-solomining/pool/internal/rpc"
)

func testReward() blocktemplate.RewardTarget {
	return blocktemplate.RewardTarget{Hash160: make([]byte, 20)}
}

func baseTemplate() *rpc.Template {
	return &rpc.Template{
		Version:           4,
		PreviousBlockHash: strings.Repeat("11", 32),
		CoinbaseValue:     500000000,
		Target:            "00000000ffff0000" + strings.Repeat("00", 24),
		CurTime:           1700000000,
		Bits:              "1d00ffff",
		Height:            1000,
		FinalSaplingRoot:  strings.Repeat("22", 32),
	}
}

func drainEvent(t *testing.T, m *Manager) JobEvent {
	t.Helper()
	select {
	case e := <-m.Events():
		return e
	default:
		t.Fatal("expected a JobEvent, got none")
		return JobEvent{}
	}
}

func TestProcessTemplateFirstCallIsNewBlock(t *testing.T) {
	m := NewManager("equihash-komodo", testReward(), zap.NewNop())
	isNew, err := m.ProcessTemplate(baseTemplate(), nil)
	require.NoError(t, err)
	assert.True(t, isNew)

	ev := drainEvent(t, m)
	assert.Equal(t, EventNewBlock, ev.Kind)
	assert.NotNil(t, m.CurrentJob())
}

func TestProcessTemplateNoChangeRefreshesSameJobID(t *testing.T) {
	m := NewManager("equihash-komodo", testReward(), zap.NewNop())
	_, err := m.ProcessTemplate(baseTemplate(), nil)
	require.NoError(t, err)
	drainEvent(t, m)

	firstJobID := m.CurrentJob().JobID

	rt := baseTemplate()
	rt.CurTime = 1700000050 // same height/prevhash/target, fresh curtime
	isNew, err := m.ProcessTemplate(rt, nil)
	require.NoError(t, err)
	assert.False(t, isNew)

	ev := drainEvent(t, m)
	assert.Equal(t, EventUpdatedBlock, ev.Kind)
	assert.Equal(t, firstJobID, m.CurrentJob().JobID, "no structural change should keep the same job id")
}

func TestProcessTemplateTargetChangeGetsNewJobID(t *testing.T) {
	m := NewManager("equihash-komodo", testReward(), zap.NewNop())
	_, err := m.ProcessTemplate(baseTemplate(), nil)
	require.NoError(t, err)
	drainEvent(t, m)
	firstJobID := m.CurrentJob().JobID

	rt := baseTemplate()
	rt.Target = "000000000000ff00" + strings.Repeat("00", 24)
	isNew, err := m.ProcessTemplate(rt, nil)
	require.NoError(t, err)
	assert.False(t, isNew)

	ev := drainEvent(t, m)
	assert.Equal(t, EventUpdatedBlock, ev.Kind)
	assert.NotEqual(t, firstJobID, m.CurrentJob().JobID, "a difficulty change must mint a fresh job id")
}

func TestProcessTemplateHeightChangeIsNewBlock(t *testing.T) {
	m := NewManager("equihash-komodo", testReward(), zap.NewNop())
	_, err := m.ProcessTemplate(baseTemplate(), nil)
	require.NoError(t, err)
	drainEvent(t, m)
	firstJobID := m.CurrentJob().JobID

	rt := baseTemplate()
	rt.Height = 1001
	rt.PreviousBlockHash = strings.Repeat("33", 32)
	isNew, err := m.ProcessTemplate(rt, nil)
	require.NoError(t, err)
	assert.True(t, isNew)

	ev := drainEvent(t, m)
	assert.Equal(t, EventNewBlock, ev.Kind)
	assert.NotEqual(t, firstJobID, m.CurrentJob().JobID)

	// The old job id is no longer valid: processNewBlock clears the jobs map.
	_, ok := m.Job(firstJobID)
	assert.False(t, ok)
}

func TestProcessTemplateStaleNotificationIgnored(t *testing.T) {
	m := NewManager("equihash-komodo", testReward(), zap.NewNop())
	rt := baseTemplate()
	rt.Height = 1001
	_, err := m.ProcessTemplate(rt, nil)
	require.NoError(t, err)
	drainEvent(t, m)
	current := m.CurrentJob()

	stale := baseTemplate()
	stale.Height = 1000
	stale.PreviousBlockHash = strings.Repeat("44", 32)
	isNew, err := m.ProcessTemplate(stale, nil)
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Same(t, current, m.CurrentJob(), "a stale lower-height notification must not replace the current job")

	select {
	case ev := <-m.Events():
		t.Fatalf("unexpected event for stale notification: %+v", ev)
	default:
	}
}

func TestExtraNonceCounterDistinctValues(t *testing.T) {
	c := NewExtraNonceCounter()
	_, first := c.Next()
	_, second := c.Next()
	assert.Len(t, first, 8)
	assert.Len(t, second, 8)
	assert.NotEqual(t, first, second)
}

func TestJobCounterMonotonicAndFormatted(t *testing.T) {
	c := NewJobCounter()
	first := c.Next()
	second := c.Next()
	assert.NotEqual(t, first, second)
	assert.Regexp(t, "^[0-9a-f]+$", first)
	assert.Regexp(t, "^[0-9a-f]+$", second)
}

func TestCurrentJobDifficultyBeforeFirstTemplate(t *testing.T) {
	m := NewManager("equihash-komodo", testReward(), zap.NewNop())
	assert.Zero(t, m.CurrentJobDifficulty())
	assert.Nil(t, m.CurrentJobParams())
}
