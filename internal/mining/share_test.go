package mining

import (
	"math/big"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/komodo-solomining/pool/internal/blocktemplate"
	"github.com/komodo-solomining/pool/internal/rpc"
)

// shareTestManager installs a single job (height 1234) built from fixed,
// uniform-byte inputs so every derived header field is reproducible by hand.
func shareTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	reward := blocktemplate.RewardTarget{Hash160: bytes20(0xAB)}
	m := NewManager("equihash-komodo", reward, zap.NewNop())

	rt := &rpc.Template{
		Version:           4,
		PreviousBlockHash: strings.Repeat("11", 32),
		CoinbaseValue:     500000000,
		Target:            "00000000ffff0000" + strings.Repeat("00", 24),
		CurTime:           1700000000,
		Bits:              "1d00ffff",
		Height:            1234,
		FinalSaplingRoot:  strings.Repeat("22", 32),
	}
	vouts := []blocktemplate.Vout{
		{ValueZat: 500000000, ScriptPubKey: rpc.ScriptPubKey{Type: "pubkeyhash", Hex: ""}},
	}
	_, err := m.ProcessTemplate(rt, vouts)
	require.NoError(t, err)
	<-m.Events()

	return m, m.CurrentJob().JobID
}

func bytes20(b byte) []byte {
	out := make([]byte, 20)
	for i := range out {
		out[i] = b
	}
	return out
}

const (
	validNTimeHex   = "6553f101" // big-endian encoding of 1700000001
	validSubmitTime = int64(1700000001)
)

var validNonceHex = strings.Repeat("33", 32)

func solutionHex() string {
	var b strings.Builder
	for i := 0; i < 1347; i++ {
		b.WriteString("01")
	}
	return b.String()
}

func TestProcessShareJobNotFound(t *testing.T) {
	m, _ := shareTestManager(t)
	_, shareErr := m.ProcessShare(Submission{JobID: "does-not-exist"})
	require.NotNil(t, shareErr)
	assert.Equal(t, ErrJobNotFound, shareErr.Code)
}

func TestProcessShareInvalidNTimeSize(t *testing.T) {
	m, jobID := shareTestManager(t)
	_, shareErr := m.ProcessShare(Submission{JobID: jobID, NTimeHex: "abc"})
	require.NotNil(t, shareErr)
	assert.Equal(t, ErrInvalidSubmission, shareErr.Code)
}

func TestProcessShareNTimeOutOfRange(t *testing.T) {
	m, jobID := shareTestManager(t)
	_, shareErr := m.ProcessShare(Submission{
		JobID:      jobID,
		NTimeHex:   "00000000", // well before job.CurTime
		SubmitTime: validSubmitTime,
	})
	require.NotNil(t, shareErr)
	assert.Equal(t, ErrInvalidSubmission, shareErr.Code)
}

func TestProcessShareInvalidNonceSize(t *testing.T) {
	m, jobID := shareTestManager(t)
	_, shareErr := m.ProcessShare(Submission{
		JobID:      jobID,
		NTimeHex:   validNTimeHex,
		SubmitTime: validSubmitTime,
		NonceHex:   "deadbeef",
	})
	require.NotNil(t, shareErr)
	assert.Equal(t, ErrInvalidSubmission, shareErr.Code)
}

func TestProcessShareInvalidSolutionSize(t *testing.T) {
	m, jobID := shareTestManager(t)
	_, shareErr := m.ProcessShare(Submission{
		JobID:       jobID,
		NTimeHex:    validNTimeHex,
		SubmitTime:  validSubmitTime,
		NonceHex:    validNonceHex,
		SolutionHex: "deadbeef",
	})
	require.NotNil(t, shareErr)
	assert.Equal(t, ErrInvalidSubmission, shareErr.Code)
}

func TestProcessShareAcceptedNotBlock(t *testing.T) {
	m, jobID := shareTestManager(t)
	event, shareErr := m.ProcessShare(Submission{
		JobID:       jobID,
		NTimeHex:    validNTimeHex,
		SubmitTime:  validSubmitTime,
		NonceHex:    validNonceHex,
		SolutionHex: solutionHex(),
		Difficulty:  0.01, // far below the share's actual difficulty
		Worker:      "alice.rig1",
	})
	require.Nil(t, shareErr)
	require.NotNil(t, event)
	assert.False(t, event.IsBlock)
	assert.Greater(t, event.ShareDiff, 0.0)
}

func TestProcessShareRejectedLowDifficulty(t *testing.T) {
	m, jobID := shareTestManager(t)
	_, shareErr := m.ProcessShare(Submission{
		JobID:       jobID,
		NTimeHex:    validNTimeHex,
		SubmitTime:  validSubmitTime,
		NonceHex:    validNonceHex,
		SolutionHex: solutionHex(),
		Difficulty:  10, // far above the share's actual difficulty
		Worker:      "alice.rig1",
	})
	require.NotNil(t, shareErr)
	assert.Equal(t, ErrLowDifficulty, shareErr.Code)
}

func TestProcessShareAcceptsAtOrAboveRecordedPrevDiff(t *testing.T) {
	m, jobID := shareTestManager(t)
	prevDiff := 0.0001
	event, shareErr := m.ProcessShare(Submission{
		JobID:       jobID,
		NTimeHex:    validNTimeHex,
		SubmitTime:  validSubmitTime,
		NonceHex:    validNonceHex,
		SolutionHex: solutionHex(),
		Difficulty:  10,
		PrevDiff:    &prevDiff,
		Worker:      "alice.rig1",
	})
	require.Nil(t, shareErr)
	require.NotNil(t, event)
}

func TestProcessShareDuplicateRejected(t *testing.T) {
	m, jobID := shareTestManager(t)
	sub := Submission{
		JobID:       jobID,
		NTimeHex:    validNTimeHex,
		SubmitTime:  validSubmitTime,
		NonceHex:    validNonceHex,
		SolutionHex: solutionHex(),
		Difficulty:  0.01,
		Worker:      "alice.rig1",
	}
	_, shareErr := m.ProcessShare(sub)
	require.Nil(t, shareErr)

	_, shareErr = m.ProcessShare(sub)
	require.NotNil(t, shareErr)
	assert.Equal(t, ErrDuplicateShare, shareErr.Code)
}

func TestProcessShareBlockFound(t *testing.T) {
	m, jobID := shareTestManager(t)
	job, ok := m.Job(jobID)
	require.True(t, ok)
	// An all-ones target accepts any header hash as a block.
	job.Target = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

	event, shareErr := m.ProcessShare(Submission{
		JobID:       jobID,
		NTimeHex:    validNTimeHex,
		SubmitTime:  validSubmitTime,
		NonceHex:    validNonceHex,
		SolutionHex: solutionHex(),
		Difficulty:  0.01,
		Worker:      "alice.rig1",
	})
	require.Nil(t, shareErr)
	require.NotNil(t, event)
	assert.True(t, event.IsBlock)
	assert.NotEmpty(t, event.BlockHex)
	assert.NotEmpty(t, event.BlockHash)
}

func TestSubmitSharePublishesOutcome(t *testing.T) {
	m, jobID := shareTestManager(t)
	m.SubmitShare(Submission{
		JobID:       jobID,
		NTimeHex:    validNTimeHex,
		SubmitTime:  validSubmitTime,
		NonceHex:    validNonceHex,
		SolutionHex: solutionHex(),
		Difficulty:  0.01,
		Worker:      "alice.rig1",
	})

	select {
	case outcome := <-m.Shares():
		assert.Equal(t, "alice.rig1", outcome.Worker)
		assert.Nil(t, outcome.Err)
		require.NotNil(t, outcome.Event)
	default:
		t.Fatal("expected a ShareOutcome on the shares channel")
	}
}

func TestBuildNonceAssemblesAndZeroPads(t *testing.T) {
	nonce, err := BuildNonce("aabbccdd", "1122")
	require.NoError(t, err)
	assert.Len(t, nonce, 64)
	assert.True(t, strings.HasPrefix(nonce, "aabbccdd1122"))
	assert.True(t, strings.HasSuffix(nonce, strings.Repeat("0", 64-len("aabbccdd1122"))))
}

func TestBuildNonceRejectsInvalidHex(t *testing.T) {
	_, err := BuildNonce("zz", "00")
	assert.Error(t, err)

	_, err = BuildNonce("00", "zz")
	assert.Error(t, err)
}
