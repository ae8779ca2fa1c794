package pool

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/komodo-solomining/pool/internal/config"
	"github.com/komodo-solomining/pool/internal/rpc"
)

// komodoLikeAddress base58-decodes to a 26-byte payload (2-byte version +
// 20-byte hash160 + 4-byte checksum); the checksum bytes are not validated
// by chainutil.DecodeAddress, only the decoded length.
const komodoLikeAddress = "2qd2pS1TTWag6hVWj1LyoYGKHMVxYkjdrp5M"

func TestRewardTargetFromAddress(t *testing.T) {
	cfg := &config.Config{Address: komodoLikeAddress}
	reward, err := rewardTarget(cfg)
	require.NoError(t, err)
	assert.Len(t, reward.Hash160, 20)
	assert.Nil(t, reward.Pubkey)
	for _, b := range reward.Hash160 {
		assert.Equal(t, byte(0xAB), b)
	}
}

func TestRewardTargetPrefersPubkeyOverAddress(t *testing.T) {
	pubkeyHex := strings.Repeat("02", 1) + strings.Repeat("ab", 32) + "cd" // 66 hex chars total, shape only
	pubkeyHex = "02" + strings.Repeat("ab", 32)                            // 2 + 64 = 66 hex chars
	cfg := &config.Config{Address: komodoLikeAddress, Pubkey: pubkeyHex}

	reward, err := rewardTarget(cfg)
	require.NoError(t, err)
	assert.Nil(t, reward.Hash160)
	require.NotNil(t, reward.Pubkey)
	assert.Len(t, reward.Pubkey, 33)
}

func TestRewardTargetRejectsMalformedAddress(t *testing.T) {
	cfg := &config.Config{Address: "not-a-valid-address"}
	_, err := rewardTarget(cfg)
	assert.Error(t, err)
}

func TestRewardTargetRejectsMalformedPubkey(t *testing.T) {
	cfg := &config.Config{Pubkey: "deadbeef"}
	_, err := rewardTarget(cfg)
	assert.Error(t, err)
}

func TestBuildPortsTranslatesConfig(t *testing.T) {
	cfgPorts := map[string]config.PortConfig{
		"3333": {Diff: 64, VarDiff: &config.VarDiffConfig{TargetTime: 15, RetargetTime: 90, VariancePercent: 30, MinDiff: 1, MaxDiff: 500000}},
		"3334": {Diff: 128},
	}

	ports, err := buildPorts(cfgPorts)
	require.NoError(t, err)
	require.Len(t, ports, 2)

	byPort := map[int]int{}
	for _, p := range ports {
		byPort[p.Port]++
	}
	assert.Equal(t, 1, byPort[3333])
	assert.Equal(t, 1, byPort[3334])

	for _, p := range ports {
		if p.Port == 3333 {
			assert.Equal(t, 64.0, p.Difficulty)
			require.NotNil(t, p.VarDiff)
			assert.Equal(t, 500000.0, p.VarDiff.MaxDiff)
		}
		if p.Port == 3334 {
			assert.Equal(t, 128.0, p.Difficulty)
			assert.Nil(t, p.VarDiff)
		}
	}
}

func TestBuildPortsRejectsNonNumericKey(t *testing.T) {
	_, err := buildPorts(map[string]config.PortConfig{"not-a-port": {Diff: 1}})
	assert.Error(t, err)
}

func rawJSONString(t *testing.T, s string) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(s)
	require.NoError(t, err)
	return data
}

func TestSubmitBlockVerdictClassifiesKnownReasons(t *testing.T) {
	for _, reason := range []string{"duplicate", "duplicate-invalid", "duplicate-inconclusive", "inconclusive", "rejected"} {
		res := rpc.Result{Status: rpc.StatusRequestError, Raw: rawJSONString(t, reason)}
		assert.Equal(t, reason, submitBlockVerdict(res))
	}
}

func TestSubmitBlockVerdictFallsBackToError(t *testing.T) {
	res := rpc.Result{Status: rpc.StatusRequestError, Raw: rawJSONString(t, "something else"), Err: assertErr("boom")}
	assert.Equal(t, "boom", submitBlockVerdict(res))
}

func TestSubmitBlockVerdictUnknownWithNoErrReturnsGenericMessage(t *testing.T) {
	res := rpc.Result{Status: rpc.StatusRequestError, Raw: rawJSONString(t, "something else")}
	assert.Equal(t, "daemon responded with something it shouldn't", submitBlockVerdict(res))
}

func TestClassifyDaemonStatus(t *testing.T) {
	assert.Equal(t, "offline", classifyDaemonStatus(rpc.StatusOffline))
	assert.Equal(t, "unauthorized", classifyDaemonStatus(rpc.StatusUnauthorized))
	assert.Equal(t, "request_error", classifyDaemonStatus(rpc.StatusRequestError))
}

func TestAlwaysAuthorizeAcceptsEveryWorker(t *testing.T) {
	authorized, disconnect := alwaysAuthorize("1.2.3.4", 3333, "addr.worker", "x")
	assert.True(t, authorized)
	assert.False(t, disconnect)
}

type simpleError string

func (e simpleError) Error() string { return string(e) }

func assertErr(msg string) error { return simpleError(msg) }
