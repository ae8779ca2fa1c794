package stratum

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAuthorizeParams(t *testing.T) {
	raw := json.RawMessage(`["addr.worker1", "x"]`)
	params, err := ParseAuthorizeParams(raw)
	require.NoError(t, err)
	assert.Equal(t, "addr.worker1", params.Username)
	assert.Equal(t, "x", params.Password)
}

func TestParseAuthorizeParamsMissingPassword(t *testing.T) {
	raw := json.RawMessage(`["addr.worker1"]`)
	params, err := ParseAuthorizeParams(raw)
	require.NoError(t, err)
	assert.Equal(t, "addr.worker1", params.Username)
	assert.Empty(t, params.Password)
}

func TestParseAuthorizeParamsRejectsEmptyArray(t *testing.T) {
	_, err := ParseAuthorizeParams(json.RawMessage(`[]`))
	assert.Error(t, err)
}

func TestParseAuthorizeParamsRejectsMalformed(t *testing.T) {
	_, err := ParseAuthorizeParams(json.RawMessage(`not json`))
	assert.Error(t, err)
}

func TestParseSubmitParams(t *testing.T) {
	raw := json.RawMessage(`["addr.worker1", "job1", "deadbeef", "0001", "aabbcc"]`)
	params, err := ParseSubmitParams(raw)
	require.NoError(t, err)
	assert.Equal(t, "addr.worker1", params.WorkerName)
	assert.Equal(t, "job1", params.JobID)
	assert.Equal(t, "deadbeef", params.NTime)
	assert.Equal(t, "0001", params.ExtraNonce2)
	assert.Equal(t, "aabbcc", params.Solution)
}

func TestParseSubmitParamsRejectsShortArray(t *testing.T) {
	raw := json.RawMessage(`["addr.worker1", "job1", "deadbeef", "0001"]`)
	_, err := ParseSubmitParams(raw)
	assert.Error(t, err)
}

func TestSplitWorkerNameWithWorker(t *testing.T) {
	addr, worker := splitWorkerName("RABC123.rig1")
	assert.Equal(t, "RABC123", addr)
	assert.Equal(t, "rig1", worker)
}

func TestSplitWorkerNameDefaultsWorker(t *testing.T) {
	addr, worker := splitWorkerName("RABC123")
	assert.Equal(t, "RABC123", addr)
	assert.Equal(t, "noname", worker)
}

func TestSplitWorkerNameSanitizesIllegalCharacters(t *testing.T) {
	addr, worker := splitWorkerName("RABC 123!.rig#1")
	assert.Equal(t, "RABC123", addr)
	assert.Equal(t, "rig1", worker)
}

func TestWireErrorForm(t *testing.T) {
	e := &WireError{Code: ErrInvalidParams, Message: "bad params"}
	assert.Equal(t, "bad params", e.Error())
	assert.Equal(t, []interface{}{ErrInvalidParams, "bad params", nil}, e.wireForm())
}
