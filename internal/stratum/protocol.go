// Package stratum implements the Stratum V1 server: newline-delimited
// JSON-RPC 2.0 framing, the per-connection subscribe/authorize/submit state
// machine, and the listener that wires them to a JobSource. Grounded
// directly on the teacher's internal/protocol/stratum.go (message shapes,
// error codes) and internal/server/connection.go (framing, state machine),
// adapted from the teacher's set_difficulty wire message to spec.md §4.4's
// set_target (a 256-bit target rather than a plain difficulty float), and
// from the teacher's five-param submit shape to the Equihash-specific
// [workerName, jobId, nTime, extraNonce2, soln] ordering.
package stratum

import (
	"encoding/json"
	"fmt"
)

// JSON-RPC 2.0 framing errors, shared with any method.
const (
	ErrParseError     = -32700
	ErrInvalidRequest = -32600
	ErrMethodNotFound = -32601
	ErrInvalidParams  = -32602
)

// Request is a client->server JSON-RPC request.
type Request struct {
	ID     interface{}     `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Response is a server->client reply to a Request.
type Response struct {
	ID     interface{} `json:"id"`
	Result interface{} `json:"result"`
	Error  interface{} `json:"error"`
}

// Notification is a server->client message with no id.
type Notification struct {
	ID     interface{} `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params"`
}

// AuthorizeParams is mining.authorize's two positional parameters.
type AuthorizeParams struct {
	Username string
	Password string
}

// SubmitParams is mining.submit's five positional parameters, in the
// Equihash-specific order spec.md §4.4 specifies.
type SubmitParams struct {
	WorkerName  string
	JobID       string
	NTime       string
	ExtraNonce2 string
	Solution    string
}

// ParseAuthorizeParams parses mining.authorize's [username, password].
func ParseAuthorizeParams(raw json.RawMessage) (AuthorizeParams, error) {
	var params []string
	if err := json.Unmarshal(raw, &params); err != nil || len(params) < 1 {
		return AuthorizeParams{}, fmt.Errorf("stratum: invalid mining.authorize params")
	}
	p := AuthorizeParams{Username: params[0]}
	if len(params) > 1 {
		p.Password = params[1]
	}
	return p, nil
}

// ParseSubmitParams parses mining.submit's
// [workerName, jobId, nTime, extraNonce2, soln].
func ParseSubmitParams(raw json.RawMessage) (SubmitParams, error) {
	var params []string
	if err := json.Unmarshal(raw, &params); err != nil || len(params) < 5 {
		return SubmitParams{}, fmt.Errorf("stratum: invalid mining.submit params")
	}
	return SubmitParams{
		WorkerName:  params[0],
		JobID:       params[1],
		NTime:       params[2],
		ExtraNonce2: params[3],
		Solution:    params[4],
	}, nil
}

// WireError is any error shape sent to the client as [code, message, null].
type WireError struct {
	Code    int
	Message string
}

func (e *WireError) Error() string { return e.Message }

func (e *WireError) wireForm() []interface{} {
	return []interface{}{e.Code, e.Message, nil}
}
