package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DaemonStatus classifies the outcome of a daemon call, per spec.md §4.1:
// callers distinguish "daemon unreachable" from "daemon reachable but
// rejected the request" from "daemon accepted but returned an RPC error".
type DaemonStatus int

const (
	StatusOK DaemonStatus = iota
	StatusOffline
	StatusUnauthorized
	StatusRequestError
)

// Daemon is a single configured coin-daemon RPC endpoint.
type Daemon struct {
	Host     string
	Port     int
	User     string
	Password string
}

func (d Daemon) url() string {
	return fmt.Sprintf("http://%s:%d", d.Host, d.Port)
}

// Client fans a call out across every configured daemon instance in
// parallel (Cmd) or issues it to exactly one (CmdStreaming), mirroring the
// teacher's storage clients: a struct holding the transport, cfg, and
// *zap.Logger, constructed once at startup.
type Client struct {
	daemons []Daemon
	http    *http.Client
	logger  *zap.Logger
	idSeq   uint64
}

// New builds a Client over the given daemon instances. At least one daemon
// must be configured.
func New(daemons []Daemon, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		daemons: daemons,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// nextID produces a JSON-RPC request id in the convention
// now_millis*10+rand(0..9); for index > 0 it appends the client's call
// sequence number and the index ("base-seq-index"), disambiguating fan-out
// calls issued within the same millisecond.
func (c *Client) nextID(index int) string {
	n := atomic.AddUint64(&c.idSeq, 1)
	base := time.Now().UnixMilli()*10 + int64(rand.Intn(10))
	if index > 0 {
		return fmt.Sprintf("%d-%d-%d", base, n, index)
	}
	return strconv.FormatInt(base, 10)
}

// Result pairs a daemon's raw response with the outcome classification for
// callers that need to reason about partial failure across a multi-daemon
// pool.
type Result struct {
	Status DaemonStatus
	Raw    json.RawMessage
	Err    error
}

// Cmd issues method/params to every configured daemon in parallel and
// returns one Result per daemon, in configuration order.
func (c *Client) Cmd(ctx context.Context, method string, params []interface{}) []Result {
	results := make([]Result, len(c.daemons))
	done := make(chan struct{}, len(c.daemons))
	for i, d := range c.daemons {
		go func(i int, d Daemon) {
			raw, status, err := c.call(ctx, d, method, params, i)
			results[i] = Result{Status: status, Raw: raw, Err: err}
			done <- struct{}{}
		}(i, d)
	}
	for range c.daemons {
		<-done
	}
	return results
}

// CmdStreaming issues method/params to the single daemon instance at index
// 0, the convention used for the periodic getblocktemplate poll where only
// one authoritative answer is wanted.
func (c *Client) CmdStreaming(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	if len(c.daemons) == 0 {
		return nil, fmt.Errorf("rpc: no daemons configured")
	}
	raw, status, err := c.call(ctx, c.daemons[0], method, params, 0)
	if status != StatusOK {
		return nil, err
	}
	return raw, nil
}

// Call is one method/params pair within a BatchCmd request.
type Call struct {
	Method string
	Params []interface{}
}

// BatchCmd sends a single JSON-RPC batch request (a JSON array of call
// objects in one HTTP round trip) to the first daemon instance only, per
// spec.md §4.1 — used for the startup coin-parameter probe
// (validateaddress/getdifficulty/getinfo/getmininginfo), where the
// daemon's responses must be read back in the same order as calls.
func (c *Client) BatchCmd(ctx context.Context, calls []Call) ([]Result, error) {
	if len(c.daemons) == 0 {
		return nil, fmt.Errorf("rpc: no daemons configured")
	}
	d := c.daemons[0]

	reqs := make([]Request, len(calls))
	for i, call := range calls {
		params := call.Params
		if params == nil {
			params = []interface{}{}
		}
		reqs[i] = Request{JSONRPC: "2.0", ID: c.nextID(i), Method: call.Method, Params: params}
	}

	body, err := json.Marshal(reqs)
	if err != nil {
		return nil, fmt.Errorf("rpc: marshal batch: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("rpc: build batch request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.SetBasicAuth(d.User, d.Password)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("rpc: %s offline: %w", d.Host, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("rpc: read batch response: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("rpc: %s rejected credentials", d.Host)
	}

	cleaned := bytes.ReplaceAll(raw, []byte(":-nan"), []byte(":0"))
	var responses []Response
	if err := json.Unmarshal(cleaned, &responses); err != nil {
		return nil, fmt.Errorf("rpc: decode batch response from %s: %w", d.Host, err)
	}

	byID := make(map[string]Response, len(responses))
	for _, r := range responses {
		byID[r.ID] = r
	}

	results := make([]Result, len(calls))
	for i, req := range reqs {
		r, ok := byID[req.ID]
		switch {
		case !ok:
			results[i] = Result{Status: StatusRequestError, Err: fmt.Errorf("rpc: missing batch response for %s", req.Method)}
		case r.Error != nil:
			results[i] = Result{Status: StatusRequestError, Err: r.Error}
		default:
			results[i] = Result{Status: StatusOK, Raw: r.Result}
		}
	}
	return results, nil
}

// getblocktemplateCapabilities is the capabilities hint spec.md §6 requires
// on every getblocktemplate call.
var getblocktemplateCapabilities = map[string]interface{}{
	"capabilities": []string{"coinbasetxn", "workid", "coinbase/append"},
}

// GetBlockTemplate issues getblocktemplate to the first daemon instance and
// decodes the result, or returns the daemon's RPC error code (-10 means
// "chain not synced", per spec.md §4.7 step 6).
func (c *Client) GetBlockTemplate(ctx context.Context) (*Template, int, error) {
	if len(c.daemons) == 0 {
		return nil, 0, fmt.Errorf("rpc: no daemons configured")
	}
	raw, status, err := c.call(ctx, c.daemons[0], "getblocktemplate", []interface{}{getblocktemplateCapabilities}, 0)
	if status != StatusOK {
		if rpcErr, ok := extractRPCError(err); ok {
			return nil, rpcErr.Code, rpcErr
		}
		return nil, 0, err
	}
	var tmpl Template
	if err := json.Unmarshal(raw, &tmpl); err != nil {
		return nil, 0, fmt.Errorf("rpc: decode getblocktemplate: %w", err)
	}
	return &tmpl, 0, nil
}

// DecodeRawTransaction recovers a coinbasetxn hint's output list.
func (c *Client) DecodeRawTransaction(ctx context.Context, hexTx string) (*DecodedTransaction, error) {
	raw, err := c.CmdStreaming(ctx, "decoderawtransaction", []interface{}{hexTx})
	if err != nil {
		return nil, err
	}
	var dtx DecodedTransaction
	if err := json.Unmarshal(raw, &dtx); err != nil {
		return nil, fmt.Errorf("rpc: decode decoderawtransaction: %w", err)
	}
	return &dtx, nil
}

// ValidateAddress confirms the pool's configured payout address against the
// first daemon instance.
func (c *Client) ValidateAddress(ctx context.Context, addr string) (*ValidateAddressResult, error) {
	raw, err := c.CmdStreaming(ctx, "validateaddress", []interface{}{addr})
	if err != nil {
		return nil, err
	}
	var res ValidateAddressResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("rpc: decode validateaddress: %w", err)
	}
	return &res, nil
}

// GetInfo fetches getinfo from the first daemon instance.
func (c *Client) GetInfo(ctx context.Context) (*Info, error) {
	raw, err := c.CmdStreaming(ctx, "getinfo", nil)
	if err != nil {
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("rpc: decode getinfo: %w", err)
	}
	return &info, nil
}

// GetDifficulty fetches getdifficulty from the first daemon instance.
func (c *Client) GetDifficulty(ctx context.Context) (float64, error) {
	raw, err := c.CmdStreaming(ctx, "getdifficulty", nil)
	if err != nil {
		return 0, err
	}
	var diff float64
	if err := json.Unmarshal(raw, &diff); err != nil {
		return 0, fmt.Errorf("rpc: decode getdifficulty: %w", err)
	}
	return diff, nil
}

// GetPeerInfo fetches getpeerinfo from the first daemon instance, used to
// estimate sync progress against the tallest announced peer chain.
func (c *Client) GetPeerInfo(ctx context.Context) ([]PeerInfo, error) {
	raw, err := c.CmdStreaming(ctx, "getpeerinfo", nil)
	if err != nil {
		return nil, err
	}
	var peers []PeerInfo
	if err := json.Unmarshal(raw, &peers); err != nil {
		return nil, fmt.Errorf("rpc: decode getpeerinfo: %w", err)
	}
	return peers, nil
}

// GetMiningInfo fetches getmininginfo from the first daemon instance.
func (c *Client) GetMiningInfo(ctx context.Context) (*MiningInfo, error) {
	raw, err := c.CmdStreaming(ctx, "getmininginfo", nil)
	if err != nil {
		return nil, err
	}
	var info MiningInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("rpc: decode getmininginfo: %w", err)
	}
	return &info, nil
}

// SubmitBlock submits a hex-encoded block to every configured daemon in
// parallel, returning one Result per instance in configuration order.
func (c *Client) SubmitBlock(ctx context.Context, blockHex string) []Result {
	return c.Cmd(ctx, "submitblock", []interface{}{blockHex})
}

// GetBlock fetches a block by hash from the first daemon instance.
func (c *Client) GetBlock(ctx context.Context, hash string) (*BlockInfo, error) {
	raw, err := c.CmdStreaming(ctx, "getblock", []interface{}{hash})
	if err != nil {
		return nil, err
	}
	var info BlockInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("rpc: decode getblock: %w", err)
	}
	return &info, nil
}

// extractRPCError recovers the *Error wrapped inside a call error, for
// callers that need the daemon's literal error code (getblocktemplate's
// -10 "still syncing" signal).
func extractRPCError(err error) (*Error, bool) {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr, true
	}
	return nil, false
}

func (c *Client) call(ctx context.Context, d Daemon, method string, params []interface{}, index int) (json.RawMessage, DaemonStatus, error) {
	if params == nil {
		params = []interface{}{}
	}
	reqBody := Request{
		JSONRPC: "2.0",
		ID:      c.nextID(index),
		Method:  method,
		Params:  params,
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, StatusRequestError, fmt.Errorf("rpc: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url(), bytes.NewReader(body))
	if err != nil {
		return nil, StatusRequestError, fmt.Errorf("rpc: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Content-Length", strconv.Itoa(len(body)))
	httpReq.SetBasicAuth(d.User, d.Password)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.logger.Warn("daemon unreachable", zap.String("daemon", d.Host), zap.String("method", method), zap.Error(err))
		return nil, StatusOffline, fmt.Errorf("rpc: %s offline: %w", d.Host, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, StatusRequestError, fmt.Errorf("rpc: read response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, StatusUnauthorized, fmt.Errorf("rpc: %s rejected credentials", d.Host)
	}
	if resp.StatusCode >= 500 {
		return nil, StatusOffline, fmt.Errorf("rpc: %s returned %d", d.Host, resp.StatusCode)
	}

	// Some daemons (notably Komodo-family) emit the bare token "-nan" in
	// numeric fields (difficulty on certain testnets) which is not valid
	// JSON; substitute a literal 0 before decoding.
	cleaned := bytes.ReplaceAll(raw, []byte(":-nan"), []byte(":0"))

	var rpcResp Response
	if err := json.Unmarshal(cleaned, &rpcResp); err != nil {
		return nil, StatusRequestError, fmt.Errorf("rpc: decode response from %s: %w", d.Host, err)
	}
	if rpcResp.Error != nil {
		return nil, StatusRequestError, fmt.Errorf("rpc: %s: %w", d.Host, rpcResp.Error)
	}
	return rpcResp.Result, StatusOK, nil
}
