package stratum

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"net"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/komodo-solomining/pool/internal/mining"
	"github.com/komodo-solomining/pool/internal/vardiff"
)

// maxLineBytes is the socket-flood guard: a connection that accumulates
// this many bytes without a newline is disconnected (spec.md §4.4).
const maxLineBytes = 10 * 1024

// ConnectionState is the per-client state machine.
type ConnectionState int32

const (
	StateConnected ConnectionState = iota
	StateSubscribed
	StateAuthorized
)

// AuthorizeFunc is the orchestrator-supplied authorization predicate,
// spec.md §4.4: an opaque hook plus a disconnect flag that forces socket
// teardown. The reference behavior always authorizes.
type AuthorizeFunc func(ip string, port int, addr, pass string) (authorized, disconnect bool)

var workerNameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9.]+`)

// splitWorkerName splits "addr.worker" into its components, defaulting the
// worker half to "noname" when absent, per spec.md §4.4.
func splitWorkerName(raw string) (addr, worker string) {
	clean := workerNameSanitizer.ReplaceAllString(raw, "")
	for i := 0; i < len(clean); i++ {
		if clean[i] == '.' {
			return clean[:i], clean[i+1:]
		}
	}
	return clean, "noname"
}

// ConnConfig is the subset of the listening port's configuration a
// Connection needs.
type ConnConfig struct {
	Port              int
	ConnectionTimeout time.Duration
	PortDifficulty    float64
	MinDiffAdjust     bool
	TCPProxyProtocol  bool
	Authorize         AuthorizeFunc

	// OnAuthorized, OnDisconnect, and OnDifficultyChange mirror worker
	// lifecycle events to the orchestrator's worker.Manager. Any may be nil.
	OnAuthorized       func(name, address string, difficulty float64)
	OnDisconnect       func(name string)
	OnDifficultyChange func(name string, difficulty float64)
}

// Connection is one Stratum client's framing and state machine, grounded
// directly on the teacher's internal/server/connection.go.
type Connection struct {
	id        string
	conn      net.Conn
	cfg       ConnConfig
	logger    *zap.Logger
	jobSource JobSource
	varDiff   *vardiff.Controller

	reader  *bufio.Reader
	writeMu sync.Mutex

	closeChan chan struct{}
	closeOnce sync.Once

	state          int32
	subscribed     atomic.Bool
	workerName     string
	extraNonce1    string
	difficulty     float64
	prevDifficulty *float64
	pendingDiff    *float64

	lastActivity atomic.Int64 // unix nano
}

// New constructs a Connection wrapping an accepted socket. id is the
// subscription id assigned by the server's SubscriptionCounter.
func New(id string, conn net.Conn, cfg ConnConfig, jobSource JobSource, vd *vardiff.Controller, logger *zap.Logger) *Connection {
	c := &Connection{
		id:         id,
		conn:       conn,
		cfg:        cfg,
		logger:     logger.Named("connection").With(zap.String("id", id)),
		jobSource:  jobSource,
		varDiff:    vd,
		reader:     bufio.NewReaderSize(conn, maxLineBytes+1),
		closeChan:  make(chan struct{}),
		difficulty: cfg.PortDifficulty,
	}
	c.lastActivity.Store(time.Now().UnixNano())
	return c
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) State() ConnectionState {
	return ConnectionState(atomic.LoadInt32(&c.state))
}

func (c *Connection) setState(s ConnectionState) {
	atomic.StoreInt32(&c.state, int32(s))
}

// Handle runs the read loop until the connection closes.
func (c *Connection) Handle() {
	defer c.Close()

	for {
		select {
		case <-c.closeChan:
			return
		default:
		}

		raw, err := c.reader.ReadSlice('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			if errors.Is(err, bufio.ErrBufferFull) {
				c.logger.Warn("socket flooded, closing")
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return
			}
			return
		}
		line := string(raw)

		c.lastActivity.Store(time.Now().UnixNano())

		if len(line) <= 1 {
			continue
		}
		if line[0] == 'P' && len(line) >= 5 && line[:5] == "PROXY" {
			if c.cfg.TCPProxyProtocol {
				continue
			}
			c.logger.Warn("PROXY preface without tcpProxyProtocol enabled, closing")
			return
		}

		var req Request
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			c.logger.Warn("malformed message, closing", zap.Error(err))
			return
		}
		c.dispatch(req)
	}
}

func (c *Connection) dispatch(req Request) {
	switch req.Method {
	case "mining.subscribe":
		c.handleSubscribe(req)
	case "mining.authorize":
		c.handleAuthorize(req)
	case "mining.submit":
		c.handleSubmit(req)
	case "mining.get_transactions":
		c.sendRaw(Response{ID: req.ID, Result: []interface{}{}, Error: true})
	case "mining.extranonce.subscribe":
		c.sendError(req.ID, mining.ErrInvalidSubmission, "Not supported.")
	default:
		c.logger.Debug("unknown stratum method", zap.String("method", req.Method))
	}
}

func (c *Connection) handleSubscribe(req Request) {
	c.extraNonce1 = c.jobSource.NextExtraNonce1()
	c.subscribed.Store(true)
	c.setState(StateSubscribed)
	c.sendResult(req.ID, []interface{}{nil, c.extraNonce1})
}

func (c *Connection) handleAuthorize(req Request) {
	params, err := ParseAuthorizeParams(req.Params)
	if err != nil {
		c.sendError(req.ID, ErrInvalidParams, "invalid params")
		return
	}

	addr, worker := splitWorkerName(params.Username)
	ip, _, _ := net.SplitHostPort(c.conn.RemoteAddr().String())

	authorized := true
	disconnect := false
	if c.cfg.Authorize != nil {
		authorized, disconnect = c.cfg.Authorize(ip, c.cfg.Port, addr, params.Password)
	}
	if disconnect {
		c.sendResult(req.ID, false)
		c.Close()
		return
	}

	c.sendResult(req.ID, authorized)
	if !authorized {
		return
	}

	c.workerName = addr + "." + worker
	c.setState(StateAuthorized)

	if !c.cfg.MinDiffAdjust {
		if jobDiff := c.jobSource.CurrentJobDifficulty(); jobDiff > 0 {
			c.difficulty = jobDiff
		}
	}

	target, err := ComputeTarget(c.difficulty)
	if err != nil {
		c.logger.Error("compute target", zap.Error(err))
		return
	}
	c.sendNotification("mining.set_target", []interface{}{target})

	if params := c.jobSource.CurrentJobParams(); params != nil {
		c.sendNotification("mining.notify", params)
	}

	if c.cfg.OnAuthorized != nil {
		c.cfg.OnAuthorized(c.workerName, addr, c.difficulty)
	}
}

func (c *Connection) handleSubmit(req Request) {
	if !c.subscribed.Load() {
		c.sendError(req.ID, mining.ErrNotSubscribed, "not subscribed")
		return
	}
	if c.State() < StateAuthorized {
		c.sendError(req.ID, mining.ErrUnauthorizedWorker, "unauthorized worker")
		return
	}

	params, err := ParseSubmitParams(req.Params)
	if err != nil {
		c.sendError(req.ID, ErrInvalidParams, "invalid params")
		return
	}

	nonceHex, err := mining.BuildNonce(c.extraNonce1, params.ExtraNonce2)
	if err != nil {
		c.sendError(req.ID, ErrInvalidParams, "invalid extranonce2")
		return
	}

	ip, _, _ := net.SplitHostPort(c.conn.RemoteAddr().String())
	port := c.cfg.Port

	event, shareErr := c.jobSource.SubmitShare(mining.Submission{
		JobID:       params.JobID,
		PrevDiff:    c.prevDifficulty,
		Difficulty:  c.difficulty,
		NonceHex:    nonceHex,
		NTimeHex:    params.NTime,
		SolutionHex: params.Solution,
		IP:          ip,
		Port:        port,
		Worker:      c.workerName,
		SubmitTime:  time.Now().Unix(),
	})
	switch {
	case shareErr != nil:
		c.logger.Debug("share rejected", zap.Int("code", shareErr.Code), zap.String("reason", shareErr.Message))
	case event.IsBlock:
		c.logger.Info("block share", zap.String("worker", c.workerName), zap.String("job_id", params.JobID))
	default:
		c.logger.Debug("share accepted", zap.String("worker", c.workerName), zap.Float64("share_diff", event.ShareDiff))
	}

	// Every mining.submit is answered affirmatively regardless of the
	// share's verdict (spec.md §4.4 — some miners disconnect on rejects).
	c.sendResult(req.ID, true)

	if newDiff, retarget := c.varDiff.Submit(float64(time.Now().UnixNano())/1e9, c.difficulty); retarget {
		c.pendingDiff = &newDiff
	}
}

// SetNetworkDifficulty forwards the pool's current network difficulty to
// this connection's VarDiff controller, refreshing the "avg < tMin" cap.
func (c *Connection) SetNetworkDifficulty(d float64) {
	c.varDiff.SetNetworkDifficulty(d)
}

// SendJob delivers mining.set_target (the pending difficulty's target if
// VarDiff retargeted, else the current one again) followed by
// mining.notify, per spec.md §4.4's sendMiningJob ordering guarantee. An
// idle connection past ConnectionTimeout is closed instead.
func (c *Connection) SendJob(params []interface{}) {
	if c.State() < StateAuthorized {
		return
	}

	idleFor := time.Duration(time.Now().UnixNano()-c.lastActivity.Load()) * time.Nanosecond
	if c.cfg.ConnectionTimeout > 0 && idleFor > c.cfg.ConnectionTimeout {
		c.Close()
		return
	}

	diff := c.difficulty
	if c.pendingDiff != nil {
		prev := c.difficulty
		c.prevDifficulty = &prev
		diff = *c.pendingDiff
		c.difficulty = diff
		c.pendingDiff = nil
		if c.cfg.OnDifficultyChange != nil {
			c.cfg.OnDifficultyChange(c.workerName, diff)
		}
	}

	target, err := ComputeTarget(diff)
	if err != nil {
		c.logger.Error("compute target", zap.Error(err))
		return
	}
	c.sendNotification("mining.set_target", []interface{}{target})
	c.sendNotification("mining.notify", params)
}

func (c *Connection) sendResult(id interface{}, result interface{}) {
	c.sendRaw(Response{ID: id, Result: result})
}

func (c *Connection) sendError(id interface{}, code int, message string) {
	c.sendRaw(Response{ID: id, Error: []interface{}{code, message, nil}})
}

func (c *Connection) sendNotification(method string, params interface{}) {
	c.sendRaw(Notification{Method: method, Params: params})
}

func (c *Connection) sendRaw(msg interface{}) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("marshal outgoing message", zap.Error(err))
		return
	}
	data = append(data, '\n')
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if _, err := c.conn.Write(data); err != nil {
		c.logger.Debug("write failed, closing", zap.Error(err))
		c.Close()
	}
}

// Close tears down the connection exactly once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.closeChan)
		c.conn.Close()
		if c.workerName != "" && c.cfg.OnDisconnect != nil {
			c.cfg.OnDisconnect(c.workerName)
		}
	})
}
