package stratum

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/komodo-solomining/pool/internal/vardiff"
)

// PortConfig is one entry of spec.md §6's ports map: a listening port, its
// starting difficulty, and an optional VarDiff configuration. A nil VarDiff
// leaves the client pinned at Difficulty for the life of the connection.
type PortConfig struct {
	Port       int
	Difficulty float64
	VarDiff    *vardiff.Config
}

// Config is the Stratum server's full construction-time configuration,
// grounded on the teacher's config.ServerConfig but generalized to
// spec.md §6's multi-port, fixed-reward-address pool shape.
type Config struct {
	Ports                 []PortConfig
	ConnectionTimeout     time.Duration
	JobRebroadcastTimeout time.Duration
	TCPProxyProtocol      bool
	MinDiffAdjust         bool
	Authorize             AuthorizeFunc

	// OnAuthorized, OnDisconnect, and OnDifficultyChange mirror worker
	// lifecycle events to the orchestrator's worker.Manager. Any may be nil.
	OnAuthorized       func(name, address string, difficulty float64)
	OnDisconnect       func(name string)
	OnDifficultyChange func(name string, difficulty float64)
}

// Server listens on every configured port, multiplexing accepted sockets
// into Connections that all share one JobSource. Grounded on the teacher's
// internal/server/server.go (accept loop, connection registry, broadcast),
// adapted to spec.md §4.4's per-port difficulty/VarDiff and the
// broadcastTimeout/jobRebroadcastTimeout handoff to the orchestrator.
type Server struct {
	cfg       Config
	logger    *zap.Logger
	jobSource JobSource

	listeners []net.Listener
	wg        sync.WaitGroup

	connections sync.Map // id -> *Connection
	subCounter  uint64

	broadcastMu    sync.Mutex
	broadcastTimer *time.Timer

	// OnBroadcastTimeout fires when jobRebroadcastTimeout elapses with no
	// new template (spec.md §4.7): the orchestrator fetches a fresh template
	// and hands it to the Job Manager's ProcessTemplate, which emits an
	// updatedBlock event (and so a rebroadcast) when the block is unchanged.
	// The job id of that rebuilt template is the current one, not a new one.
	OnBroadcastTimeout func()

	shutdown atomic.Bool
}

// New constructs a Server. Call Start to begin listening.
func New(cfg Config, jobSource JobSource, logger *zap.Logger) *Server {
	return &Server{
		cfg:       cfg,
		logger:    logger.Named("stratum"),
		jobSource: jobSource,
	}
}

// Start binds every configured port and begins accepting connections on
// background goroutines. It returns once every port is bound; Shutdown
// closes the listeners and waits for the accept loops to exit.
func (s *Server) Start() error {
	if len(s.cfg.Ports) == 0 {
		return fmt.Errorf("stratum: no ports configured")
	}

	for _, pc := range s.cfg.Ports {
		pc := pc
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", pc.Port))
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("stratum: listen on port %d: %w", pc.Port, err)
		}
		s.listeners = append(s.listeners, ln)
		s.logger.Info("listening", zap.Int("port", pc.Port), zap.Float64("difficulty", pc.Difficulty))

		s.wg.Add(1)
		go s.acceptLoop(ln, pc)
	}

	s.resetBroadcastTimer()
	return nil
}

func (s *Server) acceptLoop(ln net.Listener, pc PortConfig) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return
			}
			s.logger.Warn("accept failed", zap.Int("port", pc.Port), zap.Error(err))
			continue
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetKeepAlive(true)
			tcpConn.SetKeepAlivePeriod(30 * time.Second)
		}

		id := s.nextSubscriptionID()
		var vd *vardiff.Controller
		if pc.VarDiff != nil {
			vd = vardiff.New(*pc.VarDiff)
		} else {
			vd = vardiff.New(vardiff.Config{TargetTime: 1 << 30, RetargetTime: 1 << 30, VariancePercent: 100, MinDiff: pc.Difficulty, MaxDiff: pc.Difficulty})
		}

		connCfg := ConnConfig{
			Port:              pc.Port,
			ConnectionTimeout: s.cfg.ConnectionTimeout,
			PortDifficulty:    pc.Difficulty,
			TCPProxyProtocol:  s.cfg.TCPProxyProtocol,
			MinDiffAdjust:     s.cfg.MinDiffAdjust,
			Authorize:         s.cfg.Authorize,

			OnAuthorized:       s.cfg.OnAuthorized,
			OnDisconnect:       s.cfg.OnDisconnect,
			OnDifficultyChange: s.cfg.OnDifficultyChange,
		}
		client := New(id, conn, connCfg, s.jobSource, vd, s.logger)
		s.connections.Store(id, client)
		s.logger.Debug("client connected", zap.String("id", id), zap.String("remote", conn.RemoteAddr().String()))

		go func() {
			client.Handle()
			s.connections.Delete(id)
			s.logger.Debug("client disconnected", zap.String("id", id))
		}()
	}
}

// nextSubscriptionID produces "deadbeefcafebabe" ‖ int64LE(n).hex(), per
// spec.md §4.4's SubscriptionCounter.
func (s *Server) nextSubscriptionID() string {
	n := atomic.AddUint64(&s.subCounter, 1)
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, n)
	return "deadbeefcafebabe" + hex.EncodeToString(buf)
}

// BroadcastMiningJobs delivers the current job params to every connected
// client and resets the jobRebroadcastTimeout timer.
func (s *Server) BroadcastMiningJobs(params []interface{}) {
	s.connections.Range(func(_, value interface{}) bool {
		if conn, ok := value.(*Connection); ok {
			conn.SendJob(params)
		}
		return true
	})
	s.resetBroadcastTimer()
}

// SetNetworkDifficulty fans the pool's current network difficulty out to
// every connected client's VarDiff controller, per spec.md §4.5: refreshed
// by the orchestrator whenever the Job Manager processes a new block.
func (s *Server) SetNetworkDifficulty(d float64) {
	s.connections.Range(func(_, value interface{}) bool {
		if conn, ok := value.(*Connection); ok {
			conn.SetNetworkDifficulty(d)
		}
		return true
	})
}

func (s *Server) resetBroadcastTimer() {
	if s.cfg.JobRebroadcastTimeout <= 0 {
		return
	}

	s.broadcastMu.Lock()
	defer s.broadcastMu.Unlock()

	if s.broadcastTimer != nil {
		s.broadcastTimer.Stop()
	}
	s.broadcastTimer = time.AfterFunc(s.cfg.JobRebroadcastTimeout, func() {
		if s.OnBroadcastTimeout != nil {
			s.OnBroadcastTimeout()
		}
	})
}

// ConnectionCount returns the number of currently registered clients.
func (s *Server) ConnectionCount() int {
	n := 0
	s.connections.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

func (s *Server) closeListeners() {
	for _, ln := range s.listeners {
		ln.Close()
	}
	s.listeners = nil
}

// Shutdown stops accepting new connections and closes every registered
// client.
func (s *Server) Shutdown() {
	s.shutdown.Store(true)
	s.closeListeners()

	s.broadcastMu.Lock()
	if s.broadcastTimer != nil {
		s.broadcastTimer.Stop()
	}
	s.broadcastMu.Unlock()

	s.connections.Range(func(_, value interface{}) bool {
		if conn, ok := value.(*Connection); ok {
			conn.Close()
		}
		return true
	})
	s.wg.Wait()
}
