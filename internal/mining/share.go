package mining

import (
	"encoding/hex"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/komodo-solomining/pool/internal/chainutil"
	"github.com/komodo-solomining/pool/internal/coin"
)

// Stratum share-rejection codes, wire-visible per spec.md §7.
const (
	ErrInvalidSubmission = 20
	ErrJobNotFound        = 21
	ErrDuplicateShare     = 22
	ErrLowDifficulty      = 23
	ErrUnauthorizedWorker = 24
	ErrNotSubscribed      = 25
)

// ShareError is a numbered Stratum error, sent to the miner as
// [code, message, null].
type ShareError struct {
	Code    int
	Message string
}

func (e *ShareError) Error() string { return e.Message }

func shareErr(code int, format string, args ...interface{}) *ShareError {
	return &ShareError{Code: code, Message: fmt.Sprintf(format, args...)}
}

var (
	sharesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stratum_shares_total",
		Help: "Total number of shares submitted",
	}, []string{"status"})

	blocksFound = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stratum_blocks_found_total",
		Help: "Total number of blocks found",
	})
)

func init() {
	prometheus.MustRegister(sharesTotal)
	prometheus.MustRegister(blocksFound)
}

const equihashSolutionHexLen = 2694 // 3-byte compactSize length prefix (fd4005) + 1344 solution bytes, hex-doubled
const equihashNonceHexLen = 64      // 32-byte header nonce field

// Submission is the fully-resolved set of arguments the Stratum connection
// layer hands to ProcessShare, after combining extraNonce1 (server-
// assigned) with the miner's extraNonce2 into a full 32-byte nonce.
type Submission struct {
	JobID      string
	PrevDiff   *float64 // nil if the client has no recorded previous difficulty
	Difficulty float64
	NonceHex   string // 64 hex chars: extraNonce1 ‖ extraNonce2 ‖ zero padding
	NTimeHex   string // 8 hex chars, big-endian
	SolutionHex string
	IP         string
	Port       int
	Worker     string
	SubmitTime int64 // unix seconds, caller-supplied so this stays deterministic and testable
}

// ProcessShare validates a submission against the named job in strict
// order per spec.md §4.3, returning the first failing numbered error. On
// success (share accepted, whether or not it is a block) it returns the
// ShareEvent and a nil error; publishing it is left to the caller
// (SubmitShare).
func (m *Manager) ProcessShare(s Submission) (*ShareEvent, *ShareError) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.Job(s.JobID)
	if !ok {
		sharesTotal.WithLabelValues("job_not_found").Inc()
		return nil, shareErr(ErrJobNotFound, "job not found")
	}

	if len(s.NTimeHex) != 8 {
		sharesTotal.WithLabelValues("invalid").Inc()
		return nil, shareErr(ErrInvalidSubmission, "incorrect size of ntime")
	}
	nTimeBytes, err := hex.DecodeString(s.NTimeHex)
	if err != nil {
		sharesTotal.WithLabelValues("invalid").Inc()
		return nil, shareErr(ErrInvalidSubmission, "invalid ntime")
	}
	nTime := uint32(nTimeBytes[0])<<24 | uint32(nTimeBytes[1])<<16 | uint32(nTimeBytes[2])<<8 | uint32(nTimeBytes[3])

	if int64(nTime) < job.CurTime || int64(nTime) > s.SubmitTime+7200 {
		sharesTotal.WithLabelValues("invalid").Inc()
		return nil, shareErr(ErrInvalidSubmission, "ntime out of range")
	}

	if len(s.NonceHex) != equihashNonceHexLen {
		sharesTotal.WithLabelValues("invalid").Inc()
		return nil, shareErr(ErrInvalidSubmission, "incorrect size of nonce")
	}
	nonce, err := hex.DecodeString(s.NonceHex)
	if err != nil {
		sharesTotal.WithLabelValues("invalid").Inc()
		return nil, shareErr(ErrInvalidSubmission, "invalid nonce")
	}

	if len(s.SolutionHex) != equihashSolutionHexLen {
		sharesTotal.WithLabelValues("invalid").Inc()
		return nil, shareErr(ErrInvalidSubmission, "incorrect size of solution")
	}
	soln, err := hex.DecodeString(s.SolutionHex)
	if err != nil {
		sharesTotal.WithLabelValues("invalid").Inc()
		return nil, shareErr(ErrInvalidSubmission, "invalid solution")
	}

	header, err := job.Header(nTime, nonce)
	if err != nil {
		sharesTotal.WithLabelValues("invalid").Inc()
		return nil, shareErr(ErrInvalidSubmission, "invalid header: %v", err)
	}

	if isNew := job.RegisterSubmit(hex.EncodeToString(header), s.SolutionHex); !isNew {
		sharesTotal.WithLabelValues("duplicate").Inc()
		return nil, shareErr(ErrDuplicateShare, "duplicate share")
	}

	headerHash := chainutil.Sha256d(append(append([]byte{}, header...), soln...))
	h := chainutil.LEBytesToBigInt(headerHash)

	shareDiff := coin.Difficulty(m.algo, h)

	event := &ShareEvent{
		JobID:       s.JobID,
		IP:          s.IP,
		Port:        s.Port,
		Worker:      s.Worker,
		Height:      job.Height,
		BlockReward: job.CoinbaseValue,
		Difficulty:  s.Difficulty,
		ShareDiff:   shareDiff,
		BlockDiff:   job.Difficulty,
	}

	if h.Cmp(job.Target) <= 0 {
		blockHex, err := job.SerializeBlock(header, soln)
		if err != nil {
			sharesTotal.WithLabelValues("invalid").Inc()
			return nil, shareErr(ErrInvalidSubmission, "serialize block: %v", err)
		}
		event.IsBlock = true
		event.BlockHex = hex.EncodeToString(blockHex)
		event.BlockHash = hex.EncodeToString(chainutil.ReverseBytes(headerHash))
		event.BlockDiffActual = shareDiff
		blocksFound.Inc()
		sharesTotal.WithLabelValues("block").Inc()
		m.logger.Info("block found",
			zap.String("hash", event.BlockHash), zap.String("worker", s.Worker),
			zap.Float64("share_diff", shareDiff))
		return event, nil
	}

	if shareDiff/s.Difficulty < 0.99 {
		if s.PrevDiff == nil || shareDiff < *s.PrevDiff {
			sharesTotal.WithLabelValues("low_diff").Inc()
			return nil, shareErr(ErrLowDifficulty, "low difficulty share of %v", shareDiff)
		}
	}

	sharesTotal.WithLabelValues("valid").Inc()
	return event, nil
}

// ShareOutcome is one resolved mining.submit, success or failure, for the
// orchestrator's worker-stats and submitblock fan-out.
type ShareOutcome struct {
	Worker string
	Event  *ShareEvent // nil if Err is set
	Err    *ShareError // nil on success
}

// SubmitShare satisfies stratum.JobSource: it forwards to ProcessShare and
// publishes the outcome for every resolved submission, valid or not.
func (m *Manager) SubmitShare(s Submission) (*ShareEvent, *ShareError) {
	event, shareErr := m.ProcessShare(s)
	select {
	case m.shares <- ShareOutcome{Worker: s.Worker, Event: event, Err: shareErr}:
	default:
		m.logger.Warn("share outcome channel full, dropping")
	}
	return event, shareErr
}

// BuildNonce assembles the 32-byte header nonce field from the server-
// assigned extraNonce1 and the miner's extraNonce2, zero-padding the
// remainder — spec.md §3/§4.3 fix the field at 32 bytes but leave the
// extraNonce1/extraNonce2 split to the Stratum connection layer.
func BuildNonce(extraNonce1, extraNonce2 string) (string, error) {
	n1, err := hex.DecodeString(extraNonce1)
	if err != nil {
		return "", fmt.Errorf("mining: invalid extranonce1: %w", err)
	}
	n2, err := hex.DecodeString(extraNonce2)
	if err != nil {
		return "", fmt.Errorf("mining: invalid extranonce2: %w", err)
	}
	nonce := make([]byte, 32)
	copy(nonce, n1)
	copy(nonce[len(n1):], n2)
	return hex.EncodeToString(nonce), nil
}
