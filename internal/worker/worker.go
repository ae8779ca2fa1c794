// Package worker is the ambient worker-statistics mirror spec.md §2's
// observability addendum describes: an in-memory registry of connected
// workers, updated from ShareEvents, with best-effort Redis/Postgres
// fan-out for the dashboard surface (spec.md §1's Non-goals keep payouts
// and ban/flood policy out of scope, but tracking who is connected and how
// they're doing is not a payout mechanism). Grounded on the teacher's
// internal/worker/worker.go, with its direct ties to the teacher's
// superseded protocol.VarDiff/WorkerDiffState/mining.ShareResult types
// removed — VarDiff retargeting is now owned per-connection by
// internal/vardiff, and share results arrive as *mining.ShareEvent.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/komodo-solomining/pool/internal/mining"
	"github.com/komodo-solomining/pool/internal/storage"
)

var (
	activeWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pool_active_workers",
		Help: "Number of currently connected workers",
	})

	workerHashrate = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pool_worker_hashrate",
		Help: "Estimated hashrate per worker, in hashes/sec",
	}, []string{"worker"})
)

func init() {
	prometheus.MustRegister(activeWorkers)
	prometheus.MustRegister(workerHashrate)
}

// Worker is one connected miner's tracked statistics.
type Worker struct {
	Name           string
	Address        string
	Difficulty     float64
	ValidShares    int64
	InvalidShares  int64
	Hashrate       float64
	ConnectedAt    time.Time
	LastActivityAt time.Time

	mu             sync.RWMutex
	lastShareAt    time.Time
	recentIntervalSum float64
	recentIntervalN   int
}

// Manager is the in-process registry, mirrored best-effort to Redis and
// Postgres. Neither store is ever consulted for correctness — only for the
// dashboard/stats surface spec.md §1 treats as external. poolHashrate is
// the sum of every tracked worker's Hashrate estimate, pushed to Redis as
// the pool-wide gauge spec.md §2's observability addendum promises.
type Manager struct {
	logger   *zap.Logger
	redis    *storage.RedisClient
	postgres *storage.PostgresClient
	workers  sync.Map // name -> *Worker

	hashrateMu   sync.Mutex
	poolHashrate float64
}

// NewManager constructs a Manager. redis/postgres may be nil, in which case
// the mirror writes are skipped.
func NewManager(logger *zap.Logger, redis *storage.RedisClient, postgres *storage.PostgresClient) *Manager {
	return &Manager{
		logger:   logger.Named("worker"),
		redis:    redis,
		postgres: postgres,
	}
}

// Register records a newly-authorized worker, or refreshes an existing
// one's address/activity timestamp.
func (m *Manager) Register(ctx context.Context, name, address string, difficulty float64) *Worker {
	if w, ok := m.workers.Load(name); ok {
		worker := w.(*Worker)
		worker.mu.Lock()
		worker.LastActivityAt = time.Now()
		worker.Address = address
		worker.mu.Unlock()
		return worker
	}

	now := time.Now()
	worker := &Worker{
		Name:           name,
		Address:        address,
		Difficulty:     difficulty,
		ConnectedAt:    now,
		LastActivityAt: now,
	}

	if m.redis != nil {
		if cached, err := m.redis.GetWorkerDifficulty(ctx, name); err == nil && cached > 0 {
			worker.Difficulty = cached
		}
	}

	m.workers.Store(name, worker)
	activeWorkers.Inc()

	if m.redis != nil {
		if err := m.redis.AddOnlineWorker(ctx, name); err != nil {
			m.logger.Debug("redis mirror: add online worker", zap.String("worker", name), zap.Error(err))
		}
	}
	if m.postgres != nil {
		if err := m.postgres.UpsertWorker(ctx, &storage.Worker{Name: name, Address: address, FirstSeenAt: now, LastSeenAt: now}); err != nil {
			m.logger.Debug("postgres mirror: upsert worker", zap.String("worker", name), zap.Error(err))
		}
	}

	m.logger.Info("worker connected", zap.String("name", name), zap.String("address", address))
	return worker
}

// Disconnect removes a worker from the registry and mirrors the departure.
func (m *Manager) Disconnect(ctx context.Context, name string) {
	w, ok := m.workers.LoadAndDelete(name)
	if !ok {
		return
	}
	worker := w.(*Worker)
	activeWorkers.Dec()
	workerHashrate.DeleteLabelValues(name)

	if m.redis != nil {
		if err := m.redis.RemoveOnlineWorker(ctx, name); err != nil {
			m.logger.Debug("redis mirror: remove online worker", zap.String("worker", name), zap.Error(err))
		}
	}
	if m.postgres != nil {
		if err := m.postgres.UpdateWorkerLastSeen(ctx, name, worker.LastActivityAt); err != nil {
			m.logger.Debug("postgres mirror: update last seen", zap.String("worker", name), zap.Error(err))
		}
	}

	m.logger.Info("worker disconnected", zap.String("name", name),
		zap.Int64("valid_shares", worker.ValidShares), zap.Int64("invalid_shares", worker.InvalidShares))
}

// RecordShare updates a worker's counters and hashrate estimate from the
// outcome of one mining.submit, then mirrors it best-effort.
func (m *Manager) RecordShare(ctx context.Context, name string, event *mining.ShareEvent, shareErr *mining.ShareError) {
	w, ok := m.workers.Load(name)
	if !ok {
		return
	}
	worker := w.(*Worker)

	worker.mu.Lock()
	now := time.Now()
	worker.LastActivityAt = now
	valid := shareErr == nil
	if valid {
		worker.ValidShares++
		if !worker.lastShareAt.IsZero() {
			worker.recentIntervalSum += now.Sub(worker.lastShareAt).Seconds()
			worker.recentIntervalN++
			if worker.recentIntervalN > 20 {
				worker.recentIntervalSum *= 20.0 / float64(worker.recentIntervalN)
				worker.recentIntervalN = 20
			}
		}
		worker.lastShareAt = now
		if worker.recentIntervalN > 0 {
			avg := worker.recentIntervalSum / float64(worker.recentIntervalN)
			if avg > 0 {
				worker.Hashrate = worker.Difficulty * 4294967296.0 / avg
				workerHashrate.WithLabelValues(name).Set(worker.Hashrate)
			}
		}
	} else {
		worker.InvalidShares++
	}
	worker.mu.Unlock()

	if m.redis != nil {
		go m.redis.IncrementWorkerShares(ctx, name, valid)

		if valid && event != nil {
			shareKey := fmt.Sprintf("%s:%s:%.8f", name, event.JobID, event.ShareDiff)
			go func() {
				if dup, err := m.redis.CheckDuplicateShare(ctx, shareKey); err != nil {
					m.logger.Debug("redis mirror: duplicate share check", zap.String("worker", name), zap.Error(err))
				} else if dup {
					// Non-authoritative: the in-process submitted-map in
					// internal/mining already rejected real duplicates before
					// this share reached RecordShare.
					m.logger.Warn("redis mirror reports duplicate share outside the authoritative dedup path",
						zap.String("worker", name), zap.String("job_id", event.JobID))
				}
			}()
		}

		if valid {
			go m.mirrorPoolHashrate(ctx)
		}
	}
	if m.postgres != nil && event != nil {
		share := &storage.Share{
			WorkerName:  name,
			JobID:       event.JobID,
			Difficulty:  event.Difficulty,
			ShareDiff:   event.ShareDiff,
			Valid:       valid,
			IsBlock:     event.IsBlock,
			BlockHash:   event.BlockHash,
			IPAddress:   event.IP,
			SubmittedAt: now,
		}
		if shareErr != nil {
			share.RejectReason = shareErr.Message
		}
		go func() {
			if err := m.postgres.InsertShare(ctx, share); err != nil {
				m.logger.Debug("postgres mirror: insert share", zap.String("worker", name), zap.Error(err))
			}
		}()
	}
}

// SetDifficulty records a worker's newly-retargeted difficulty, mirrored
// best-effort to Redis.
func (m *Manager) SetDifficulty(ctx context.Context, name string, difficulty float64) {
	w, ok := m.workers.Load(name)
	if !ok {
		return
	}
	worker := w.(*Worker)
	worker.mu.Lock()
	worker.Difficulty = difficulty
	worker.mu.Unlock()

	if m.redis != nil {
		go m.redis.SetWorkerDifficulty(ctx, name, difficulty)
	}
}

// mirrorPoolHashrate recomputes the sum of every worker's hashrate estimate
// and pushes it to Redis as the pool-wide gauge, best-effort.
func (m *Manager) mirrorPoolHashrate(ctx context.Context) {
	var total float64
	m.workers.Range(func(_, v interface{}) bool {
		worker := v.(*Worker)
		worker.mu.RLock()
		total += worker.Hashrate
		worker.mu.RUnlock()
		return true
	})

	m.hashrateMu.Lock()
	m.poolHashrate = total
	m.hashrateMu.Unlock()

	if err := m.redis.UpdatePoolHashrate(ctx, total); err != nil {
		m.logger.Debug("redis mirror: update pool hashrate", zap.Error(err))
	}
}

// Stats returns a worker's current share counters and hashrate estimate.
func (m *Manager) Stats(name string) (valid, invalid int64, hashrate float64, ok bool) {
	w, found := m.workers.Load(name)
	if !found {
		return 0, 0, 0, false
	}
	worker := w.(*Worker)
	worker.mu.RLock()
	defer worker.mu.RUnlock()
	return worker.ValidShares, worker.InvalidShares, worker.Hashrate, true
}

// PoolHashrate returns the pool-wide hashrate estimate as of the last
// RecordShare call that updated it.
func (m *Manager) PoolHashrate() float64 {
	m.hashrateMu.Lock()
	defer m.hashrateMu.Unlock()
	return m.poolHashrate
}

// Count returns the number of currently registered workers.
func (m *Manager) Count() int {
	n := 0
	m.workers.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}
