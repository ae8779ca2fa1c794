// Package storage provides PostgreSQL client for persistent data.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/komodo-solomining/pool/internal/config"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresClient wraps PostgreSQL operations for the stratum server.
type PostgresClient struct {
	pool   *pgxpool.Pool
	cfg    config.PostgresConfig
	logger *zap.Logger
}

// Worker represents a worker record in the database.
type Worker struct {
	ID          int64
	Name        string
	Address     string
	FirstSeenAt time.Time
	LastSeenAt  time.Time
}

// Share represents a share record in the database.
type Share struct {
	ID           int64
	WorkerName   string
	JobID        string
	Difficulty   float64
	ShareDiff    float64
	Valid        bool
	IsBlock      bool
	BlockHash    string
	RejectReason string
	IPAddress    string
	SubmittedAt  time.Time
}

// Block represents a block record in the database.
type Block struct {
	ID         int64
	Hash       string
	Height     int64
	WorkerName string
	Difficulty float64
	FoundAt    time.Time
	Confirmed  bool
}

// NewPostgresClient creates a new PostgreSQL client.
func NewPostgresClient(ctx context.Context, cfg config.PostgresConfig, logger *zap.Logger) (*PostgresClient, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s pool_max_conns=%d pool_min_conns=%d",
		cfg.Host, cfg.Port, cfg.Database, cfg.User, cfg.Password,
		cfg.MaxConnections, cfg.MinConnections,
	)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	poolConfig.ConnConfig.ConnectTimeout = cfg.ConnectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	logger.Info("Connected to PostgreSQL",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("database", cfg.Database),
	)

	client := &PostgresClient{
		pool:   pool,
		cfg:    cfg,
		logger: logger.Named("postgres"),
	}

	// Initialize schema
	if err := client.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return client, nil
}

// Close closes the database connection pool.
func (p *PostgresClient) Close() {
	p.pool.Close()
}

// initSchema creates the necessary database tables if they don't exist.
func (p *PostgresClient) initSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS stratum_workers (
			id BIGSERIAL PRIMARY KEY,
			name VARCHAR(255) UNIQUE NOT NULL,
			address VARCHAR(255),
			first_seen_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_seen_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_stratum_workers_name ON stratum_workers(name);
		CREATE INDEX IF NOT EXISTS idx_stratum_workers_last_seen ON stratum_workers(last_seen_at);

		CREATE TABLE IF NOT EXISTS stratum_shares (
			id BIGSERIAL PRIMARY KEY,
			worker_name VARCHAR(255) NOT NULL,
			job_id VARCHAR(64) NOT NULL,
			difficulty DOUBLE PRECISION NOT NULL,
			share_diff DOUBLE PRECISION NOT NULL DEFAULT 0,
			valid BOOLEAN NOT NULL DEFAULT FALSE,
			is_block BOOLEAN NOT NULL DEFAULT FALSE,
			block_hash VARCHAR(64),
			reject_reason VARCHAR(255),
			ip_address VARCHAR(45),
			submitted_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_stratum_shares_worker ON stratum_shares(worker_name);
		CREATE INDEX IF NOT EXISTS idx_stratum_shares_submitted ON stratum_shares(submitted_at);
		CREATE INDEX IF NOT EXISTS idx_stratum_shares_valid ON stratum_shares(valid);
		CREATE INDEX IF NOT EXISTS idx_stratum_shares_block ON stratum_shares(is_block) WHERE is_block = TRUE;

		CREATE TABLE IF NOT EXISTS stratum_blocks (
			id BIGSERIAL PRIMARY KEY,
			hash VARCHAR(64) UNIQUE NOT NULL,
			height BIGINT NOT NULL,
			worker_name VARCHAR(255) NOT NULL,
			difficulty DOUBLE PRECISION NOT NULL,
			found_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			confirmed BOOLEAN NOT NULL DEFAULT FALSE
		);

		CREATE INDEX IF NOT EXISTS idx_stratum_blocks_height ON stratum_blocks(height);
		CREATE INDEX IF NOT EXISTS idx_stratum_blocks_worker ON stratum_blocks(worker_name);
	`

	_, err := p.pool.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// UpsertWorker inserts or updates a worker record.
func (p *PostgresClient) UpsertWorker(ctx context.Context, worker *Worker) error {
	query := `
		INSERT INTO stratum_workers (name, address, first_seen_at, last_seen_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE SET
			address = EXCLUDED.address,
			last_seen_at = EXCLUDED.last_seen_at,
			updated_at = NOW()
	`

	_, err := p.pool.Exec(ctx, query,
		worker.Name, worker.Address, worker.FirstSeenAt, worker.LastSeenAt)
	if err != nil {
		return fmt.Errorf("failed to upsert worker: %w", err)
	}

	return nil
}

// UpdateWorkerLastSeen updates the last seen timestamp for a worker.
func (p *PostgresClient) UpdateWorkerLastSeen(ctx context.Context, name string, lastSeen time.Time) error {
	query := `UPDATE stratum_workers SET last_seen_at = $2, updated_at = NOW() WHERE name = $1`

	_, err := p.pool.Exec(ctx, query, name, lastSeen)
	if err != nil {
		return fmt.Errorf("failed to update worker last seen: %w", err)
	}

	return nil
}

// InsertShare inserts a share record.
func (p *PostgresClient) InsertShare(ctx context.Context, share *Share) error {
	query := `
		INSERT INTO stratum_shares (worker_name, job_id, difficulty, share_diff, valid, is_block, block_hash, reject_reason, ip_address, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := p.pool.Exec(ctx, query,
		share.WorkerName, share.JobID, share.Difficulty, share.ShareDiff,
		share.Valid, share.IsBlock, share.BlockHash, share.RejectReason,
		share.IPAddress, share.SubmittedAt)
	if err != nil {
		return fmt.Errorf("failed to insert share: %w", err)
	}

	return nil
}

// InsertBlock inserts a block record.
func (p *PostgresClient) InsertBlock(ctx context.Context, block *Block) error {
	query := `
		INSERT INTO stratum_blocks (hash, height, worker_name, difficulty, found_at, confirmed)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := p.pool.Exec(ctx, query,
		block.Hash, block.Height, block.WorkerName, block.Difficulty,
		block.FoundAt, block.Confirmed)
	if err != nil {
		return fmt.Errorf("failed to insert block: %w", err)
	}

	return nil
}

