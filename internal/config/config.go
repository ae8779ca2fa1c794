// Package config loads the single JSON (valid-YAML) configuration document
// spec.md §6 describes. Grounded on the teacher's internal/config/config.go:
// same Load/applyDefaults/validate/os.ExpandEnv structure, generalized from
// the teacher's TCP-server-plus-mining-tunables shape to the pool's full key
// set (coin, address, pubkey, daemons, ports, p2p, timers, toggles).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete, parsed pool configuration.
type Config struct {
	Coin    CoinConfig              `yaml:"coin"`
	Address string                  `yaml:"address"`
	Pubkey  string                  `yaml:"pubkey"`
	Daemons []DaemonConfig          `yaml:"daemons"`
	Ports   map[string]PortConfig   `yaml:"ports"`
	P2P     P2PConfig               `yaml:"p2p"`

	BlockRefreshInterval  time.Duration `yaml:"blockRefreshInterval"`
	JobRebroadcastTimeout time.Duration `yaml:"jobRebroadcastTimeout"`
	ConnectionTimeout     time.Duration `yaml:"connectionTimeout"`

	MinDiffAdjust bool `yaml:"minDiffAdjust"`

	PrintShares        bool `yaml:"printShares"`
	PrintHighShares    bool `yaml:"printHighShares"`
	PrintCurrentDiff   bool `yaml:"printCurrentDiff"`
	PrintNewWork       bool `yaml:"printNewWork"`
	PrintNethash       bool `yaml:"printNethash"`
	PrintVarDiffAdjust bool `yaml:"printVarDiffAdjust"`

	TCPProxyProtocol bool `yaml:"tcpProxyProtocol"`

	Logging LoggingConfig `yaml:"logging"`
	Redis   RedisConfig   `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// CoinConfig is spec.md §6's "coin" block. Reward is filled at runtime by
// the orchestrator's DetectCoinData step (spec.md §4.7 step 4), never read
// from the document.
type CoinConfig struct {
	Name             string `yaml:"name"`
	Symbol           string `yaml:"symbol"`
	PeerMagic        string `yaml:"peerMagic"`
	PeerMagicTestnet string `yaml:"peerMagicTestnet"`
	Algo             string `yaml:"algo"`
}

// DaemonConfig is one entry of spec.md §6's "daemons" list. Order matters —
// it determines batchCmd's and CmdStreaming's "first instance".
type DaemonConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// VarDiffConfig is spec.md §6's ports.<port>.varDiff block. A nil pointer on
// PortConfig means VarDiff is disabled for that port.
type VarDiffConfig struct {
	TargetTime      float64 `yaml:"targetTime"`
	RetargetTime    float64 `yaml:"retargetTime"`
	VariancePercent float64 `yaml:"variancePercent"`
	MinDiff         float64 `yaml:"minDiff"`
	MaxDiff         float64 `yaml:"maxDiff"`
}

// PortConfig is one entry of spec.md §6's "ports" map.
type PortConfig struct {
	Diff    float64        `yaml:"diff"`
	VarDiff *VarDiffConfig `yaml:"varDiff"`
}

// P2PConfig is spec.md §6's "p2p" block.
type P2PConfig struct {
	Enabled             bool   `yaml:"enabled"`
	Host                string `yaml:"host"`
	Port                int    `yaml:"port"`
	DisableTransactions bool   `yaml:"disableTransactions"`
}

// LoggingConfig holds ambient logging settings (spec.md §9's "external log
// sink" is out of process; this governs only our own structured logging).
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	FilePath string `yaml:"filePath"`
}

// RedisConfig holds the ambient Redis mirror's connection settings.
type RedisConfig struct {
	Host      string        `yaml:"host"`
	Port      int           `yaml:"port"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	PoolSize  int           `yaml:"poolSize"`
	KeyPrefix string        `yaml:"keyPrefix"`
	ShareTTL  time.Duration `yaml:"shareTTL"`
	WorkerTTL time.Duration `yaml:"workerTTL"`
}

// PostgresConfig holds the ambient Postgres audit trail's connection
// settings.
type PostgresConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	Database       string        `yaml:"database"`
	User           string        `yaml:"user"`
	Password       string        `yaml:"password"`
	MaxConnections int           `yaml:"maxConnections"`
	MinConnections int           `yaml:"minConnections"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
}

// Load reads, expands environment variables in, parses, defaults, and
// validates the configuration document at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse document: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Coin.Algo == "" {
		cfg.Coin.Algo = "equihash-komodo"
	}

	if cfg.BlockRefreshInterval == 0 {
		cfg.BlockRefreshInterval = 15 * time.Second
	}
	if cfg.JobRebroadcastTimeout == 0 {
		cfg.JobRebroadcastTimeout = 55 * time.Second
	}
	if cfg.ConnectionTimeout == 0 {
		cfg.ConnectionTimeout = 10 * time.Minute
	}

	for port, pc := range cfg.Ports {
		if pc.Diff == 0 {
			pc.Diff = 1
		}
		if pc.VarDiff != nil {
			if pc.VarDiff.TargetTime == 0 {
				pc.VarDiff.TargetTime = 15
			}
			if pc.VarDiff.RetargetTime == 0 {
				pc.VarDiff.RetargetTime = 90
			}
			if pc.VarDiff.VariancePercent == 0 {
				pc.VarDiff.VariancePercent = 30
			}
			if pc.VarDiff.MaxDiff == 0 {
				pc.VarDiff.MaxDiff = 1e9
			}
		}
		cfg.Ports[port] = pc
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}

	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 50
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "pool:"
	}
	if cfg.Redis.ShareTTL == 0 {
		cfg.Redis.ShareTTL = time.Hour
	}
	if cfg.Redis.WorkerTTL == 0 {
		cfg.Redis.WorkerTTL = 5 * time.Minute
	}

	if cfg.Postgres.Host == "" {
		cfg.Postgres.Host = "localhost"
	}
	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = 5432
	}
	if cfg.Postgres.MaxConnections == 0 {
		cfg.Postgres.MaxConnections = 20
	}
	if cfg.Postgres.MinConnections == 0 {
		cfg.Postgres.MinConnections = 2
	}
	if cfg.Postgres.ConnectTimeout == 0 {
		cfg.Postgres.ConnectTimeout = 10 * time.Second
	}
}

func validate(cfg *Config) error {
	if cfg.Address == "" {
		return fmt.Errorf("address is required")
	}
	if len(cfg.Daemons) == 0 {
		return fmt.Errorf("at least one daemon is required")
	}
	if len(cfg.Ports) == 0 {
		return fmt.Errorf("at least one listening port is required")
	}
	if cfg.Coin.Symbol == "" {
		return fmt.Errorf("coin.symbol is required")
	}
	if cfg.Coin.PeerMagic == "" {
		return fmt.Errorf("coin.peerMagic is required")
	}
	return nil
}
