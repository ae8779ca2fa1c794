package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
address: "RSomeAddress123"
coin:
  symbol: "KMD"
  peerMagic: "f9beb4d9"
daemons:
  - host: "127.0.0.1"
    port: 7771
    user: "${DAEMON_USER}"
    password: "secret"
ports:
  "3333":
    diff: 64
    varDiff:
      maxDiff: 500000
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	t.Setenv("DAEMON_USER", "rpcuser")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "rpcuser", cfg.Daemons[0].User, "os.ExpandEnv must resolve ${DAEMON_USER}")
	assert.Equal(t, "equihash-komodo", cfg.Coin.Algo)
	assert.Equal(t, 15*time.Second, cfg.BlockRefreshInterval)
	assert.Equal(t, 55*time.Second, cfg.JobRebroadcastTimeout)
	assert.Equal(t, 10*time.Minute, cfg.ConnectionTimeout)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "stdout", cfg.Logging.Output)
	assert.Equal(t, "localhost", cfg.Redis.Host)
	assert.Equal(t, 6379, cfg.Redis.Port)
	assert.Equal(t, "pool:", cfg.Redis.KeyPrefix)
	assert.Equal(t, "localhost", cfg.Postgres.Host)
	assert.Equal(t, 20, cfg.Postgres.MaxConnections)

	port := cfg.Ports["3333"]
	require.NotNil(t, port.VarDiff)
	assert.Equal(t, 64.0, port.Diff)
	assert.Equal(t, 15.0, port.VarDiff.TargetTime)
	assert.Equal(t, 90.0, port.VarDiff.RetargetTime)
	assert.Equal(t, 30.0, port.VarDiff.VariancePercent)
	assert.Equal(t, 500000.0, port.VarDiff.MaxDiff, "an explicitly set value must survive defaulting")
}

func TestLoadPreservesExplicitNonZeroValues(t *testing.T) {
	path := writeConfig(t, `
address: "RSomeAddress123"
coin:
  symbol: "KMD"
  peerMagic: "f9beb4d9"
  algo: "equihash-zcash"
daemons:
  - host: "127.0.0.1"
    port: 7771
ports:
  "3333":
    diff: 64
blockRefreshInterval: 5s
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "equihash-zcash", cfg.Coin.Algo)
	assert.Equal(t, 5*time.Second, cfg.BlockRefreshInterval)
}

func TestLoadRejectsMissingAddress(t *testing.T) {
	path := writeConfig(t, `
coin:
  symbol: "KMD"
  peerMagic: "f9beb4d9"
daemons:
  - host: "127.0.0.1"
    port: 7771
ports:
  "3333":
    diff: 64
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsNoDaemons(t *testing.T) {
	path := writeConfig(t, `
address: "RSomeAddress123"
coin:
  symbol: "KMD"
  peerMagic: "f9beb4d9"
ports:
  "3333":
    diff: 64
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestLoadRejectsMalformedDocument(t *testing.T) {
	path := writeConfig(t, "not: [valid: yaml")
	_, err := Load(path)
	assert.Error(t, err)
}
