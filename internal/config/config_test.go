package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "store", cfg.Cache.Backend)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Batch.MaxConcurrentDocuments)
	assert.InDelta(t, 85.0, cfg.Batch.MemoryHighWaterPct, 0.001)
	assert.Equal(t, 3, cfg.Batch.DeadLetterMaxRetries)
	assert.Equal(t, 300, cfg.Batch.DeadLetterBackoffSecs)
	assert.InDelta(t, 0.9, cfg.Pipeline.AcceptThreshold, 0.001)
	assert.Equal(t, 3, cfg.Pipeline.MaxIterations)
	assert.InDelta(t, 0.8, cfg.Pipeline.QualityAuditPenalty, 0.001)
	assert.InDelta(t, 0.85, cfg.Pipeline.DefaultConfidenceThreshold, 0.001)
	assert.Equal(t, 45, cfg.Pipeline.CallTimeoutSecs)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 2000, cfg.Retry.InitialBackoffMs)
	assert.Equal(t, 60000, cfg.Retry.MaxBackoffMs)
	assert.InDelta(t, 2.0, cfg.Retry.Multiplier, 0.001)
	assert.InDelta(t, 0.001, cfg.Pricing.Tiers.Local, 0.0001)
	assert.InDelta(t, 0.01, cfg.Pricing.Tiers.Cheap, 0.0001)
	assert.InDelta(t, 0.05, cfg.Pricing.Tiers.Expensive, 0.0001)
	assert.InDelta(t, 0.5, cfg.Cost.EscalationProbability, 0.001)
	assert.Equal(t, "claude-haiku-4-5-20251001", cfg.Anthropic.CheapModel)
	assert.Equal(t, "http://localhost:11434", cfg.Ollama.ServerURL)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/extract
log:
  level: debug
  format: console
server:
  port: 9090
batch:
  max_concurrent_documents: 10
pipeline:
  confidence_calibration:
    local: 0.9
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 10, cfg.Batch.MaxConcurrentDocuments)
	assert.InDelta(t, 0.9, cfg.Pipeline.ConfidenceCalibration["local"], 0.001)
	// Defaults still apply for unset values
	assert.Equal(t, 3, cfg.Pipeline.MaxIterations)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("EXTRACT_STORE_DRIVER", "postgres")
	t.Setenv("EXTRACT_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("EXTRACT_SERVER_PORT", "3000")
	t.Setenv("EXTRACT_COST_HARD_CEILING_USD", "1.5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.InDelta(t, 1.5, cfg.Cost.HardCeilingUSD, 0.001)
}

func TestLoadMalformedFile(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unclosed"), 0644))

	_, err := Load()
	assert.Error(t, err)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.DatabaseURL = "extract.db"
	cfg.Cache.Backend = "store"
	cfg.Schema.Path = "schema.yaml"
	cfg.Batch.MaxConcurrentDocuments = 4
	cfg.Batch.MemoryHighWaterPct = 85
	cfg.Pipeline.AcceptThreshold = 0.9
	cfg.Pipeline.MaxIterations = 3
	cfg.Pipeline.QualityAuditPenalty = 0.8
	cfg.Pipeline.DefaultConfidenceThreshold = 0.85
	cfg.Pipeline.QuoteSimilarity = 0.9
	cfg.Cost.EscalationProbability = 0.5
	cfg.Server.Port = 8080
	return cfg
}

func TestValidateRun_AllPresent(t *testing.T) {
	cfg := validDefaults()
	cfg.Anthropic.Key = "sk-ant-key"

	assert.NoError(t, cfg.Validate("run"))
	assert.NoError(t, cfg.Validate("batch"))
}

func TestValidateRun_OllamaOnly(t *testing.T) {
	cfg := validDefaults()
	cfg.Ollama.Enabled = true

	assert.NoError(t, cfg.Validate("run"))
}

func TestValidateRun_MissingFields(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.DatabaseURL = ""
	cfg.Schema.Path = ""

	err := cfg.Validate("run")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")
	assert.Contains(t, err.Error(), "anthropic.key is required")
	assert.Contains(t, err.Error(), "schema.path is required")
}

func TestValidateEstimate_NoKeysNeeded(t *testing.T) {
	cfg := validDefaults()
	assert.NoError(t, cfg.Validate("estimate"))
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Anthropic.Key = "sk-ant-key"
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestValidateCacheBackend(t *testing.T) {
	cfg := validDefaults()

	cfg.Cache.Backend = "memcached"
	err := cfg.Validate("cache")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "cache.backend")

	cfg.Cache.Backend = "redis"
	err = cfg.Validate("cache")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "redis.addr is required")

	cfg.Redis.Addr = "localhost:6379"
	assert.NoError(t, cfg.Validate("cache"))
}

func TestValidateConcurrencyBounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Batch.MaxConcurrentDocuments = 0
	err := cfg.Validate("estimate")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "max_concurrent_documents must be between 1 and 64")

	cfg.Batch.MaxConcurrentDocuments = 65
	err = cfg.Validate("estimate")
	assert.Error(t, err)

	cfg.Batch.MaxConcurrentDocuments = 64
	assert.NoError(t, cfg.Validate("estimate"))
}

func TestValidateThresholds(t *testing.T) {
	cfg := validDefaults()

	cfg.Pipeline.AcceptThreshold = 1.1
	err := cfg.Validate("estimate")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "pipeline.accept_threshold")

	cfg.Pipeline.AcceptThreshold = 0.9
	cfg.Pipeline.ConfidenceCalibration = map[string]float64{"cheap": 0}
	err = cfg.Validate("estimate")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "confidence_calibration.cheap")

	cfg.Pipeline.ConfidenceCalibration = map[string]float64{"cheap": 1.1}
	assert.NoError(t, cfg.Validate("estimate"))
}
