package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// clearEnv shields the test from ambient environment overrides
// 実行環境の環境変数がテストに影響しないよう退避する
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME", "DB_SSLMODE",
		"API_PORT", "LEDGER_DEFAULT_RESERVATION_TTL", "LEDGER_SWEEP_INTERVAL",
		"LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, 8080, cfg.API.Port)
	assert.Equal(t, 24*time.Hour, cfg.Ledger.DefaultReservationTTL)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	clearEnv(t)
	path := writeConfigFile(t, `
database:
  host: db.internal
  port: 5433
api:
  port: 9090
logging:
  level: debug
`)

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	// ファイルで指定した項目は上書きされる
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 5433, cfg.Database.Port)
	assert.Equal(t, 9090, cfg.API.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// ファイルが触れない項目はデフォルトのまま
	assert.Equal(t, "ledger", cfg.Database.User)
	assert.Equal(t, 24*time.Hour, cfg.Ledger.DefaultReservationTTL)
	assert.Equal(t, time.Minute, cfg.Ledger.SweepInterval)
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadFileInvalidValuesRejected(t *testing.T) {
	path := writeConfigFile(t, `
api:
  port: -1
`)

	_, err := LoadFile(path)
	assert.Error(t, err)
}

func TestLoadFileMalformedYAML(t *testing.T) {
	path := writeConfigFile(t, "database: [broken")

	_, err := LoadFile(path)
	assert.Error(t, err)
}
