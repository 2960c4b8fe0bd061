package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("expected error when config file missing")
	}
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.yaml")
	yaml := `
environment: STAGING
tegro:
  domain: tegro_testnet
  chain: polygon
  tradingPairs: ["WETH-USDT"]
apiServer:
  addr: ":9999"
telemetry:
  otlpEndpoint: http://localhost:4318
  serviceName: test-service
logging:
  level: DEBUG
  format: text
database:
  enabled: true
  dsn: postgresql://localhost:5432/test
  maxConns: 4
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}

	cfg, err := Load(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, EnvStaging, cfg.Environment)
	require.Equal(t, "tegro_testnet", cfg.Tegro["domain"])
	require.Equal(t, ":9999", cfg.APIServer.Addr)
	require.Equal(t, 10*time.Second, cfg.APIServer.ReadTimeout)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, "text", cfg.Logging.Format)
	require.Equal(t, "stdout", cfg.Logging.Output)
	require.True(t, cfg.Database.Enabled)
	require.Equal(t, int32(4), cfg.Database.MaxConns)
	require.Equal(t, int32(1), cfg.Database.MinConns)
	require.Empty(t, cfg.Database.MigrationsPath)
}

func TestParseAppliesDefaults(t *testing.T) {
	t.Setenv(APITokenEnv, "")
	cfg, err := Parse([]byte("tegro: {}\n"))
	require.NoError(t, err)
	require.Equal(t, EnvDev, cfg.Environment)
	require.Equal(t, "127.0.0.1:8880", cfg.APIServer.Addr)
	require.Empty(t, cfg.APIServer.AuthToken)
	require.Empty(t, cfg.APIServer.AllowedOrigins)
	require.Equal(t, "tegrolink", cfg.Telemetry.ServiceName)
	require.Equal(t, "info", cfg.Logging.Level)
	require.Equal(t, "json", cfg.Logging.Format)
	require.False(t, cfg.Database.Enabled)
	require.NotNil(t, cfg.Tegro)
}

func TestAPITokenFallsBackToEnv(t *testing.T) {
	t.Setenv(APITokenEnv, " from-env ")
	cfg, err := Parse([]byte("tegro: {}\n"))
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.APIServer.AuthToken)

	cfg, err = Parse([]byte("tegro: {}\napiServer:\n  authToken: from-file\n  allowedOrigins: [\"http://localhost:3000\"]\n"))
	require.NoError(t, err)
	require.Equal(t, "from-file", cfg.APIServer.AuthToken)
	require.Equal(t, []string{"http://localhost:3000"}, cfg.APIServer.AllowedOrigins)
}

func TestParseRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"environment": "environment: qa\n",
		"log level":   "logging:\n  level: loud\n",
		"log format":  "logging:\n  format: xml\n",
		"rotation":    "logging:\n  maxSizeMB: -1\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(doc)); err == nil {
				t.Fatalf("expected validation error for %s", name)
			}
		})
	}
}

func TestDatabaseValidationOnlyWhenEnabled(t *testing.T) {
	cfg, err := Parse([]byte("database:\n  enabled: false\n  minConns: 9\n  maxConns: 2\n"))
	require.NoError(t, err)
	require.Equal(t, cfg.Database.MaxConns, cfg.Database.MinConns)

	cfg.Database.MaxConnLifetime = -time.Second
	cfg.Database.Enabled = true
	err = cfg.Validate()
	require.Error(t, err)
	require.True(t, strings.HasPrefix(err.Error(), "database:"))
}

func TestExampleConfigLoads(t *testing.T) {
	cfg, err := Load(context.Background(), filepath.Join("..", "..", "..", "config", "app.example.yaml"))
	require.NoError(t, err)
	require.Equal(t, EnvDev, cfg.Environment)
	require.Equal(t, "tegro_testnet", cfg.Tegro["domain"])
	require.False(t, cfg.Database.Enabled)
	require.True(t, cfg.Database.RunMigrations)
}
