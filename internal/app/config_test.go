package app

import (
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func unsetEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, key := range keys {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	unsetEnv(t, "APP_ENV", "OPS_ADDR", "LEDGER_STORE", "PG_DSN", "BALANCE_CACHE_TTL",
		"LEDGER_POST_RETRIES", "LEDGER_BALANCE_TOLERANCE", "INTEGRITY_CRON")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, StorePostgres, cfg.LedgerStore)
	require.Equal(t, ":8081", cfg.OpsAddr)
	require.Equal(t, 10*time.Minute, cfg.BalanceCacheTTL)
	require.Equal(t, 3, cfg.PostRetries)
	require.Equal(t, "30 2 * * *", cfg.IntegrityCron)
	require.True(t, cfg.Tolerance().Equal(decimal.RequireFromString("0.01")))
	require.False(t, cfg.IsProduction())
}

func TestLoadConfigOverrides(t *testing.T) {
	unsetEnv(t, "LEDGER_POST_RETRIES", "BALANCE_CACHE_TTL")
	t.Setenv("LEDGER_STORE", " SQLite ")
	t.Setenv("SQLITE_PATH", ":memory:")
	t.Setenv("LEDGER_BALANCE_TOLERANCE", "0.005")
	t.Setenv("APP_ENV", "production")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, StoreSQLite, cfg.LedgerStore)
	require.True(t, cfg.Tolerance().Equal(decimal.RequireFromString("0.005")))
	require.True(t, cfg.IsProduction())
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	cases := map[string]map[string]string{
		"unknown store":      {"LEDGER_STORE": "mongo"},
		"bad tolerance":      {"LEDGER_BALANCE_TOLERANCE": "one cent"},
		"negative tolerance": {"LEDGER_BALANCE_TOLERANCE": "-0.01"},
		"negative retries":   {"LEDGER_POST_RETRIES": "-1"},
		"empty sqlite path":  {"LEDGER_STORE": "sqlite", "SQLITE_PATH": ""},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("LEDGER_STORE", "postgres")
			t.Setenv("PG_DSN", "postgres://localhost/ledger")
			t.Setenv("LEDGER_BALANCE_TOLERANCE", "0.01")
			t.Setenv("LEDGER_POST_RETRIES", "3")
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig()
			require.Error(t, err)
		})
	}
}
