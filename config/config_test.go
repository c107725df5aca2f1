package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	for _, k := range []string{"PORT", "DATABASE_DRIVER", "DATABASE_URL", "WEBHOOK_PATH", "SYNC_SCHEDULE", "PROVIDER_TIMEOUT", "EVOLUTION_BASE_URL"} {
		t.Setenv(k, "")
	}

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "sqlite", cfg.DatabaseDriver)
	assert.Equal(t, "inbox.db", cfg.DatabaseURL)
	assert.Equal(t, "/webhooks/evolution", cfg.WebhookPath)
	assert.Equal(t, "@every 60s", cfg.SyncSchedule)
	assert.Equal(t, 15*time.Second, cfg.ProviderTimeout)
	assert.False(t, cfg.ProviderConfigured())
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("WEBHOOK_PATH", "hooks/evo/")
	t.Setenv("SYNC_SCHEDULE", "off")
	t.Setenv("PROVIDER_TIMEOUT", "3s")
	t.Setenv("SYNC_ACCOUNTS", " a1, ,a2 ")
	t.Setenv("S3_ENABLED", "true")
	t.Setenv("EVOLUTION_BASE_URL", "https://evo.example.com/")
	t.Setenv("EVOLUTION_API_KEY", "k")
	t.Setenv("EVOLUTION_INSTANCE", "main")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "/hooks/evo", cfg.WebhookPath)
	assert.Empty(t, cfg.SyncSchedule)
	assert.Equal(t, 3*time.Second, cfg.ProviderTimeout)
	assert.Equal(t, []string{"a1", "a2"}, cfg.SyncAccounts)
	assert.True(t, cfg.S3Enabled)
	assert.Equal(t, "https://evo.example.com", cfg.EvolutionBaseURL)
	assert.True(t, cfg.ProviderConfigured())
}
