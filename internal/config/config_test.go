package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadParsesDurationsAndLists(t *testing.T) {
	t.Setenv("TASK_CACHE_TTL", "45m")
	t.Setenv("DELIVERY_CHECK_DELAY", "not-a-duration")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("SCHEDULER_MAX_WORKERS", "8")

	cfg := Load()

	assert.Equal(t, 45*time.Minute, cfg.TaskCacheTTL)
	assert.Equal(t, 5*time.Minute, cfg.DeliveryCheckDelay)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSAllowedOrigins)
	assert.Equal(t, 8, cfg.SchedulerMaxWorkers)
}

func TestLocationFallsBackToUTC(t *testing.T) {
	assert.Equal(t, time.UTC, Config{Timezone: "Nowhere/Invalid"}.Location())
}

func TestLoadDotEnvKeepsProcessEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("WHATSAPP_SENDER=from-file\nSHEETS_TOKEN=\"quoted token\"\n"), 0o600))

	t.Setenv("WHATSAPP_SENDER", "from-process")
	t.Setenv("SHEETS_TOKEN", "")
	require.NoError(t, os.Unsetenv("SHEETS_TOKEN"))

	require.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env"), path))

	assert.Equal(t, "from-process", os.Getenv("WHATSAPP_SENDER"))
	assert.Equal(t, "quoted token", os.Getenv("SHEETS_TOKEN"))
}
