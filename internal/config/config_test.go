package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"CODERUN_ADDR", "CODERUN_DATA_ROOT", "CODERUN_DB_PATH", "OPENCODE_BASE_URL",
		"OPENCODE_SERVER_USERNAME", "OPENCODE_SERVER_PASSWORD", "CODERUN_DEFAULT_AGENT",
		"CODERUN_MAX_UPLOAD_FILE_SIZE_BYTES", "CODERUN_SKILL_FALLBACK_THRESHOLD",
		"CODERUN_JOB_SOFT_TIMEOUT_SECONDS", "CODERUN_JOB_HARD_TIMEOUT_SECONDS",
		"CODERUN_PERMISSION_WAIT_TIMEOUT_SECONDS", "OPENCODE_REQUEST_TIMEOUT_SECONDS",
		"CODERUN_WORKER_POOL_SIZE", "CODERUN_DEFAULT_TENANT_ID", "CODERUN_DEFAULT_CREATED_BY",
		"CODERUN_API_PREFIX",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "data/workspaces", cfg.DataRoot)
	assert.Equal(t, "data/coderun.sqlite", cfg.DatabasePath)
	assert.Equal(t, "http://127.0.0.1:4096", cfg.OpencodeBaseURL)
	assert.Equal(t, "build", cfg.DefaultAgent)
	assert.Equal(t, int64(50*1024*1024), cfg.MaxUploadFileSizeBytes)
	assert.Equal(t, 0.45, cfg.SkillFallbackThreshold)
	assert.Equal(t, 900*time.Second, cfg.JobSoftTimeout)
	assert.Equal(t, 1200*time.Second, cfg.JobHardTimeout)
	assert.Equal(t, 4, cfg.WorkerPoolSize)
	assert.Equal(t, "/api/v1", cfg.APIPrefix)
}

func TestLoadOverridesFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("CODERUN_ADDR", ":9090")
	t.Setenv("CODERUN_SKILL_FALLBACK_THRESHOLD", "0.6")
	t.Setenv("CODERUN_JOB_SOFT_TIMEOUT_SECONDS", "60")
	t.Setenv("CODERUN_WORKER_POOL_SIZE", "8")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, 0.6, cfg.SkillFallbackThreshold)
	assert.Equal(t, 60*time.Second, cfg.JobSoftTimeout)
	assert.Equal(t, 8, cfg.WorkerPoolSize)
}

func TestLoadRejectsInvalidNumericEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("CODERUN_WORKER_POOL_SIZE", "not-a-number")

	_, err := Load()
	assert.Error(t, err)
}
