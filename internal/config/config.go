// Package config loads coderun's runtime configuration from the environment.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every option listed in the spec's configuration section (§6.5).
type Config struct {
	Addr string

	DataRoot               string
	MaxUploadFileSizeBytes int64

	DatabasePath string

	OpencodeBaseURL        string
	OpencodeServerUsername string
	OpencodeServerPassword string
	OpencodeRequestTimeout time.Duration
	StreamReadTimeout      time.Duration

	DefaultAgent           string
	SkillFallbackThreshold float64

	JobSoftTimeout        time.Duration
	JobHardTimeout        time.Duration
	PermissionWaitTimeout time.Duration

	DefaultTenantID  string
	DefaultCreatedBy string

	APIPrefix string

	WorkerPoolSize int
}

// Load reads Config from the environment, applying the defaults from spec.md §6.5.
func Load() (Config, error) {
	cfg := Config{
		Addr:                   env("CODERUN_ADDR", ":8080"),
		DataRoot:               env("CODERUN_DATA_ROOT", "data/workspaces"),
		MaxUploadFileSizeBytes: 50 * 1024 * 1024,
		DatabasePath:           env("CODERUN_DB_PATH", "data/coderun.sqlite"),
		OpencodeBaseURL:        env("OPENCODE_BASE_URL", "http://127.0.0.1:4096"),
		OpencodeServerUsername: env("OPENCODE_SERVER_USERNAME", ""),
		OpencodeServerPassword: env("OPENCODE_SERVER_PASSWORD", ""),
		OpencodeRequestTimeout: 30 * time.Second,
		StreamReadTimeout:      10 * time.Second,
		DefaultAgent:           env("CODERUN_DEFAULT_AGENT", "build"),
		SkillFallbackThreshold: 0.45,
		JobSoftTimeout:         900 * time.Second,
		JobHardTimeout:         1200 * time.Second,
		PermissionWaitTimeout:  120 * time.Second,
		DefaultTenantID:        env("CODERUN_DEFAULT_TENANT_ID", "default"),
		DefaultCreatedBy:       env("CODERUN_DEFAULT_CREATED_BY", "api"),
		APIPrefix:              env("CODERUN_API_PREFIX", "/api/v1"),
		WorkerPoolSize:         4,
	}

	if v := strings.TrimSpace(os.Getenv("CODERUN_MAX_UPLOAD_FILE_SIZE_BYTES")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Config{}, err
		}
		cfg.MaxUploadFileSizeBytes = n
	}
	if v := strings.TrimSpace(os.Getenv("CODERUN_SKILL_FALLBACK_THRESHOLD")); v != "" {
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Config{}, err
		}
		cfg.SkillFallbackThreshold = n
	}
	if d, err := secondsEnv("CODERUN_JOB_SOFT_TIMEOUT_SECONDS"); err != nil {
		return Config{}, err
	} else if d > 0 {
		cfg.JobSoftTimeout = d
	}
	if d, err := secondsEnv("CODERUN_JOB_HARD_TIMEOUT_SECONDS"); err != nil {
		return Config{}, err
	} else if d > 0 {
		cfg.JobHardTimeout = d
	}
	if d, err := secondsEnv("CODERUN_PERMISSION_WAIT_TIMEOUT_SECONDS"); err != nil {
		return Config{}, err
	} else if d > 0 {
		cfg.PermissionWaitTimeout = d
	}
	if d, err := secondsEnv("OPENCODE_REQUEST_TIMEOUT_SECONDS"); err != nil {
		return Config{}, err
	} else if d > 0 {
		cfg.OpencodeRequestTimeout = d
	}
	if v := strings.TrimSpace(os.Getenv("CODERUN_WORKER_POOL_SIZE")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, err
		}
		cfg.WorkerPoolSize = n
	}

	if cfg.DataRoot == "" {
		return Config{}, errors.New("missing CODERUN_DATA_ROOT")
	}
	if cfg.DatabasePath == "" {
		return Config{}, errors.New("missing CODERUN_DB_PATH")
	}
	if cfg.OpencodeBaseURL == "" {
		return Config{}, errors.New("missing OPENCODE_BASE_URL")
	}

	return cfg, nil
}

func secondsEnv(key string) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func env(key, def string) string {
	if v := os.Getenv(key); strings.TrimSpace(v) != "" {
		return v
	}
	return def
}
