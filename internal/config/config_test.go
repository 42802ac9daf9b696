package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, body string) string {
	dir := t.TempDir()
	path := filepath.Join(dir, "scheduler.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, "task_file: tasks.txt\n")

	cfg, err := NewManager(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.CheckTime)
	assert.Equal(t, 1, cfg.MinGPU)
	assert.Equal(t, 8, cfg.MaxGPU)
	assert.Equal(t, 3, cfg.RetryConfig.MaxRetryBeforeBackoff)
	assert.Equal(t, "127.0.0.1:8080", cfg.ServerAddress())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
check_time: 2s
min_gpu: 2
max_gpu: 4
use_all_gpus: false
compete_gpus: [0, 1]
task_file: tasks.txt
retry_config:
  max_retry_before_backoff: 5
  backoff_duration: 30s
`)

	cfg, err := NewManager(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.CheckTime)
	assert.Equal(t, 2, cfg.MinGPU)
	assert.Equal(t, 4, cfg.MaxGPU)
	assert.Equal(t, []int{0, 1}, cfg.CompeteGPUs)
	assert.Equal(t, 30*time.Second, cfg.RetryConfig.BackoffDuration)
}

func TestValidateRejectsMaxBelowMin(t *testing.T) {
	path := writeConfigFile(t, "min_gpu: 4\nmax_gpu: 2\ntask_file: tasks.txt\n")

	_, err := NewManager(path).Load()
	assert.Error(t, err)
}

func TestValidateRequiresCompeteGPUsWhenNotUsingAll(t *testing.T) {
	path := writeConfigFile(t, "use_all_gpus: false\ntask_file: tasks.txt\n")

	_, err := NewManager(path).Load()
	assert.Error(t, err)
}

func TestValidateRequiresTaskFile(t *testing.T) {
	path := writeConfigFile(t, "min_gpu: 1\n")

	_, err := NewManager(path).Load()
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := NewManager(filepath.Join(t.TempDir(), "missing.yaml")).Load()
	assert.Error(t, err)
}
