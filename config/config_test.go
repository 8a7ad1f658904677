package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "shiplane.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	return path
}

const validConfig = `
workload:
  name: taskboard
  namespace: tasks
  container: api
  manifest_dir: deploy/k8s
registry:
  url: 123456789012.dkr.ecr.us-east-1.amazonaws.com
  repository: taskboard
  tarball: build/image.tar
terraform:
  dir: deploy/terraform
kube:
  service: taskboard
  port: 5000
health:
  attempts: 8
  interval: 15s
`

func Test_Load(t *testing.T) {
	path := writeConfig(t, validConfig)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "taskboard", cfg.Workload.Name)
	assert.Equal(t, "tasks", cfg.Workload.Namespace)
	assert.Equal(t, uint(8), cfg.Health.Attempts)
	assert.Equal(t, 15*time.Second, cfg.Health.Interval)

	// Defaults fill what the file omits.
	assert.Equal(t, uint(3), cfg.Retry.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.Retry.Delay)
	assert.Equal(t, time.Minute, cfg.Health.EndpointWait)
	assert.Equal(t, 5*time.Minute, cfg.Kube.RolloutTimeout)
	assert.False(t, cfg.Health.Advisory)
}

func Test_Load_EnvOverride(t *testing.T) {
	t.Setenv("SHIPLANE_WORKLOAD_NAMESPACE", "staging")
	t.Setenv("SHIPLANE_HISTORY_DSN", "postgres://shiplane@db/shiplane")

	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, "staging", cfg.Workload.Namespace)
	assert.Equal(t, "postgres://shiplane@db/shiplane", cfg.History.DSN)
}

func Test_Load_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func Test_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing workload name",
			mutate:  func(c *Config) { c.Workload.Name = "" },
			wantErr: "workload.name",
		},
		{
			name:    "missing container",
			mutate:  func(c *Config) { c.Workload.Container = "" },
			wantErr: "workload.container",
		},
		{
			name:    "missing repository",
			mutate:  func(c *Config) { c.Registry.Repository = "" },
			wantErr: "registry.repository",
		},
		{
			name:    "zero retry attempts",
			mutate:  func(c *Config) { c.Retry.MaxAttempts = 0 },
			wantErr: "retry.max_attempts",
		},
		{
			name:    "zero health attempts",
			mutate:  func(c *Config) { c.Health.Attempts = 0 },
			wantErr: "health.attempts",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := &Config{
				Workload: WorkloadConfig{
					Name: "taskboard", Namespace: "tasks", Container: "api", ManifestDir: "deploy/k8s",
				},
				Registry: RegistryConfig{Repository: "taskboard"},
				Retry:    RetryConfig{MaxAttempts: 3},
				Health:   HealthConfig{Attempts: 5},
			}
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
			} else {
				require.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func Test_FallbackValues(t *testing.T) {
	t.Parallel()

	cfg := &Config{}
	assert.Empty(t, cfg.FallbackValues())

	cfg.Registry.URL = "registry.example.com"
	assert.Equal(t, map[string]string{"registry.url": "registry.example.com"}, cfg.FallbackValues())
}
