// Package config loads the deployment run configuration from a YAML file
// with SHIPLANE_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full configuration for one deployment run.
type Config struct {
	Workload  WorkloadConfig  `mapstructure:"workload" yaml:"workload"`
	Registry  RegistryConfig  `mapstructure:"registry" yaml:"registry"`
	Terraform TerraformConfig `mapstructure:"terraform" yaml:"terraform"`
	Kube      KubeConfig      `mapstructure:"kube" yaml:"kube"`
	Retry     RetryConfig     `mapstructure:"retry" yaml:"retry"`
	Health    HealthConfig    `mapstructure:"health" yaml:"health"`
	History   HistoryConfig   `mapstructure:"history" yaml:"history"`
}

// WorkloadConfig identifies the deployed workload.
type WorkloadConfig struct {
	Name        string `mapstructure:"name" yaml:"name"`                 // Deployment name
	Namespace   string `mapstructure:"namespace" yaml:"namespace"`       // Kubernetes namespace
	Container   string `mapstructure:"container" yaml:"container"`       // Container to retarget on set-image
	ManifestDir string `mapstructure:"manifest_dir" yaml:"manifest_dir"` // Directory of static manifests
}

// RegistryConfig configures image publishing. URL is the operator-provided
// fallback consulted only when provisioning produced no registry output.
type RegistryConfig struct {
	URL        string `mapstructure:"url" yaml:"url"`
	Repository string `mapstructure:"repository" yaml:"repository"`
	Tarball    string `mapstructure:"tarball" yaml:"tarball"` // Path to the image tarball produced by the builder
	AWSRegion  string `mapstructure:"aws_region" yaml:"aws_region"`
}

// TerraformConfig configures the infrastructure provisioning stage.
type TerraformConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// KubeConfig configures cluster access.
type KubeConfig struct {
	Kubeconfig     string        `mapstructure:"kubeconfig" yaml:"kubeconfig"`
	Context        string        `mapstructure:"context" yaml:"context"`
	Service        string        `mapstructure:"service" yaml:"service"` // Service fronting the workload
	Port           int           `mapstructure:"port" yaml:"port"`       // Workload container port, used by the tunnel fallback
	RolloutTimeout time.Duration `mapstructure:"rollout_timeout" yaml:"rollout_timeout"`
}

// RetryConfig is the default stage retry policy.
type RetryConfig struct {
	MaxAttempts   uint          `mapstructure:"max_attempts" yaml:"max_attempts"`
	Delay         time.Duration `mapstructure:"delay" yaml:"delay"`
	LinearBackoff bool          `mapstructure:"linear_backoff" yaml:"linear_backoff"`
}

// HealthConfig bounds health verification. Advisory downgrades probe
// exhaustion from fatal-with-rollback to a recorded advisory; shipping an
// unhealthy deployment silently is a correctness risk, so it defaults off.
type HealthConfig struct {
	Attempts     uint          `mapstructure:"attempts" yaml:"attempts"`
	Interval     time.Duration `mapstructure:"interval" yaml:"interval"`
	EndpointWait time.Duration `mapstructure:"endpoint_wait" yaml:"endpoint_wait"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
	Advisory     bool          `mapstructure:"advisory" yaml:"advisory"`
}

// HistoryConfig configures the optional run report archive.
//
// WARNING: DSN may embed credentials; set it via SHIPLANE_HISTORY_DSN rather
// than the config file, and never log it.
type HistoryConfig struct {
	DSN string `mapstructure:"dsn" yaml:"dsn"`
}

// Load reads the config file at path and applies environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("SHIPLANE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("workload.namespace", "default")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.delay", 10*time.Second)
	v.SetDefault("health.attempts", 5)
	v.SetDefault("health.interval", 30*time.Second)
	v.SetDefault("health.endpoint_wait", time.Minute)
	v.SetDefault("health.probe_timeout", 5*time.Second)
	v.SetDefault("kube.rollout_timeout", 5*time.Minute)

	// Empty defaults register keys commonly supplied via environment only,
	// so AutomaticEnv picks them up during Unmarshal.
	v.SetDefault("history.dsn", "")
	v.SetDefault("registry.url", "")
	v.SetDefault("registry.aws_region", "")
	v.SetDefault("kube.kubeconfig", "")
}

// Validate checks the fields every run needs.
func (c *Config) Validate() error {
	if c.Workload.Name == "" {
		return errors.New("workload.name is required")
	}
	if c.Workload.Container == "" {
		return errors.New("workload.container is required")
	}
	if c.Workload.ManifestDir == "" {
		return errors.New("workload.manifest_dir is required")
	}
	if c.Registry.Repository == "" {
		return errors.New("registry.repository is required")
	}
	if c.Retry.MaxAttempts == 0 {
		return errors.New("retry.max_attempts must be at least 1")
	}
	if c.Health.Attempts == 0 {
		return errors.New("health.attempts must be at least 1")
	}

	return nil
}

// FallbackValues returns the externally supplied defaults consulted by the
// pipeline context when no stage produced a key.
func (c *Config) FallbackValues() map[string]string {
	values := map[string]string{}
	if c.Registry.URL != "" {
		values["registry.url"] = c.Registry.URL
	}

	return values
}
