// Package config loads and validates the controller's configuration:
// defaults, environment variable overrides, then an optional YAML
// file, unmarshaled into a single immutable value.
//
// Grounded on the teacher's Load layering (viper.SetDefault per key,
// SetEnvPrefix+AutomaticEnv with a "." to "_" replacer, optional
// SetConfigFile), generalized from Zeno's AWS/Docker-provider domain
// to the runner-controller's IaaS/CI domain.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully-resolved, immutable controller configuration.
type Config struct {
	CI        CIConfig        `mapstructure:"ci"`
	Cloud     CloudConfig     `mapstructure:"cloud"`
	Naming    NamingConfig    `mapstructure:"naming"`
	Labels    LabelsConfig    `mapstructure:"labels"`
	Scaling   ScalingConfig   `mapstructure:"scaling"`
	Bootstrap BootstrapConfig `mapstructure:"bootstrap"`
	Recycle   RecycleConfig   `mapstructure:"recycle"`
	Standby   []StandbyGroup  `mapstructure:"standby_runners"`
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Leader    LeaderConfig    `mapstructure:"leader_election"`
	Workers   int             `mapstructure:"workers"`
	DryRun    bool            `mapstructure:"dry_run"`
	LogLevel  string          `mapstructure:"log_level"`
}

// CIConfig groups CI-provider credentials and request tuning
// (generalized from the teacher's GitHubConfig).
type CIConfig struct {
	Token          string        `mapstructure:"token"`
	BaseURL        string        `mapstructure:"base_url"`
	Repository     string        `mapstructure:"repository"`
	RunnerGroup    string        `mapstructure:"runner_group"`
	WithLabel      []string      `mapstructure:"with_label"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	CacheDir       string        `mapstructure:"cache_dir"`
}

// CloudConfig groups IaaS-provider credentials and defaults
// (generalized from the teacher's AWSConfig/DockerConfig split into a
// single provider-neutral group; the runner-controller talks to one
// cloud, not a pluggable choice of two).
type CloudConfig struct {
	Token             string   `mapstructure:"token"`
	BaseURL           string   `mapstructure:"base_url"`
	SSHKeyPath        string   `mapstructure:"ssh_key"`
	AdditionalSSHKeys []string `mapstructure:"additional_ssh_keys"`
	DefaultServerType string   `mapstructure:"default_server_type"`
	DefaultLocation   string   `mapstructure:"default_location"`
	DefaultImage      string   `mapstructure:"default_image"`
}

// NamingConfig groups the server naming scheme.
type NamingConfig struct {
	Prefix string `mapstructure:"prefix"`
}

// LabelsConfig groups label-parsing configuration.
type LabelsConfig struct {
	Prefix               string              `mapstructure:"label_prefix"`
	Meta                 map[string][]string `mapstructure:"meta_label"`
	ScriptsDir           string              `mapstructure:"scripts"`
	DefaultSetupScript   string              `mapstructure:"default_setup_script"`
	DefaultStartupScript string              `mapstructure:"default_startup_script"`
	MaxRunnersForLabel   []LabelCap          `mapstructure:"max_runners_for_label"`
}

// LabelCap is a per-label-set cap on concurrently active servers.
type LabelCap struct {
	Labels []string `mapstructure:"labels"`
	Max    int      `mapstructure:"max"`
}

// ScalingConfig groups the tick periods, caps, and timeouts governing
// the scale-up/scale-down loops.
type ScalingConfig struct {
	MaxRunners                int           `mapstructure:"max_runners"`
	MaxRunnersInWorkflowRun   int           `mapstructure:"max_runners_in_workflow_run"`
	ScaleUpInterval           time.Duration `mapstructure:"scale_up_interval"`
	ScaleDownInterval         time.Duration `mapstructure:"scale_down_interval"`
	MaxPoweredOffTime         time.Duration `mapstructure:"max_powered_off_time"`
	MaxUnusedRunnerTime       time.Duration `mapstructure:"max_unused_runner_time"`
	MaxRunnerRegistrationTime time.Duration `mapstructure:"max_runner_registration_time"`
	MaxServerReadyTime        time.Duration `mapstructure:"max_server_ready_time"`
	TerminateTimeout          time.Duration `mapstructure:"terminate_timeout"`
	PollInterval              time.Duration `mapstructure:"poll_interval"`
}

// BootstrapConfig groups SSH provisioning tuning.
type BootstrapConfig struct {
	User           string        `mapstructure:"user"`
	PrivateKeyPath string        `mapstructure:"private_key"`
	Timeout        time.Duration `mapstructure:"timeout"`
	CacheDir       string        `mapstructure:"cache_dir"`
}

// RecycleConfig groups the recycle pool's policy switches.
type RecycleConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	EndOfLife    int  `mapstructure:"end_of_life"`
	DeleteRandom bool `mapstructure:"delete_random"`
}

// StandbyGroup is one configured standby pool.
type StandbyGroup struct {
	Name                 string   `mapstructure:"name"`
	Labels               []string `mapstructure:"labels"`
	Count                int      `mapstructure:"count"`
	ReplenishImmediately bool     `mapstructure:"replenish_immediately"`
}

// ServerConfig groups the HTTP status/dashboard surface.
type ServerConfig struct {
	Address       string        `mapstructure:"address"`
	Port          int           `mapstructure:"port"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	MetricsPath   string        `mapstructure:"metrics_path"`
	HealthPath    string        `mapstructure:"health_path"`
	ReadinessPath string        `mapstructure:"readiness_path"`
	EnableAuth    bool          `mapstructure:"enable_auth"`
	APIKey        string        `mapstructure:"api_key"`
}

// StoreConfig groups the scale-event history store.
type StoreConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Path      string `mapstructure:"path"`
	MaxEvents int    `mapstructure:"max_events"`
}

// LeaderConfig groups the flock-based single-writer lock guarding
// against two controller replicas double-provisioning against the
// same cloud/CI project.
type LeaderConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	LockFilePath string        `mapstructure:"lock_file_path"`
	RetryPeriod  time.Duration `mapstructure:"retry_period"`
}

// Load reads configuration from environment variables (prefix
// RUNNERCTL_) and an optional YAML file, merges them onto defaults,
// then validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RUNNERCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyCredentialFallbacks(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// applyCredentialFallbacks mirrors GITHUB_TOKEN / GITHUB_REPOSITORY /
// HETZNER_TOKEN as fallbacks when the layered keys were left unset:
// covers the bare provider-native env names a CI job is likely to
// already export, distinct from the RUNNERCTL_-prefixed keys
// AutomaticEnv already handles. Read directly with os.Getenv, not
// v.GetString: viper's active SetEnvPrefix prepends RUNNERCTL_ to
// every key passed to Get, so v.GetString("GITHUB_TOKEN") would look
// up RUNNERCTL_GITHUB_TOKEN instead of the bare name.
func applyCredentialFallbacks(cfg *Config) {
	if cfg.CI.Token == "" {
		cfg.CI.Token = os.Getenv("GITHUB_TOKEN")
	}
	if cfg.CI.Repository == "" {
		cfg.CI.Repository = os.Getenv("GITHUB_REPOSITORY")
	}
	if cfg.Cloud.Token == "" {
		cfg.Cloud.Token = os.Getenv("HETZNER_TOKEN")
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ci.with_label", []string{"self-hosted"})
	v.SetDefault("ci.runner_group", "default")
	v.SetDefault("ci.base_url", "https://api.github.com")
	v.SetDefault("ci.request_timeout", 30*time.Second)
	v.SetDefault("ci.cache_dir", "/var/lib/runner-controller/ci-cache")

	v.SetDefault("cloud.base_url", "https://api.hetzner.cloud/v1")
	v.SetDefault("cloud.ssh_key", "~/.ssh/id_rsa.pub")
	v.SetDefault("cloud.default_server_type", "cx22")
	v.SetDefault("cloud.default_image", "x86:system:ubuntu-22.04")

	v.SetDefault("naming.prefix", "runner")

	v.SetDefault("labels.label_prefix", "")
	v.SetDefault("labels.scripts", "/etc/runner-controller/scripts")
	v.SetDefault("labels.default_setup_script", "setup.sh")
	v.SetDefault("labels.default_startup_script", "startup-{arch}.sh")

	v.SetDefault("scaling.max_runners", 10)
	v.SetDefault("scaling.scale_up_interval", 15*time.Second)
	v.SetDefault("scaling.scale_down_interval", 15*time.Second)
	v.SetDefault("scaling.max_powered_off_time", 60*time.Second)
	v.SetDefault("scaling.max_unused_runner_time", 120*time.Second)
	v.SetDefault("scaling.max_runner_registration_time", 120*time.Second)
	v.SetDefault("scaling.max_server_ready_time", 120*time.Second)
	v.SetDefault("scaling.terminate_timeout", 60*time.Second)
	v.SetDefault("scaling.poll_interval", 2*time.Second)

	v.SetDefault("bootstrap.user", "root")
	v.SetDefault("bootstrap.private_key", "~/.ssh/id_rsa")
	v.SetDefault("bootstrap.timeout", 120*time.Second)
	v.SetDefault("bootstrap.cache_dir", "/mnt/cache")

	v.SetDefault("recycle.enabled", true)
	v.SetDefault("recycle.end_of_life", 50)
	v.SetDefault("recycle.delete_random", false)

	v.SetDefault("server.address", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.metrics_path", "/metrics")
	v.SetDefault("server.health_path", "/healthz")
	v.SetDefault("server.readiness_path", "/readyz")
	v.SetDefault("server.enable_auth", false)

	v.SetDefault("store.enabled", false)
	v.SetDefault("store.path", "/var/lib/runner-controller/events.json")
	v.SetDefault("store.max_events", 1000)

	v.SetDefault("leader_election.enabled", false)
	v.SetDefault("leader_election.lock_file_path", "/var/lib/runner-controller/leader.lock")
	v.SetDefault("leader_election.retry_period", 5*time.Second)

	v.SetDefault("workers", 10)
	v.SetDefault("dry_run", false)
	v.SetDefault("log_level", "info")
}

// Validate checks required fields and cross-field invariants,
// returning the first violation found.
func (c *Config) Validate() error {
	if c.CI.Token == "" {
		return fmt.Errorf("ci.token is required")
	}
	if c.CI.Repository == "" {
		return fmt.Errorf("ci.repository is required")
	}
	if c.Cloud.Token == "" {
		return fmt.Errorf("cloud.token is required")
	}

	if c.Scaling.MaxRunners < 1 {
		return fmt.Errorf("scaling.max_runners must be >= 1")
	}
	if c.Scaling.ScaleUpInterval <= 0 {
		return fmt.Errorf("scaling.scale_up_interval must be > 0")
	}
	if c.Scaling.ScaleDownInterval <= 0 {
		return fmt.Errorf("scaling.scale_down_interval must be > 0")
	}
	if c.Scaling.MaxRunnerRegistrationTime <= 0 {
		return fmt.Errorf("scaling.max_runner_registration_time must be > 0")
	}
	if c.Scaling.MaxServerReadyTime <= 0 {
		return fmt.Errorf("scaling.max_server_ready_time must be > 0")
	}

	if c.Recycle.EndOfLife < 1 || c.Recycle.EndOfLife > 59 {
		return fmt.Errorf("recycle.end_of_life must be between 1 and 59")
	}

	for _, group := range c.Standby {
		if group.Count < 0 {
			return fmt.Errorf("standby_runners[%s].count must be >= 0", group.Name)
		}
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Server.EnableAuth && c.Server.APIKey == "" {
		return fmt.Errorf("server.api_key is required when server.enable_auth is true")
	}

	if c.Workers < 1 {
		return fmt.Errorf("workers must be >= 1")
	}
	if c.Naming.Prefix == "" {
		return fmt.Errorf("naming.prefix is required")
	}

	return nil
}
