package fieldsync

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the runtime configuration of the replication daemon.
type Config struct {
	// Owner identifies the account the device's experiments belong to.
	Owner string

	// Device is the gateway identifier reported to the authority,
	// conventionally the MAC address without separators.
	Device string

	LocalStore LocalStoreConfig
	CloudStore CloudStoreConfig
	Authority  AuthorityConfig
	Archive    ArchiveConfig
	Uploader   UploaderConfig
	Scheduler  SchedulerConfig
	Status     StatusServerConfig
	Telemetry  TelemetryConfig
	Logging    LoggingConfig
}

// DefaultConfig returns a configuration with every default filled in.
// Identity, store locations and credentials remain for the operator.
func DefaultConfig() Config {
	return Config{
		LocalStore: DefaultLocalStoreConfig(""),
		CloudStore: CloudStoreConfig{Timeout: 2 * time.Minute},
		Authority:  AuthorityConfig{Mode: "function", Timeout: 30 * time.Second},
		Archive:    ArchiveConfig{Region: "us-east-1", MaxRetries: 3},
		Uploader:   DefaultUploaderConfig(),
		Scheduler:  DefaultSchedulerConfig(),
		Status:     DefaultStatusServerConfig(),
		Telemetry:  DefaultTelemetryConfig(),
		Logging:    DefaultLoggingConfig(),
	}
}

// Validate checks required settings and mode names.
func (c Config) Validate() error {
	if c.Owner == "" {
		return fmt.Errorf("config: owner is required")
	}
	if c.Device == "" {
		return fmt.Errorf("config: device is required")
	}
	if c.LocalStore.Path == "" {
		return fmt.Errorf("config: local_store.path is required")
	}
	if c.CloudStore.URL == "" {
		return fmt.Errorf("config: cloud_store.url is required")
	}

	switch c.Authority.Mode {
	case "", "function":
		if c.Authority.URL == "" {
			return fmt.Errorf("config: authority.url is required in function mode")
		}
		if c.Authority.CredentialsPath == "" {
			return fmt.Errorf("config: authority.credentials_path is required in function mode")
		}
	case "cloudstore":
	default:
		return fmt.Errorf("config: unknown authority.mode %q", c.Authority.Mode)
	}

	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return fmt.Errorf("config: archive.bucket is required when archiving is enabled")
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return fmt.Errorf("config: telemetry.endpoint is required when telemetry is enabled")
	}
	if c.Status.Enabled && (c.Status.Port <= 0 || c.Status.Port > 65535) {
		return fmt.Errorf("config: status.port must be between 1 and 65535")
	}
	return nil
}

// FileConfig is the on-disk YAML layout of the daemon configuration.
//
// Duration fields are Go duration strings ("15m", "3h"), and any value may
// reference environment variables as ${VAR}; passphrases and API keys
// usually arrive that way. Optional features enable through presence: a
// configured archive bucket enables archiving, a status port enables the
// status server, a telemetry endpoint enables the push.
type FileConfig struct {
	Owner      string         `yaml:"owner"`
	Device     string         `yaml:"device"`
	LocalStore FileLocalStore `yaml:"local_store"`
	CloudStore FileCloudStore `yaml:"cloud_store"`
	Authority  FileAuthority  `yaml:"authority"`
	Archive    FileArchive    `yaml:"archive"`
	Uploader   FileUploader   `yaml:"uploader"`
	Scheduler  FileScheduler  `yaml:"scheduler"`
	Status     FileStatus     `yaml:"status"`
	Telemetry  FileTelemetry  `yaml:"telemetry"`
	Logging    FileLogging    `yaml:"logging"`
}

// FileLocalStore is the local_store section.
type FileLocalStore struct {
	Path        string `yaml:"path"`
	BusyTimeout string `yaml:"busy_timeout"`
}

// FileCloudStore is the cloud_store section.
type FileCloudStore struct {
	URL     string `yaml:"url"`
	APIKey  string `yaml:"api_key"`
	Timeout string `yaml:"timeout"`
}

// FileAuthority is the authority section.
type FileAuthority struct {
	Mode                  string `yaml:"mode"`
	URL                   string `yaml:"url"`
	CredentialsPath       string `yaml:"credentials_path"`
	CredentialsPassphrase string `yaml:"credentials_passphrase"`
	Timeout               string `yaml:"timeout"`
}

// FileArchive is the archive section.
type FileArchive struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Prefix          string `yaml:"prefix"`
	MaxRetries      int    `yaml:"max_retries"`
}

// FileUploader is the uploader section.
type FileUploader struct {
	BatchSize int `yaml:"batch_size"`
}

// FileScheduler is the scheduler section.
type FileScheduler struct {
	BaseInterval string `yaml:"base_interval"`
	MaxInterval  string `yaml:"max_interval"`
	CycleTimeout string `yaml:"cycle_timeout"`
}

// FileStatus is the status section.
type FileStatus struct {
	Port int `yaml:"port"`
}

// FileTelemetry is the telemetry section.
type FileTelemetry struct {
	Endpoint string `yaml:"endpoint"`
	Job      string `yaml:"job"`
	Timeout  string `yaml:"timeout"`
}

// FileLogging is the logging section.
type FileLogging struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// LoadConfig reads, compiles and validates a YAML configuration file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("config: invalid YAML: %w", err)
	}

	cfg, err := fc.ToConfig()
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ToConfig compiles the file form into a runtime Config, expanding
// environment references and parsing durations. Absent values keep the
// defaults.
func (fc FileConfig) ToConfig() (Config, error) {
	cfg := DefaultConfig()

	cfg.Owner = expandVar(fc.Owner)
	cfg.Device = expandVar(fc.Device)

	cfg.LocalStore.Path = expandVar(fc.LocalStore.Path)
	if err := setDuration(&cfg.LocalStore.BusyTimeout, fc.LocalStore.BusyTimeout, "local_store.busy_timeout"); err != nil {
		return cfg, err
	}

	cfg.CloudStore.URL = expandVar(fc.CloudStore.URL)
	cfg.CloudStore.APIKey = expandVar(fc.CloudStore.APIKey)
	if err := setDuration(&cfg.CloudStore.Timeout, fc.CloudStore.Timeout, "cloud_store.timeout"); err != nil {
		return cfg, err
	}

	if fc.Authority.Mode != "" {
		cfg.Authority.Mode = fc.Authority.Mode
	}
	cfg.Authority.URL = expandVar(fc.Authority.URL)
	cfg.Authority.CredentialsPath = expandVar(fc.Authority.CredentialsPath)
	cfg.Authority.CredentialsPassphrase = expandVar(fc.Authority.CredentialsPassphrase)
	if err := setDuration(&cfg.Authority.Timeout, fc.Authority.Timeout, "authority.timeout"); err != nil {
		return cfg, err
	}

	cfg.Archive.Bucket = expandVar(fc.Archive.Bucket)
	cfg.Archive.Enabled = cfg.Archive.Bucket != ""
	if fc.Archive.Region != "" {
		cfg.Archive.Region = fc.Archive.Region
	}
	cfg.Archive.Endpoint = expandVar(fc.Archive.Endpoint)
	cfg.Archive.AccessKeyID = expandVar(fc.Archive.AccessKeyID)
	cfg.Archive.SecretAccessKey = expandVar(fc.Archive.SecretAccessKey)
	cfg.Archive.Prefix = expandVar(fc.Archive.Prefix)
	if fc.Archive.MaxRetries > 0 {
		cfg.Archive.MaxRetries = fc.Archive.MaxRetries
	}

	if fc.Uploader.BatchSize > 0 {
		cfg.Uploader.BatchSize = fc.Uploader.BatchSize
	}

	if err := setDuration(&cfg.Scheduler.BaseInterval, fc.Scheduler.BaseInterval, "scheduler.base_interval"); err != nil {
		return cfg, err
	}
	if err := setDuration(&cfg.Scheduler.MaxInterval, fc.Scheduler.MaxInterval, "scheduler.max_interval"); err != nil {
		return cfg, err
	}
	if err := setDuration(&cfg.Scheduler.CycleTimeout, fc.Scheduler.CycleTimeout, "scheduler.cycle_timeout"); err != nil {
		return cfg, err
	}

	if fc.Status.Port > 0 {
		cfg.Status.Enabled = true
		cfg.Status.Port = fc.Status.Port
	}

	cfg.Telemetry.Endpoint = expandVar(fc.Telemetry.Endpoint)
	cfg.Telemetry.Enabled = cfg.Telemetry.Endpoint != ""
	if fc.Telemetry.Job != "" {
		cfg.Telemetry.Job = fc.Telemetry.Job
	}
	if err := setDuration(&cfg.Telemetry.Timeout, fc.Telemetry.Timeout, "telemetry.timeout"); err != nil {
		return cfg, err
	}

	if fc.Logging.Level != "" {
		cfg.Logging.Level = fc.Logging.Level
	}
	cfg.Logging.File = expandVar(fc.Logging.File)
	if fc.Logging.MaxSizeMB > 0 {
		cfg.Logging.MaxSizeMB = fc.Logging.MaxSizeMB
	}
	if fc.Logging.MaxBackups > 0 {
		cfg.Logging.MaxBackups = fc.Logging.MaxBackups
	}
	if fc.Logging.MaxAgeDays > 0 {
		cfg.Logging.MaxAgeDays = fc.Logging.MaxAgeDays
	}

	return cfg, nil
}

// setDuration overwrites dst when the file carries a value for it.
func setDuration(dst *time.Duration, value, field string) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(expandVar(value))
	if err != nil {
		return fmt.Errorf("config: %s: %w", field, err)
	}
	*dst = d
	return nil
}

// expandVar replaces ${VAR} references with environment values.
func expandVar(s string) string {
	return os.Expand(s, os.Getenv)
}
