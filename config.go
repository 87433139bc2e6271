package uploadgw

import (
	"time"
)

// Config holds all gateway configuration options.
type Config struct {
	// ListenAddr is the address the gateway's HTTP server (protocol endpoint
	// plus operator surface, on one port) binds to.
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr" default:":4000"`

	// TusBasePath is the base path the resumable-upload protocol endpoint is
	// mounted on (e.g. "/files").
	TusBasePath string `mapstructure:"tus_base_path" yaml:"tus_base_path" default:"/files"`

	// StagingDir is the local directory holding in-progress upload bodies
	// and their ".info" sidecars.
	StagingDir string `mapstructure:"staging_dir" yaml:"staging_dir" default:"./.data/staging"`

	// MaxUploadSize is the global per-upload byte ceiling (spec §4.3). Zero
	// means unbounded.
	MaxUploadSize int64 `mapstructure:"max_upload_size" yaml:"max_upload_size" default:"21474836480"`

	// Bucket is the destination object-store bucket.
	Bucket string `mapstructure:"bucket" yaml:"bucket"`

	// Region is the AWS region (e.g., "us-west-2")
	Region string `mapstructure:"region" yaml:"region" default:"us-east-1"`

	// Endpoint is the custom endpoint URL (for MinIO, etc.)
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// UsePathStyle forces path-style addressing (true for MinIO)
	UsePathStyle bool `mapstructure:"use_path_style" yaml:"use_path_style" default:"false"`

	// AccessKey is the access key ID
	AccessKey string `mapstructure:"access_key" yaml:"access_key"`

	// SecretKey is the secret access key
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key"`

	// SessionToken is the temporary session token (optional)
	SessionToken string `mapstructure:"session_token" yaml:"session_token"`

	// UseSDKDefaults when true will let the AWS SDK default credential chain
	// (env, shared config, instance profile) be used when explicit
	// credentials are not provided.
	UseSDKDefaults bool `mapstructure:"use_sdk_defaults" yaml:"use_sdk_defaults" default:"false"`

	// RoleARN optionally specifies an ARN to assume via STS.
	RoleARN string `mapstructure:"role_arn" yaml:"role_arn"`

	// ExternalID is passed to STS AssumeRole when RoleARN is used.
	ExternalID string `mapstructure:"external_id" yaml:"external_id"`

	// Profile selects a shared credentials/profile name when loading SDK defaults.
	Profile string `mapstructure:"profile" yaml:"profile"`

	// RequestTimeout is the timeout for individual object-store requests.
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout" default:"30s"`

	// MaxRetries bounds object-store retries: PutStream retries a failed
	// upload up to MaxRetries times after the first attempt, and the SDK
	// retryer makes at most MaxRetries attempts per request.
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries" default:"3"`

	// BackoffInitial is the initial backoff delay (spec §4.2: 1s/2s/4s).
	BackoffInitial time.Duration `mapstructure:"backoff_initial" yaml:"backoff_initial" default:"1s"`

	// BackoffMax is the maximum backoff delay.
	BackoffMax time.Duration `mapstructure:"backoff_max" yaml:"backoff_max" default:"4s"`

	// ReaperInterval is how often the multipart assembly reaper sweeps
	// (spec §4.5).
	ReaperInterval time.Duration `mapstructure:"reaper_interval" yaml:"reaper_interval" default:"1h"`

	// ReaperStaleThreshold is the age, counted from the arrival of its first
	// part, after which an incomplete multipart assembly is evicted. The
	// reap-once subcommand applies it to each part's last activity instead.
	ReaperStaleThreshold time.Duration `mapstructure:"reaper_stale_threshold" yaml:"reaper_stale_threshold" default:"1h"`

	// DisableSSL disables SSL for connections (development only)
	DisableSSL bool `mapstructure:"disable_ssl" yaml:"disable_ssl" default:"false"`

	// EnableLogging enables detailed operation logging
	EnableLogging bool `mapstructure:"enable_logging" yaml:"enable_logging" default:"false"`
}

// Prefix implements configx.Configurable and returns the configuration prefix.
func (Config) Prefix() string { return "uploadgw" }

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:           ":4000",
		TusBasePath:          "/files",
		StagingDir:           "./.data/staging",
		MaxUploadSize:        20 << 30, // 20GiB
		Region:               "us-east-1",
		UsePathStyle:         false,
		RequestTimeout:       30 * time.Second,
		MaxRetries:           3,
		BackoffInitial:       1 * time.Second,
		BackoffMax:           4 * time.Second,
		ReaperInterval:       1 * time.Hour,
		ReaperStaleThreshold: 1 * time.Hour,
		DisableSSL:           false,
		EnableLogging:        false,
	}
}

// NewConfigFromLoader creates a Config using the standard configx.Loader
// pattern. This is useful for standalone usage without FX dependency
// injection. For FX-based applications, use Module which provides NewConfig
// automatically.
func NewConfigFromLoader(loader interface {
	Unmarshal(any) error
}) (*Config, error) {
	cfg := DefaultConfig()
	if err := loader.Unmarshal(cfg); err != nil {
		return nil, err
	}

	cfg = cfg.Sanitize()
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}
