package uploadgw

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config field %q: %s", e.Field, e.Message)
}

// ValidateConfig performs comprehensive validation of gateway configuration.
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return &ValidationError{Field: "config", Message: "configuration cannot be nil"}
	}

	var errs []string

	if cfg.Bucket == "" {
		errs = append(errs, "bucket cannot be empty")
	} else if err := validateBucketName(cfg.Bucket); err != nil {
		errs = append(errs, fmt.Sprintf("invalid bucket name: %v", err))
	}

	if cfg.Region == "" && cfg.Endpoint == "" {
		errs = append(errs, "region is required when endpoint is not specified (AWS mode)")
	}

	if (cfg.AccessKey == "" && cfg.SecretKey != "") || (cfg.AccessKey != "" && cfg.SecretKey == "") {
		errs = append(errs, "both access_key and secret_key must be set together; do not provide only one")
	}

	if cfg.AccessKey == "" && cfg.SecretKey == "" {
		if cfg.Endpoint != "" {
			if cfg.RoleARN == "" && !cfg.UseSDKDefaults {
				errs = append(errs, "credentials required for custom endpoint: provide access_key+secret_key or enable use_sdk_defaults")
			}
		}
	}

	if cfg.RequestTimeout <= 0 {
		errs = append(errs, "request_timeout must be positive")
	}
	if cfg.RequestTimeout > 10*time.Minute {
		errs = append(errs, "request_timeout should not exceed 10 minutes")
	}

	if cfg.MaxRetries < 0 {
		errs = append(errs, "max_retries cannot be negative")
	}
	if cfg.MaxRetries > 10 {
		errs = append(errs, "max_retries should not exceed 10")
	}

	if cfg.BackoffInitial <= 0 {
		errs = append(errs, "backoff_initial must be positive")
	}
	if cfg.BackoffMax <= cfg.BackoffInitial {
		errs = append(errs, "backoff_max must be greater than backoff_initial")
	}

	if cfg.MaxUploadSize < 0 {
		errs = append(errs, "max_upload_size cannot be negative")
	}

	if cfg.TusBasePath == "" {
		errs = append(errs, "tus_base_path cannot be empty")
	} else if !strings.HasPrefix(cfg.TusBasePath, "/") {
		errs = append(errs, "tus_base_path must start with '/'")
	}

	if cfg.StagingDir == "" {
		errs = append(errs, "staging_dir cannot be empty")
	}

	if cfg.ReaperInterval <= 0 {
		errs = append(errs, "reaper_interval must be positive")
	}
	if cfg.ReaperStaleThreshold <= 0 {
		errs = append(errs, "reaper_stale_threshold must be positive")
	}

	if cfg.Endpoint != "" {
		if err := validateEndpoint(cfg.Endpoint); err != nil {
			errs = append(errs, fmt.Sprintf("invalid endpoint: %v", err))
		}
	}

	if cfg.RoleARN != "" {
		if !isPlausibleRoleARN(cfg.RoleARN) {
			errs = append(errs, "role_arn looks invalid: must be a valid IAM role ARN (e.g., arn:aws:iam::123456789012:role/RoleName)")
		}
	}

	if len(errs) > 0 {
		return &ValidationError{
			Field:   "config",
			Message: strings.Join(errs, "; "),
		}
	}

	return nil
}

// isPlausibleRoleARN performs a light-weight validation of an IAM role ARN.
func isPlausibleRoleARN(arn string) bool {
	parts := strings.SplitN(arn, ":", 6)
	if len(parts) != 6 {
		return false
	}
	if parts[0] != "arn" {
		return false
	}
	if parts[2] != "iam" {
		return false
	}
	acct := parts[4]
	if acct == "" {
		return false
	}
	for _, r := range acct {
		if r < '0' || r > '9' {
			return false
		}
	}
	res := parts[5]
	return strings.HasPrefix(res, "role/")
}

// validateBucketName validates S3 bucket naming rules.
func validateBucketName(bucket string) error {
	if len(bucket) < 3 || len(bucket) > 63 {
		return fmt.Errorf("bucket name must be between 3 and 63 characters")
	}

	if strings.HasPrefix(bucket, "-") || strings.HasSuffix(bucket, "-") {
		return fmt.Errorf("bucket name cannot start or end with a hyphen")
	}

	if strings.HasPrefix(bucket, ".") || strings.HasSuffix(bucket, ".") {
		return fmt.Errorf("bucket name cannot start or end with a period")
	}

	if strings.Contains(bucket, "..") || strings.Contains(bucket, "--") {
		return fmt.Errorf("bucket name cannot contain consecutive periods or hyphens")
	}

	for _, char := range bucket {
		if !isValidBucketChar(char) {
			return fmt.Errorf("bucket name contains invalid character: %c", char)
		}
	}

	parts := strings.Split(bucket, ".")
	if len(parts) == 4 {
		allNumeric := true
		for _, part := range parts {
			if !isNumeric(part) {
				allNumeric = false
				break
			}
		}
		if allNumeric {
			return fmt.Errorf("bucket name cannot be formatted as an IP address")
		}
	}

	return nil
}

func isValidBucketChar(char rune) bool {
	return (char >= 'a' && char <= 'z') ||
		(char >= '0' && char <= '9') ||
		char == '-' || char == '.'
}

func isNumeric(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, char := range s {
		if char < '0' || char > '9' {
			return false
		}
	}
	return true
}

// validateEndpoint validates the endpoint URL format.
func validateEndpoint(endpoint string) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return nil
	}

	if strings.Contains(endpoint, "://") {
		return fmt.Errorf("endpoint protocol must be http or https")
	}

	if strings.Contains(endpoint, " ") {
		return fmt.Errorf("endpoint cannot contain spaces")
	}

	return nil
}

// Sanitize applies automatic fixes to configuration where possible and
// returns a sanitized copy without mutating the receiver.
func (cfg *Config) Sanitize() *Config {
	if cfg == nil {
		return DefaultConfig()
	}

	sanitized := *cfg

	if sanitized.ListenAddr == "" {
		sanitized.ListenAddr = ":4000"
	}

	if sanitized.Region == "" && sanitized.Endpoint == "" {
		sanitized.Region = "us-east-1"
	}

	if sanitized.RequestTimeout == 0 {
		sanitized.RequestTimeout = 30 * time.Second
	}

	if sanitized.MaxRetries == 0 {
		sanitized.MaxRetries = 3
	}

	if sanitized.BackoffInitial == 0 {
		sanitized.BackoffInitial = 1 * time.Second
	}

	if sanitized.BackoffMax == 0 {
		sanitized.BackoffMax = 4 * time.Second
	}

	if sanitized.TusBasePath == "" {
		sanitized.TusBasePath = "/files"
	}

	if sanitized.StagingDir == "" {
		sanitized.StagingDir = "./.data/staging"
	}

	if sanitized.ReaperInterval == 0 {
		sanitized.ReaperInterval = 1 * time.Hour
	}

	if sanitized.ReaperStaleThreshold == 0 {
		sanitized.ReaperStaleThreshold = 1 * time.Hour
	}

	if sanitized.Endpoint != "" {
		sanitized.Endpoint = strings.TrimSpace(sanitized.Endpoint)
		sanitized.Endpoint = strings.TrimSuffix(sanitized.Endpoint, "/")
	}

	sanitized.TusBasePath = "/" + strings.Trim(sanitized.TusBasePath, "/")

	return &sanitized
}

// ConfigSummary returns a safe summary of the configuration for logging.
func (cfg *Config) ConfigSummary() map[string]any {
	if cfg == nil {
		return map[string]any{"error": "nil config"}
	}

	summary := map[string]any{
		"listen_addr":            cfg.ListenAddr,
		"bucket":                 cfg.Bucket,
		"region":                 cfg.Region,
		"endpoint":               cfg.Endpoint,
		"use_path_style":         cfg.UsePathStyle,
		"request_timeout":        cfg.RequestTimeout.String(),
		"max_retries":            cfg.MaxRetries,
		"tus_base_path":          cfg.TusBasePath,
		"staging_dir":            cfg.StagingDir,
		"max_upload_size":        cfg.MaxUploadSize,
		"reaper_interval":        cfg.ReaperInterval.String(),
		"reaper_stale_threshold": cfg.ReaperStaleThreshold.String(),
		"disable_ssl":            cfg.DisableSSL,
		"enable_logging":         cfg.EnableLogging,
	}

	if cfg.AccessKey != "" {
		summary["has_access_key"] = true
		n := 4
		if len(cfg.AccessKey) < n {
			n = len(cfg.AccessKey)
		}
		summary["access_key_prefix"] = cfg.AccessKey[:n] + "..."
	}

	if cfg.SecretKey != "" {
		summary["has_secret_key"] = true
	}

	if cfg.SessionToken != "" {
		summary["has_session_token"] = true
	}

	return summary
}
