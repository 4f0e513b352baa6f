package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Environment variable names read by Load.
const (
	EnvBaseURL      = "DATAVERSE_BASE_URL"
	EnvParentAlias  = "DATAVERSE_PARENT_ALIAS"
	EnvDataRoot     = "DATA_ROOT"
	EnvAPIToken     = "DATAVERSE_API_TOKEN"
	EnvAPITokenFile = "DATAVERSE_API_TOKEN_FILE"
	EnvRetries      = "DATAVERSE_UPLOAD_RETRIES"
	EnvRetryDelay   = "DATAVERSE_UPLOAD_RETRY_DELAY"
	EnvMaxWorkers   = "DATAVERSE_MAX_WORKERS"
	EnvRateLimit    = "DATAVERSE_RATE_LIMIT"
	EnvRunTimeout   = "DATAVERSE_RUN_TIMEOUT"
	EnvPublishType  = "DATAVERSE_PUBLISH_TYPE"
	EnvChecksum     = "DATAVERSE_CHECKSUM"
	EnvManifest     = "DVSYNC_MANIFEST"
)

// PublishType selects the version bump used when publishing datasets
type PublishType string

const (
	PublishMajor PublishType = "major"
	PublishMinor PublishType = "minor"
)

// DefaultManifest is the manifest path used when neither the flag nor
// DVSYNC_MANIFEST is set. It is resolved against the working directory.
const DefaultManifest = "manifest.yaml"

// DefaultRetryDelay is the base backoff delay when DATAVERSE_UPLOAD_RETRY_DELAY is unset.
const DefaultRetryDelay = 2 * time.Second

const (
	DefaultUploadRetries = 3
	DefaultMaxWorkers    = 4
)

// Config represents the complete dvsync configuration
type Config struct {
	Dataverse DataverseConfig
	Paths     PathsConfig
	Sync      SyncConfig
}

// DataverseConfig configures the remote repository
type DataverseConfig struct {
	BaseURL      string
	ParentAlias  string
	APIToken     string
	APITokenFile string
	RateLimit    float64
	PublishType  PublishType
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	DataRoot string
	Manifest string
}

// SyncConfig configures retry and concurrency behavior
type SyncConfig struct {
	UploadRetries int
	RetryDelay    time.Duration
	MaxWorkers    int
	RunTimeout    time.Duration
	Checksum      string
}

// ConfigError reports a missing or invalid environment value.
type ConfigError struct {
	Var string
	Msg string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s", e.Var, e.Msg)
}

func missing(name string) error {
	return &ConfigError{Var: name, Msg: "is required"}
}

func invalid(name, format string, args ...any) error {
	return &ConfigError{Var: name, Msg: fmt.Sprintf(format, args...)}
}

// LoadEnvFile seeds the process environment from a dotenv file. Variables
// that are already set are left untouched.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// Load builds a Config from the given environment lookup function.
// Pass os.Getenv in production; tests pass a map-backed function.
func Load(getenv func(string) string) (*Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	cfg := &Config{
		Dataverse: DataverseConfig{
			BaseURL:      strings.TrimSpace(getenv(EnvBaseURL)),
			ParentAlias:  strings.TrimSpace(getenv(EnvParentAlias)),
			APIToken:     strings.TrimSpace(getenv(EnvAPIToken)),
			APITokenFile: os.ExpandEnv(strings.TrimSpace(getenv(EnvAPITokenFile))),
			PublishType:  PublishType(strings.ToLower(strings.TrimSpace(getenv(EnvPublishType)))),
		},
		Paths: PathsConfig{
			DataRoot: os.ExpandEnv(strings.TrimSpace(getenv(EnvDataRoot))),
			Manifest: os.ExpandEnv(strings.TrimSpace(getenv(EnvManifest))),
		},
		Sync: SyncConfig{
			Checksum: strings.ToUpper(strings.TrimSpace(getenv(EnvChecksum))),
		},
	}

	var errs []error
	var err error
	if cfg.Sync.UploadRetries, err = intVar(getenv, EnvRetries); err != nil {
		errs = append(errs, err)
	}
	if cfg.Sync.MaxWorkers, err = intVar(getenv, EnvMaxWorkers); err != nil {
		errs = append(errs, err)
	}
	if cfg.Sync.RetryDelay, err = durationVar(getenv, EnvRetryDelay); err != nil {
		errs = append(errs, err)
	}
	if cfg.Sync.RunTimeout, err = durationVar(getenv, EnvRunTimeout); err != nil {
		errs = append(errs, err)
	}
	if raw := strings.TrimSpace(getenv(EnvRateLimit)); raw != "" {
		if cfg.Dataverse.RateLimit, err = strconv.ParseFloat(raw, 64); err != nil {
			errs = append(errs, invalid(EnvRateLimit, "not a number: %q", raw))
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	// Explicit zeros are kept: a zero delay is honored and zero retries or
	// workers are rejected by Validate, so only unset variables get defaults.
	if strings.TrimSpace(getenv(EnvRetryDelay)) == "" {
		cfg.Sync.RetryDelay = DefaultRetryDelay
	}
	if strings.TrimSpace(getenv(EnvRetries)) == "" {
		cfg.Sync.UploadRetries = DefaultUploadRetries
	}
	if strings.TrimSpace(getenv(EnvMaxWorkers)) == "" {
		cfg.Sync.MaxWorkers = DefaultMaxWorkers
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if !strings.HasSuffix(c.Dataverse.BaseURL, "/") && c.Dataverse.BaseURL != "" {
		c.Dataverse.BaseURL += "/"
	}
	if c.Dataverse.PublishType == "" {
		c.Dataverse.PublishType = PublishMajor
	}
	if c.Dataverse.RateLimit == 0 {
		c.Dataverse.RateLimit = 10
	}
	if c.Paths.Manifest == "" {
		c.Paths.Manifest = DefaultManifest
	}
	if c.Sync.Checksum == "" {
		c.Sync.Checksum = "MD5"
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Dataverse.BaseURL == "" {
		return missing(EnvBaseURL)
	}
	u, err := url.Parse(c.Dataverse.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return invalid(EnvBaseURL, "must be an http(s) URL: %s", c.Dataverse.BaseURL)
	}
	if c.Dataverse.ParentAlias == "" {
		return missing(EnvParentAlias)
	}
	if c.Paths.DataRoot == "" {
		return missing(EnvDataRoot)
	}
	if !filepath.IsAbs(c.Paths.DataRoot) {
		return invalid(EnvDataRoot, "must be an absolute path: %s", c.Paths.DataRoot)
	}

	// Only one token source may be configured
	if c.Dataverse.APIToken != "" && c.Dataverse.APITokenFile != "" {
		return invalid(EnvAPITokenFile, "only one of %s or %s may be set", EnvAPIToken, EnvAPITokenFile)
	}

	switch c.Dataverse.PublishType {
	case PublishMajor, PublishMinor:
		// valid
	default:
		return invalid(EnvPublishType, "invalid publish type: %s (must be major or minor)", c.Dataverse.PublishType)
	}

	switch c.Sync.Checksum {
	case "MD5", "SHA-1", "SHA-256", "SHA-512":
		// valid
	default:
		return invalid(EnvChecksum, "unsupported checksum algorithm: %s", c.Sync.Checksum)
	}

	if c.Sync.UploadRetries < 1 {
		return invalid(EnvRetries, "must be at least 1, got %d", c.Sync.UploadRetries)
	}
	if c.Sync.RetryDelay < 0 {
		return invalid(EnvRetryDelay, "must not be negative")
	}
	if c.Sync.MaxWorkers < 1 {
		return invalid(EnvMaxWorkers, "must be at least 1, got %d", c.Sync.MaxWorkers)
	}
	if c.Sync.RunTimeout < 0 {
		return invalid(EnvRunTimeout, "must not be negative")
	}
	if c.Dataverse.RateLimit < 0 {
		return invalid(EnvRateLimit, "must not be negative")
	}

	return nil
}

// Token returns the API token, reading the token file when one is configured
func (c *Config) Token() (string, error) {
	if c.Dataverse.APITokenFile == "" {
		return c.Dataverse.APIToken, nil
	}
	data, err := os.ReadFile(c.Dataverse.APITokenFile)
	if err != nil {
		return "", fmt.Errorf("failed to read API token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// AuthMethod returns a description of the configured auth method
func (c *Config) AuthMethod() string {
	if c.Dataverse.APITokenFile != "" {
		return "token-file"
	}
	if c.Dataverse.APIToken != "" {
		return "token"
	}
	return "none"
}

// ResolveDataPath joins a manifest-relative file path onto the data root.
func (c *Config) ResolveDataPath(rel string) string {
	return filepath.Join(c.Paths.DataRoot, filepath.FromSlash(rel))
}

func intVar(getenv func(string) string, name string) (int, error) {
	raw := strings.TrimSpace(getenv(name))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, invalid(name, "not an integer: %q", raw)
	}
	return n, nil
}

// durationVar accepts Go duration strings ("1m30s") as well as plain seconds
// ("2", "0.5"), which is what older deployments export.
func durationVar(getenv func(string) string, name string) (time.Duration, error) {
	raw := strings.TrimSpace(getenv(name))
	if raw == "" {
		return 0, nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d, nil
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, invalid(name, "not a duration: %q", raw)
	}
	return time.Duration(secs * float64(time.Second)), nil
}
