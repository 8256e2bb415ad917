package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/stoik/content-inspection/internal/adapters/blob"
	"github.com/stoik/content-inspection/internal/adapters/events"
	"github.com/stoik/content-inspection/internal/adapters/feeds"
	"github.com/stoik/content-inspection/internal/adapters/httpapi"
	"github.com/stoik/content-inspection/internal/adapters/scanner"
	"github.com/stoik/content-inspection/internal/application"
	"github.com/stoik/content-inspection/internal/domain"
	"github.com/stoik/content-inspection/internal/domain/detection"
	"github.com/stoik/content-inspection/internal/logging"
)

const (
	// EnvPrefix prefixes every environment override:
	// INSPECTOR_PIPELINE__DETECTOR_TIMEOUT -> pipeline.detector_timeout
	EnvPrefix = "INSPECTOR_"

	// ConfigPathEnvVar points at an optional YAML config file
	ConfigPathEnvVar = "INSPECTOR_CONFIG"
)

// Config is the complete service configuration
type Config struct {
	Server    ServerConfig               `koanf:"server"`
	Database  DatabaseConfig             `koanf:"database"`
	Store     StoreConfig                `koanf:"store"`
	Pipeline  application.PipelineConfig `koanf:"pipeline"`
	Detectors DetectorsConfig            `koanf:"detectors"`
	Heuristic detection.HeuristicConfig  `koanf:"heuristic"`
	Feed      feeds.Config               `koanf:"feed"`
	Scanner   scanner.Config             `koanf:"scanner"`
	Auth      AuthConfig                 `koanf:"auth"`
	NATS      events.Config              `koanf:"nats"`
	S3        blob.Config                `koanf:"s3"`
	Logging   logging.Config             `koanf:"logging"`
}

// ServerConfig configures the HTTP listener
type ServerConfig struct {
	Addr              string        `koanf:"addr" validate:"required"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`
	// MaxUploadSize bounds artifacts accepted by the submission interface
	MaxUploadSize int64 `koanf:"max_upload_size" validate:"gt=0"`
	// RateLimit is the number of scan requests allowed per IP per minute; 0 disables it
	RateLimit      int           `koanf:"rate_limit" validate:"gte=0"`
	RequestTimeout time.Duration `koanf:"request_timeout" validate:"gte=0"`
	// AllowedOrigins enables CORS for browser clients when non-empty
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// DatabaseConfig configures PostgreSQL
type DatabaseConfig struct {
	URL          string `koanf:"url"`
	MaxOpenConns int    `koanf:"max_open_conns" validate:"gte=0"`
}

// StoreConfig selects and tunes the record store
type StoreConfig struct {
	Driver      string        `koanf:"driver" validate:"oneof=memory postgres"`
	DedupWindow time.Duration `koanf:"dedup_window" validate:"gte=0"`
	MaxPageSize int           `koanf:"max_page_size" validate:"gt=0"`
	// Timeout bounds the writes of one submission
	Timeout time.Duration `koanf:"timeout" validate:"gte=0"`
}

// DetectorsConfig selects the detector set and aggregation policy
type DetectorsConfig struct {
	Enabled       []string `koanf:"enabled" validate:"dive,oneof=signature heuristic external"`
	PolicyVersion string   `koanf:"policy_version"`
}

// AuthConfig configures bearer token and webhook verification
type AuthConfig struct {
	// JWTSecret verifies HS256 bearer tokens
	JWTSecret string `koanf:"jwt_secret" validate:"omitempty,min=16"`
	Issuer    string `koanf:"issuer"`
	Audience  string `koanf:"audience"`
	// AdminEmails get the admin role when their principal is first created
	AdminEmails []string `koanf:"admin_emails" validate:"dive,email"`
	// WebhookSecret verifies identity provider webhooks ("whsec_..." form)
	WebhookSecret string `koanf:"webhook_secret"`
}

// Default returns the configuration used when nothing is overridden
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   30 * time.Second,
			MaxUploadSize:     domain.DefaultMaxArtifactSize,
			RateLimit:         60,
			RequestTimeout:    60 * time.Second,
		},
		Database: DatabaseConfig{MaxOpenConns: 10},
		Store: StoreConfig{
			Driver:      "memory",
			DedupWindow: 24 * time.Hour,
			MaxPageSize: application.DefaultMaxPageSize,
			Timeout:     application.DefaultStoreTimeout,
		},
		Pipeline: application.PipelineConfig{
			Workers:         application.DefaultWorkers,
			DetectorTimeout: application.DefaultDetectorTimeout,
			Timeout:         application.DefaultPipelineTimeout,
		},
		Detectors: DetectorsConfig{
			Enabled:       []string{detection.SignatureDetectorName, detection.HeuristicDetectorName},
			PolicyVersion: detection.DefaultPolicyVersion,
		},
		Heuristic: detection.DefaultHeuristicConfig(),
		Feed:      feeds.Config{RefreshInterval: 5 * time.Minute},
		Scanner: scanner.Config{
			Timeout:          10 * time.Second,
			FailureThreshold: 5,
			OpenTimeout:      30 * time.Second,
		},
		NATS:    events.Config{URL: "nats://127.0.0.1:4222", Stream: "INSPECTION"},
		S3:      blob.Config{Region: "us-east-1", ForcePathStyle: true},
		Logging: logging.Config{Level: "info", Format: "json"},
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// INSPECTOR_* environment variables, in increasing priority. An empty path
// falls back to $INSPECTOR_CONFIG.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path == "" {
		path = os.Getenv(ConfigPathEnvVar)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// envTransformFunc maps INSPECTOR_SECTION__KEY to section.key.
// The config file path variable is not a config key.
func envTransformFunc(key string) string {
	if key == ConfigPathEnvVar {
		return ""
	}
	key = strings.TrimPrefix(key, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(key), "__", ".")
}

// sliceConfigPaths are parsed from comma-separated strings when set via env
var sliceConfigPaths = []string{
	"detectors.enabled",
	"auth.admin_emails",
	"server.allowed_origins",
	"scanner.kinds",
	"heuristic.suspicious_ports",
	"heuristic.protected_domains",
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		strVal, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if err := k.Set(path, trimmed); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

// Validate checks field constraints and cross-section requirements
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return err
	}

	var errs []error
	if c.Store.Driver == "postgres" && c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required when store.driver is postgres"))
	}
	if !detection.KnownPolicy(c.Detectors.PolicyVersion) {
		errs = append(errs, fmt.Errorf("detectors.policy_version %q is not a known policy", c.Detectors.PolicyVersion))
	}
	if c.Pipeline.Timeout > 0 && c.Pipeline.DetectorTimeout > c.Pipeline.Timeout {
		errs = append(errs, errors.New("pipeline.detector_timeout must not exceed pipeline.timeout"))
	}
	// A request that times out before the inspection is persisted cancels it
	requestTimeout := orDefault(c.Server.RequestTimeout, httpapi.DefaultRequestTimeout)
	budget := orDefault(c.Pipeline.Timeout, application.DefaultPipelineTimeout) +
		orDefault(c.Store.Timeout, application.DefaultStoreTimeout)
	if requestTimeout <= budget {
		errs = append(errs, fmt.Errorf(
			"server.request_timeout (%s) must exceed pipeline.timeout plus store.timeout (%s)",
			requestTimeout, budget))
	}
	for _, kind := range c.Scanner.Kinds {
		if k := domain.ArtifactKind(kind); k != domain.KindFile && k != domain.KindNetwork {
			errs = append(errs, fmt.Errorf("scanner.kinds: unknown artifact kind %q", kind))
		}
	}
	return errors.Join(errs...)
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
