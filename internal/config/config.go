package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models checkline.yml.
type Config struct {
	Board struct {
		SubjectMaxRunes int           `yaml:"subject_max_runes"`
		PollInterval    time.Duration `yaml:"poll_interval"`
		FallbackSubject string        `yaml:"fallback_subject"`
	} `yaml:"board"`
	Verification struct {
		PassThreshold   int    `yaml:"pass_threshold"`
		Seed            int64  `yaml:"seed"`
		DefaultReason   string `yaml:"default_reason"`
		DefaultFeedback string `yaml:"default_feedback"`
	} `yaml:"verification"`
	Evidence  EvidenceConfig  `yaml:"evidence"`
	Overrides OverridesConfig `yaml:"overrides"`
	Log       struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

type EvidenceConfig struct {
	Backend         string `yaml:"backend"`
	Dir             string `yaml:"dir"`
	Bucket          string `yaml:"bucket"`
	ReferenceBucket string `yaml:"reference_bucket"`
	MinIO           struct {
		Endpoint      string `yaml:"endpoint"`
		AccessKey     string `yaml:"access_key"`
		SecretKey     string `yaml:"secret_key"`
		UseSSL        bool   `yaml:"use_ssl"`
		PublicBaseURL string `yaml:"public_base_url"`
	} `yaml:"minio"`
}

type OverridesConfig struct {
	Backend string `yaml:"backend"`
	Redis   struct {
		Addr     string        `yaml:"addr"`
		Password string        `yaml:"password"`
		DB       int           `yaml:"db"`
		Prefix   string        `yaml:"prefix"`
		TTL      time.Duration `yaml:"ttl"`
	} `yaml:"redis"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with cl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Board.SubjectMaxRunes <= 0 {
		return fmt.Errorf("config.board.subject_max_runes must be positive")
	}
	if c.Board.PollInterval <= 0 {
		return fmt.Errorf("config.board.poll_interval must be positive")
	}
	if c.Verification.PassThreshold < 0 || c.Verification.PassThreshold > 100 {
		return fmt.Errorf("config.verification.pass_threshold must be within 0..100")
	}
	switch c.Evidence.Backend {
	case "local":
	case "minio":
		if c.Evidence.MinIO.Endpoint == "" {
			return fmt.Errorf("config.evidence.minio.endpoint is required for the minio backend")
		}
	default:
		return fmt.Errorf("config.evidence.backend must be 'local' or 'minio'")
	}
	if c.Evidence.Bucket == "" || c.Evidence.ReferenceBucket == "" {
		return fmt.Errorf("config.evidence buckets are required")
	}
	switch c.Overrides.Backend {
	case "memory":
	case "redis":
		if c.Overrides.Redis.Addr == "" {
			return fmt.Errorf("config.overrides.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("config.overrides.backend must be 'memory' or 'redis'")
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("config.log.level %q is not supported", c.Log.Level)
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "checkline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys
// keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `board:
  subject_max_runes: 50
  poll_interval: 5s
  fallback_subject: "Job instruction"

verification:
  pass_threshold: 80
  seed: 0
  default_reason: "Verification failed (no reason recorded)"
  default_feedback: "Done"

evidence:
  backend: local
  dir: ""
  bucket: evidence-photos
  reference_bucket: checklist-reference-images
  minio:
    endpoint: ""
    access_key: ""
    secret_key: ""
    use_ssl: false
    public_base_url: ""

overrides:
  backend: memory
  redis:
    addr: ""
    password: ""
    db: 0
    prefix: "checkline:override:"
    ttl: 168h

log:
  level: info
`
