package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// Recognition engines.
const (
	EngineProcess = "process"
	EngineOpenAI  = "openai"
)

// Config holds the casesync service configuration.
type Config struct {
	HTTP        HTTPConfig        `yaml:"http"`
	Logging     LoggingConfig     `yaml:"logging"`
	Auth        AuthConfig        `yaml:"auth"`
	Documents   DocumentsConfig   `yaml:"documents"`
	Uploads     UploadsConfig     `yaml:"uploads"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Broadcast   BroadcastConfig   `yaml:"broadcast"`
	Journal     JournalConfig     `yaml:"journal"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// AuthConfig holds API authentication settings for mutation routes.
type AuthConfig struct {
	APIKeys []string `yaml:"api_keys"`
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Port            int `yaml:"port"`
	ReadTimeoutSec  int `yaml:"read_timeout_sec"`
	WriteTimeoutSec int `yaml:"write_timeout_sec"`
	ShutdownSec     int `yaml:"shutdown_timeout_sec"`
}

// DocumentsConfig holds document type resolution settings.
type DocumentsConfig struct {
	DefaultType string            `yaml:"default_type"`
	Aliases     map[string]string `yaml:"aliases"`
}

// UploadsConfig holds upload staging settings.
type UploadsConfig struct {
	MaxBytes   int64  `yaml:"max_bytes"`
	StagingDir string `yaml:"staging_dir"` // empty = OS temp dir
}

// RecognitionConfig holds OCR engine settings.
type RecognitionConfig struct {
	Engine     string       `yaml:"engine"` // process | openai
	Command    string       `yaml:"command"`
	Args       []string     `yaml:"args"`
	TimeoutSec int          `yaml:"timeout_sec"`
	RawField   string       `yaml:"raw_field"`
	OpenAI     OpenAIConfig `yaml:"openai"`
}

// OpenAIConfig holds settings for an OpenAI-compatible vision model.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// BroadcastConfig holds observer fan-out settings.
type BroadcastConfig struct {
	QueueSize       int `yaml:"queue_size"`
	WriteTimeoutSec int `yaml:"write_timeout_sec"`
	PingIntervalSec int `yaml:"ping_interval_sec"`
}

// JournalConfig holds the optional Valkey/Redis event journal settings.
type JournalConfig struct {
	Enabled          bool     `yaml:"enabled"`
	Addrs            []string `yaml:"addrs"`
	Password         string   `yaml:"password"`
	Stream           string   `yaml:"stream"`
	Channel          string   `yaml:"channel"`
	MaxLen           int64    `yaml:"max_len"`
	ReadinessTimeout int      `yaml:"readiness_timeout_sec"`
}

// Load reads configuration from a YAML file by environment name (local, dev, prod).
func Load(env string) (Config, error) {
	configPath := findConfigPath(env)

	data, err := os.ReadFile(filepath.Clean(configPath))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", configPath, err)
	}

	return Parse(data)
}

// Parse decodes YAML configuration, applying env substitution, defaults and validation.
func Parse(data []byte) (Config, error) {
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// GetEnv returns the current environment from the ENV variable, defaulting to "local".
func GetEnv() string {
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "local"
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.HTTP.ReadTimeoutSec <= 0 {
		c.HTTP.ReadTimeoutSec = 30
	}
	// Recognition can take a while; the write timeout must outlive it.
	if c.HTTP.WriteTimeoutSec <= 0 {
		c.HTTP.WriteTimeoutSec = 90
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 10
	}
	if c.Documents.DefaultType == "" {
		c.Documents.DefaultType = "person"
	}
	if c.Documents.Aliases == nil {
		c.Documents.Aliases = map[string]string{
			"propiedad": "vehicle",
			"tarjeta":   "vehicle",
			"cedula":    "person",
			"licencia":  "license",
		}
	}
	if c.Uploads.MaxBytes <= 0 {
		c.Uploads.MaxBytes = 10 << 20
	}
	if c.Recognition.Engine == "" {
		c.Recognition.Engine = EngineProcess
	}
	if c.Recognition.TimeoutSec <= 0 {
		c.Recognition.TimeoutSec = 60
	}
	if c.Recognition.RawField == "" {
		c.Recognition.RawField = "texto"
	}
	if c.Broadcast.QueueSize <= 0 {
		c.Broadcast.QueueSize = 32
	}
	if c.Broadcast.WriteTimeoutSec <= 0 {
		c.Broadcast.WriteTimeoutSec = 10
	}
	if c.Broadcast.PingIntervalSec <= 0 {
		c.Broadcast.PingIntervalSec = 30
	}
	if c.Journal.Stream == "" {
		c.Journal.Stream = "casesync:events"
	}
	if c.Journal.Channel == "" {
		c.Journal.Channel = "casesync:events"
	}
	if c.Journal.MaxLen <= 0 {
		c.Journal.MaxLen = 1000
	}
	if c.Journal.ReadinessTimeout <= 0 {
		c.Journal.ReadinessTimeout = 10
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	if strings.TrimSpace(c.Documents.DefaultType) == "" {
		return fmt.Errorf("documents.default_type is required")
	}
	for from, to := range c.Documents.Aliases {
		if strings.TrimSpace(to) == "" {
			return fmt.Errorf("documents.aliases.%s must name a document type", from)
		}
	}
	switch c.Recognition.Engine {
	case EngineProcess:
		if c.Recognition.Command == "" {
			return fmt.Errorf("recognition.command is required for the %q engine", EngineProcess)
		}
	case EngineOpenAI:
		if c.Recognition.OpenAI.Model == "" {
			return fmt.Errorf("recognition.openai.model is required for the %q engine", EngineOpenAI)
		}
	default:
		return fmt.Errorf(
			"recognition.engine must be %q or %q, got %q",
			EngineProcess, EngineOpenAI, c.Recognition.Engine,
		)
	}
	if c.Journal.Enabled && len(c.Journal.Addrs) == 0 {
		return fmt.Errorf("journal.addrs is required when the journal is enabled")
	}
	return nil
}

// findConfigPath locates the config file.
func findConfigPath(env string) string {
	filename := fmt.Sprintf("%s.yaml", env)

	// 1. Check ./config/
	if path := filepath.Join("config", filename); fileExists(path) {
		return path
	}

	// 2. Check relative to the source file
	_, b, _, _ := runtime.Caller(0)
	projectRoot := filepath.Dir(filepath.Dir(filepath.Dir(b))) // internal/config -> project root
	if path := filepath.Join(projectRoot, "config", filename); fileExists(path) {
		return path
	}

	// 3. Fallback to ./config/
	return filepath.Join("config", filename)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1]) // strip ${ and }
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
