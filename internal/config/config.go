// Package config handles configuration loading for the detection engine.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration.
type Config struct {
	Engine      EngineConfig      `yaml:"engine"`
	Queue       QueueConfig       `yaml:"queue"`
	Validation  ValidationConfig  `yaml:"validation"`
	Detectors   DetectorsConfig   `yaml:"detectors"`
	Scoring     ScoringConfig     `yaml:"scoring"`
	Correlation CorrelationConfig `yaml:"correlation"`
	Dispatch    DispatchConfig    `yaml:"dispatch"`
	Storage     StorageConfig     `yaml:"storage"`
	Ingest      IngestConfig      `yaml:"ingest"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// EngineConfig holds pipeline worker settings.
type EngineConfig struct {
	Workers      int           `yaml:"workers"`
	ShutdownWait time.Duration `yaml:"shutdown_wait"`
}

// QueueConfig holds ingest queue settings.
type QueueConfig struct {
	Size int `yaml:"size"`
}

// ValidationConfig holds event validation settings.
type ValidationConfig struct {
	MaxEventAge time.Duration `yaml:"max_event_age"`
	MaxFuture   time.Duration `yaml:"max_future"`
}

// DetectorsConfig holds per-detector settings.
type DetectorsConfig struct {
	Signature  SignatureConfig  `yaml:"signature"`
	Anomaly    AnomalyConfig    `yaml:"anomaly"`
	Behavioral BehavioralConfig `yaml:"behavioral"`
}

// SignatureConfig holds signature detector settings. When Rules is empty
// the built-in rule set is used.
type SignatureConfig struct {
	Enabled bool            `yaml:"enabled"`
	Rules   []SignatureRule `yaml:"rules"`
}

// SignatureRule is one configured signature.
type SignatureRule struct {
	Pattern     string `yaml:"pattern"`
	Regex       bool   `yaml:"regex"`
	Description string `yaml:"description"`
	Severity    string `yaml:"severity"`
}

// AnomalyConfig holds anomaly detector settings.
type AnomalyConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Threshold    int           `yaml:"threshold"`
	Window       time.Duration `yaml:"window"`
	IdleEviction time.Duration `yaml:"idle_eviction"`
}

// BehavioralConfig holds behavioral detector settings.
type BehavioralConfig struct {
	Enabled            bool `yaml:"enabled"`
	HistorySize        int  `yaml:"history_size"`
	DiversityThreshold int  `yaml:"diversity_threshold"`
}

// ScoringConfig holds risk scorer settings.
type ScoringConfig struct {
	Mode       string `yaml:"mode"` // "fallback" or "always"
	Boundaries [3]int `yaml:"boundaries"`
}

// CorrelationConfig holds correlation engine settings.
type CorrelationConfig struct {
	FireThreshold int           `yaml:"fire_threshold"`
	Window        time.Duration `yaml:"window"`
	QuietPeriod   time.Duration `yaml:"quiet_period"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DispatchConfig holds alert delivery settings.
type DispatchConfig struct {
	MaxRetries      int               `yaml:"max_retries"`
	InitialBackoff  time.Duration     `yaml:"initial_backoff"`
	MaxBackoff      time.Duration     `yaml:"max_backoff"`
	BackoffFactor   float64           `yaml:"backoff_factor"`
	AttemptTimeout  time.Duration     `yaml:"attempt_timeout"`
	DispatchTimeout time.Duration     `yaml:"dispatch_timeout"`
	FailedThreshold int               `yaml:"failed_threshold"`
	ProbeInterval   time.Duration     `yaml:"probe_interval"`
	Suppression     SuppressionConfig `yaml:"suppression"`
	Sinks           []SinkConfig      `yaml:"sinks"`
}

// SuppressionConfig holds duplicate notification suppression settings.
type SuppressionConfig struct {
	Enabled   bool          `yaml:"enabled"`
	TTL       time.Duration `yaml:"ttl"`
	CacheSize int           `yaml:"cache_size"`
	Redis     RedisConfig   `yaml:"redis"`
}

// RedisConfig holds Redis connection settings for cross-instance
// suppression.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SinkConfig describes one notification sink. Kind selects the adapter;
// the remaining fields apply per kind.
type SinkConfig struct {
	Name    string            `yaml:"name"`
	Kind    string            `yaml:"kind"` // elastic, splunk, syslog, webhook, kafka
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url,omitempty"`
	Index   string            `yaml:"index,omitempty"`
	APIKey  string            `yaml:"api_key,omitempty"`
	Token   string            `yaml:"token,omitempty"`
	Network string            `yaml:"network,omitempty"`
	Address string            `yaml:"address,omitempty"`
	Tag     string            `yaml:"tag,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Brokers []string          `yaml:"brokers,omitempty"`
	Topic   string            `yaml:"topic,omitempty"`
}

// StorageConfig holds alert store settings.
type StorageConfig struct {
	// Backend selects "memory" or "clickhouse".
	Backend    string           `yaml:"backend"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Archive    ArchiveConfig    `yaml:"archive"`
}

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	Hosts           []string      `yaml:"hosts"`
	Database        string        `yaml:"database"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	TLSEnabled      bool          `yaml:"tls_enabled"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
}

// ArchiveConfig holds S3 incident archive settings.
type ArchiveConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Endpoint        string `yaml:"endpoint,omitempty"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
}

// IngestConfig holds sensor listener settings.
type IngestConfig struct {
	DTLS DTLSConfig `yaml:"dtls"`
}

// DTLSConfig holds the DTLS sensor listener settings.
type DTLSConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Address           string        `yaml:"address"`
	CertFile          string        `yaml:"cert_file"`
	KeyFile           string        `yaml:"key_file"`
	CAFile            string        `yaml:"ca_file"`
	RequireClientCert bool          `yaml:"require_client_cert"`
	MaxMessageSize    int           `yaml:"max_message_size"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			Workers:      4,
			ShutdownWait: 30 * time.Second,
		},
		Queue: QueueConfig{
			Size: 10000,
		},
		Validation: ValidationConfig{
			MaxEventAge: 7 * 24 * time.Hour,
			MaxFuture:   5 * time.Minute,
		},
		Detectors: DetectorsConfig{
			Signature: SignatureConfig{Enabled: true},
			Anomaly: AnomalyConfig{
				Enabled:      true,
				Threshold:    10,
				Window:       time.Minute,
				IdleEviction: 10 * time.Minute,
			},
			Behavioral: BehavioralConfig{
				Enabled:            true,
				HistorySize:        3,
				DiversityThreshold: 3,
			},
		},
		Scoring: ScoringConfig{
			Mode:       "fallback",
			Boundaries: [3]int{20, 50, 80},
		},
		Correlation: CorrelationConfig{
			FireThreshold: 3,
			Window:        5 * time.Minute,
			QuietPeriod:   10 * time.Minute,
			SweepInterval: 30 * time.Second,
		},
		Dispatch: DispatchConfig{
			MaxRetries:      3,
			InitialBackoff:  500 * time.Millisecond,
			MaxBackoff:      10 * time.Second,
			BackoffFactor:   2.0,
			AttemptTimeout:  5 * time.Second,
			DispatchTimeout: 30 * time.Second,
			FailedThreshold: 3,
			ProbeInterval:   time.Minute,
			Suppression: SuppressionConfig{
				Enabled:   true,
				TTL:       5 * time.Minute,
				CacheSize: 1024,
				Redis: RedisConfig{
					Enabled: false,
					Address: "localhost:6379",
				},
			},
		},
		Storage: StorageConfig{
			Backend: "memory",
			ClickHouse: ClickHouseConfig{
				Hosts:           []string{"localhost:9000"},
				Database:        "decoynet",
				Username:        "default",
				MaxOpenConns:    10,
				MaxIdleConns:    5,
				ConnMaxLifetime: time.Hour,
				DialTimeout:     10 * time.Second,
			},
			Archive: ArchiveConfig{
				Enabled: false,
				Region:  "us-east-1",
				Bucket:  "decoynet-incidents",
				Prefix:  "incidents/",
			},
		},
		Ingest: IngestConfig{
			DTLS: DTLSConfig{
				Enabled:        false, // enable when certificates are configured
				Address:        ":5517",
				MaxMessageSize: 65535,
				IdleTimeout:    5 * time.Minute,
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: ":9090",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a file or returns defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := os.Getenv("DECOYNET_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if level := os.Getenv("DECOYNET_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	if workers := os.Getenv("DECOYNET_WORKERS"); workers != "" {
		fmt.Sscanf(workers, "%d", &c.Engine.Workers)
	}

	if backend := os.Getenv("DECOYNET_STORAGE_BACKEND"); backend != "" {
		c.Storage.Backend = backend
	}

	if hosts := os.Getenv("CLICKHOUSE_HOSTS"); hosts != "" {
		c.Storage.ClickHouse.Hosts = splitAndTrim(hosts, ",")
	}
	if db := os.Getenv("CLICKHOUSE_DATABASE"); db != "" {
		c.Storage.ClickHouse.Database = db
	}
	if user := os.Getenv("CLICKHOUSE_USER"); user != "" {
		c.Storage.ClickHouse.Username = user
	}
	if pass := os.Getenv("CLICKHOUSE_PASSWORD"); pass != "" {
		c.Storage.ClickHouse.Password = pass
	}

	if addr := os.Getenv("DECOYNET_REDIS_ADDRESS"); addr != "" {
		c.Dispatch.Suppression.Redis.Address = addr
		c.Dispatch.Suppression.Redis.Enabled = true
	}
	if pass := os.Getenv("DECOYNET_REDIS_PASSWORD"); pass != "" {
		c.Dispatch.Suppression.Redis.Password = pass
	}

	if key := os.Getenv("AWS_ACCESS_KEY_ID"); key != "" && c.Storage.Archive.AccessKeyID == "" {
		c.Storage.Archive.AccessKeyID = key
	}
	if secret := os.Getenv("AWS_SECRET_ACCESS_KEY"); secret != "" && c.Storage.Archive.SecretAccessKey == "" {
		c.Storage.Archive.SecretAccessKey = secret
	}

	if addr := os.Getenv("DECOYNET_METRICS_ADDRESS"); addr != "" {
		c.Metrics.Address = addr
	}
}

func splitAndTrim(s, sep string) []string {
	var parts []string
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Engine.Workers <= 0 {
		return fmt.Errorf("engine workers must be positive")
	}
	if c.Queue.Size <= 0 {
		return fmt.Errorf("queue size must be positive")
	}
	if c.Correlation.FireThreshold <= 0 {
		return fmt.Errorf("correlation fire_threshold must be positive")
	}
	if c.Correlation.Window <= 0 || c.Correlation.QuietPeriod <= 0 {
		return fmt.Errorf("correlation window and quiet_period must be positive")
	}

	switch c.Scoring.Mode {
	case "fallback", "always":
	default:
		return fmt.Errorf("invalid scoring mode: %q", c.Scoring.Mode)
	}
	b := c.Scoring.Boundaries
	if b[0] <= 0 || b[0] >= b[1] || b[1] >= b[2] || b[2] >= 100 {
		return fmt.Errorf("scoring boundaries must be strictly increasing within (0,100)")
	}

	switch c.Storage.Backend {
	case "memory", "clickhouse":
	default:
		return fmt.Errorf("invalid storage backend: %q", c.Storage.Backend)
	}

	seen := make(map[string]bool)
	for _, s := range c.Dispatch.Sinks {
		if s.Name == "" {
			return fmt.Errorf("sink name is required")
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate sink name: %q", s.Name)
		}
		seen[s.Name] = true
		switch s.Kind {
		case "elastic", "splunk", "syslog", "webhook", "kafka":
		default:
			return fmt.Errorf("sink %q: unknown kind %q", s.Name, s.Kind)
		}
	}
	return nil
}
