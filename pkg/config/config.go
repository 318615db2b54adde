// Package config loads and validates the controller configuration
// from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "30s" parse.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// KafkaConfig enables result-event publishing.
type KafkaConfig struct {
	Enabled bool     `yaml:"enabled" json:"enabled"`
	Brokers []string `yaml:"brokers" json:"brokers" validate:"required_if=Enabled true,omitempty,min=1,dive,hostname_port"`
	Topic   string   `yaml:"topic" json:"topic" validate:"required_if=Enabled true"`
}

// MongoConfig enables run-report persistence in MongoDB.
type MongoConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	URI        string `yaml:"uri" json:"uri" validate:"required_if=Enabled true"`
	DBName     string `yaml:"dbName" json:"dbName" validate:"required_if=Enabled true"`
	Collection string `yaml:"collection" json:"collection" validate:"required_if=Enabled true"`
}

// Config is the full recognized configuration surface.
type Config struct {
	BatchSize          int      `yaml:"batch_size" json:"batch_size" validate:"min=1,max=500"`
	StatusInterval     Duration `yaml:"status_interval" json:"status_interval"`
	ExecutionTimeout   Duration `yaml:"execution_timeout" json:"execution_timeout"`
	PerTaskTimeout     Duration `yaml:"per_task_timeout" json:"per_task_timeout"`
	MaxRetries         int      `yaml:"max_retries" json:"max_retries" validate:"min=0,max=10"`
	ConnectTimeout     Duration `yaml:"connect_timeout" json:"connect_timeout"`
	OutputCapBytes     int      `yaml:"output_cap_bytes" json:"output_cap_bytes" validate:"min=0"`
	MaxPayloadBytes    int      `yaml:"max_payload_bytes" json:"max_payload_bytes" validate:"min=0"`
	StopOnFirstFailure bool     `yaml:"stop_on_first_failure" json:"stop_on_first_failure"`

	Forks        int      `yaml:"forks" json:"forks" validate:"min=1,max=200"`
	AgentPath    string   `yaml:"agent_path" json:"agent_path"`
	ProbeTimeout Duration `yaml:"probe_timeout" json:"probe_timeout"`
	IdleTimeout  Duration `yaml:"idle_timeout" json:"idle_timeout"`
	ReportDir    string   `yaml:"report_dir" json:"report_dir"`
	MetricsAddr  string   `yaml:"metrics_addr" json:"metrics_addr"`

	Kafka KafkaConfig `yaml:"kafka" json:"kafka"`
	Mongo MongoConfig `yaml:"mongo" json:"mongo"`
}

// Default returns the documented default configuration.
func Default() Config {
	return Config{
		BatchSize:        20,
		StatusInterval:   Duration(5 * time.Second),
		ExecutionTimeout: Duration(1 * time.Hour),
		PerTaskTimeout:   Duration(5 * time.Minute),
		MaxRetries:       3,
		ConnectTimeout:   Duration(10 * time.Second),
		OutputCapBytes:   1 << 20,
		MaxPayloadBytes:  1 << 20,
		Forks:            5,
		AgentPath:        "winbatch-agent",
		ProbeTimeout:     Duration(5 * time.Second),
		IdleTimeout:      Duration(10 * time.Minute),
		ReportDir:        "reports",
	}
}

// Load reads a YAML file over the defaults and validates the result.
// An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
