package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Environment string `yaml:"environment"`
	Server      struct {
		Port            int           `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`
	Redis struct {
		Host         string        `yaml:"host"`
		Port         int           `yaml:"port"`
		Password     string        `yaml:"password"`
		DB           int           `yaml:"db"`
		PoolSize     int           `yaml:"pool_size"`
		MinIdleConns int           `yaml:"min_idle_conns"`
		PoolTimeout  time.Duration `yaml:"pool_timeout"`
		Prefix       string        `yaml:"prefix"`
	} `yaml:"redis"`
	Kafka struct {
		Brokers      []string `yaml:"brokers"`
		ResultsTopic string   `yaml:"results_topic"`
		RequiredAcks int      `yaml:"required_acks"`
		Compression  string   `yaml:"compression"`
		Producer     struct {
			MaxAttempts  int           `yaml:"max_attempts"`
			Linger       time.Duration `yaml:"linger"`
			BatchBytes   int           `yaml:"batch_bytes"`
			BatchSize    int           `yaml:"batch_size"`
			WriteTimeout time.Duration `yaml:"write_timeout"`
			ReadTimeout  time.Duration `yaml:"read_timeout"`
			Async        bool          `yaml:"async"`
		} `yaml:"producer"`
		Consumer struct {
			GroupID    string        `yaml:"group_id"`
			Workers    int           `yaml:"workers"`
			BufferSize int           `yaml:"buffer_size"`
			RetryMax   int           `yaml:"retry_max"`
			BackoffMin time.Duration `yaml:"backoff_min"`
			BackoffMax time.Duration `yaml:"backoff_max"`
			DLQTopic   string        `yaml:"dlq_topic"`
			MinBytes   int           `yaml:"min_bytes"`
			MaxBytes   int           `yaml:"max_bytes"`
		} `yaml:"consumer"`
	} `yaml:"kafka"`
	ClickHouse struct {
		Enabled          bool          `yaml:"enabled"`
		Host             string        `yaml:"host"`
		Port             int           `yaml:"port"`
		Database         string        `yaml:"database"`
		User             string        `yaml:"user"`
		Password         string        `yaml:"password"`
		UseHTTP          bool          `yaml:"use_http"`
		AsyncInsert      bool          `yaml:"async_insert"`
		WaitForAsync     bool          `yaml:"wait_for_async_insert"`
		DialTimeout      time.Duration `yaml:"dial_timeout"`
		ReadTimeout      time.Duration `yaml:"read_timeout"`
		WriteTimeout     time.Duration `yaml:"write_timeout"`
		MaxExecutionTime time.Duration `yaml:"max_execution_time"`
	} `yaml:"clickhouse"`
	Aggregation struct {
		JobDeadline     time.Duration `yaml:"job_deadline"`
		MonitorInterval time.Duration `yaml:"monitor_interval"`
		RetentionTTL    time.Duration `yaml:"retention_ttl"`
		DedupTTL        time.Duration `yaml:"dedup_ttl"`
		DispatchRPS     float64       `yaml:"dispatch_rps"`
	} `yaml:"aggregation"`
	Queue struct {
		Workers    int           `yaml:"workers"`
		RetryLimit int           `yaml:"retry_limit"`
		RetryDelay time.Duration `yaml:"retry_delay"`
	} `yaml:"queue"`
	Providers []Provider `yaml:"providers"`
}

// Provider declares one upstream position source: its request topic, the
// chains it can answer for, and the expansions its payloads may trigger.
type Provider struct {
	Name       string      `yaml:"name"`
	Topic      string      `yaml:"topic"`
	Chains     []string    `yaml:"chains"`
	Expansions []Expansion `yaml:"expansions"`
}

// Expansion maps an NFT collection found in this provider's payload to a
// follow-up provider that must be queried for the same account.
type Expansion struct {
	Collection string `yaml:"collection"`
	Provider   string `yaml:"provider"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &c, nil
}

// LoadWithEnv loads config from YAML and overrides with environment variables.
func LoadWithEnv(path string) (*Config, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("KAFKA_RESULTS_TOPIC"); v != "" {
		c.Kafka.ResultsTopic = v
	}
	if v := os.Getenv("REDIS_HOST"); v != "" {
		c.Redis.Host = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("CLICKHOUSE_HOST"); v != "" {
		c.ClickHouse.Host = v
	}

	return c, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Environment == "" {
		return fmt.Errorf("environment is required")
	}
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers cannot be empty")
	}
	if c.Kafka.ResultsTopic == "" {
		return fmt.Errorf("kafka.results_topic is required")
	}
	if c.Redis.Host == "" {
		return fmt.Errorf("redis.host is required")
	}
	if len(c.Providers) == 0 {
		return fmt.Errorf("providers cannot be empty")
	}
	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" || p.Topic == "" {
			return fmt.Errorf("providers[%d]: name and topic are required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("providers[%d]: duplicate provider %q", i, p.Name)
		}
		seen[p.Name] = true
		if len(p.Chains) == 0 {
			return fmt.Errorf("providers[%d] (%s): chains cannot be empty", i, p.Name)
		}
	}
	for _, p := range c.Providers {
		for _, e := range p.Expansions {
			if e.Collection == "" {
				return fmt.Errorf("provider %s: expansion collection is required", p.Name)
			}
			if !seen[e.Provider] {
				return fmt.Errorf("provider %s: expansion targets unknown provider %q", p.Name, e.Provider)
			}
		}
	}
	if c.Aggregation.JobDeadline <= 0 {
		c.Aggregation.JobDeadline = 60 * time.Second
	}
	if c.Aggregation.MonitorInterval <= 0 {
		c.Aggregation.MonitorInterval = 5 * time.Second
	}
	if c.Aggregation.RetentionTTL <= 0 {
		c.Aggregation.RetentionTTL = 24 * time.Hour
	}
	if c.Aggregation.DedupTTL <= 0 {
		c.Aggregation.DedupTTL = 30 * time.Second
	}
	return nil
}

// RequestTopics maps provider name to its request topic.
func (c *Config) RequestTopics() map[string]string {
	topics := make(map[string]string, len(c.Providers))
	for _, p := range c.Providers {
		topics[p.Name] = p.Topic
	}
	return topics
}
