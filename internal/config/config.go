// Package config loads postoffice's runtime configuration: caarlos0/env
// struct tags for typed environment variables, an optional .env file via
// joho/godotenv, and a Validate/Print pair for startup diagnostics.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every tunable the root and worker processes read at
// startup: cluster, gateway, broker-engine, and resource-guard settings
// side by side.
type Config struct {
	// Gateway
	GatewayAddr string `env:"PO_GATEWAY_ADDR" envDefault:":8080"`

	// Cluster topology
	Workers    int    `env:"PO_WORKERS" envDefault:"0"` // 0 = run single-process, no cluster
	SocketDir  string `env:"PO_SOCKET_DIR" envDefault:""` // empty = TMPDIR, falling back to /tmp

	// Worker pool (the deferred task queue callbacks run on)
	WorkerPoolSize  int `env:"PO_WORKERPOOL_SIZE" envDefault:"0"` // 0 = GOMAXPROCS*2
	WorkerQueueSize int `env:"PO_WORKERPOOL_QUEUE" envDefault:"4096"`

	// Resource guard (admission control fronting the gateway)
	CPULimit           float64 `env:"PO_CPU_LIMIT" envDefault:"1.0"`
	MemoryLimit        int64   `env:"PO_MEMORY_LIMIT" envDefault:"536870912"`
	MaxConnections     int     `env:"PO_MAX_CONNECTIONS" envDefault:"10000"`
	MaxGoroutines      int     `env:"PO_MAX_GOROUTINES" envDefault:"20000"`
	CPURejectThreshold float64 `env:"PO_CPU_REJECT_THRESHOLD" envDefault:"75.0"`
	CPUPauseThreshold  float64 `env:"PO_CPU_PAUSE_THRESHOLD" envDefault:"80.0"`
	MetricsInterval    time.Duration `env:"PO_METRICS_INTERVAL" envDefault:"15s"`
	MaxEngineMsgsPerSec int `env:"PO_MAX_ENGINE_MSGS_PER_SEC" envDefault:"5000"`
	MaxBroadcastsPerSec int `env:"PO_MAX_BROADCASTS_PER_SEC" envDefault:"2000"`

	// Connection rate limiting (DoS protection on the gateway)
	ConnRateLimitIPBurst     int     `env:"PO_CONN_RATE_IP_BURST" envDefault:"10"`
	ConnRateLimitIPRate      float64 `env:"PO_CONN_RATE_IP_RATE" envDefault:"1.0"`
	ConnRateLimitGlobalBurst int     `env:"PO_CONN_RATE_GLOBAL_BURST" envDefault:"300"`
	ConnRateLimitGlobalRate  float64 `env:"PO_CONN_RATE_GLOBAL_RATE" envDefault:"50.0"`

	// External broker engines
	NATSEnabled bool   `env:"PO_NATS_ENABLED" envDefault:"false"`
	NATSURL     string `env:"PO_NATS_URL" envDefault:"nats://127.0.0.1:4222"`

	KafkaEnabled       bool   `env:"PO_KAFKA_ENABLED" envDefault:"false"`
	KafkaBrokers       string `env:"PO_KAFKA_BROKERS" envDefault:"localhost:19092"`
	KafkaConsumerGroup string `env:"PO_KAFKA_CONSUMER_GROUP" envDefault:"postoffice-group"`
	KafkaTopics        string `env:"PO_KAFKA_TOPICS" envDefault:"postoffice"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads .env (optional) then the environment into a Config, validates
// it, and returns it. Real env vars override .env, which overrides struct
// defaults.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		fmt.Println("postoffice: no .env file found, using environment variables only")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("postoffice: failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("postoffice: config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate rejects out-of-range or inconsistent settings before anything
// starts up with them.
func (c *Config) Validate() error {
	if c.MaxConnections < 1 {
		return fmt.Errorf("PO_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("PO_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}
	if c.CPUPauseThreshold < 0 || c.CPUPauseThreshold > 100 {
		return fmt.Errorf("PO_CPU_PAUSE_THRESHOLD must be 0-100, got %.1f", c.CPUPauseThreshold)
	}
	if c.CPUPauseThreshold < c.CPURejectThreshold {
		return fmt.Errorf("PO_CPU_PAUSE_THRESHOLD (%.1f) must be >= PO_CPU_REJECT_THRESHOLD (%.1f)",
			c.CPUPauseThreshold, c.CPURejectThreshold)
	}
	if c.Workers < 0 {
		return fmt.Errorf("PO_WORKERS must be >= 0, got %d", c.Workers)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error (got %q)", c.LogLevel)
	}
	return nil
}

// Print writes a human-readable startup summary, one block per concern.
func (c *Config) Print() {
	fmt.Println("=== postoffice configuration ===")
	fmt.Printf("Gateway address:   %s\n", c.GatewayAddr)
	fmt.Printf("Cluster workers:   %d\n", c.Workers)
	fmt.Printf("Max connections:   %d\n", c.MaxConnections)
	fmt.Printf("CPU reject/pause:  %.1f%% / %.1f%%\n", c.CPURejectThreshold, c.CPUPauseThreshold)
	fmt.Printf("NATS engine:       %v (%s)\n", c.NATSEnabled, c.NATSURL)
	fmt.Printf("Kafka engine:      %v (%s / %s)\n", c.KafkaEnabled, c.KafkaBrokers, c.KafkaTopics)
	fmt.Printf("Log level/format:  %s / %s\n", c.LogLevel, c.LogFormat)
	fmt.Println("================================")
}

// LogConfig emits the same summary as structured fields, for Loki/ELK
// ingestion rather than console reading.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("gateway_addr", c.GatewayAddr).
		Int("workers", c.Workers).
		Int("max_connections", c.MaxConnections).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Float64("cpu_pause_threshold", c.CPUPauseThreshold).
		Bool("nats_enabled", c.NATSEnabled).
		Bool("kafka_enabled", c.KafkaEnabled).
		Str("log_level", c.LogLevel).
		Msg("postoffice configuration loaded")
}
