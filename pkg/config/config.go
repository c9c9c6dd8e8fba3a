// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, TMDB, Store, Redis, Queue, Kafka, Worker, etc.).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	TMDB      TMDBConfig      `yaml:"tmdb"`
	Store     StoreConfig     `yaml:"store"`
	Redis     RedisConfig     `yaml:"redis"`
	Queue     QueueConfig     `yaml:"queue"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Worker    WorkerConfig    `yaml:"worker"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Search    SearchConfig    `yaml:"search"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings shared by the api and worker
// processes.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	WorkerPort      int           `yaml:"workerPort"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	RequestTimeout  time.Duration `yaml:"requestTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// TMDBConfig holds upstream catalog credentials and client behaviour.
type TMDBConfig struct {
	BaseURL           string        `yaml:"baseUrl"`
	Token             string        `yaml:"token"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxAttempts       int           `yaml:"maxAttempts"`
	RetryDelay        time.Duration `yaml:"retryDelay"`
	RequestsPerSecond float64       `yaml:"requestsPerSecond"`
	Burst             int           `yaml:"burst"`
	ImageConfigTTL    time.Duration `yaml:"imageConfigTTL"`
}

// StoreConfig selects the document store backend.
type StoreConfig struct {
	Backend  string         `yaml:"backend"`
	Postgres PostgresConfig `yaml:"postgres"`
	Mongo    MongoConfig    `yaml:"mongo"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// MongoConfig holds MongoDB connection parameters.
type MongoConfig struct {
	URI            string        `yaml:"uri"`
	Database       string        `yaml:"database"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
}

// RedisConfig holds Redis connection and caching parameters.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

// QueueConfig controls the Redis-backed task queue.
type QueueConfig struct {
	Name         string        `yaml:"name"`
	Prefix       string        `yaml:"prefix"`
	MaxAttempts  int           `yaml:"maxAttempts"`
	PollInterval time.Duration `yaml:"pollInterval"`
	FailedLimit  int64         `yaml:"failedLimit"`
	// LeaseTTL is how long a consumer's claim on its active tasks survives
	// without a heartbeat before another consumer may recover them.
	LeaseTTL time.Duration `yaml:"leaseTTL"`
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Enabled       bool        `yaml:"enabled"`
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	MovieIndexed string `yaml:"movieIndexed"`
}

// WorkerConfig controls the indexing worker pool and its backpressure.
type WorkerConfig struct {
	Concurrency        int           `yaml:"concurrency"`
	HealthCheckTimeout time.Duration `yaml:"healthCheckTimeout"`
	PauseCooldown      time.Duration `yaml:"pauseCooldown"`
	FanOutLimit        int           `yaml:"fanOutLimit"`
}

// SchedulerConfig controls the discovery run.
type SchedulerConfig struct {
	Endpoint      string `yaml:"endpoint"`
	DrainBacklog  bool   `yaml:"drainBacklog"`
	ExistsWorkers int    `yaml:"existsWorkers"`
}

// SearchConfig controls API search limits.
type SearchConfig struct {
	DefaultSize int `yaml:"defaultSize"`
	MaxSize     int `yaml:"maxSize"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with sensible defaults for any
// missing values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations no process can run with.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "postgres", "mongo":
	default:
		return fmt.Errorf("store.backend must be postgres or mongo, got %q", c.Store.Backend)
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be positive, got %d", c.Worker.Concurrency)
	}
	if c.Queue.Name == "" {
		return fmt.Errorf("queue.name is required")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required when kafka is enabled")
	}
	return nil
}

// defaultConfig returns a Config with production-ready defaults for local
// development.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			WorkerPort:      9000,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			RequestTimeout:  10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		TMDB: TMDBConfig{
			BaseURL:           "https://api.themoviedb.org/3",
			Timeout:           10 * time.Second,
			MaxAttempts:       5,
			RetryDelay:        time.Second,
			RequestsPerSecond: 40,
			Burst:             10,
			ImageConfigTTL:    24 * time.Hour,
		},
		Store: StoreConfig{
			Backend: "postgres",
			Postgres: PostgresConfig{
				Host:            "localhost",
				Port:            5432,
				Database:        "movies",
				User:            "movies",
				Password:        "localdev",
				SSLMode:         "disable",
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
			},
			Mongo: MongoConfig{
				URI:            "mongodb://localhost:27017",
				Database:       "movies",
				ConnectTimeout: 10 * time.Second,
			},
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
			DB:       0,
			PoolSize: 20,
			CacheTTL: 60 * time.Second,
		},
		Queue: QueueConfig{
			Name:         "movie-indexing",
			Prefix:       "msp:queue",
			MaxAttempts:  3,
			PollInterval: time.Second,
			FailedLimit:  10000,
			LeaseTTL:     30 * time.Second,
		},
		Kafka: KafkaConfig{
			Enabled:       false,
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "movie-api",
			Topics: KafkaTopics{
				MovieIndexed: "movie.indexed",
			},
		},
		Worker: WorkerConfig{
			Concurrency:        20,
			HealthCheckTimeout: 30 * time.Second,
			PauseCooldown:      60 * time.Second,
			FanOutLimit:        8,
		},
		Scheduler: SchedulerConfig{
			Endpoint:      "movie/popular",
			DrainBacklog:  true,
			ExistsWorkers: 8,
		},
		Search: SearchConfig{
			DefaultSize: 20,
			MaxSize:     100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads MSP_* environment variables and overrides the
// corresponding config fields. TMDB_API_TOKEN is honoured as well since that
// is the name the upstream documentation uses.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TMDB_API_TOKEN"); v != "" {
		cfg.TMDB.Token = v
	}
	if v := os.Getenv("MSP_TMDB_TOKEN"); v != "" {
		cfg.TMDB.Token = v
	}
	if v := os.Getenv("MSP_TMDB_BASE_URL"); v != "" {
		cfg.TMDB.BaseURL = v
	}
	if v := os.Getenv("MSP_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("MSP_WORKER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.WorkerPort = port
		}
	}
	if v := os.Getenv("MSP_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("MSP_POSTGRES_HOST"); v != "" {
		cfg.Store.Postgres.Host = v
	}
	if v := os.Getenv("MSP_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Store.Postgres.Port = port
		}
	}
	if v := os.Getenv("MSP_POSTGRES_DATABASE"); v != "" {
		cfg.Store.Postgres.Database = v
	}
	if v := os.Getenv("MSP_POSTGRES_USER"); v != "" {
		cfg.Store.Postgres.User = v
	}
	if v := os.Getenv("MSP_POSTGRES_PASSWORD"); v != "" {
		cfg.Store.Postgres.Password = v
	}
	if v := os.Getenv("MSP_POSTGRES_SSLMODE"); v != "" {
		cfg.Store.Postgres.SSLMode = v
	}
	if v := os.Getenv("MSP_MONGO_URI"); v != "" {
		cfg.Store.Mongo.URI = v
	}
	if v := os.Getenv("MSP_MONGO_DATABASE"); v != "" {
		cfg.Store.Mongo.Database = v
	}
	if v := os.Getenv("MSP_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("MSP_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("MSP_KAFKA_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Kafka.Enabled = enabled
		}
	}
	if v := os.Getenv("MSP_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("MSP_WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.Concurrency = n
		}
	}
	if v := os.Getenv("MSP_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MSP_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
