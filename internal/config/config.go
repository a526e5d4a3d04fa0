package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Port      int             `yaml:"port"`
	LogLevel  string          `yaml:"log_level"`
	Env       string          `yaml:"env"`
	DB        DBConfig        `yaml:"db"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Redis     RedisConfig     `yaml:"redis"`
	NATS      NATSConfig      `yaml:"nats"`
	Ingestion IngestionConfig `yaml:"ingestion"`
	Recovery  RecoveryConfig  `yaml:"recovery"`
	API       APIConfig       `yaml:"api"`
}

// DBConfig holds the database configuration
type DBConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	Name         string `yaml:"name"`
	SSLMode      string `yaml:"ssl_mode"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// KafkaConfig holds the transport configuration
type KafkaConfig struct {
	Brokers           []string `yaml:"brokers"`
	ErrorTopic        string   `yaml:"error_topic"`
	ConfirmationTopic string   `yaml:"confirmation_topic"`
	ConsumerGroup     string   `yaml:"consumer_group"`
}

// RedisConfig holds the quarantine store configuration
type RedisConfig struct {
	URL       string `yaml:"url"`
	Password  string `yaml:"password"`
	KeyPrefix string `yaml:"key_prefix"`
}

// NATSConfig holds the domain event bus configuration
type NATSConfig struct {
	URL      string `yaml:"url"`
	Embedded bool   `yaml:"embedded"`
	Subject  string `yaml:"subject"`
	Stream   string `yaml:"stream"`
}

// IngestionConfig holds the error ingestion settings
type IngestionConfig struct {
	MaxConcurrency   int           `yaml:"max_concurrency"`
	QueueCapacity    int           `yaml:"queue_capacity"`
	ImmediateRetries int           `yaml:"immediate_retries"`
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerReset     time.Duration `yaml:"breaker_reset"`
	RestartCooldown  time.Duration `yaml:"restart_cooldown"`
	QuarantineLogDir string        `yaml:"quarantine_log_dir"`
}

// RecoveryConfig holds the retry engine settings
type RecoveryConfig struct {
	StagingPollInterval time.Duration `yaml:"staging_poll_interval"`
	ForwardingTimeout   time.Duration `yaml:"forwarding_timeout"`
	OrphanInterval      time.Duration `yaml:"orphan_interval"`
	BulkInterval        time.Duration `yaml:"bulk_interval"`
	PageSize            int           `yaml:"page_size"`
	HistoryDepth        int           `yaml:"history_depth"`
}

// APIConfig holds the HTTP API settings
type APIConfig struct {
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// bulk operation routes share a global bucket and a bucket per client
	BulkBurst         float64 `yaml:"bulk_burst"`
	BulkRate          float64 `yaml:"bulk_rate"`
	ClientBurst       float64 `yaml:"client_burst"`
	ClientRate        float64 `yaml:"client_rate"`
	TrustForwardedFor bool    `yaml:"trust_forwarded_for"`
}

func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value, err := strconv.ParseFloat(getEnv(key, strconv.FormatFloat(defaultValue, 'f', -1, 64)), 64)

	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}

	return value, nil
}

// getEnv retrieves the value of an environment variable or returns a default value if not set.
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}

	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value, err := strconv.Atoi(getEnv(key, strconv.Itoa(defaultValue)))

	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}

	return value, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value, err := time.ParseDuration(getEnv(key, defaultValue.String()))

	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}

	return value, nil
}

func getEnvList(key, defaultValue string) []string {
	var values []string

	for _, v := range strings.Split(getEnv(key, defaultValue), ",") {
		if v = strings.TrimSpace(v); v != "" {
			values = append(values, v)
		}
	}

	return values
}

// Load reads the configuration from environment variables, then applies the YAML file at path if one is given.
func Load(path string) (*Config, error) {
	cfg, err := fromEnv()

	if err != nil {
		return nil, err
	}

	if path != "" {
		data, err := os.ReadFile(path)

		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func fromEnv() (*Config, error) {
	var errs []error

	intVar := func(key string, def int) int {
		v, err := getEnvInt(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}

	durationVar := func(key string, def time.Duration) time.Duration {
		v, err := getEnvDuration(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}

	floatVar := func(key string, def float64) float64 {
		v, err := getEnvFloat(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}

	cfg := &Config{
		Port:     intVar("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Env:      getEnv("APP_ENV", "development"),
		DB: DBConfig{
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         intVar("DB_PORT", 5432),
			User:         getEnv("DB_USER", "postgres"),
			Password:     getEnv("DB_PASSWORD", "postgres"),
			Name:         getEnv("DB_NAME", "recovery"),
			SSLMode:      getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns: intVar("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: intVar("DB_MAX_IDLE_CONNS", 5),
		},
		Kafka: KafkaConfig{
			Brokers:           getEnvList("KAFKA_BROKERS", "localhost:9092"),
			ErrorTopic:        getEnv("KAFKA_ERROR_TOPIC", "error"),
			ConfirmationTopic: getEnv("KAFKA_CONFIRMATION_TOPIC", "retry-confirmations"),
			ConsumerGroup:     getEnv("KAFKA_CONSUMER_GROUP", "failure-recovery"),
		},
		Redis: RedisConfig{
			URL:       getEnv("REDIS_URL", "redis://localhost:6379/0"),
			Password:  getEnv("REDIS_PASSWORD", ""),
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "recovery"),
		},
		NATS: NATSConfig{
			URL:      getEnv("NATS_URL", ""),
			Embedded: getEnv("NATS_EMBEDDED", "true") == "true",
			Subject:  getEnv("NATS_SUBJECT", "recovery.events"),
			Stream:   getEnv("NATS_STREAM", "RECOVERY"),
		},
		Ingestion: IngestionConfig{
			MaxConcurrency:   intVar("INGESTION_MAX_CONCURRENCY", 32),
			QueueCapacity:    intVar("INGESTION_QUEUE_CAPACITY", 64),
			ImmediateRetries: intVar("INGESTION_IMMEDIATE_RETRIES", 2),
			BreakerThreshold: intVar("INGESTION_BREAKER_THRESHOLD", 10),
			BreakerReset:     durationVar("INGESTION_BREAKER_RESET", time.Minute),
			RestartCooldown:  durationVar("INGESTION_RESTART_COOLDOWN", 30*time.Second),
			QuarantineLogDir: getEnv("INGESTION_QUARANTINE_LOG_DIR", ""),
		},
		Recovery: RecoveryConfig{
			StagingPollInterval: durationVar("RECOVERY_STAGING_POLL_INTERVAL", 30*time.Second),
			ForwardingTimeout:   durationVar("RECOVERY_FORWARDING_TIMEOUT", 10*time.Minute),
			OrphanInterval:      durationVar("RECOVERY_ORPHAN_INTERVAL", 2*time.Minute),
			BulkInterval:        durationVar("RECOVERY_BULK_INTERVAL", 5*time.Second),
			PageSize:            intVar("RECOVERY_PAGE_SIZE", 1024),
			HistoryDepth:        intVar("RECOVERY_HISTORY_DEPTH", 10),
		},
		API: APIConfig{
			ShutdownTimeout:   durationVar("API_SHUTDOWN_TIMEOUT", 15*time.Second),
			BulkBurst:         floatVar("API_BULK_BURST", 20),
			BulkRate:          floatVar("API_BULK_RATE", 2),
			ClientBurst:       floatVar("API_CLIENT_BURST", 5),
			ClientRate:        floatVar("API_CLIENT_RATE", 0.5),
			TrustForwardedFor: getEnv("API_TRUST_FORWARDED_FOR", "false") == "true",
		},
	}

	if len(errs) > 0 {
		return nil, errs[0]
	}

	return cfg, nil
}

// Validate checks the settings that have no usable zero value
func (c *Config) Validate() error {
	switch {
	case c.Port <= 0:
		return fmt.Errorf("invalid port: %d", c.Port)
	case c.Ingestion.MaxConcurrency <= 0:
		return fmt.Errorf("ingestion max concurrency must be positive")
	case c.Ingestion.QueueCapacity <= 0:
		return fmt.Errorf("ingestion queue capacity must be positive")
	case c.Ingestion.ImmediateRetries < 0:
		return fmt.Errorf("ingestion immediate retries must not be negative")
	case c.Recovery.PageSize <= 0:
		return fmt.Errorf("recovery page size must be positive")
	case c.Recovery.HistoryDepth <= 0:
		return fmt.Errorf("recovery history depth must be positive")
	case c.Recovery.StagingPollInterval <= 0 || c.Recovery.OrphanInterval <= 0 || c.Recovery.BulkInterval <= 0:
		return fmt.Errorf("recovery intervals must be positive")
	case c.API.BulkBurst < 1 || c.API.ClientBurst < 1 || c.API.BulkRate <= 0 || c.API.ClientRate <= 0:
		return fmt.Errorf("api rate limits must be positive with a burst of at least 1")
	}

	return nil
}

// GetDBConnString returns the database connection string
func (c *Config) GetDBConnString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host, c.DB.Port, c.DB.User, c.DB.Password, c.DB.Name, c.DB.SSLMode)
}

// IsDevelopment reports whether the service runs in the development environment
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}
