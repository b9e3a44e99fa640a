package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/microshop/eventcore/pkg/events"
)

type Config struct {
	Producer      string              `mapstructure:"producer"`
	InstanceID    string              `mapstructure:"instance_id"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Relay         RelayConfig         `mapstructure:"relay"`
	Consumer      ConsumerConfig      `mapstructure:"consumer"`
	Ops           OpsConfig           `mapstructure:"ops"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	SSLMode         string        `mapstructure:"ssl_mode"`
}

type RedisConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	DB                int           `mapstructure:"db"`
	Password          string        `mapstructure:"password"`
	ConnectRetries    int           `mapstructure:"connect_retries"`
	ConnectRetryDelay time.Duration `mapstructure:"connect_retry_delay"`
}

type KafkaConfig struct {
	Brokers        []string          `mapstructure:"brokers"`
	Topics         map[string]string `mapstructure:"topics"` // aggregate_type -> topic override
	WriteTimeout   time.Duration     `mapstructure:"write_timeout"`
	SendRetries    int               `mapstructure:"send_retries"`
	SendRetryDelay time.Duration     `mapstructure:"send_retry_delay"`
	MaxMessageSize int               `mapstructure:"max_message_size"`
	BatchSize      int               `mapstructure:"batch_size"`
}

type RelayConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	BatchSize       int           `mapstructure:"batch_size"`
	LeaseTTL        time.Duration `mapstructure:"lease_ttl"`
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
	BackoffMax      time.Duration `mapstructure:"backoff_max"`
	LagThreshold    time.Duration `mapstructure:"lag_threshold"`
	LagPollInterval time.Duration `mapstructure:"lag_poll_interval"`
}

type ConsumerConfig struct {
	Group         string        `mapstructure:"group"`
	Topics        []string      `mapstructure:"topics"`
	LeaseTTL      time.Duration `mapstructure:"lease_ttl"`
	MinBytes      int           `mapstructure:"min_bytes"`
	MaxBytes      int           `mapstructure:"max_bytes"`
	CommitTimeout time.Duration `mapstructure:"commit_timeout"`
}

type OpsConfig struct {
	Port               int           `mapstructure:"port"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
	RateLimitPerMinute int           `mapstructure:"rate_limit_per_minute"`
	CORS               CORSConfig    `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
}

type ObservabilityConfig struct {
	LogLevel       string `mapstructure:"log_level"`
	JaegerEndpoint string `mapstructure:"jaeger_endpoint"`
	EnableMetrics  bool   `mapstructure:"enable_metrics"`
	EnableTracing  bool   `mapstructure:"enable_tracing"`
}

func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("EVENTCORE")
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/eventcore")

	// Config file is optional
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.Producer == "" {
		errs = append(errs, fmt.Errorf("producer is required"))
	}
	if c.Database.Host == "" {
		errs = append(errs, fmt.Errorf("database.host is required"))
	}
	if c.Database.Port <= 0 {
		errs = append(errs, fmt.Errorf("database.port must be positive"))
	}
	if c.Redis.Port <= 0 {
		errs = append(errs, fmt.Errorf("redis.port must be positive"))
	}
	if len(c.Kafka.Brokers) == 0 {
		errs = append(errs, fmt.Errorf("kafka.brokers is required"))
	}
	if c.Relay.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("relay.poll_interval must be positive"))
	}
	if c.Relay.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("relay.batch_size must be positive"))
	}
	if c.Relay.LeaseTTL <= 0 {
		errs = append(errs, fmt.Errorf("relay.lease_ttl must be positive"))
	}
	if c.Relay.LeaseTTL <= c.Relay.PollInterval {
		errs = append(errs, fmt.Errorf("relay.lease_ttl must exceed relay.poll_interval"))
	}
	if c.Relay.BackoffBase <= 0 || c.Relay.BackoffMax < c.Relay.BackoffBase {
		errs = append(errs, fmt.Errorf("relay backoff range is invalid"))
	}
	if c.Relay.LagThreshold <= 0 {
		errs = append(errs, fmt.Errorf("relay.lag_threshold must be positive"))
	}
	if c.Relay.LagPollInterval <= 0 {
		errs = append(errs, fmt.Errorf("relay.lag_poll_interval must be positive"))
	}
	if c.Ops.Port <= 0 || c.Ops.Port > 65535 {
		errs = append(errs, fmt.Errorf("ops.port must be between 1 and 65535, got %d", c.Ops.Port))
	}
	if c.Ops.RateLimitPerMinute <= 0 {
		errs = append(errs, fmt.Errorf("ops.rate_limit_per_minute must be positive"))
	}
	if c.Consumer.LeaseTTL <= 0 {
		errs = append(errs, fmt.Errorf("consumer.lease_ttl must be positive"))
	}

	return errors.Join(errs...)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("producer", "")
	v.SetDefault("instance_id", "relay-1")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "eventcore")
	v.SetDefault("database.database", "eventcore")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_connections", 5)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.ssl_mode", "disable")

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.connect_retries", 5)
	v.SetDefault("redis.connect_retry_delay", "1s")

	// Kafka defaults
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.write_timeout", "10s")
	v.SetDefault("kafka.send_retries", 3)
	v.SetDefault("kafka.send_retry_delay", "250ms")
	v.SetDefault("kafka.max_message_size", 1048576)
	v.SetDefault("kafka.batch_size", 100)

	// Relay defaults
	v.SetDefault("relay.poll_interval", "500ms")
	v.SetDefault("relay.batch_size", 50)
	v.SetDefault("relay.lease_ttl", "30s")
	v.SetDefault("relay.backoff_base", "500ms")
	v.SetDefault("relay.backoff_max", "30s")
	v.SetDefault("relay.lag_threshold", "30s")
	v.SetDefault("relay.lag_poll_interval", "10s")

	// Consumer defaults
	v.SetDefault("consumer.group", "")
	v.SetDefault("consumer.lease_ttl", "60s")
	v.SetDefault("consumer.min_bytes", 1)
	v.SetDefault("consumer.max_bytes", 10485760)
	v.SetDefault("consumer.commit_timeout", "5s")

	// Ops defaults
	v.SetDefault("ops.port", 8081)
	v.SetDefault("ops.read_timeout", "10s")
	v.SetDefault("ops.write_timeout", "10s")
	v.SetDefault("ops.shutdown_timeout", "30s")
	v.SetDefault("ops.rate_limit_per_minute", 240)
	v.SetDefault("ops.cors.allowed_origins", []string{"*"})
	v.SetDefault("ops.cors.allow_credentials", false)

	// Observability defaults
	v.SetDefault("observability.log_level", "info")
	v.SetDefault("observability.jaeger_endpoint", "http://localhost:14268/api/traces")
	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.enable_tracing", true)
}

func (c *DatabaseConfig) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// TopicFor resolves the bus topic for an aggregate type. An explicit mapping
// wins; otherwise the platform's naming convention applies.
func (c *KafkaConfig) TopicFor(aggregateType string) string {
	if t, ok := c.Topics[aggregateType]; ok {
		return t
	}
	return events.TopicFor(aggregateType)
}
