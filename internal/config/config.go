package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates everything the service reads from the environment.
// Loaded once at process start; thresholds are operational knobs, not code.
type Config struct {
	Environment string

	Server        ServerConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Clickhouse    ClickhouseConfig
	Elasticsearch ElasticsearchConfig
	KMS           KMSConfig
	Hashing       HashingConfig
	OTP           OTPConfig
	Provider      ProviderConfig
	Bucketing     BucketingConfig
	Logging       LoggingConfig
}

type ServerConfig struct {
	Port         int
	TLSPort      int
	EnableTLS    bool
	CertFile     string
	KeyFile      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
}

type ClickhouseConfig struct {
	Enabled  bool
	URL      string
	Username string
	Password string
	Database string
}

type ElasticsearchConfig struct {
	Enabled  bool
	URL      string
	Username string
	Password string
	Index    string
}

type KMSConfig struct {
	Enabled bool
	Region  string
	KeyID   string
}

type HashingConfig struct {
	// Argon2id cost parameters for OTP secret hashing.
	Argon2MemoryCost  int
	Argon2TimeCost    int
	Argon2Parallelism int
	// Shared pepper, identical across all service instances. Any instance
	// must be able to verify a hash written by another.
	Pepper string
}

type OTPConfig struct {
	CodeLength           int
	ExpiryWindow         time.Duration
	MaxAttempts          int
	RateLimitWindow      time.Duration
	RateLimitMaxAttempts int
	SweepInterval        time.Duration
	DefaultCountryCode   string
	MasterCode           string
	MasterCodeEnabled    bool
}

type ProviderConfig struct {
	// Name selects the delivery provider implementation: "mock" or "brandsms".
	Name     string
	URL      string
	APIKey   string
	SenderID string
	Timeout  time.Duration
}

type BucketingConfig struct {
	EventBuckets int
}

type LoggingConfig struct {
	Level  string
	Format string
}

var (
	global *Config
	once   sync.Once
)

// Load reads .env (if present) and the process environment into a Config.
// Safe to call multiple times; the first call wins.
func Load() *Config {
	once.Do(func() {
		_ = godotenv.Load()

		global = &Config{
			Environment: getEnv("ENVIRONMENT", "development"),
			Server: ServerConfig{
				Port:         getEnvInt("SERVER_PORT", 8080),
				TLSPort:      getEnvInt("SERVER_TLS_PORT", 8443),
				EnableTLS:    getEnvBool("SERVER_ENABLE_TLS", false),
				CertFile:     getEnv("SERVER_CERT_FILE", ""),
				KeyFile:      getEnv("SERVER_KEY_FILE", ""),
				ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
				WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
				IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			},
			Redis: RedisConfig{
				URL:      getEnv("REDIS_URL", "redis://localhost:6379"),
				Password: getEnv("REDIS_PASSWORD", ""),
				DB:       getEnvInt("REDIS_DB", 0),
				PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
			},
			Scylla: ScyllaConfig{
				Nodes:    getEnvList("SCYLLA_NODES", "localhost:9042"),
				Keyspace: getEnv("SCYLLA_KEYSPACE", "otp"),
				Username: getEnv("SCYLLA_USERNAME", ""),
				Password: getEnv("SCYLLA_PASSWORD", ""),
			},
			Kafka: KafkaConfig{
				Enabled: getEnvBool("KAFKA_ENABLED", false),
				Brokers: getEnvList("KAFKA_BROKERS", "localhost:9092"),
				Topic:   getEnv("KAFKA_TOPIC", "otp.events"),
			},
			Clickhouse: ClickhouseConfig{
				Enabled:  getEnvBool("CLICKHOUSE_ENABLED", false),
				URL:      getEnv("CLICKHOUSE_URL", "localhost:9000"),
				Username: getEnv("CLICKHOUSE_USERNAME", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
				Database: getEnv("CLICKHOUSE_DATABASE", "otp_metrics"),
			},
			Elasticsearch: ElasticsearchConfig{
				Enabled:  getEnvBool("ELASTICSEARCH_ENABLED", false),
				URL:      getEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
				Username: getEnv("ELASTICSEARCH_USERNAME", ""),
				Password: getEnv("ELASTICSEARCH_PASSWORD", ""),
				Index:    getEnv("ELASTICSEARCH_INDEX", "otp-security-events"),
			},
			KMS: KMSConfig{
				Enabled: getEnvBool("KMS_ENABLED", false),
				Region:  getEnv("KMS_REGION", "ap-south-1"),
				KeyID:   getEnv("KMS_KEY_ID", ""),
			},
			Hashing: HashingConfig{
				Argon2MemoryCost:  getEnvInt("ARGON2_MEMORY_COST", 64*1024),
				Argon2TimeCost:    getEnvInt("ARGON2_TIME_COST", 1),
				Argon2Parallelism: getEnvInt("ARGON2_PARALLELISM", 4),
				Pepper:            getEnv("OTP_HASH_PEPPER", ""),
			},
			OTP: OTPConfig{
				CodeLength:           getEnvInt("OTP_CODE_LENGTH", 6),
				ExpiryWindow:         getEnvDuration("OTP_EXPIRY_WINDOW", 10*time.Minute),
				MaxAttempts:          getEnvInt("OTP_MAX_ATTEMPTS", 3),
				RateLimitWindow:      getEnvDuration("OTP_RATE_LIMIT_WINDOW", 10*time.Minute),
				RateLimitMaxAttempts: getEnvInt("OTP_RATE_LIMIT_MAX_ATTEMPTS", 5),
				SweepInterval:        getEnvDuration("OTP_SWEEP_INTERVAL", 5*time.Minute),
				DefaultCountryCode:   getEnv("OTP_DEFAULT_COUNTRY_CODE", "91"),
				MasterCode:           getEnv("OTP_MASTER_CODE", ""),
				MasterCodeEnabled:    getEnvBool("OTP_MASTER_CODE_ENABLED", false),
			},
			Provider: ProviderConfig{
				Name:     getEnv("SMS_PROVIDER", "mock"),
				URL:      getEnv("SMS_PROVIDER_URL", ""),
				APIKey:   getEnv("SMS_PROVIDER_API_KEY", ""),
				SenderID: getEnv("SMS_PROVIDER_SENDER_ID", ""),
				Timeout:  getEnvDuration("SMS_PROVIDER_TIMEOUT", 10*time.Second),
			},
			Bucketing: BucketingConfig{
				EventBuckets: getEnvInt("EVENT_BUCKETS", 100),
			},
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "json"),
			},
		}
	})

	return global
}

// Get returns the loaded config, loading defaults if Load was never called.
func Get() *Config {
	if global == nil {
		return Load()
	}
	return global
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

// Validate rejects configurations that must never reach production.
func (c *Config) Validate() error {
	if c.OTP.CodeLength < 4 || c.OTP.CodeLength > 10 {
		return fmt.Errorf("OTP_CODE_LENGTH must be between 4 and 10, got %d", c.OTP.CodeLength)
	}
	if c.OTP.MaxAttempts < 1 {
		return fmt.Errorf("OTP_MAX_ATTEMPTS must be at least 1, got %d", c.OTP.MaxAttempts)
	}
	if c.OTP.RateLimitMaxAttempts < 1 {
		return fmt.Errorf("OTP_RATE_LIMIT_MAX_ATTEMPTS must be at least 1, got %d", c.OTP.RateLimitMaxAttempts)
	}
	if c.OTP.MasterCodeEnabled {
		if c.IsProduction() {
			return fmt.Errorf("OTP_MASTER_CODE_ENABLED is not permitted in production")
		}
		if c.OTP.MasterCode == "" {
			return fmt.Errorf("OTP_MASTER_CODE_ENABLED requires OTP_MASTER_CODE")
		}
	}
	if c.IsProduction() && c.Hashing.Pepper == "" {
		return fmt.Errorf("OTP_HASH_PEPPER is required in production")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvList(key, defaultValue string) []string {
	raw := getEnv(key, defaultValue)
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
