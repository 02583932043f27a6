package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	os.Setenv(envKey, strings.TrimSpace(string(data)))
}

type Config struct {
	Server      ServerConfig
	Log         LogConfig
	Redis       RedisConfig
	Store       StoreConfig
	Postgres    PostgresConfig
	Jobs        JobsConfig
	Idempotency IdempotencyConfig
	Resilience  ResilienceConfig
	Worker      WorkerConfig
	RateLimit   RateLimitConfig
	JWT         JWTConfig
	Gateway     GatewayConfig
	Content     ContentProviderConfig
	Image       ImageProviderConfig
	AMQP        AMQPConfig
	Sentry      SentryConfig
	Tracing     TracingConfig
}

type ServerConfig struct {
	Port string
	Env  string
	Name string
}

type LogConfig struct {
	Level  string
	Format string // text or json
	Output string // stdout or stderr
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type StoreConfig struct {
	Driver string // memory, redis or postgres
}

type PostgresConfig struct {
	DSN string
}

type JobsConfig struct {
	ActiveQuota   int
	Expiry        time.Duration
	Retention     time.Duration
	SweepInterval time.Duration
}

type IdempotencyConfig struct {
	TTL time.Duration
}

type PolicyConfig struct {
	Timeout             time.Duration
	MaxAttempts         int
	InitialBackoff      time.Duration
	MaxBackoff          time.Duration
	BreakerMinRequests  uint32
	BreakerFailureRatio float64
	BreakerInterval     time.Duration
	BreakerCooldown     time.Duration
}

type ResilienceConfig struct {
	Content PolicyConfig
	Image   PolicyConfig
}

type WorkerConfig struct {
	Concurrency int
	Queues      map[string]int
}

type RateLimitConfig struct {
	GeneratePerHour int
}

type JWTConfig struct {
	Secret     string
	Expiration int // hours
}

type GatewayConfig struct {
	Enabled bool
}

type ContentProviderConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

type ImageProviderConfig struct {
	APIKey       string
	BaseURL      string
	PollInterval time.Duration
}

type AMQPConfig struct {
	URL      string
	Exchange string
}

type SentryConfig struct {
	DSN string
}

type TracingConfig struct {
	Endpoint     string
	SamplingRate float64
}

func Load() (*Config, error) {
	// Optional .env for local development
	_ = godotenv.Load()

	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("POSTGRES_DSN")
	readSecret("JWT_SECRET")
	readSecret("CONTENT_API_KEY")
	readSecret("IMAGE_API_KEY")
	readSecret("AMQP_URL")
	readSecret("SENTRY_DSN")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = v.BindEnv("server.port", "SERVER_PORT")
	_ = v.BindEnv("server.env", "SERVER_ENV")
	_ = v.BindEnv("log.level", "LOG_LEVEL")
	_ = v.BindEnv("log.format", "LOG_FORMAT")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("store.driver", "STORE_DRIVER")
	_ = v.BindEnv("postgres.dsn", "POSTGRES_DSN")
	_ = v.BindEnv("jobs.active_quota", "JOBS_ACTIVE_QUOTA")
	_ = v.BindEnv("jobs.sweep_interval", "JOBS_SWEEP_INTERVAL")
	_ = v.BindEnv("idempotency.ttl", "IDEMPOTENCY_TTL")
	_ = v.BindEnv("resilience.content.timeout", "CONTENT_TIMEOUT")
	_ = v.BindEnv("resilience.image.timeout", "IMAGE_TIMEOUT")
	_ = v.BindEnv("worker.concurrency", "WORKER_CONCURRENCY")
	_ = v.BindEnv("jwt.secret", "JWT_SECRET")
	_ = v.BindEnv("gateway.enabled", "GATEWAY_ENABLED")
	_ = v.BindEnv("content.api_key", "CONTENT_API_KEY")
	_ = v.BindEnv("content.base_url", "CONTENT_BASE_URL")
	_ = v.BindEnv("content.model", "CONTENT_MODEL")
	_ = v.BindEnv("image.api_key", "IMAGE_API_KEY")
	_ = v.BindEnv("image.base_url", "IMAGE_BASE_URL")
	_ = v.BindEnv("amqp.url", "AMQP_URL")
	_ = v.BindEnv("amqp.exchange", "AMQP_EXCHANGE")
	_ = v.BindEnv("sentry.dsn", "SENTRY_DSN")
	_ = v.BindEnv("tracing.endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")

	// Defaults
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.name", "adforge-api")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("store.driver", "redis")

	// Job lifecycle
	v.SetDefault("jobs.active_quota", 5)
	v.SetDefault("jobs.expiry", "24h")
	v.SetDefault("jobs.retention", "168h")
	v.SetDefault("jobs.sweep_interval", "5m")
	v.SetDefault("idempotency.ttl", "24h")

	// Provider protection
	setPolicyDefaults(v, "resilience.content", "300s")
	setPolicyDefaults(v, "resilience.image", "180s")

	v.SetDefault("worker.concurrency", 10)
	v.SetDefault("worker.queues", map[string]interface{}{"generation": 6, "maintenance": 1})
	v.SetDefault("ratelimit.generate_per_hour", 30)
	v.SetDefault("jwt.secret", "change-me-in-production")
	v.SetDefault("jwt.expiration", 24)
	v.SetDefault("gateway.enabled", false)

	v.SetDefault("content.base_url", "https://api.openai.com/v1")
	v.SetDefault("content.model", "gpt-4o-mini")
	v.SetDefault("image.base_url", "https://api.openai.com/v1")
	v.SetDefault("image.poll_interval", "3s")
	v.SetDefault("amqp.exchange", "jobs.alerts")
	v.SetDefault("tracing.sampling_rate", 1.0)

	// Try to read config file (optional)
	_ = v.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port: v.GetString("server.port"),
			Env:  v.GetString("server.env"),
			Name: v.GetString("server.name"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Store: StoreConfig{
			Driver: v.GetString("store.driver"),
		},
		Postgres: PostgresConfig{
			DSN: v.GetString("postgres.dsn"),
		},
		Jobs: JobsConfig{
			ActiveQuota:   v.GetInt("jobs.active_quota"),
			Expiry:        v.GetDuration("jobs.expiry"),
			Retention:     v.GetDuration("jobs.retention"),
			SweepInterval: v.GetDuration("jobs.sweep_interval"),
		},
		Idempotency: IdempotencyConfig{
			TTL: v.GetDuration("idempotency.ttl"),
		},
		Resilience: ResilienceConfig{
			Content: policyConfig(v, "resilience.content"),
			Image:   policyConfig(v, "resilience.image"),
		},
		Worker: WorkerConfig{
			Concurrency: v.GetInt("worker.concurrency"),
			Queues:      queueWeights(v.GetStringMap("worker.queues")),
		},
		RateLimit: RateLimitConfig{
			GeneratePerHour: v.GetInt("ratelimit.generate_per_hour"),
		},
		JWT: JWTConfig{
			Secret:     v.GetString("jwt.secret"),
			Expiration: v.GetInt("jwt.expiration"),
		},
		Gateway: GatewayConfig{
			Enabled: v.GetBool("gateway.enabled"),
		},
		Content: ContentProviderConfig{
			APIKey:  v.GetString("content.api_key"),
			BaseURL: v.GetString("content.base_url"),
			Model:   v.GetString("content.model"),
		},
		Image: ImageProviderConfig{
			APIKey:       v.GetString("image.api_key"),
			BaseURL:      v.GetString("image.base_url"),
			PollInterval: v.GetDuration("image.poll_interval"),
		},
		AMQP: AMQPConfig{
			URL:      v.GetString("amqp.url"),
			Exchange: v.GetString("amqp.exchange"),
		},
		Sentry: SentryConfig{
			DSN: v.GetString("sentry.dsn"),
		},
		Tracing: TracingConfig{
			Endpoint:     v.GetString("tracing.endpoint"),
			SamplingRate: v.GetFloat64("tracing.sampling_rate"),
		},
	}

	return cfg, nil
}

func setPolicyDefaults(v *viper.Viper, prefix, timeout string) {
	v.SetDefault(prefix+".timeout", timeout)
	v.SetDefault(prefix+".max_attempts", 3)
	v.SetDefault(prefix+".initial_backoff", "2s")
	v.SetDefault(prefix+".max_backoff", "8s")
	v.SetDefault(prefix+".breaker_min_requests", 5)
	v.SetDefault(prefix+".breaker_failure_ratio", 0.5)
	v.SetDefault(prefix+".breaker_interval", "60s")
	v.SetDefault(prefix+".breaker_cooldown", "30s")
}

func policyConfig(v *viper.Viper, prefix string) PolicyConfig {
	return PolicyConfig{
		Timeout:             v.GetDuration(prefix + ".timeout"),
		MaxAttempts:         v.GetInt(prefix + ".max_attempts"),
		InitialBackoff:      v.GetDuration(prefix + ".initial_backoff"),
		MaxBackoff:          v.GetDuration(prefix + ".max_backoff"),
		BreakerMinRequests:  v.GetUint32(prefix + ".breaker_min_requests"),
		BreakerFailureRatio: v.GetFloat64(prefix + ".breaker_failure_ratio"),
		BreakerInterval:     v.GetDuration(prefix + ".breaker_interval"),
		BreakerCooldown:     v.GetDuration(prefix + ".breaker_cooldown"),
	}
}

func queueWeights(raw map[string]interface{}) map[string]int {
	out := make(map[string]int, len(raw))
	for name, w := range raw {
		switch n := w.(type) {
		case int:
			out[name] = n
		case int64:
			out[name] = int(n)
		case float64:
			out[name] = int(n)
		}
	}
	return out
}
