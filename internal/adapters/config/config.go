package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"greentrace/pkg/errors"
)

type Config struct {
	App           AppConfig
	HTTP          HTTPConfig
	Postgres      PostgresConfig
	ClickHouse    ClickHouseConfig
	Redis         RedisConfig
	Kafka         KafkaConfig
	Agmarknet     AgmarknetConfig
	AI            AIConfig
	ML            MLConfig
	Weather       WeatherConfig
	Advisory      AdvisoryConfig
	ErrorTracking ErrorTrackingConfig
	Workers       WorkerConfig
}

type AppConfig struct {
	Name     string `envconfig:"APP_NAME" default:"greentrace"`
	Env      string `envconfig:"APP_ENV" default:"development"`
	Version  string `envconfig:"APP_VERSION" default:"dev"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

type HTTPConfig struct {
	Addr            string        `envconfig:"HTTP_ADDR" default:":8080"`
	ShutdownTimeout time.Duration `envconfig:"HTTP_SHUTDOWN_TIMEOUT" default:"10s"`
}

type PostgresConfig struct {
	Host     string `envconfig:"POSTGRES_HOST" default:"localhost"`
	Port     int    `envconfig:"POSTGRES_PORT" default:"5432"`
	User     string `envconfig:"POSTGRES_USER" default:"postgres"`
	Password string `envconfig:"POSTGRES_PASSWORD"`
	Database string `envconfig:"POSTGRES_DB" default:"greentrace"`
	SSLMode  string `envconfig:"POSTGRES_SSL_MODE" default:"disable"`
	MaxConns int    `envconfig:"POSTGRES_MAX_CONNS" default:"10"`
}

func (c PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// ClickHouseConfig configures the optional price observation history store
type ClickHouseConfig struct {
	Enabled  bool   `envconfig:"CLICKHOUSE_ENABLED" default:"false"`
	Host     string `envconfig:"CLICKHOUSE_HOST" default:"localhost"`
	Port     int    `envconfig:"CLICKHOUSE_PORT" default:"9000"`
	User     string `envconfig:"CLICKHOUSE_USER" default:"default"`
	Password string `envconfig:"CLICKHOUSE_PASSWORD"`
	Database string `envconfig:"CLICKHOUSE_DB" default:"greentrace"`
}

type RedisConfig struct {
	Enabled  bool   `envconfig:"REDIS_ENABLED" default:"true"`
	Host     string `envconfig:"REDIS_HOST" default:"localhost"`
	Port     int    `envconfig:"REDIS_PORT" default:"6379"`
	Password string `envconfig:"REDIS_PASSWORD"`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type KafkaConfig struct {
	Enabled bool     `envconfig:"KAFKA_ENABLED" default:"false"`
	Brokers []string `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
}

// AgmarknetConfig configures the data.gov.in mandi price feed
type AgmarknetConfig struct {
	BaseURL          string        `envconfig:"AGMARKNET_BASE_URL" default:"https://api.data.gov.in/resource/9ef84268-d588-465a-a308-a864a43d0070"`
	APIKey           string        `envconfig:"DATA_GOV_API_KEY"`
	DefaultLimit     int           `envconfig:"AGMARKNET_LIMIT" default:"1000"`
	MaxAttempts      int           `envconfig:"AGMARKNET_MAX_ATTEMPTS" default:"3"`
	AttemptTimeout   time.Duration `envconfig:"AGMARKNET_ATTEMPT_TIMEOUT" default:"10s"`
	RetryDelay       time.Duration `envconfig:"AGMARKNET_RETRY_DELAY" default:"2s"`
	BreakerThreshold int           `envconfig:"AGMARKNET_BREAKER_THRESHOLD" default:"5"`
	BreakerCooldown  time.Duration `envconfig:"AGMARKNET_BREAKER_COOLDOWN" default:"60s"`
	CacheKey         string        `envconfig:"AGMARKNET_CACHE_KEY" default:"agmarknet:last_good"`
}

// HasAPIKey reports whether a usable key is configured
func (c AgmarknetConfig) HasAPIKey() bool {
	return c.APIKey != "" && c.APIKey != "your_api_key_here"
}

type AIConfig struct {
	OpenAIKey     string        `envconfig:"OPENAI_API_KEY"`
	OpenAIModel   string        `envconfig:"OPENAI_VISION_MODEL" default:"gpt-4o"`
	GeminiKey     string        `envconfig:"GEMINI_API_KEY"`
	GeminiModel   string        `envconfig:"GEMINI_VISION_MODEL" default:"gemini-1.5-flash"`
	Timeout       time.Duration `envconfig:"AI_TIMEOUT" default:"60s"`
	ReqPerMinute  int           `envconfig:"AI_REQ_PER_MINUTE" default:"60"`
	MaxImageBytes int64         `envconfig:"AI_MAX_IMAGE_BYTES" default:"8388608"`
}

// MLConfig configures the local model subprocess and the optional in-process soil model
type MLConfig struct {
	Enabled       bool          `envconfig:"ML_ENABLED" default:"true"`
	Interpreter   string        `envconfig:"ML_INTERPRETER" default:"python3"`
	Script        string        `envconfig:"ML_SCRIPT" default:"ml/predict.py"`
	Timeout       time.Duration `envconfig:"ML_TIMEOUT" default:"60s"`
	SoilONNXModel string        `envconfig:"ML_SOIL_ONNX_MODEL"`
}

type WeatherConfig struct {
	Enabled bool          `envconfig:"WEATHER_ENABLED" default:"true"`
	BaseURL string        `envconfig:"WEATHER_BASE_URL" default:"https://api.open-meteo.com/v1/forecast"`
	Timeout time.Duration `envconfig:"WEATHER_TIMEOUT" default:"5s"`
}

// AdvisoryConfig holds the merge tunables. Defaults are the production values.
type AdvisoryConfig struct {
	AgreementBoost     float64 `envconfig:"ADVISORY_AGREEMENT_BOOST" default:"10"`
	ConfidenceCap      float64 `envconfig:"ADVISORY_CONFIDENCE_CAP" default:"95"`
	FallbackConfidence float64 `envconfig:"ADVISORY_FALLBACK_CONFIDENCE" default:"45"`
}

type ErrorTrackingConfig struct {
	Enabled     bool   `envconfig:"ERROR_TRACKING_ENABLED" default:"true"`
	SentryDSN   string `envconfig:"SENTRY_DSN"`
	Environment string `envconfig:"SENTRY_ENVIRONMENT" default:"production"`
}

// WorkerConfig contains intervals for background workers
type WorkerConfig struct {
	PriceIngestionEnabled  bool          `envconfig:"WORKER_PRICE_INGESTION_ENABLED" default:"true"`
	PriceIngestionInterval time.Duration `envconfig:"WORKER_PRICE_INGESTION_INTERVAL" default:"6h"`
	PriceIngestionLockTTL  time.Duration `envconfig:"WORKER_PRICE_INGESTION_LOCK_TTL" default:"30m"`
}

// Load reads configuration from environment variables.
// It first tries to load a .env file (useful for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to process env config")
	}

	return &cfg, nil
}
