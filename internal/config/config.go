package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
)

type Config struct {
	AppEnv   string `env:"APP_ENV" envDefault:"development"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	APIAddr  string `env:"API_ADDR" envDefault:":8080"`

	PostgresDSN   string `env:"POSTGRES_DSN,notEmpty"`
	RedisAddr     string `env:"REDIS_ADDR,notEmpty"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	QueuePrefix   string `env:"QUEUE_PREFIX" envDefault:"botq:"`
	JWTSigningKey string `env:"JWT_SIGNING_KEY"`

	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`
	MaxUploadBytes     int64    `env:"MAX_UPLOAD_BYTES" envDefault:"33554432"`

	DefaultVT          int           `env:"DEFAULT_VISIBILITY_TIMEOUT_SEC" envDefault:"60"`
	DefaultMaxAttempts int           `env:"DEFAULT_MAX_ATTEMPTS" envDefault:"3"`
	BackoffInitial     time.Duration `env:"BACKOFF_INITIAL" envDefault:"2s"`
	BackoffMax         time.Duration `env:"BACKOFF_MAX" envDefault:"1m"`

	Concurrency     int           `env:"WORKER_CONCURRENCY" envDefault:"5"`
	LeaseRateMax    int           `env:"LEASE_RATE_MAX" envDefault:"10"`
	LeaseRateWindow time.Duration `env:"LEASE_RATE_WINDOW" envDefault:"1s"`
	PollIntervalMin time.Duration `env:"POLL_INTERVAL_MIN" envDefault:"100ms"`
	PollIntervalMax time.Duration `env:"POLL_INTERVAL_MAX" envDefault:"2s"`
	DrainTimeout    time.Duration `env:"DRAIN_TIMEOUT" envDefault:"30s"`

	OpenAIAPIKey   string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL  string `env:"OPENAI_BASE_URL"`
	EmbeddingModel string `env:"EMBEDDING_MODEL" envDefault:"text-embedding-3-small"`
	ChunkSize      int    `env:"CHUNK_SIZE" envDefault:"1000"`
	ChunkOverlap   int    `env:"CHUNK_OVERLAP" envDefault:"200"`
	UploadDir      string `env:"UPLOAD_DIR" envDefault:"data/temp_uploads"`
	EventsChannel  string `env:"EVENTS_CHANNEL" envDefault:"botq:events"`

	Retention     time.Duration `env:"RETENTION" envDefault:"168h"`
	SchedulerTick time.Duration `env:"SCHEDULER_TICK" envDefault:"1s"`
	SchedulerLock int64         `env:"SCHEDULER_LOCK_ID" envDefault:"42"`
}

// Load reads the configuration from the environment.
func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, errors.Wrap(err, "config: parse env")
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate rejects values the workers cannot run with.
func (c Config) Validate() error {
	switch {
	case c.Concurrency < 1:
		return errors.New("config: WORKER_CONCURRENCY must be at least 1")
	case c.DefaultVT < 1:
		return errors.New("config: DEFAULT_VISIBILITY_TIMEOUT_SEC must be at least 1")
	case c.DefaultMaxAttempts < 1:
		return errors.New("config: DEFAULT_MAX_ATTEMPTS must be at least 1")
	case c.LeaseRateMax < 0:
		return errors.New("config: LEASE_RATE_MAX must not be negative")
	case c.LeaseRateMax > 0 && c.LeaseRateWindow <= 0:
		return errors.New("config: LEASE_RATE_WINDOW must be positive when LEASE_RATE_MAX is set")
	case c.PollIntervalMin <= 0 || c.PollIntervalMax < c.PollIntervalMin:
		return errors.New("config: POLL_INTERVAL_MIN must be positive and not above POLL_INTERVAL_MAX")
	case c.ChunkSize < 1 || c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize:
		return errors.New("config: CHUNK_OVERLAP must be smaller than CHUNK_SIZE")
	}
	return nil
}

// VisibilityTimeout is DefaultVT as a duration.
func (c Config) VisibilityTimeout() time.Duration {
	return time.Duration(c.DefaultVT) * time.Second
}
