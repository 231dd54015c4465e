package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"

	"courier/cmd/internal/chatcache"
	"courier/cmd/internal/realtime"
)

// Queue storage backends.
const (
	QueueBackendMemory   = "memory"
	QueueBackendFile     = "file"
	QueueBackendPostgres = "postgres"
	QueueBackendRedis    = "redis"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	LogLevel  string `env:"COURIER_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"COURIER_LOG_FORMAT" envDefault:"json"`
	LogColor  bool   `env:"COURIER_LOG_COLOR" envDefault:"true"`

	// Server and identity.
	BaseURL   string `env:"COURIER_BASE_URL"`
	Token     string `env:"COURIER_TOKEN"`
	UserID    string `env:"COURIER_USER_ID"`
	UserRole  string `env:"COURIER_USER_ROLE" envDefault:"customer"`
	CablePath string `env:"COURIER_CABLE_PATH" envDefault:"/cable"`
	Channel   string `env:"COURIER_CHANNEL" envDefault:"NotificationsChannel"`

	// Conversations joined by `courier run`.
	Conversations []string `env:"COURIER_CONVERSATIONS" envSeparator:","`

	// Connection manager.
	AutoReconnect        bool          `env:"COURIER_AUTO_RECONNECT" envDefault:"true"`
	MaxReconnectAttempts int           `env:"COURIER_MAX_RECONNECT_ATTEMPTS" envDefault:"0"`
	ConnectTimeout       time.Duration `env:"COURIER_CONNECT_TIMEOUT" envDefault:"10s"`
	WriteTimeout         time.Duration `env:"COURIER_WRITE_TIMEOUT" envDefault:"5s"`
	HeartbeatInterval    time.Duration `env:"COURIER_HEARTBEAT_INTERVAL" envDefault:"30s"`
	PingInterval         time.Duration `env:"COURIER_PING_INTERVAL" envDefault:"20s"`
	MinBackoff           time.Duration `env:"COURIER_MIN_BACKOFF" envDefault:"1s"`
	MaxBackoff           time.Duration `env:"COURIER_MAX_BACKOFF" envDefault:"30s"`
	MaxRetries           int           `env:"COURIER_MAX_RETRIES" envDefault:"3"`
	DrainPacing          time.Duration `env:"COURIER_DRAIN_PACING" envDefault:"250ms"`

	// Retry queue storage.
	QueueBackend string `env:"COURIER_QUEUE_BACKEND" envDefault:"file"`
	QueueDir     string `env:"COURIER_QUEUE_DIR" envDefault:".courier"`
	QueueKey     string `env:"COURIER_QUEUE_KEY" envDefault:"courier.retry_queue"`
	DatabaseURL  string `env:"COURIER_DATABASE_URL"`
	DBSchema     string `env:"COURIER_DB_SCHEMA" envDefault:"courier"`
	DBMaxConns   int32  `env:"COURIER_DB_MAX_CONNS" envDefault:"4"`
	DBMinConns   int32  `env:"COURIER_DB_MIN_CONNS" envDefault:"0"`

	DBMaxConnIdleTime  time.Duration `env:"COURIER_DB_MAX_CONN_IDLE_TIME" envDefault:"5m"`
	DBStatementTimeout time.Duration `env:"COURIER_DB_STATEMENT_TIMEOUT" envDefault:"5s"`

	RedisURL    string `env:"COURIER_REDIS_URL"`
	RedisPrefix string `env:"COURIER_REDIS_PREFIX" envDefault:"courier:"`

	// Conversation cache.
	CacheMaxConversations int           `env:"COURIER_CACHE_MAX_CONVERSATIONS" envDefault:"50"`
	CacheMaxMessages      int           `env:"COURIER_CACHE_MAX_MESSAGES" envDefault:"200"`
	CacheTTL              time.Duration `env:"COURIER_CACHE_TTL" envDefault:"30m"`
	CacheSweepInterval    time.Duration `env:"COURIER_CACHE_SWEEP_INTERVAL" envDefault:"5m"`
	CacheContentFallback  bool          `env:"COURIER_CACHE_CONTENT_FALLBACK" envDefault:"false"`

	// Outbound send limit (sliding window).
	SendRateLimit  int           `env:"COURIER_SEND_RATE_LIMIT" envDefault:"20"`
	SendRateWindow time.Duration `env:"COURIER_SEND_RATE_WINDOW" envDefault:"10s"`

	// Debug HTTP listener (/healthz, /readyz, /metrics, /debug/queue).
	// Empty disables it.
	HTTPAddr          string        `env:"COURIER_HTTP_ADDR"`
	ReadHeaderTimeout time.Duration `env:"COURIER_HTTP_READ_HEADER_TIMEOUT" envDefault:"5s"`
	ShutdownTimeout   time.Duration `env:"COURIER_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// LoadConfig loads Config from the process environment.
func LoadConfig() (Config, error) {
	return loadConfig(nil)
}

// loadConfig parses environ when non-nil, the process environment otherwise.
func loadConfig(environ map[string]string) (Config, error) {
	var cfg Config
	opts := env.Options{}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env config: %w", err)
	}
	cfg.QueueBackend = strings.ToLower(strings.TrimSpace(cfg.QueueBackend))
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))

	convs := cfg.Conversations[:0]
	for _, id := range cfg.Conversations {
		if id = strings.TrimSpace(id); id != "" {
			convs = append(convs, id)
		}
	}
	cfg.Conversations = convs
	return cfg, nil
}

// ValidateQueue checks the settings needed to open the retry-queue store.
func (c Config) ValidateQueue() error {
	switch c.QueueBackend {
	case QueueBackendMemory, QueueBackendFile:
	case QueueBackendPostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return errors.New("COURIER_DATABASE_URL is required when COURIER_QUEUE_BACKEND=postgres")
		}
	case QueueBackendRedis:
		if strings.TrimSpace(c.RedisURL) == "" {
			return errors.New("COURIER_REDIS_URL is required when COURIER_QUEUE_BACKEND=redis")
		}
	default:
		return fmt.Errorf("unknown COURIER_QUEUE_BACKEND %q", c.QueueBackend)
	}
	return nil
}

// Validate checks everything `courier run` needs.
func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return errors.New("COURIER_BASE_URL is required")
	}
	if strings.TrimSpace(c.Token) == "" {
		return errors.New("COURIER_TOKEN is required")
	}
	switch c.LogFormat {
	case "json", "pretty":
	default:
		return fmt.Errorf("unknown COURIER_LOG_FORMAT %q", c.LogFormat)
	}
	return c.ValidateQueue()
}

// RealtimeConfig maps c onto the connection manager config.
func (c Config) RealtimeConfig() realtime.Config {
	return realtime.Config{
		BaseURL:              c.BaseURL,
		CablePath:            c.CablePath,
		Channel:              c.Channel,
		ConnectTimeout:       c.ConnectTimeout,
		WriteTimeout:         c.WriteTimeout,
		HeartbeatInterval:    c.HeartbeatInterval,
		PingInterval:         c.PingInterval,
		AutoReconnect:        c.AutoReconnect,
		MinBackoff:           c.MinBackoff,
		MaxBackoff:           c.MaxBackoff,
		MaxReconnectAttempts: c.MaxReconnectAttempts,
		MaxRetries:           c.MaxRetries,
		DrainPacing:          c.DrainPacing,
		QueueKey:             c.QueueKey,
	}
}

// CacheConfig maps c onto the conversation cache config.
func (c Config) CacheConfig() chatcache.Config {
	return chatcache.Config{
		MaxConversations:           c.CacheMaxConversations,
		MaxMessagesPerConversation: c.CacheMaxMessages,
		TTL:                        c.CacheTTL,
		SweepInterval:              c.CacheSweepInterval,
		ContentMatchFallback:       c.CacheContentFallback,
	}
}
