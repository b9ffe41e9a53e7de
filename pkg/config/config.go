package config

import (
	"fmt"
	"time"

	"callsession-backend/pkg/constants"
	"callsession-backend/pkg/env"
)

// Media provider kinds
const (
	MediaProviderLiveKit = "livekit"
	MediaProviderMock    = "mock"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Media    MediaConfig
	Session  SessionConfig
	MinIO    MinIOConfig
	JWT      JWTConfig
	Log      LogConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int
	Environment    string // development, staging, production
	ServiceName    string
	AllowedOrigins []string
	RequestTimeout time.Duration
	InternalToken  string // shared secret for /internal routes

	// Per-user limit on call start and join
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// DatabaseConfig holds CockroachDB configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// MediaConfig selects and configures the media provider
type MediaConfig struct {
	Provider     string // livekit, mock
	URL          string
	APIKey       string
	APISecret    string
	Timeout      time.Duration
	MaxAttempts  int
	Backoff      time.Duration
	EmptyTimeout time.Duration
	TokenTTL     time.Duration
}

// SessionConfig holds the capacity policy and cache lifetime
type SessionConfig struct {
	GroupMax        int
	LiveMax         int
	LiveDefault     int
	DefaultCapacity int
	CacheTTL        time.Duration
}

// MinIOConfig holds MinIO configuration for session recordings
type MinIOConfig struct {
	Endpoint           string
	AccessKey          string
	SecretKey          string
	UseSSL             bool
	Bucket             string
	RecordingURLExpiry time.Duration
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string // debug, info, warn, error
	Format   string // json, text
	Output   string // stdout, file
	FilePath string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:           env.GetInt("PORT", 8083),
			Environment:    env.GetString("ENV", "development"),
			ServiceName:    env.GetString("SERVICE_NAME", "session-service"),
			AllowedOrigins: env.GetStringSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
			RequestTimeout: env.GetDuration("REQUEST_TIMEOUT", constants.DefaultTimeout),
			InternalToken:  env.GetStringFromFile("INTERNAL_API_TOKEN", ""),

			RateLimitRequests: env.GetInt("RATE_LIMIT_REQUESTS", 30),
			RateLimitWindow:   env.GetDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		Database: DatabaseConfig{
			Host:     env.GetString("DB_HOST", "localhost"),
			Port:     env.GetInt("DB_PORT", 26257),
			User:     env.GetString("DB_USER", "root"),
			Password: env.GetStringFromFile("DB_PASSWORD", ""),
			Database: env.GetString("DB_NAME", "callsession"),
			SSLMode:  env.GetString("DB_SSL_MODE", "disable"),
			MaxConns: env.GetInt("DB_MAX_CONNS", 25),
			MinConns: env.GetInt("DB_MIN_CONNS", 5),
		},
		Redis: RedisConfig{
			Host:     env.GetString("REDIS_HOST", "localhost"),
			Port:     env.GetInt("REDIS_PORT", 6379),
			Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
			DB:       env.GetInt("REDIS_DB", 0),
			PoolSize: env.GetInt("REDIS_POOL_SIZE", 10),
			Timeout:  env.GetDuration("REDIS_TIMEOUT", 5*time.Second),
		},
		Media: MediaConfig{
			Provider:     env.GetString("MEDIA_PROVIDER", MediaProviderLiveKit),
			URL:          env.GetString("LIVEKIT_URL", ""),
			APIKey:       env.GetStringFromFile("LIVEKIT_API_KEY", ""),
			APISecret:    env.GetStringFromFile("LIVEKIT_API_SECRET", ""),
			Timeout:      env.GetDuration("MEDIA_TIMEOUT", constants.MediaRequestTimeout),
			MaxAttempts:  env.GetInt("MEDIA_MAX_ATTEMPTS", constants.MediaMaxAttempts),
			Backoff:      env.GetDuration("MEDIA_BACKOFF", constants.MediaRetryBackoff),
			EmptyTimeout: env.GetDuration("MEDIA_EMPTY_TIMEOUT", constants.MediaRoomEmptyTimeout),
			TokenTTL:     env.GetDuration("MEDIA_TOKEN_TTL", constants.MediaTokenTTL),
		},
		Session: SessionConfig{
			GroupMax:        env.GetInt("SESSION_GROUP_MAX", constants.DefaultGroupMax),
			LiveMax:         env.GetInt("SESSION_LIVE_MAX", constants.DefaultLiveMax),
			LiveDefault:     env.GetInt("SESSION_LIVE_DEFAULT", constants.DefaultLiveCapacity),
			DefaultCapacity: env.GetInt("SESSION_DEFAULT_CAPACITY", constants.DefaultRoomCapacity),
			CacheTTL:        env.GetDuration("SESSION_CACHE_TTL", constants.RoomCacheTTL),
		},
		MinIO: MinIOConfig{
			Endpoint:           env.GetString("MINIO_ENDPOINT", ""),
			AccessKey:          env.GetStringFromFile("MINIO_ACCESS_KEY", ""),
			SecretKey:          env.GetStringFromFile("MINIO_SECRET_KEY", ""),
			UseSSL:             env.GetBool("MINIO_USE_SSL", false),
			Bucket:             env.GetString("MINIO_BUCKET", "recordings"),
			RecordingURLExpiry: env.GetDuration("RECORDING_URL_EXPIRY", constants.RecordingURLExpiry),
		},
		JWT: JWTConfig{
			Secret: env.GetStringFromFile("JWT_SECRET", ""),
		},
		Log: LogConfig{
			Level:    env.GetString("LOG_LEVEL", "info"),
			Format:   env.GetString("LOG_FORMAT", "json"),
			Output:   env.GetString("LOG_OUTPUT", "stdout"),
			FilePath: env.GetString("LOG_FILE_PATH", "/logs/session-service.log"),
		},
	}

	// Validate critical configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// IsProduction reports whether ENV=production
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.JWT.Secret == "" {
			return fmt.Errorf("JWT_SECRET must be set in production")
		}
		if len(c.JWT.Secret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
		}
	}

	switch c.Media.Provider {
	case MediaProviderLiveKit:
		if c.Media.URL == "" || c.Media.APIKey == "" || c.Media.APISecret == "" {
			return fmt.Errorf("LIVEKIT_URL, LIVEKIT_API_KEY and LIVEKIT_API_SECRET are required when MEDIA_PROVIDER=livekit")
		}
	case MediaProviderMock:
		if c.IsProduction() {
			return fmt.Errorf("MEDIA_PROVIDER=mock is not allowed in production")
		}
	default:
		return fmt.Errorf("unknown MEDIA_PROVIDER %q", c.Media.Provider)
	}

	if c.Media.MaxAttempts < 1 || c.Media.MaxAttempts > 5 {
		return fmt.Errorf("MEDIA_MAX_ATTEMPTS must be between 1 and 5, got %d", c.Media.MaxAttempts)
	}
	if c.Media.Timeout <= 0 || c.Media.TokenTTL <= 0 || c.Media.EmptyTimeout <= 0 {
		return fmt.Errorf("MEDIA_TIMEOUT, MEDIA_TOKEN_TTL and MEDIA_EMPTY_TIMEOUT must be positive")
	}

	if c.Server.RateLimitRequests < 1 || c.Server.RateLimitWindow < time.Second {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be positive and RATE_LIMIT_WINDOW at least 1s")
	}

	s := c.Session
	if s.GroupMax <= 0 || s.LiveMax <= 0 || s.LiveDefault <= 0 || s.DefaultCapacity <= 0 {
		return fmt.Errorf("session capacities must be positive")
	}
	if s.LiveDefault > s.LiveMax {
		return fmt.Errorf("SESSION_LIVE_DEFAULT (%d) exceeds SESSION_LIVE_MAX (%d)", s.LiveDefault, s.LiveMax)
	}
	if s.CacheTTL <= 0 {
		return fmt.Errorf("SESSION_CACHE_TTL must be positive")
	}

	return nil
}
