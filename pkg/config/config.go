package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	CORS      CORSConfig
	Log       LogConfig
	RateLimit RateLimitConfig
	Sessions  SessionConfig
	Audit     AuditConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	AutoMigrate  bool
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret            string
	Issuer            string
	Expiration        time.Duration
	RefreshExpiration time.Duration
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// LimitPolicyConfig is one named abuse-guard policy.
type LimitPolicyConfig struct {
	Window        time.Duration
	MaxAttempts   int
	BlockDuration time.Duration
}

// RateLimitConfig configures the in-memory abuse guard.
type RateLimitConfig struct {
	FailOpen      bool
	ReapInterval  time.Duration
	Login         LimitPolicyConfig
	PasswordReset LimitPolicyConfig
	IP            LimitPolicyConfig
}

// SessionConfig configures refresh token housekeeping.
type SessionConfig struct {
	SweepInterval time.Duration
}

// AuditConfig governs the activity log write path, retention and reporting.
type AuditConfig struct {
	Async             bool
	Workers           int
	BufferSize        int
	MaxRetries        int
	RetentionDays     int
	RetentionInterval time.Duration
	StatsCacheEnabled bool
	StatsCacheTTL     time.Duration
	ExportLimit       int
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
		AutoMigrate:  v.GetBool("DB_AUTO_MIGRATE"),
	}

	cfg.Redis = RedisConfig{
		Enabled:  v.GetBool("REDIS_ENABLED"),
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret:            v.GetString("JWT_SECRET"),
		Issuer:            v.GetString("JWT_ISSUER"),
		Expiration:        parseDuration(v.GetString("JWT_EXPIRATION"), 15*time.Minute),
		RefreshExpiration: parseDuration(v.GetString("REFRESH_TOKEN_EXPIRATION"), 7*24*time.Hour),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.RateLimit = RateLimitConfig{
		FailOpen:      v.GetBool("RATE_LIMIT_FAIL_OPEN"),
		ReapInterval:  parseDuration(v.GetString("RATE_LIMIT_REAP_INTERVAL"), time.Minute),
		Login:         loadPolicy(v, "LOGIN_LIMIT", 15*time.Minute, 30*time.Second),
		PasswordReset: loadPolicy(v, "RESET_LIMIT", time.Hour, time.Hour),
		IP:            loadPolicy(v, "IP_LIMIT", 15*time.Minute, time.Hour),
	}

	cfg.Sessions = SessionConfig{
		SweepInterval: parseDuration(v.GetString("SESSION_SWEEP_INTERVAL"), time.Hour),
	}

	cfg.Audit = AuditConfig{
		Async:             v.GetBool("AUDIT_ASYNC"),
		Workers:           v.GetInt("AUDIT_WORKERS"),
		BufferSize:        v.GetInt("AUDIT_BUFFER_SIZE"),
		MaxRetries:        v.GetInt("AUDIT_MAX_RETRIES"),
		RetentionDays:     v.GetInt("AUDIT_RETENTION_DAYS"),
		RetentionInterval: parseDuration(v.GetString("AUDIT_RETENTION_INTERVAL"), 24*time.Hour),
		StatsCacheEnabled: v.GetBool("AUDIT_STATS_CACHE_ENABLED"),
		StatsCacheTTL:     parseDuration(v.GetString("AUDIT_STATS_CACHE_TTL"), 5*time.Minute),
		ExportLimit:       v.GetInt("AUDIT_EXPORT_LIMIT"),
	}

	return cfg, nil
}

func loadPolicy(v *viper.Viper, prefix string, window, block time.Duration) LimitPolicyConfig {
	return LimitPolicyConfig{
		Window:        parseDuration(v.GetString(prefix+"_WINDOW"), window),
		MaxAttempts:   v.GetInt(prefix + "_MAX_ATTEMPTS"),
		BlockDuration: parseDuration(v.GetString(prefix+"_BLOCK_DURATION"), block),
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "user_guard")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)
	v.SetDefault("DB_AUTO_MIGRATE", true)

	v.SetDefault("REDIS_ENABLED", true)
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_ISSUER", "user-guard-api")
	v.SetDefault("JWT_EXPIRATION", "15m")
	v.SetDefault("REFRESH_TOKEN_EXPIRATION", "168h")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("RATE_LIMIT_FAIL_OPEN", true)
	v.SetDefault("RATE_LIMIT_REAP_INTERVAL", "1m")
	v.SetDefault("LOGIN_LIMIT_WINDOW", "15m")
	v.SetDefault("LOGIN_LIMIT_MAX_ATTEMPTS", 5)
	v.SetDefault("LOGIN_LIMIT_BLOCK_DURATION", "30s")
	v.SetDefault("RESET_LIMIT_WINDOW", "1h")
	v.SetDefault("RESET_LIMIT_MAX_ATTEMPTS", 3)
	v.SetDefault("RESET_LIMIT_BLOCK_DURATION", "1h")
	v.SetDefault("IP_LIMIT_WINDOW", "15m")
	v.SetDefault("IP_LIMIT_MAX_ATTEMPTS", 50)
	v.SetDefault("IP_LIMIT_BLOCK_DURATION", "1h")

	v.SetDefault("SESSION_SWEEP_INTERVAL", "1h")

	v.SetDefault("AUDIT_ASYNC", true)
	v.SetDefault("AUDIT_WORKERS", 2)
	v.SetDefault("AUDIT_BUFFER_SIZE", 256)
	v.SetDefault("AUDIT_MAX_RETRIES", 2)
	v.SetDefault("AUDIT_RETENTION_DAYS", 0)
	v.SetDefault("AUDIT_RETENTION_INTERVAL", "24h")
	v.SetDefault("AUDIT_STATS_CACHE_ENABLED", true)
	v.SetDefault("AUDIT_STATS_CACHE_TTL", "5m")
	v.SetDefault("AUDIT_EXPORT_LIMIT", 10000)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
