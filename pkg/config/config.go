package config

import (
	"errors"
	"fmt"
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
	RateLimit RateLimitConfig
	Security  SecurityConfig
	CORS      CORSConfig
	Log       LogConfig
	Cleanup   CleanupConfig
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
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// JWTConfig holds token signing material and lifetimes. Access and refresh
// tokens are signed with distinct secrets so a leaked access key cannot
// forge refresh tokens.
type JWTConfig struct {
	AccessSecret  string
	RefreshSecret string
	AccessExpiry  time.Duration
	RefreshExpiry time.Duration
	Issuer        string
	Audience      []string
	ClockLeeway   time.Duration
}

// RateLimitConfig tunes the two limiter policies: an advisory API limiter
// and a stricter auth limiter with a block period once exceeded.
type RateLimitConfig struct {
	APIMaxRequests    int
	APIWindow         time.Duration
	AuthMaxAttempts   int
	AuthWindow        time.Duration
	AuthBlockDuration time.Duration
}

// SecurityConfig governs account lockout, password hashing and second factor.
type SecurityConfig struct {
	BcryptCost          int
	MaxFailedLogins     int
	AccountLockDuration time.Duration
	TOTPSkew            uint
	TOTPIssuer          string
	BackupCodeCount     int
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// CleanupConfig controls the expired-session housekeeping job.
type CleanupConfig struct {
	Interval        time.Duration
	RevokedRetained time.Duration
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
		if !errors.As(err, &notFound) {
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
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		AccessSecret:  v.GetString("JWT_ACCESS_SECRET"),
		RefreshSecret: v.GetString("JWT_REFRESH_SECRET"),
		AccessExpiry:  parseDuration(v.GetString("ACCESS_TOKEN_EXPIRY"), 5*time.Minute),
		RefreshExpiry: parseDuration(v.GetString("REFRESH_TOKEN_EXPIRY"), 30*24*time.Hour),
		Issuer:        v.GetString("JWT_ISSUER"),
		Audience:      splitAndTrim(v.GetString("JWT_AUDIENCE")),
		ClockLeeway:   parseDuration(v.GetString("JWT_CLOCK_LEEWAY"), 60*time.Second),
	}

	cfg.RateLimit = RateLimitConfig{
		APIMaxRequests:    v.GetInt("RATE_LIMIT_MAX_REQUESTS"),
		APIWindow:         parseDuration(v.GetString("RATE_LIMIT_WINDOW"), 15*time.Minute),
		AuthMaxAttempts:   v.GetInt("AUTH_RATE_LIMIT_MAX_ATTEMPTS"),
		AuthWindow:        parseDuration(v.GetString("AUTH_RATE_LIMIT_WINDOW"), 15*time.Minute),
		AuthBlockDuration: parseDuration(v.GetString("AUTH_RATE_LIMIT_BLOCK"), time.Hour),
	}

	cfg.Security = SecurityConfig{
		BcryptCost:          v.GetInt("BCRYPT_COST"),
		MaxFailedLogins:     v.GetInt("MAX_FAILED_LOGINS"),
		AccountLockDuration: parseDuration(v.GetString("ACCOUNT_LOCK_DURATION"), time.Hour),
		TOTPSkew:            uint(v.GetInt("TOTP_SKEW")),
		TOTPIssuer:          v.GetString("TOTP_ISSUER"),
		BackupCodeCount:     v.GetInt("BACKUP_CODE_COUNT"),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Cleanup = CleanupConfig{
		Interval:        parseDuration(v.GetString("SESSION_CLEANUP_INTERVAL"), time.Hour),
		RevokedRetained: parseDuration(v.GetString("SESSION_REVOKED_RETENTION"), 30*24*time.Hour),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate rejects configurations that would silently weaken the security
// posture in production.
func (c *Config) validate() error {
	if c.Env != EnvProduction {
		return nil
	}
	if len(c.JWT.AccessSecret) < 32 {
		return fmt.Errorf("JWT_ACCESS_SECRET must be at least 32 characters")
	}
	if len(c.JWT.RefreshSecret) < 32 {
		return fmt.Errorf("JWT_REFRESH_SECRET must be at least 32 characters")
	}
	if c.JWT.AccessSecret == c.JWT.RefreshSecret {
		return fmt.Errorf("access and refresh secrets must differ")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "secure_auth")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_ACCESS_SECRET", "dev_access_secret_change_in_production")
	v.SetDefault("JWT_REFRESH_SECRET", "dev_refresh_secret_change_in_production")
	v.SetDefault("ACCESS_TOKEN_EXPIRY", "5m")
	v.SetDefault("REFRESH_TOKEN_EXPIRY", "720h")
	v.SetDefault("JWT_ISSUER", "secure-auth-api")
	v.SetDefault("JWT_AUDIENCE", "secure-auth-clients")
	v.SetDefault("JWT_CLOCK_LEEWAY", "60s")

	v.SetDefault("RATE_LIMIT_MAX_REQUESTS", 100)
	v.SetDefault("RATE_LIMIT_WINDOW", "15m")
	v.SetDefault("AUTH_RATE_LIMIT_MAX_ATTEMPTS", 5)
	v.SetDefault("AUTH_RATE_LIMIT_WINDOW", "15m")
	v.SetDefault("AUTH_RATE_LIMIT_BLOCK", "1h")

	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("MAX_FAILED_LOGINS", 5)
	v.SetDefault("ACCOUNT_LOCK_DURATION", "1h")
	v.SetDefault("TOTP_SKEW", 1)
	v.SetDefault("TOTP_ISSUER", "Secure Auth")
	v.SetDefault("BACKUP_CODE_COUNT", 10)

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("SESSION_CLEANUP_INTERVAL", "1h")
	v.SetDefault("SESSION_REVOKED_RETENTION", "720h")
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
