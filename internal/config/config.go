package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	HTTPAddr            string
	DatabaseURL         string
	RedisAddr           string
	RedisPassword       string
	JWTSecret           string
	JWTIssuer           string
	AccessTokenTTL      time.Duration
	RefreshTokenTTL     time.Duration
	LoginDomainSuffix   string
	AttendanceEditDays  int
	LockSweepEnabled    bool
	LockSweepInterval   time.Duration
	LockSweepTimeout    time.Duration
	NotifyTimeout       time.Duration
	SubscribeBufferSize int
}

func Load() Config {
	return Config{
		HTTPAddr:            getenv("HTTP_ADDR", ":8080"),
		DatabaseURL:         getenv("DATABASE_URL", ""),
		RedisAddr:           getenv("REDIS_ADDR", ""),
		RedisPassword:       getenv("REDIS_PASSWORD", ""),
		JWTSecret:           getenv("JWT_SECRET", "dev-secret"),
		JWTIssuer:           getenv("JWT_ISSUER", "studypulse-server"),
		AccessTokenTTL:      getenvDuration("ACCESS_TOKEN_TTL", 15*time.Minute),
		RefreshTokenTTL:     getenvDuration("REFRESH_TOKEN_TTL", 30*24*time.Hour),
		LoginDomainSuffix:   getenv("LOGIN_DOMAIN_SUFFIX", "@studypulse.app"),
		AttendanceEditDays:  getenvInt("ATTENDANCE_EDIT_DAYS", 2),
		LockSweepEnabled:    getenvBool("LOCK_SWEEP_ENABLED", true),
		LockSweepInterval:   getenvDuration("LOCK_SWEEP_INTERVAL", time.Hour),
		LockSweepTimeout:    getenvDuration("LOCK_SWEEP_TIMEOUT", 10*time.Second),
		NotifyTimeout:       getenvDuration("NOTIFY_TIMEOUT", 5*time.Second),
		SubscribeBufferSize: getenvInt("SUBSCRIBE_BUFFER_SIZE", 16),
	}
}

func getenv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	if val := os.Getenv(key + "_SECONDS"); val != "" {
		if seconds, err := strconv.Atoi(val); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return fallback
}
