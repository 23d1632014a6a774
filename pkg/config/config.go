// Package config loads chronolog configuration from the environment and
// project manifests.
package config

import (
	"os"

	"github.com/discernus/discernus-sub006/pkg/chronolog"
)

// Config holds process-level chronolog configuration.
type Config struct {
	SigningKey     string
	UsedFallback   bool
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	CaptureEnabled bool
	LogLevel       string
}

// Load reads configuration from environment variables. The signing key
// comes from DISCERNUS_SIGNING_KEY; when absent, the documented insecure
// fallback key is used and UsedFallback is set so callers can warn.
func Load() *Config {
	key := os.Getenv("DISCERNUS_SIGNING_KEY")
	usedFallback := false
	if key == "" {
		key = chronolog.InsecureFallbackKey
		usedFallback = true
	}

	redisAddr := os.Getenv("DISCERNUS_REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	return &Config{
		SigningKey:     key,
		UsedFallback:   usedFallback,
		RedisAddr:      redisAddr,
		RedisPassword:  os.Getenv("DISCERNUS_REDIS_PASSWORD"),
		RedisDB:        0,
		CaptureEnabled: os.Getenv("DISCERNUS_CAPTURE_DISABLED") != "true",
		LogLevel:       logLevel,
	}
}
