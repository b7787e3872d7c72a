package restapi

import (
	"os"
	"strconv"
	"strings"
)

// Config controls REST API behavior.
type Config struct {
	// DevHeader accepts an X-User-ID header as the caller identity. Never enable in production.
	DevHeader    bool
	MaxBodyBytes int64
}

// LoadConfigFromEnv loads REST config from environment variables with safe defaults.
func LoadConfigFromEnv() Config {
	cfg := Config{
		DevHeader:    envBool("RELAY_AUTH_DEV_HEADER", false),
		MaxBodyBytes: envInt64("RELAY_API_MAX_BODY_BYTES", 1<<20), // 1 MiB
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return cfg
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
