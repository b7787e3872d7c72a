package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string // "json" (default) or "pretty"
	LogColor  bool

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// PostgreSQL wins when both DatabaseURL and MongoURI are set.
	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32
	DBSchema    string

	MongoURI      string
	MongoDatabase string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	KafkaBrokers []string
	KafkaTopic   string

	// In-memory mode only: unknown user ids are created on first lookup.
	DevAutoCreateUsers bool

	// If true:
	// - /readyz returns 503 unless a database is configured and reachable.
	ReadinessRequireDB bool

	// Security policy:
	// If true, RELAY_TOKEN_HMAC_KEY MUST be set (>= 32 bytes).
	RequireTokenHMAC bool
	TokenTTL         time.Duration
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("RELAY_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("RELAY_LOG_LEVEL", "info"),
		LogFormat: EnvString("RELAY_LOG_FORMAT", "json"),
		LogColor:  EnvBool("RELAY_LOG_COLOR", false),

		ReadHeaderTimeout: EnvDuration("RELAY_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("RELAY_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("RELAY_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("RELAY_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("RELAY_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("RELAY_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("RELAY_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("RELAY_DB_MIN_CONNS", 0),
		DBSchema:    EnvString("RELAY_DB_SCHEMA", "relay"),

		MongoURI:      EnvString("RELAY_MONGO_URI", ""),
		MongoDatabase: EnvString("RELAY_MONGO_DATABASE", "relay"),

		RedisAddr:     EnvString("RELAY_REDIS_ADDR", ""),
		RedisPassword: EnvString("RELAY_REDIS_PASSWORD", ""),
		RedisDB:       EnvInt("RELAY_REDIS_DB", 0),
		RedisPrefix:   EnvString("RELAY_REDIS_PRESENCE_PREFIX", "relay:presence"),

		KafkaBrokers: EnvCSV("RELAY_KAFKA_BROKERS"),
		KafkaTopic:   EnvString("RELAY_KAFKA_NOTIFICATIONS_TOPIC", "relay.notifications"),

		DevAutoCreateUsers: EnvBool("RELAY_DEV_AUTO_CREATE_USERS", true),

		ReadinessRequireDB: EnvBool("RELAY_READINESS_REQUIRE_DB", false),

		RequireTokenHMAC: EnvBool("RELAY_REQUIRE_TOKEN_HMAC", false),
		TokenTTL:         EnvDuration("RELAY_TOKEN_TTL", 24*time.Hour),
	}
}
