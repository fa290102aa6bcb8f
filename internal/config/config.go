package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Port          string
	VerifyToken   string
	WhatsAppToken string
	GraphAPIBase  string

	DBDriver   string // postgres or sqlite
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	DBPath     string // sqlite only

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Engine knobs
	PollInterval        time.Duration // dispatcher scan period
	GraceWindow         time.Duration // due instants older than this are skipped
	DispatchConcurrency int           // per-execution send workers
	LeaseTTL            time.Duration // per-automation firing lease
	PlanCacheTTL        time.Duration // schedule plan cache expiry
	PlanHorizon         int           // occurrences kept per plan
}

func LoadConfig() *Config {
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("no .env file found, using environment")
	}

	return &Config{
		Port:          getEnv("PORT", "8080"),
		VerifyToken:   getEnv("VERIFY_TOKEN", ""),
		WhatsAppToken: getEnv("WHATSAPP_TOKEN", ""),
		GraphAPIBase:  getEnv("GRAPH_API_BASE", "https://graph.facebook.com/v19.0"),

		DBDriver:   getEnv("DB_DRIVER", "sqlite"),
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", ""),
		DBName:     getEnv("DB_NAME", "flow_engine"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),
		DBPath:     getEnv("DB_PATH", "./flow_engine.db"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		PollInterval:        getEnvDuration("POLL_INTERVAL", 30*time.Second),
		GraceWindow:         getEnvDuration("GRACE_WINDOW", 5*time.Minute),
		DispatchConcurrency: getEnvInt("DISPATCH_CONCURRENCY", 20),
		LeaseTTL:            getEnvDuration("LEASE_TTL", 60*time.Second),
		PlanCacheTTL:        getEnvDuration("PLAN_CACHE_TTL", 5*time.Minute),
		PlanHorizon:         getEnvInt("PLAN_HORIZON", 10),
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
		log.Warn().Str("key", key).Str("value", value).Msg("invalid integer env value, using fallback")
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		log.Warn().Str("key", key).Str("value", value).Msg("invalid duration env value, using fallback")
	}
	return fallback
}
