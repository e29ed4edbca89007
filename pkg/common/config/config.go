package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Server
	ServerPort     string
	ServerHost     string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxRequestBody int64

	// Database
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Kafka
	KafkaBrokers []string
	KafkaGroupID string
	EventsTopic  string

	// Prediction gateways
	LanguageBackendURL   string
	BehavioralBackendURL string
	OutcomeBackendURL    string

	GatewayTimeoutLanguage   time.Duration
	GatewayTimeoutBehavioral time.Duration
	GatewayTimeoutOutcome    time.Duration
	GatewayMaxInflight       int

	// Fusion
	FusionMaxRetries int
	FusionTieBreak   string
	ConfidenceFloor  float64

	// Pattern detection
	PatternWindowDays     int
	SignificanceTablePath string

	// Coordinator
	CoordinatorTimeout time.Duration

	// Twin state cache
	StateCacheTTL time.Duration

	// Alerts
	AlertsRecentLimit int
}

func Load() *Config {
	return &Config{
		ServerPort:     getEnv("SERVER_PORT", "8080"),
		ServerHost:     getEnv("SERVER_HOST", "0.0.0.0"),
		ReadTimeout:    getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:   getDuration("WRITE_TIMEOUT", 30*time.Second),
		MaxRequestBody: int64(getIntEnv("MAX_REQUEST_BODY_BYTES", 4*1024*1024)),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "neurotwin"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "neurotwin123"),
		PostgresDB:       getEnv("POSTGRES_DB", "neurotwin"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),

		KafkaBrokers: getStringSliceEnv("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaGroupID: getEnv("KAFKA_GROUP_ID", "neurotwin-platform"),
		EventsTopic:  getEnv("EVENTS_TOPIC", "twin.events"),

		LanguageBackendURL:   getEnv("LANGUAGE_BACKEND_URL", "http://localhost:8091"),
		BehavioralBackendURL: getEnv("BEHAVIORAL_BACKEND_URL", "http://localhost:8092"),
		OutcomeBackendURL:    getEnv("OUTCOME_BACKEND_URL", "http://localhost:8093"),

		GatewayTimeoutLanguage:   getDuration("GATEWAY_TIMEOUT_LANGUAGE", 5*time.Second),
		GatewayTimeoutBehavioral: getDuration("GATEWAY_TIMEOUT_BEHAVIORAL", 30*time.Second),
		GatewayTimeoutOutcome:    getDuration("GATEWAY_TIMEOUT_OUTCOME", 60*time.Second),
		GatewayMaxInflight:       getIntEnv("GATEWAY_MAX_INFLIGHT", 4),

		FusionMaxRetries: getIntEnv("FUSION_MAX_RETRIES", 3),
		FusionTieBreak:   getEnv("FUSION_TIE_BREAK", "severity"),
		ConfidenceFloor:  getFloatEnv("CONFIDENCE_FLOOR", 0.1),

		PatternWindowDays:     getIntEnv("PATTERN_WINDOW_DAYS", 30),
		SignificanceTablePath: getEnv("SIGNIFICANCE_TABLE_PATH", ""),

		CoordinatorTimeout: getDuration("COORDINATOR_TIMEOUT", 90*time.Second),

		StateCacheTTL: getDuration("STATE_CACHE_TTL", 10*time.Minute),

		AlertsRecentLimit: getIntEnv("ALERTS_RECENT_LIMIT", 100),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getStringSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
