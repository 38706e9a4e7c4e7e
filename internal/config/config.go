package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port    string
	GinMode string

	// Model backend
	ModelBaseURL string
	ModelAPIKey  string
	ModelID      string

	// Classifier / auxiliary model backend (OpenAI-compatible)
	ClassifierBaseURL string
	ClassifierAPIKey  string
	ClassifierModel   string
	TitleModel        string

	// Database (invocation tracking)
	DatabaseURL string

	// Session store
	SessionStorePath string
	SessionTTL       time.Duration

	// Attachment store
	AttachmentDir string

	// Safety gate
	GuardPolicyFile        string
	GuardFailMode          string // "open" or "closed"
	GuardMaxPromptLen      int
	GuardClassifierTimeout time.Duration

	// Streaming
	StreamInactivityWindow time.Duration
	HistoryMaxTurns        int

	// Title generation
	TitleGenerationEnabled bool

	// Database Connection Pool
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxIdleTime int // in minutes
	DBConnMaxLifetime int // in minutes

	// Worker Pool
	TrackingWorkerPoolSize int
	TrackingBufferSize     int
	TrackingTimeoutSeconds int

	// Server
	ServerShutdownTimeoutSeconds int

	// CORS
	CORSAllowedOrigins string

	// Logging
	LogLevel  string
	LogFormat string
}

var AppConfig *Config

func LoadConfig() {
	// Load .env file if it exists
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	AppConfig = &Config{
		Port:    getEnvOrDefault("PORT", "8080"),
		GinMode: getEnvOrDefault("GIN_MODE", "release"),

		// Model backend
		ModelBaseURL: getEnvOrDefault("MODEL_BASE_URL", "https://api.anthropic.com"),
		ModelAPIKey:  getEnvOrDefault("MODEL_API_KEY", ""),
		ModelID:      getEnvOrDefault("MODEL_ID", "claude-sonnet-4"),

		// Classifier / auxiliary model backend
		ClassifierBaseURL: getEnvOrDefault("CLASSIFIER_BASE_URL", "https://api.openai.com/v1"),
		ClassifierAPIKey:  getEnvOrDefault("CLASSIFIER_API_KEY", ""),
		ClassifierModel:   getEnvOrDefault("CLASSIFIER_MODEL", "gpt-4o-mini"),
		TitleModel:        getEnvOrDefault("TITLE_MODEL", "gpt-4o-mini"),

		// Database
		DatabaseURL: getEnvOrDefault("DATABASE_URL", "postgres://localhost/hatchbot?sslmode=disable"),

		// Session store
		SessionStorePath: getEnvOrDefault("SESSION_STORE_PATH", "./data/sessions"),
		SessionTTL:       getEnvAsDuration("SESSION_TTL", 24*time.Hour),

		// Attachment store
		AttachmentDir: getEnvOrDefault("ATTACHMENT_DIR", "./data/attachments"),

		// Safety gate
		GuardPolicyFile:        getEnvOrDefault("GUARD_POLICY_FILE", ""),
		GuardFailMode:          getEnvOrDefault("GUARD_FAIL_MODE", "open"),
		GuardMaxPromptLen:      getEnvAsInt("GUARD_MAX_PROMPT_LEN", 4000),
		GuardClassifierTimeout: getEnvAsDuration("GUARD_CLASSIFIER_TIMEOUT", 5*time.Second),

		// Streaming
		StreamInactivityWindow: getEnvAsDuration("STREAM_INACTIVITY_WINDOW", 60*time.Second),
		HistoryMaxTurns:        getEnvAsInt("HISTORY_MAX_TURNS", 20),

		// Title generation
		TitleGenerationEnabled: getEnvOrDefault("TITLE_GENERATION_ENABLED", "true") == "true",

		// Database Connection Pool
		DBMaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		DBMaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxIdleTime: getEnvAsInt("DB_CONN_MAX_IDLE_TIME", 5),
		DBConnMaxLifetime: getEnvAsInt("DB_CONN_MAX_LIFETIME", 30),

		// Worker Pool
		TrackingWorkerPoolSize: getEnvAsInt("TRACKING_WORKER_POOL_SIZE", 4),
		TrackingBufferSize:     getEnvAsInt("TRACKING_BUFFER_SIZE", 1000),
		TrackingTimeoutSeconds: getEnvAsInt("TRACKING_TIMEOUT_SECONDS", 10),

		// Server
		ServerShutdownTimeoutSeconds: getEnvAsInt("SERVER_SHUTDOWN_TIMEOUT_SECONDS", 15),

		// CORS
		CORSAllowedOrigins: getEnvOrDefault("CORS_ALLOWED_ORIGINS", "*"),

		// Logging
		LogLevel:  getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", ""),
	}

	if AppConfig.ModelAPIKey == "" {
		log.Println("Warning: MODEL_API_KEY is not set. Model calls will fail.")
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as time.Duration, using default %v: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as int, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}
