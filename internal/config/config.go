package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the relay configuration.
type Config struct {
	// Server
	Port string
	Env  string

	// Database
	DatabaseURL   string
	MigrationsDir string

	// Redis
	RedisURL string

	// JWT
	JWTSecret       string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// Chat pipeline
	WorkerCount    int
	JobMaxRetries  int
	SyncReplies    bool
	ResponderDelay time.Duration

	// Rate limiting
	RateLimitPerSecond float64
	RateLimitBurst     int

	LogLevel string
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func Load() *Config {
	// Load .env file if it exists
	godotenv.Load()

	cfg := &Config{
		Port:               getEnvOrDefault("PORT", "8080"),
		Env:                getEnvOrDefault("ENV", "development"),
		DatabaseURL:        mustGetEnv("DATABASE_URL"),
		MigrationsDir:      getEnvOrDefault("MIGRATIONS_DIR", "./migrations"),
		RedisURL:           mustGetEnv("REDIS_URL"),
		JWTSecret:          mustGetEnv("JWT_SECRET"),
		AccessTokenTTL:     getEnvAsDurationOrDefault("ACCESS_TOKEN_TTL", 15*time.Minute),
		RefreshTokenTTL:    getEnvAsDurationOrDefault("REFRESH_TOKEN_TTL", 7*24*time.Hour),
		WorkerCount:        getEnvAsIntOrDefault("WORKER_COUNT", 4),
		JobMaxRetries:      getEnvAsIntOrDefault("JOB_MAX_RETRIES", 3),
		SyncReplies:        getEnvAsBoolOrDefault("SYNC_REPLIES", false),
		ResponderDelay:     getEnvAsDurationOrDefault("RESPONDER_DELAY", 750*time.Millisecond),
		RateLimitPerSecond: getEnvAsFloatOrDefault("RATE_LIMIT_RPS", 5),
		RateLimitBurst:     getEnvAsIntOrDefault("RATE_LIMIT_BURST", 20),
		LogLevel:           getEnvOrDefault("LOG_LEVEL", "info"),
	}

	return cfg
}

// ClientConfig is the terminal chat client configuration.
type ClientConfig struct {
	APIURL string
	WSURL  string
	Env    string

	Language    string
	ThreadID    string
	UserID      string
	DisplayName string

	AccessToken  string
	RefreshToken string

	ReplyTimeout      time.Duration
	MaxReplayAttempts int
	ProbeInterval     time.Duration

	LogLevel string
	LogFile  string
}

func (c *ClientConfig) IsProduction() bool {
	return c.Env == "production"
}

func LoadClient() *ClientConfig {
	godotenv.Load()

	apiURL := getEnvOrDefault("CHAT_API_URL", "http://localhost:8080")
	cfg := &ClientConfig{
		APIURL:            apiURL,
		WSURL:             getEnvOrDefault("CHAT_WS_URL", websocketOrigin(apiURL)),
		Env:               getEnvOrDefault("CHAT_ENV", "development"),
		Language:          getEnvOrDefault("CHAT_LANGUAGE", "en"),
		ThreadID:          getEnvOrDefault("CHAT_THREAD_ID", ""),
		UserID:            getEnvOrDefault("CHAT_USER_ID", ""),
		DisplayName:       getEnvOrDefault("CHAT_DISPLAY_NAME", ""),
		AccessToken:       getEnvOrDefault("CHAT_ACCESS_TOKEN", ""),
		RefreshToken:      getEnvOrDefault("CHAT_REFRESH_TOKEN", ""),
		ReplyTimeout:      getEnvAsDurationOrDefault("CHAT_REPLY_TIMEOUT", 90*time.Second),
		MaxReplayAttempts: getEnvAsIntOrDefault("CHAT_MAX_REPLAY_ATTEMPTS", 3),
		ProbeInterval:     getEnvAsDurationOrDefault("CHAT_PROBE_INTERVAL", 5*time.Second),
		LogLevel:          getEnvOrDefault("CHAT_LOG_LEVEL", "info"),
		LogFile:           getEnvOrDefault("CHAT_LOG_FILE", "chat.log"),
	}

	return cfg
}

// websocketOrigin turns http(s)://host into ws(s)://host.
func websocketOrigin(apiURL string) string {
	switch {
	case strings.HasPrefix(apiURL, "https://"):
		return "wss://" + strings.TrimPrefix(apiURL, "https://")
	case strings.HasPrefix(apiURL, "http://"):
		return "ws://" + strings.TrimPrefix(apiURL, "http://")
	default:
		return apiURL
	}
}

func mustGetEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		panic(fmt.Sprintf("required environment variable %s is not set", key))
	}
	return val
}

func getEnvOrDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvAsIntOrDefault(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

func getEnvAsFloatOrDefault(key string, defaultVal float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvAsBoolOrDefault(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultVal
	}
	return b
}

// getEnvAsDurationOrDefault accepts Go durations ("90s") or a bare number of
// seconds.
func getEnvAsDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if n, err := strconv.Atoi(val); err == nil {
		return time.Duration(n) * time.Second
	}
	return defaultVal
}
