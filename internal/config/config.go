// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Session backends.
const (
	SessionBackendMemory   = "memory"
	SessionBackendSQL      = "sql"
	SessionBackendRedis    = "redis"
	SessionBackendDynamoDB = "dynamodb"
)

// Database drivers.
const (
	DBDriverSQLite   = "sqlite"
	DBDriverPostgres = "postgres"
)

// Config holds all application configuration.
type Config struct {
	Port          string
	PublicURL     string // base URL used in course links and audio player sources
	SiteName      string
	AssistantName string
	DefaultLang   string
	CORSOrigins   []string

	DBDriver    string
	DBPath      string
	DatabaseURL string

	Identity        IdentityConfig
	Session         SessionConfig
	LLM             LLMConfig
	Chat            ChatConfig
	RateLimit       RateLimitConfig
	ConversationLog ConversationLogConfig
}

// IdentityConfig controls how requests are attributed to users.
type IdentityConfig struct {
	TrustUserHeader bool     // accept X-User-ID from a fronting gateway
	AdminUserIDs    []string // users granted site-admin on first sight
}

// SessionConfig selects and tunes the conversation history backend.
type SessionConfig struct {
	Backend        string
	TTL            time.Duration
	RedisAddr      string
	DynamoTable    string
	DynamoEndpoint string
	AWSRegion      string
}

// LLMConfig configures the chat-completion and transcription clients.
type LLMConfig struct {
	APIKey          string
	BaseURL         string
	Model           string
	TranscribeModel string
	AudioTempDir    string
	AudioRetention  time.Duration // zero keeps recordings forever
}

// ChatConfig tunes the chat endpoint.
type ChatConfig struct {
	TurnTimeout           time.Duration
	MaxRequestBodySize    int64
	DefaultCourseCategory int64
}

// RateLimitConfig controls per-user request throttling.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}
	corsOrigins := getEnvList("CORS_ALLOWED_ORIGINS")
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		PublicURL:     strings.TrimRight(getEnv("PUBLIC_URL", "http://localhost:8080"), "/"),
		SiteName:      getEnv("SITE_NAME", "Learning Platform"),
		AssistantName: getEnv("ASSISTANT_NAME", "GeniAI"),
		DefaultLang:   getEnv("DEFAULT_LANG", "en"),
		CORSOrigins:   corsOrigins,
		DBDriver:      strings.ToLower(getEnv("DB_DRIVER", DBDriverSQLite)),
		DBPath:        getEnv("DB_PATH", "./data/coursechat.db"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		Identity: IdentityConfig{
			TrustUserHeader: getEnvBool("TRUST_USER_HEADER", false),
			AdminUserIDs:    getEnvList("ADMIN_USER_IDS"),
		},
		Session: SessionConfig{
			Backend:        strings.ToLower(getEnv("SESSION_BACKEND", SessionBackendSQL)),
			TTL:            getEnvDuration("SESSION_TTL", 7*24*time.Hour),
			RedisAddr:      getEnv("REDIS_ADDR", "localhost:6379"),
			DynamoTable:    getEnv("DYNAMODB_TABLE", "ChatSessions"),
			DynamoEndpoint: getEnv("DYNAMODB_ENDPOINT", ""),
			AWSRegion:      getEnv("AWS_REGION", "us-east-1"),
		},
		LLM: LLMConfig{
			APIKey:          getEnv("OPENAI_API_KEY", ""),
			BaseURL:         getEnv("OPENAI_BASE_URL", ""),
			Model:           getEnv("OPENAI_MODEL", "gpt-4o-mini"),
			TranscribeModel: getEnv("TRANSCRIBE_MODEL", "whisper-1"),
			AudioTempDir:    getEnv("AUDIO_TEMP_DIR", "./data/audio"),
			AudioRetention:  getEnvDuration("AUDIO_RETENTION", 7*24*time.Hour),
		},
		Chat: ChatConfig{
			TurnTimeout:           getEnvDuration("CHAT_TURN_TIMEOUT", 3*time.Minute),
			MaxRequestBodySize:    int64(getEnvInt("MAX_REQUEST_BODY_BYTES", 10<<20)),
			DefaultCourseCategory: int64(getEnvInt("DEFAULT_COURSE_CATEGORY", 1)),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 20),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:   getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:       getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			QueueSize: queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	switch c.DBDriver {
	case DBDriverSQLite:
		if c.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case DBDriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when DB_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("DB_DRIVER %q not supported", c.DBDriver)
	}
	switch c.Session.Backend {
	case SessionBackendMemory, SessionBackendSQL:
	case SessionBackendRedis:
		if c.Session.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required when SESSION_BACKEND=redis")
		}
	case SessionBackendDynamoDB:
		if c.Session.DynamoTable == "" {
			return fmt.Errorf("DYNAMODB_TABLE is required when SESSION_BACKEND=dynamodb")
		}
	default:
		return fmt.Errorf("SESSION_BACKEND %q not supported", c.Session.Backend)
	}
	if c.LLM.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY cannot be empty")
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("OPENAI_MODEL cannot be empty")
	}
	if c.LLM.AudioTempDir == "" {
		return fmt.Errorf("AUDIO_TEMP_DIR cannot be empty")
	}
	if c.RateLimit.RequestsPerWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be > 0")
	}
	if c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return strings.Contains(c.PublicURL, "localhost") ||
		strings.Contains(c.PublicURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvList splits a comma-separated variable, dropping empty items.
func getEnvList(key string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// getEnvDuration accepts Go duration strings ("90s") or plain seconds ("90").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
