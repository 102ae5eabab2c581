package config

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Generation providers accepted in MINUTEGRAPH_LLM_PROVIDER.
const (
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderBedrock   = "bedrock"
)

// Config holds all configuration values.
type Config struct {
	// SurrealDB connection
	SurrealDBURL       string
	SurrealDBNamespace string
	SurrealDBDatabase  string
	SurrealDBUser      string
	SurrealDBPass      string
	SurrealDBAuthLevel string

	// Generation provider: ollama, openai, anthropic or bedrock
	LLMProvider     string
	LLMModel        string
	OllamaHost      string
	OpenAIAPIKey    string
	AnthropicAPIKey string
	AWSRegion       string

	// Research providers. An empty key disables the provider.
	PerplexityAPIKey string
	PerplexityModel  string
	ExaAPIKey        string
	TavilyAPIKey     string
	ResearchTimeout  time.Duration

	// Retry policy shared by every external call
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMultiplier  float64
	RetryMaxDelay    time.Duration

	// Transcripts are read from S3 when TranscriptBucket is set, else from TranscriptDir.
	TranscriptDir    string
	TranscriptBucket string

	// Site output. SiteBucket selects S3, otherwise SiteDir on local disk.
	SiteBucket string
	SitePrefix string
	SiteDir    string

	// Job status events; empty URL disables publishing.
	NATSURL     string
	NATSSubject string
	WorkerPoll  time.Duration
	ServerPort  string
	DefaultMode string

	// Logging
	LogFile  string
	LogLevel slog.Level
}

// Load reads configuration from environment variables, after filling unset
// ones from the env file named by MINUTEGRAPH_ENV_FILE (default ".env").
func Load() Config {
	if err := LoadEnvFile(getEnv("MINUTEGRAPH_ENV_FILE", ".env")); err != nil {
		slog.Warn("ignoring env file", "error", err)
	}

	return Config{
		SurrealDBURL:       getEnv("SURREALDB_URL", "ws://localhost:8000/rpc"),
		SurrealDBNamespace: getEnv("SURREALDB_NAMESPACE", "minutegraph"),
		SurrealDBDatabase:  getEnv("SURREALDB_DATABASE", "pipeline"),
		SurrealDBUser:      getEnv("SURREALDB_USER", "root"),
		SurrealDBPass:      getEnv("SURREALDB_PASS", "root"),
		SurrealDBAuthLevel: getEnv("SURREALDB_AUTH_LEVEL", "root"),

		LLMProvider:     getEnv("MINUTEGRAPH_LLM_PROVIDER", "anthropic"),
		LLMModel:        getEnv("MINUTEGRAPH_LLM_MODEL", "claude-sonnet-4-5"),
		OllamaHost:      getEnv("OLLAMA_HOST", "http://localhost:11434"),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		AWSRegion:       getEnv("AWS_REGION", "us-east-1"),

		PerplexityAPIKey: getEnv("PERPLEXITY_API_KEY", ""),
		PerplexityModel:  getEnv("PERPLEXITY_MODEL", "sonar-pro"),
		ExaAPIKey:        getEnv("EXA_API_KEY", ""),
		TavilyAPIKey:     getEnv("TAVILY_API_KEY", ""),
		ResearchTimeout:  getDuration("MINUTEGRAPH_RESEARCH_TIMEOUT", 90*time.Second),

		RetryMaxAttempts: getInt("MINUTEGRAPH_RETRY_ATTEMPTS", 3),
		RetryBaseDelay:   getDuration("MINUTEGRAPH_RETRY_BASE_DELAY", 500*time.Millisecond),
		RetryMultiplier:  getFloat("MINUTEGRAPH_RETRY_MULTIPLIER", 2),
		RetryMaxDelay:    getDuration("MINUTEGRAPH_RETRY_MAX_DELAY", 10*time.Second),

		TranscriptDir:    getEnv("MINUTEGRAPH_TRANSCRIPT_DIR", "./transcripts"),
		TranscriptBucket: getEnv("MINUTEGRAPH_TRANSCRIPT_BUCKET", ""),

		SiteBucket: getEnv("MINUTEGRAPH_SITE_BUCKET", ""),
		SitePrefix: getEnv("MINUTEGRAPH_SITE_PREFIX", "sites"),
		SiteDir:    getEnv("MINUTEGRAPH_SITE_DIR", "./public"),

		NATSURL:     getEnv("NATS_URL", ""),
		NATSSubject: getEnv("MINUTEGRAPH_NATS_SUBJECT", "minutegraph.jobs"),
		WorkerPoll:  getDuration("MINUTEGRAPH_WORKER_POLL", 5*time.Second),
		ServerPort:  getEnv("MINUTEGRAPH_PORT", "8080"),
		DefaultMode: getEnv("MINUTEGRAPH_MODE", "work"),

		LogFile:  getEnv("MINUTEGRAPH_LOG_FILE", "/tmp/minutegraph.log"),
		LogLevel: parseLogLevel(getEnv("MINUTEGRAPH_LOG_LEVEL", "INFO")),
	}
}

// LoadEnvFile sets variables from a dotenv file. Variables already present in
// the environment win. A missing file is not an error.
func LoadEnvFile(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	n, err := strconv.Atoi(getEnv(key, ""))
	if err != nil || n <= 0 {
		return defaultVal
	}
	return n
}

func getFloat(key string, defaultVal float64) float64 {
	f, err := strconv.ParseFloat(getEnv(key, ""), 64)
	if err != nil || f <= 0 {
		return defaultVal
	}
	return f
}

// getDuration accepts Go duration strings ("750ms", "2m").
func getDuration(key string, defaultVal time.Duration) time.Duration {
	d, err := time.ParseDuration(getEnv(key, ""))
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
