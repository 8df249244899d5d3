package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config contains all runtime settings for the translation workflow service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	TaskTimeout       time.Duration
	TaskRetention     time.Duration
	TaskSweepInterval time.Duration

	StreamHeartbeatInterval time.Duration
	StreamQueueSize         int

	SessionMaxAge        time.Duration
	SessionSweepInterval time.Duration

	DatabaseURL string

	LLMProvider          string
	LLMBaseURL           string
	LLMAPIKey            string
	LLMFallbackBaseURL   string
	LLMFallbackAPIKey    string
	LLMReasoningModel    string
	LLMNonReasoningModel string
	LLMMaxRetries        int
	LLMTimeout           time.Duration

	PromptsFile string

	LogLevel  string
	LogFormat string

	TracingEnabled  bool
	TracingExporter string
}

var defaults = map[string]any{
	"APP_BIND_ADDR":             ":8080",
	"APP_SHUTDOWN_TIMEOUT":      "15s",
	"APP_METRICS_NAMESPACE":     "versecraft",
	"APP_ALLOW_ANY_ORIGIN":      "false",
	"TASK_TIMEOUT":              "20m",
	"TASK_RETENTION":            "5m",
	"TASK_SWEEP_INTERVAL":       "30s",
	"STREAM_HEARTBEAT_INTERVAL": "2s",
	"STREAM_QUEUE_SIZE":         "10",
	"SESSION_MAX_AGE":           "1h",
	"SESSION_SWEEP_INTERVAL":    "5m",
	"DATABASE_URL":              "",
	"LLM_PROVIDER":              "auto",
	"LLM_BASE_URL":              "",
	"LLM_API_KEY":               "",
	"LLM_FALLBACK_BASE_URL":     "",
	"LLM_FALLBACK_API_KEY":      "",
	"LLM_REASONING_MODEL":       "deepseek/deepseek-r1",
	"LLM_NON_REASONING_MODEL":   "openai/gpt-4o-mini",
	"LLM_MAX_RETRIES":           "2",
	"LLM_TIMEOUT":               "2m",
	"PROMPTS_FILE":              "",
	"LOG_LEVEL":                 "info",
	"LOG_FORMAT":                "text",
	"TRACING_ENABLED":           "false",
	"TRACING_EXPORTER":          "stdout",
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	return LoadFile("")
}

// LoadFile reads an optional YAML file whose keys match the environment
// variable names. Environment variables win over the file.
func LoadFile(path string) (Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	if path = strings.TrimSpace(path); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	r := reader{v: v}
	cfg := Config{
		BindAddr:                r.str("APP_BIND_ADDR"),
		ShutdownTimeout:         r.duration("APP_SHUTDOWN_TIMEOUT"),
		MetricsNamespace:        r.str("APP_METRICS_NAMESPACE"),
		AllowAnyOrigin:          r.bool("APP_ALLOW_ANY_ORIGIN"),
		TaskTimeout:             r.duration("TASK_TIMEOUT"),
		TaskRetention:           r.duration("TASK_RETENTION"),
		TaskSweepInterval:       r.duration("TASK_SWEEP_INTERVAL"),
		StreamHeartbeatInterval: r.duration("STREAM_HEARTBEAT_INTERVAL"),
		StreamQueueSize:         r.int("STREAM_QUEUE_SIZE"),
		SessionMaxAge:           r.duration("SESSION_MAX_AGE"),
		SessionSweepInterval:    r.duration("SESSION_SWEEP_INTERVAL"),
		DatabaseURL:             r.str("DATABASE_URL"),
		LLMProvider:             strings.ToLower(r.str("LLM_PROVIDER")),
		LLMBaseURL:              r.str("LLM_BASE_URL"),
		LLMAPIKey:               r.str("LLM_API_KEY"),
		LLMFallbackBaseURL:      r.str("LLM_FALLBACK_BASE_URL"),
		LLMFallbackAPIKey:       r.str("LLM_FALLBACK_API_KEY"),
		LLMReasoningModel:       r.str("LLM_REASONING_MODEL"),
		LLMNonReasoningModel:    r.str("LLM_NON_REASONING_MODEL"),
		LLMMaxRetries:           r.int("LLM_MAX_RETRIES"),
		LLMTimeout:              r.duration("LLM_TIMEOUT"),
		PromptsFile:             r.str("PROMPTS_FILE"),
		LogLevel:                strings.ToLower(r.str("LOG_LEVEL")),
		LogFormat:               strings.ToLower(r.str("LOG_FORMAT")),
		TracingEnabled:          r.bool("TRACING_ENABLED"),
		TracingExporter:         strings.ToLower(r.str("TRACING_EXPORTER")),
	}
	if r.err != nil {
		return Config{}, r.err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.BindAddr != "", "APP_BIND_ADDR must not be empty")
	check(c.ShutdownTimeout > 0, "APP_SHUTDOWN_TIMEOUT must be positive")
	check(c.TaskTimeout > 0, "TASK_TIMEOUT must be positive")
	check(c.TaskRetention > 0, "TASK_RETENTION must be positive")
	check(c.TaskSweepInterval > 0, "TASK_SWEEP_INTERVAL must be positive")
	check(c.StreamHeartbeatInterval >= 100*time.Millisecond, "STREAM_HEARTBEAT_INTERVAL must be at least 100ms")
	check(c.StreamQueueSize > 0, "STREAM_QUEUE_SIZE must be positive")
	check(c.SessionMaxAge > 0, "SESSION_MAX_AGE must be positive")
	check(c.SessionSweepInterval > 0, "SESSION_SWEEP_INTERVAL must be positive")
	check(c.LLMMaxRetries >= 0, "LLM_MAX_RETRIES must be >= 0")
	check(c.LLMTimeout > 0, "LLM_TIMEOUT must be positive")

	switch c.LLMProvider {
	case "auto", "mock", "openai", "openrouter", "ollama":
	default:
		check(false, "LLM_PROVIDER must be one of auto, mock, openai, openrouter, ollama")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		check(false, "LOG_LEVEL must be a logrus level: %v", err)
	}
	check(c.LogFormat == "text" || c.LogFormat == "json", "LOG_FORMAT must be text or json")
	check(c.TracingExporter == "stdout" || c.TracingExporter == "none", "TRACING_EXPORTER must be stdout or none")

	return errors.Join(errs...)
}

// reader keeps the first parse error so Load can report it once.
type reader struct {
	v   *viper.Viper
	err error
}

func (r *reader) str(key string) string {
	return strings.TrimSpace(r.v.GetString(key))
}

func (r *reader) duration(key string) time.Duration {
	raw := r.str(key)
	d, err := time.ParseDuration(raw)
	if err != nil {
		r.fail(fmt.Errorf("%s parse error: %w", key, err))
	}
	return d
}

func (r *reader) int(key string) int {
	n, err := strconv.Atoi(r.str(key))
	if err != nil {
		r.fail(fmt.Errorf("%s parse error: %w", key, err))
	}
	return n
}

func (r *reader) bool(key string) bool {
	switch strings.ToLower(r.str(key)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		r.fail(fmt.Errorf("%s parse error: expected bool", key))
		return false
	}
}

func (r *reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}
