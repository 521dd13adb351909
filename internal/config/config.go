package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"palaver/internal/deletion"

	"github.com/joho/godotenv"
)

type Config struct {
	DBFile      string
	AdminAddr   string
	APIAddr     string
	AuthSecret  string
	TokenExpiry time.Duration
	LogLevel    slog.Level

	TypingIdle   time.Duration
	DeletePolicy deletion.Authorization
	UniqueGroups bool

	AssistantEndpoint      string
	AssistantAPIKey        string
	AssistantModel         string
	AssistantMaxHistory    int
	AssistantRatePerMinute int
}

// Load reads the configuration from the environment, after loading .env
// from the working directory if there is one. cliMode relaxes the checks
// for commands that do not serve clients.
func Load(cliMode bool) (*Config, error) {
	_ = godotenv.Load(".env")

	var errs []error
	duration := func(key, fallback string) time.Duration {
		d, err := time.ParseDuration(getEnv(key, fallback))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return d
	}
	integer := func(key string, fallback int) int {
		v, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return v
	}

	cfg := &Config{
		DBFile:                 getEnv("PALAVER_DB", "palaver.db"),
		AdminAddr:              getEnv("ADMIN_ADDR", "localhost:8081"),
		APIAddr:                getEnv("API_ADDR", ":8080"),
		AuthSecret:             os.Getenv("AUTH_SECRET"),
		TokenExpiry:            duration("TOKEN_EXPIRY", "24h"),
		TypingIdle:             duration("TYPING_IDLE", "1s"),
		AssistantEndpoint:      os.Getenv("ASSISTANT_ENDPOINT"),
		AssistantAPIKey:        os.Getenv("ASSISTANT_API_KEY"),
		AssistantModel:         os.Getenv("ASSISTANT_MODEL"),
		AssistantMaxHistory:    integer("ASSISTANT_MAX_HISTORY", 20),
		AssistantRatePerMinute: integer("ASSISTANT_RATE_PER_MINUTE", 10),
	}

	var err error
	if cfg.DeletePolicy, err = deletion.ParseAuthorization(getEnv("DELETE_POLICY", string(deletion.AnyParticipant))); err != nil {
		errs = append(errs, fmt.Errorf("DELETE_POLICY: %w", err))
	}
	if cfg.UniqueGroups, err = strconv.ParseBool(getEnv("UNIQUE_GROUPS", "false")); err != nil {
		errs = append(errs, fmt.Errorf("UNIQUE_GROUPS: %w", err))
	}
	if cfg.LogLevel, err = ParseLevel(getEnv("PALAVER_LOG_LEVEL", "info")); err != nil {
		errs = append(errs, fmt.Errorf("PALAVER_LOG_LEVEL: %w", err))
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	if err := cfg.Validate(cliMode); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate(cliMode bool) error {
	if c.AuthSecret == "" && !cliMode {
		return fmt.Errorf("AUTH_SECRET is required")
	}

	if c.TokenExpiry <= 0 {
		return fmt.Errorf("TOKEN_EXPIRY must be greater than 0")
	}

	if c.TypingIdle <= 0 {
		return fmt.Errorf("TYPING_IDLE must be greater than 0")
	}

	if c.AssistantEndpoint != "" && c.AssistantRatePerMinute <= 0 {
		return fmt.Errorf("ASSISTANT_RATE_PER_MINUTE must be greater than 0")
	}

	return nil
}

// AssistantEnabled reports whether the assistant proxy should be served.
func (c *Config) AssistantEnabled() bool {
	return c.AssistantEndpoint != ""
}

// ParseLevel accepts debug, info, warn (or warning) and error.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// NewLogger returns a text logger writing to stderr at level.
func NewLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
