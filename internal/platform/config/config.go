package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds everything the relay process reads from its environment.
type Config struct {
	// RelayAddr is the listen address of the relay protocol.
	RelayAddr string
	// AdminAddr is the listen address of the admin router. When empty the
	// admin routes are served on RelayAddr.
	AdminAddr string

	LogLevel  string
	LogFormat string

	RequestTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	MaxElementSize int
	MaxChunkSize   int

	// MetricsReportInterval enables a periodic rate report in the log when > 0.
	MetricsReportInterval time.Duration
	ShutdownTimeout       time.Duration
}

// Load sets environment variables from dotenv files, ".env" when no path is
// given. Variables already set in the process environment win. A missing file
// is reported but callers may ignore it and run on env and defaults.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// FromEnv builds a Config from the environment, falling back to defaults.
func FromEnv() Config {
	return Config{
		RelayAddr:             GetEnv("RELAY_ADDR", ":7000"),
		AdminAddr:             GetEnv("ADMIN_ADDR", ""),
		LogLevel:              GetEnv("LOG_LEVEL", "info"),
		LogFormat:             GetEnv("LOG_FORMAT", "json"),
		RequestTimeout:        GetEnvDuration("REQUEST_TIMEOUT", 30*time.Second),
		ReadTimeout:           GetEnvDuration("READ_TIMEOUT", 20*time.Second),
		WriteTimeout:          GetEnvDuration("WRITE_TIMEOUT", 2*time.Second),
		MaxElementSize:        GetEnvInt("MAX_ELEMENT_SIZE", 64<<20),
		MaxChunkSize:          GetEnvInt("MAX_CHUNK_SIZE", 64<<20),
		MetricsReportInterval: GetEnvDuration("METRICS_REPORT_INTERVAL", 0),
		ShutdownTimeout:       GetEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvDuration accepts Go duration syntax ("20s", "1m30s") or a bare number
// of seconds.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return fallback
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

// GetEnvBool returns the boolean value of key, or fallback when unset or invalid.
func GetEnvBool(key string, fallback bool) bool {
	if s := os.Getenv(key); s != "" {
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
	}
	return fallback
}
