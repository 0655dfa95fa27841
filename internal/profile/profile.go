package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Profile is configuration to start the main server.
type Profile struct {
	// Mode can be "prod" or "dev" or "demo".
	Mode string
	// Addr is the binding address of the server.
	Addr string
	// Port is the binding port of the server.
	Port int
	// Data is the data directory (sqlite database location).
	Data string
	// Driver is the database driver: postgres, sqlite, memory.
	Driver string
	// DSN is the database source name.
	DSN string
	// Version is the current version of the server.
	Version string

	// MaxSessions bounds the number of concurrently borrowed store sessions.
	MaxSessions int
	// SessionTimeoutSeconds is the age after which an unreleased session is
	// force-closed by the pool sweep.
	SessionTimeoutSeconds int

	// WebhookTimeoutSeconds is the per-request timeout of the webhook sink.
	WebhookTimeoutSeconds int
	// WebhookMaxRetries bounds delivery attempts for retryable failures.
	WebhookMaxRetries int
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// getEnvOrDefault returns environment variable value or default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrDefaultInt returns environment variable value as int or default value.
func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// FromEnv loads configuration from environment variables.
func (p *Profile) FromEnv() {
	p.MaxSessions = getEnvOrDefaultInt("TASKFORGE_MAX_SESSIONS", 50)
	p.SessionTimeoutSeconds = getEnvOrDefaultInt("TASKFORGE_SESSION_TIMEOUT_SECONDS", 1800)
	p.WebhookTimeoutSeconds = getEnvOrDefaultInt("TASKFORGE_WEBHOOK_TIMEOUT_SECONDS", 30)
	p.WebhookMaxRetries = getEnvOrDefaultInt("TASKFORGE_WEBHOOK_MAX_RETRIES", 3)

	if p.DSN == "" {
		p.DSN = getEnvOrDefault("DATABASE_URL", "")
	}
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	// Trim trailing \ or / in case user supplies.
	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}

	if p.Driver != "postgres" && p.Driver != "sqlite" && p.Driver != "memory" {
		return errors.Errorf("unsupported database driver %q (postgres, sqlite, memory)", p.Driver)
	}

	if p.MaxSessions <= 0 {
		p.MaxSessions = 50
	}
	if p.SessionTimeoutSeconds <= 0 {
		p.SessionTimeoutSeconds = 1800
	}

	if p.Driver == "sqlite" {
		if p.Data == "" {
			p.Data = "."
		}
		dataDir, err := checkDataDir(p.Data)
		if err != nil {
			return err
		}
		p.Data = dataDir
		if p.DSN == "" {
			p.DSN = filepath.Join(dataDir, fmt.Sprintf("taskforge_%s.db", p.Mode))
		}
	}

	if p.Driver == "postgres" && p.DSN == "" {
		return errors.New("postgres driver requires a DSN (set --dsn or DATABASE_URL)")
	}

	return nil
}
