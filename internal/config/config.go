package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration (spec §6 "Configuration
// (environment)"). DB_URL is kept as the env var name the spec
// documents even though the substrate underneath it is SQLite, not
// Postgres (see DESIGN.md's Persistence substrate entry): DB_URL is
// interpreted as a filesystem path.
type Config struct {
	Port int

	DatabasePath string
	DBPoolSize   int

	DataFeedMode    string // FYERS | ZERODHA | DHAN | RELAY
	ExecutionBroker string

	RunMode string // FULL | FEED_COLLECTOR

	RelayPort  int
	RelayToken string
	RelayURL   string

	ProductionMode    bool
	ReleaseReadiness  string // BETA | PROD_READY

	LogLevel string
	DevMode  bool
}

// Load reads configuration from environment variables and runs the
// startup gate (spec §6 "Startup gate").
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnvAsInt("PORT", 9090),
		DatabasePath:       getEnv("DB_URL", "./data/tradepipe.db"),
		DBPoolSize:         getEnvAsInt("DB_POOL_SIZE", 10),
		DataFeedMode:       getEnv("DATA_FEED_MODE", "RELAY"),
		ExecutionBroker:    getEnv("EXECUTION_BROKER", "PAPER"),
		RunMode:            getEnv("RUN_MODE", "FULL"),
		RelayPort:          getEnvAsInt("RELAY_PORT", 9091),
		RelayToken:         getEnv("RELAY_TOKEN", ""),
		RelayURL:           getEnv("RELAY_URL", ""),
		ProductionMode:     getEnvAsBool("PRODUCTION_MODE", false),
		ReleaseReadiness:   getEnv("RELEASE_READINESS", "BETA"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		DevMode:            getEnvAsBool("DEV_MODE", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and runs the PRODUCTION_MODE /
// RELEASE_READINESS gates (spec §6 "Startup gate").
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("DB_URL is required")
	}
	if c.RunMode != "FULL" && c.RunMode != "FEED_COLLECTOR" {
		return fmt.Errorf("RUN_MODE must be FULL or FEED_COLLECTOR, got %q", c.RunMode)
	}

	if c.ProductionMode {
		if c.ExecutionBroker == "" || c.ExecutionBroker == "PAPER" {
			return fmt.Errorf("PRODUCTION_MODE requires a real EXECUTION_BROKER, got %q", c.ExecutionBroker)
		}
		if c.RelayURL != "" && looksLikeSandbox(c.RelayURL) {
			return fmt.Errorf("PRODUCTION_MODE forbids a UAT/SANDBOX broker URL (%s)", c.RelayURL)
		}
	}

	switch c.ReleaseReadiness {
	case "BETA":
		// no additional gate: partial P0 coverage is expected pre-release.
	case "PROD_READY":
		// P0 invariants (order execution, DB-backed position tracking,
		// reconciliation, tick dedup, idempotency constraints) are all
		// structurally satisfied by internal/execution, internal/tms,
		// internal/reconcile, internal/candles, and the unique indexes in
		// internal/database's schema respectively — nothing left to flag
		// at runtime beyond requiring the execution broker be real.
		if c.ExecutionBroker == "" || c.ExecutionBroker == "PAPER" {
			return fmt.Errorf("RELEASE_READINESS=PROD_READY requires a real EXECUTION_BROKER")
		}
	default:
		return fmt.Errorf("RELEASE_READINESS must be BETA or PROD_READY, got %q", c.ReleaseReadiness)
	}

	return nil
}

func looksLikeSandbox(url string) bool {
	lower := strings.ToLower(url)
	for _, marker := range []string{"uat", "sandbox", "staging"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
