// Package config loads server configuration from the environment and
// engine parameter profiles from YAML.
package config

import "os"

// Config holds server configuration.
type Config struct {
	Port           string
	LogLevel       string
	DatabaseDriver string
	DatabaseURL    string
	JWTSecret      string
	OTLPEndpoint   string
	GenesisAdmin   string
	ProfilePath    string
}

// Load loads configuration from environment variables.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	driver := os.Getenv("DATABASE_DRIVER")
	if driver == "" {
		driver = "sqlite"
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		// Default to a local sqlite file; postgres deployments set both
		// DATABASE_DRIVER and DATABASE_URL.
		dbURL = "file:carbonledger.db?_pragma=journal_mode(WAL)"
	}

	genesisAdmin := os.Getenv("GENESIS_ADMIN")
	if genesisAdmin == "" {
		genesisAdmin = "user:admin"
	}

	return &Config{
		Port:           port,
		LogLevel:       logLevel,
		DatabaseDriver: driver,
		DatabaseURL:    dbURL,
		JWTSecret:      os.Getenv("JWT_SECRET"),
		OTLPEndpoint:   os.Getenv("OTLP_ENDPOINT"),
		GenesisAdmin:   genesisAdmin,
		ProfilePath:    os.Getenv("ENGINE_PROFILE"),
	}
}
