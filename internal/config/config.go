package config

import (
	"fmt"
	"os"
	"strings"
)

// Config holds the application configuration
type Config struct {
	DatabaseURL string
	Port        string
	JWTSecret   string
	AuthSalt    string
	LinkBaseURL string
	Production  bool
	DebugCodes  bool
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Port:        "8080", // default port
		LinkBaseURL: "http://localhost:8080/auth/link",
	}

	// Load DATABASE_URL (required)
	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}
	cfg.DatabaseURL = databaseURL

	// Load PORT (optional, defaults to 8080)
	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = port
	}

	// Load JWT_SECRET (required)
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}
	cfg.JWTSecret = jwtSecret

	// Load AUTH_SALT (required, mixed into code/address hashes)
	authSalt := os.Getenv("AUTH_SALT")
	if authSalt == "" {
		return nil, fmt.Errorf("AUTH_SALT environment variable is required")
	}
	cfg.AuthSalt = authSalt

	// Load LINK_BASE_URL (optional, prefix for magic-link URLs)
	if base := strings.TrimSpace(os.Getenv("LINK_BASE_URL")); base != "" {
		cfg.LinkBaseURL = strings.TrimRight(base, "/")
	}

	// ENV=production enables Secure cookies
	cfg.Production = os.Getenv("ENV") == "production"

	// AUTH_DEBUG_CODES returns plaintext codes in responses for e2e tests.
	// Refused in production so the capability cannot leak into a real deploy.
	cfg.DebugCodes = os.Getenv("AUTH_DEBUG_CODES") == "true"
	if cfg.DebugCodes && cfg.Production {
		return nil, fmt.Errorf("AUTH_DEBUG_CODES must not be enabled when ENV=production")
	}

	return cfg, nil
}
