package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"
)

// Config carries the sync gateway's environment-driven settings.
type Config struct {
	ServerPort     string
	DatabaseURL    string
	RedisURL       string
	HandoffSecret  string
	HandoffSealKey []byte
	HandoffTTL     time.Duration
	Origin         string
}

func LoadConfig() (*Config, error) {
	ttlStr := getEnv("HANDOFF_TTL", "5m")
	ttl, err := time.ParseDuration(ttlStr)
	if err != nil {
		return nil, errors.New("invalid HANDOFF_TTL format")
	}

	cfg := &Config{
		ServerPort:    getEnv("SERVER_PORT", "8080"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisURL:      os.Getenv("REDIS_URL"),
		HandoffSecret: os.Getenv("HANDOFF_SECRET"),
		HandoffTTL:    ttl,
		Origin:        getEnv("HANDOFF_ORIGIN", "http://localhost:8080"),
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.HandoffSecret == "" {
		return nil, errors.New("HANDOFF_SECRET is required")
	}

	keyHex := os.Getenv("HANDOFF_SEAL_KEY")
	if keyHex == "" {
		return nil, errors.New("HANDOFF_SEAL_KEY is required")
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("HANDOFF_SEAL_KEY must be hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("HANDOFF_SEAL_KEY must decode to 32 bytes, got %d", len(key))
	}
	cfg.HandoffSealKey = key

	return cfg, nil
}

// Helper: get env with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
