package config

import (
	"fmt"
	"os"
)

const defaultEnvFile = ".env"

// LoadFromEnv reads the process environment. Under the dev build tag the
// file named by ENV_FILE (default .env) is merged in first; variables
// already set are not overridden.
func LoadFromEnv() (Config, error) {
	path := os.Getenv("ENV_FILE")
	if path == "" {
		path = defaultEnvFile
	}
	if err := loadDotEnv(path); err != nil {
		return Config{}, fmt.Errorf("load %s: %w", path, err)
	}
	cfg, err := Load(FromEnviron())
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}
