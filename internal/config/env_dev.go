//go:build dev

package config

import (
	"errors"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	} else if err != nil {
		return err
	}
	return godotenv.Load(path)
}
