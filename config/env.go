package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// overrides are environment variables that take precedence over the
// probe file. Unset variables leave the file value alone.
type overrides struct {
	BaseURL       *string        `env:"APIPROBE_BASE_URL"`
	BatchSize     *int           `env:"APIPROBE_BATCH_SIZE"`
	BatchInterval *time.Duration `env:"APIPROBE_BATCH_INTERVAL"`
	Token         *string        `env:"APIPROBE_TOKEN"`
}

// LoadDotEnv loads variables from the given .env files into the process
// environment. Variables already set are not overwritten, and missing files
// are skipped.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", path, err)
		}
	}
	return nil
}

// ApplyEnv overrides cfg fields from APIPROBE_* environment variables:
//
//   - APIPROBE_BASE_URL replaces base_url
//   - APIPROBE_BATCH_SIZE replaces batch_size
//   - APIPROBE_BATCH_INTERVAL replaces batch_interval (e.g. "500ms")
//   - APIPROBE_TOKEN replaces credentials.token
func ApplyEnv(cfg *Config) error {
	var o overrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("failed to parse environment overrides: %w", err)
	}

	if o.BaseURL != nil {
		cfg.BaseURL = *o.BaseURL
	}
	if o.BatchSize != nil {
		cfg.BatchSize = *o.BatchSize
	}
	if o.BatchInterval != nil {
		cfg.BatchInterval = Duration(*o.BatchInterval)
	}
	if o.Token != nil {
		cfg.Credentials.Token = *o.Token
	}
	return nil
}
