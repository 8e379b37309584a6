// Package config loads the small set of settings the core needs to wire a
// Store and an Identity. Home-directory bootstrap, full CLI flag parsing
// and multi-source config merging are the host's responsibility and stay
// out of scope here.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the minimal set of knobs the engine needs at boot.
type Config struct {
	// DatabaseURL is a libpq-style connection string consumed by pgxpool.
	DatabaseURL string `yaml:"database_url"`
	// KeystorePath is the bbolt file backing the local signing key.
	KeystorePath string `yaml:"keystore_path"`
	// InstanceName seeds the self instance's display name on first boot.
	InstanceName string `yaml:"instance_name"`
	// ParserMaxWorkers bounds the sliding-window worker pool (§4.5).
	ParserMaxWorkers int `yaml:"parser_max_workers"`
	// InferenceCost is the nKoi debited per MicroGPT inference call.
	InferenceCost int64 `yaml:"inference_cost"`
}

// Default returns the baseline configuration before env/file overrides.
func Default() Config {
	return Config{
		DatabaseURL:      "postgres://localhost:5432/kerai?sslmode=disable",
		KeystorePath:     "kerai-identity.bolt",
		InstanceName:     "local",
		ParserMaxWorkers: 4,
		InferenceCost:    1,
	}
}

// Load layers environment variables (optionally loaded from an .env file
// via godotenv, matching the teacher's direct dependency on it) over the
// defaults. envFile may be empty to skip .env loading entirely.
func Load(envFile string) (Config, error) {
	cfg := Default()

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return cfg, fmt.Errorf("config: load env file: %w", err)
		}
	}

	if v := os.Getenv("KERAI_DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("KERAI_KEYSTORE_PATH"); v != "" {
		cfg.KeystorePath = v
	}
	if v := os.Getenv("KERAI_INSTANCE_NAME"); v != "" {
		cfg.InstanceName = v
	}
	if v := os.Getenv("KERAI_PARSER_MAX_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("config: KERAI_PARSER_MAX_WORKERS: %w", err)
		}
		cfg.ParserMaxWorkers = n
	}
	if v := os.Getenv("KERAI_INFERENCE_COST"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("config: KERAI_INFERENCE_COST: %w", err)
		}
		cfg.InferenceCost = n
	}

	return cfg, nil
}

// RewardScheduleEntry is one row of the seed reward schedule file.
type RewardScheduleEntry struct {
	WorkType string `yaml:"work_type"`
	Reward   int64  `yaml:"reward"`
	Enabled  bool   `yaml:"enabled"`
}

// LoadRewardSchedule parses a YAML list of reward schedule seed rows.
func LoadRewardSchedule(path string) ([]RewardScheduleEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read reward schedule: %w", err)
	}
	var entries []RewardScheduleEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("config: parse reward schedule: %w", err)
	}
	return entries, nil
}
