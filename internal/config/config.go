package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment EnvironmentConfig
	Person      PersonConfig
	Sync        SyncConfig
	State       StateConfig
	Transport   TransportConfig
	Bridge      BridgeConfig
	Storage     StorageConfig
	Log         LogConfig
}

type EnvironmentConfig struct {
	ID      string
	APIHost string
}

type PersonConfig struct {
	UserID string
}

type SyncConfig struct {
	Interval   time.Duration
	MaxRetries int
	Backoff    time.Duration
}

type StateConfig struct {
	TTL time.Duration
}

type TransportConfig struct {
	MaxRetries int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

type BridgeConfig struct {
	Port  int
	Token string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Sync: SyncConfig{
			Interval:   5 * time.Minute,
			MaxRetries: 2,
			Backoff:    time.Second,
		},
		Transport: TransportConfig{
			MaxRetries: 3,
			Backoff:    time.Second,
			MaxBackoff: 30 * time.Second,
		},
		Bridge: BridgeConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file backend at
// $XDG_CONFIG_HOME/surveykit/config.json, a .env file in the working
// directory and environment variables, in increasing precedence.
//
// The bridge token is a secret: it comes from SURVEYKIT_BRIDGE_TOKEN or the
// secrets file, and is generated on first use.
func Load() (Config, error) {
	if err := LoadDotEnv(".env"); err != nil {
		return Config{}, err
	}
	return loadWith(newFileBackend(configFilePath()), newFileSecrets(secretsFilePath()))
}

// LoadDotEnv copies variables from path into the process environment.
// Variables already set win. A missing file is not an error.
func LoadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

func loadWith(b ConfigBackend, secrets SecretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	var missing []string
	if cfg.Environment.ID == "" {
		missing = append(missing, "environment.id (SURVEYKIT_ENVIRONMENT_ID)")
	}
	if cfg.Environment.APIHost == "" {
		missing = append(missing, "environment.api_host (SURVEYKIT_ENVIRONMENT_API_HOST)")
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}

	if cfg.Bridge.Token == "" {
		token, err := BridgeToken(secrets)
		if err != nil {
			return Config{}, err
		}
		cfg.Bridge.Token = token
	}

	return cfg, nil
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "surveykit-data"
		}
	}
	return filepath.Join(dir, "surveykit")
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "surveykit", "config.json")
}

func secretsFilePath() string {
	return filepath.Join(defaultDataDir(), "secrets.json")
}
