package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "environment.id", typ: kString, env: "SURVEYKIT_ENVIRONMENT_ID",
		apply:   func(cfg *Config, v any) { cfg.Environment.ID = v.(string) },
		extract: func(cfg Config) any { return cfg.Environment.ID },
	},
	{
		key: "environment.api_host", typ: kString, env: "SURVEYKIT_ENVIRONMENT_API_HOST",
		apply:   func(cfg *Config, v any) { cfg.Environment.APIHost = v.(string) },
		extract: func(cfg Config) any { return cfg.Environment.APIHost },
	},
	{
		key: "person.user_id", typ: kString, env: "SURVEYKIT_PERSON_USER_ID",
		apply:   func(cfg *Config, v any) { cfg.Person.UserID = v.(string) },
		extract: func(cfg Config) any { return cfg.Person.UserID },
	},
	{
		key: "sync.interval", typ: kDuration, env: "SURVEYKIT_SYNC_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Sync.Interval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.Interval },
	},
	{
		key: "sync.max_retries", typ: kInt, env: "SURVEYKIT_SYNC_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Sync.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Sync.MaxRetries },
	},
	{
		key: "sync.backoff", typ: kDuration, env: "SURVEYKIT_SYNC_BACKOFF",
		apply:   func(cfg *Config, v any) { cfg.Sync.Backoff = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.Backoff },
	},
	{
		key: "state.ttl", typ: kDuration, env: "SURVEYKIT_STATE_TTL",
		apply:   func(cfg *Config, v any) { cfg.State.TTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.State.TTL },
	},
	{
		key: "transport.max_retries", typ: kInt, env: "SURVEYKIT_TRANSPORT_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Transport.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Transport.MaxRetries },
	},
	{
		key: "transport.backoff", typ: kDuration, env: "SURVEYKIT_TRANSPORT_BACKOFF",
		apply:   func(cfg *Config, v any) { cfg.Transport.Backoff = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Transport.Backoff },
	},
	{
		key: "transport.max_backoff", typ: kDuration, env: "SURVEYKIT_TRANSPORT_MAX_BACKOFF",
		apply:   func(cfg *Config, v any) { cfg.Transport.MaxBackoff = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Transport.MaxBackoff },
	},
	{
		key: "bridge.port", typ: kInt, env: "SURVEYKIT_BRIDGE_PORT",
		apply:   func(cfg *Config, v any) { cfg.Bridge.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Bridge.Port },
	},
	{
		key: "bridge.token", typ: kString, env: "SURVEYKIT_BRIDGE_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Bridge.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Bridge.Token },
	},
	{
		key: "storage.data_dir", typ: kString, env: "SURVEYKIT_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "SURVEYKIT_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				d, err := time.ParseDuration(v)
				if err != nil {
					return fmt.Errorf("reading %s: %w", s.key, err)
				}
				s.apply(cfg, d)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kDuration:
			if d, err := time.ParseDuration(raw); err == nil {
				s.apply(cfg, d)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
