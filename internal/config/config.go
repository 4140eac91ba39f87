package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port string `yaml:"port" env:"BATTLE_SERVER_PORT"`
		Node string `yaml:"node" env:"BATTLE_NODE"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level" env:"BATTLE_LOG_LEVEL"`
		Pretty bool   `yaml:"pretty" env:"BATTLE_LOG_PRETTY"`
	} `yaml:"log"`
	Redis struct {
		Addr     string `yaml:"addr" env:"BATTLE_REDIS_ADDR"`
		Password string `yaml:"password" env:"BATTLE_REDIS_PASSWORD"`
		DB       int    `yaml:"db" env:"BATTLE_REDIS_DB"`
		TTL      string `yaml:"ttl" env:"BATTLE_REDIS_TTL"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url" env:"BATTLE_POSTGRES_URL"`
	} `yaml:"postgres"`
	NATS struct {
		URL           string `yaml:"url" env:"BATTLE_NATS_URL"`
		Stream        string `yaml:"stream" env:"BATTLE_NATS_STREAM"`
		SubjectPrefix string `yaml:"subjectPrefix" env:"BATTLE_NATS_SUBJECT_PREFIX"`
	} `yaml:"nats"`
	Upstream struct {
		BaseURL string `yaml:"baseUrl" env:"BATTLE_UPSTREAM_URL"`
		Timeout string `yaml:"timeout" env:"BATTLE_UPSTREAM_TIMEOUT"`
		Token   string `yaml:"token" env:"BATTLE_UPSTREAM_TOKEN"`
	} `yaml:"upstream"`
	Engine struct {
		TickInterval    string   `yaml:"tickInterval" env:"BATTLE_ENGINE_TICK"`
		ConfusionChance float64  `yaml:"confusionChance" env:"BATTLE_ENGINE_CONFUSION"`
		Locales         []string `yaml:"locales" env:"BATTLE_ENGINE_LOCALES" envSeparator:","`
	} `yaml:"engine"`
	Matchups struct {
		Chart string `yaml:"chart" env:"BATTLE_MATCHUPS_CHART"`
		File  string `yaml:"file" env:"BATTLE_MATCHUPS_FILE"`
		TTL   string `yaml:"ttl" env:"BATTLE_MATCHUPS_TTL"`
	} `yaml:"matchups"`
}

// Load reads YAML config from path, then applies environment overrides.
// A missing file is not an error; defaults and the environment still apply.
func Load(path string) (Config, error) {
	cfg := Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return cfg, err
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.NATS.Stream == "" {
		c.NATS.Stream = "BATTLE_EVENTS"
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "battle.events"
	}
	if c.Matchups.Chart == "" {
		c.Matchups.Chart = "standard"
	}
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	if c.Engine.ConfusionChance < 0 || c.Engine.ConfusionChance > 1 {
		return fmt.Errorf("engine.confusionChance must be within [0, 1], got %v", c.Engine.ConfusionChance)
	}
	return nil
}

// TTLDuration parses a duration string or returns the fallback if empty.
func TTLDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}
