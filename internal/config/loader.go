package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".numroute"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
)

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("NUMROUTE_CONFIG")); explicit != "" {
		if strings.HasPrefix(explicit, "~") {
			home, err := resolveHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(home, explicit[1:]), nil
		}
		return explicit, nil
	}
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

func resolveHomeDir() (string, error) {
	if h := strings.TrimSpace(os.Getenv("NUMROUTE_HOME")); h != "" {
		if strings.HasPrefix(h, "~") {
			base, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(base, h[1:]), nil
		}
		return h, nil
	}
	return os.UserHomeDir()
}

// Load reads the config file (if present), applies NUMROUTE_ environment
// overrides on top, fills defaults and validates required settings.
// Missing required values are a startup error, not a runtime one.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	path, err := ConfigPath()
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
		// No file is fine, env + defaults below.
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if err := envconfig.Process("NUMROUTE", cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}

	if cfg.Store.Path == "" {
		home, herr := resolveHomeDir()
		if herr != nil {
			return nil, fmt.Errorf("resolve store path: %w", herr)
		}
		cfg.Store.Path = filepath.Join(home, ConfigDir, "numroute.db")
	}
	if cfg.Channels.WhatsApp.DBPath == "" {
		cfg.Channels.WhatsApp.DBPath = filepath.Join(filepath.Dir(cfg.Store.Path), "whatsapp.db")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that must be present before any component starts.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Store.Path) == "" {
		return fmt.Errorf("store.path is required")
	}
	switch c.Queue.Backend {
	case "kafka":
		if strings.TrimSpace(c.Queue.Kafka.Brokers) == "" {
			return fmt.Errorf("queue.kafka.brokers is required for the kafka backend")
		}
		if strings.TrimSpace(c.Queue.Kafka.Topic) == "" {
			return fmt.Errorf("queue.kafka.topic is required for the kafka backend")
		}
	case "amqp":
		if strings.TrimSpace(c.Queue.AMQP.URL) == "" {
			return fmt.Errorf("queue.amqp.url is required for the amqp backend")
		}
		if strings.TrimSpace(c.Queue.AMQP.Queue) == "" {
			return fmt.Errorf("queue.amqp.queue is required for the amqp backend")
		}
	case "none", "":
	default:
		return fmt.Errorf("unknown queue backend %q (want kafka, amqp or none)", c.Queue.Backend)
	}
	if c.Routing.CacheTTLSeconds <= 0 {
		return fmt.Errorf("routing.cacheTtlSeconds must be positive")
	}
	return nil
}

// Save writes the config back to its file, creating the directory if needed.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}
