// Package config loads the daemon configuration from
// ~/.dmsync/config.toml.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Transport names accepted in [events].
const (
	TransportPostgres  = "postgres"
	TransportWebsocket = "websocket"
	TransportAMQP      = "amqp"
)

// Config is the daemon configuration.
type Config struct {
	// UserID identifies the local viewer; message direction and
	// read-receipt derivation hang off it.
	UserID string `toml:"user_id"`
	// Conversation is the default conversation id to open.
	Conversation string `toml:"conversation"`

	Store   StoreConfig   `toml:"store"`
	Events  EventsConfig  `toml:"events"`
	Metrics MetricsConfig `toml:"metrics"`
}

// StoreConfig points at the shared message store.
type StoreConfig struct {
	DSN string `toml:"dsn"`
}

// EventsConfig selects the change feed transport.
type EventsConfig struct {
	// Transport is postgres (default), websocket or amqp.
	Transport  string `toml:"transport"`
	GatewayURL string `toml:"gateway_url"`
	AMQPURL    string `toml:"amqp_url"`
	Exchange   string `toml:"exchange"`
}

// MetricsConfig controls the Prometheus endpoint. An empty listen
// address disables it.
type MetricsConfig struct {
	Listen string `toml:"listen"`
}

// Load reads config from the given path.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Validate checks that the configuration is complete enough to start.
func (c *Config) Validate() error {
	if c.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if c.Conversation == "" {
		return fmt.Errorf("conversation is required")
	}
	if c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required")
	}
	switch c.Events.Transport {
	case "", TransportPostgres:
	case TransportWebsocket:
		if c.Events.GatewayURL == "" {
			return fmt.Errorf("events.gateway_url is required for the websocket transport")
		}
	case TransportAMQP:
		if c.Events.AMQPURL == "" {
			return fmt.Errorf("events.amqp_url is required for the amqp transport")
		}
	default:
		return fmt.Errorf("unknown events.transport %q", c.Events.Transport)
	}
	return nil
}
