package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the config file when --config is not given.
const EnvConfigPath = "LOGTEEWOOP_CONFIG"

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Session SessionConfig `yaml:"session"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// TailLines is how many lines GET /{stream}/tail returns.
	TailLines       int           `yaml:"tail_lines"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type StoreConfig struct {
	ReapInterval  time.Duration `yaml:"reap_interval"`
	StreamTimeout time.Duration `yaml:"stream_timeout"`
	SnapshotLines int           `yaml:"snapshot_lines"`
}

type SessionConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ClientTimeout     time.Duration `yaml:"client_timeout"`
	SendBuffer        int           `yaml:"send_buffer"`
	WriteWait         time.Duration `yaml:"write_wait"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            9002,
			TailLines:       1000,
			ShutdownTimeout: 5 * time.Second,
		},
		Store: StoreConfig{
			ReapInterval:  5 * time.Second,
			StreamTimeout: 300 * time.Second,
			SnapshotLines: 1000,
		},
		Session: SessionConfig{
			HeartbeatInterval: 5 * time.Second,
			ClientTimeout:     20 * time.Second,
			SendBuffer:        1024,
			WriteWait:         10 * time.Second,
		},
	}
}

// Load reads a YAML file over the defaults. An empty path falls back to
// $LOGTEEWOOP_CONFIG, and if that is unset too the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
		if path == "" {
			return cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.TailLines <= 0 {
		errs = append(errs, errors.New("server.tail_lines must be positive"))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must be positive"))
	}
	if c.Store.ReapInterval <= 0 {
		errs = append(errs, errors.New("store.reap_interval must be positive"))
	}
	if c.Store.StreamTimeout <= 0 {
		errs = append(errs, errors.New("store.stream_timeout must be positive"))
	}
	if c.Store.SnapshotLines <= 0 {
		errs = append(errs, errors.New("store.snapshot_lines must be positive"))
	}
	if c.Session.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("session.heartbeat_interval must be positive"))
	}
	if c.Session.ClientTimeout <= c.Session.HeartbeatInterval {
		errs = append(errs, errors.New("session.client_timeout must be longer than session.heartbeat_interval"))
	}
	if c.Session.SendBuffer <= 0 {
		errs = append(errs, errors.New("session.send_buffer must be positive"))
	}
	if c.Session.WriteWait <= 0 {
		errs = append(errs, errors.New("session.write_wait must be positive"))
	}
	return errors.Join(errs...)
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}
