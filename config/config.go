// Package config loads the YAML configuration of the minidb binaries.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/sushant-115/minidb/core/engine"
	"github.com/sushant-115/minidb/pkg/logger"
	"github.com/sushant-115/minidb/pkg/telemetry"
	"gopkg.in/yaml.v3"
)

// ServerConfig configures the session service.
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr"`
	// MaxSessions bounds the sessions served at once; further sessions wait.
	MaxSessions int64 `yaml:"max_sessions"`
}

// TLSConfig points at the certificates of the session service. Disabled
// means plaintext.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// BackupConfig configures Engine.Backup.
type BackupConfig struct {
	// RateBytesPerSec caps the copy rate; zero or less is unlimited.
	RateBytesPerSec int64 `yaml:"rate_bytes_per_sec"`
}

// Config is the whole configuration file.
type Config struct {
	Engine    engine.Config    `yaml:"engine"`
	Server    ServerConfig     `yaml:"server"`
	TLS       TLSConfig        `yaml:"tls"`
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Backup    BackupConfig     `yaml:"backup"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Engine: engine.DefaultConfig(),
		Server: ServerConfig{
			GRPCAddr:    "127.0.0.1:9999",
			MaxSessions: 20,
		},
		Logger: logger.Config{
			Level:      "info",
			Format:     "console",
			OutputFile: "stderr",
		},
		Telemetry: telemetry.Config{
			ServiceName:      "minidb",
			PrometheusPort:   9100,
			TraceSampleRatio: 1.0,
		},
	}
}

// Load reads the YAML file at path over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the values the binaries cannot start without.
func (c Config) Validate() error {
	var errs []error
	if err := c.Engine.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Server.GRPCAddr == "" {
		errs = append(errs, errors.New("server.grpc_addr is empty"))
	}
	if c.Server.MaxSessions <= 0 {
		errs = append(errs, fmt.Errorf("server.max_sessions is %d", c.Server.MaxSessions))
	}
	if c.TLS.Enabled && (c.TLS.CAFile == "" || c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls needs ca_file, cert_file and key_file"))
	}
	return errors.Join(errs...)
}
