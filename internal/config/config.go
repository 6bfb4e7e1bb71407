// Package config loads the enclaved configuration file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// EnclaveDefaults hold the launch parameters used when a run request
// leaves them unset.
type EnclaveDefaults struct {
	CPUCount  int    `yaml:"cpu_count"`
	MemoryMiB int64  `yaml:"memory_mib"`
	CIDBase   uint64 `yaml:"cid_base"`
}

// Config is the top-level enclaved configuration.
type Config struct {
	// SocketDir holds the per-enclave rendezvous sockets.
	SocketDir string `yaml:"socket_dir"`
	// StateDir holds one JSON record per running enclave.
	StateDir string `yaml:"state_dir"`
	// LogFile is the supervisor's append-only log sink.
	LogFile string          `yaml:"log_file"`
	Enclave EnclaveDefaults `yaml:"enclave"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		SocketDir: "/run/enclaved",
		StateDir:  "/var/lib/enclaved",
		LogFile:   "/var/log/enclaved/enclaved.log",
		Enclave: EnclaveDefaults{
			CPUCount:  2,
			MemoryMiB: 512,
			CIDBase:   16,
		},
	}
}

// Load reads a configuration file. Fields absent from the file keep
// their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if cfg.Enclave.CIDBase == 0 {
		cfg.Enclave.CIDBase = 16
	}

	return cfg, nil
}
