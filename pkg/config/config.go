// Package config loads the host's YAML configuration and module
// manifests: the resolved Config object the adapter and CLI consume.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/helium/pkg/types"
)

// HostConfig is the top-level configuration document for a host process.
type HostConfig struct {
	ChainID             string `yaml:"chain_id"`
	DataDir             string `yaml:"data_dir"`
	GovernanceAuthority string `yaml:"governance_authority"`
	ModuleDir           string `yaml:"module_dir"`

	// Namespaces mounted into the VFS at startup, in addition to the
	// system and state namespaces every host carries.
	Namespaces []string `yaml:"namespaces"`

	MailboxCapacity    int    `yaml:"mailbox_capacity"`
	DefaultGasLimit    uint64 `yaml:"default_gas_limit"`
	DefaultMemoryLimit uint64 `yaml:"default_memory_limit"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	// MetricsAddr is the listen address for /metrics and the health
	// endpoints; empty disables the listener.
	MetricsAddr string `yaml:"metrics_addr"`

	// Modules preloaded at startup, before any governance traffic.
	Modules []types.ModuleManifestEntry `yaml:"modules"`
}

// Default returns a HostConfig with every field populated except
// GovernanceAuthority, which has no default; Validate rejects it empty.
func Default() HostConfig {
	return HostConfig{
		ChainID:            "helium-local",
		DataDir:            "./data",
		ModuleDir:          "./modules",
		MailboxCapacity:    256,
		DefaultGasLimit:    10_000_000,
		DefaultMemoryLimit: 512 * 1024 * 1024,
		LogLevel:           "info",
		MetricsAddr:        ":9090",
	}
}

// Load reads and validates a HostConfig from path, filling unset fields
// with defaults.
func Load(path string) (HostConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return HostConfig{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return HostConfig{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return HostConfig{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the host cannot start with.
func (c *HostConfig) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir must be set")
	}
	if c.GovernanceAuthority == "" {
		return fmt.Errorf("config: governance_authority must be set")
	}
	if c.MailboxCapacity <= 0 {
		return fmt.Errorf("config: mailbox_capacity must be positive")
	}
	if c.DefaultGasLimit == 0 {
		return fmt.Errorf("config: default_gas_limit must be positive")
	}
	seen := make(map[string]bool, len(c.Modules))
	for _, m := range c.Modules {
		if m.Name == "" {
			return fmt.Errorf("config: module entry missing name")
		}
		if seen[m.Name] {
			return fmt.Errorf("config: duplicate module name %q", m.Name)
		}
		seen[m.Name] = true
		if m.Path == "" {
			return fmt.Errorf("config: module %q missing path", m.Name)
		}
	}
	return nil
}

// LoadManifest parses a single module manifest file.
func LoadManifest(path string) (types.ModuleManifestEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.ModuleManifestEntry{}, fmt.Errorf("config: read manifest %s: %w", path, err)
	}
	var entry types.ModuleManifestEntry
	if err := yaml.Unmarshal(data, &entry); err != nil {
		return types.ModuleManifestEntry{}, fmt.Errorf("config: parse manifest %s: %w", path, err)
	}
	if entry.Name == "" {
		return types.ModuleManifestEntry{}, fmt.Errorf("config: manifest %s missing name", path)
	}
	return entry, nil
}

// ModuleConfig materializes a runtime ModuleConfig from a manifest entry,
// applying the host's default limits where the entry leaves them unset.
func (c *HostConfig) ModuleConfig(entry types.ModuleManifestEntry) types.ModuleConfig {
	mc := types.ModuleConfig{
		Name:         entry.Name,
		Capabilities: entry.Capabilities,
		MessageTypes: entry.MessageTypes,
		Endpoints:    entry.Endpoints,
		GasLimit:     c.DefaultGasLimit,
		MemoryLimit:  c.DefaultMemoryLimit,
	}
	if entry.GasLimit != nil {
		mc.GasLimit = *entry.GasLimit
	}
	if entry.MemoryLimit != nil {
		mc.MemoryLimit = *entry.MemoryLimit
	}
	return mc
}
