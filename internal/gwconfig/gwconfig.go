// Package gwconfig loads the gateway's environment/config record from
// a YAML file.
package gwconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the exact key set a User Gateway's environment record
// enumerates.
type Config struct {
	Volume       uint64 `yaml:"volume"`
	GatewayID    uint64 `yaml:"gateway_id"`
	MSURL        string `yaml:"ms_url"`
	DataRoot     string `yaml:"data_root"`
	PublicURL    string `yaml:"public_url"`

	PrivateKeyPath  string `yaml:"private_key_path"`
	MSPublicKeyPath string `yaml:"ms_public_key_path"`

	DebugLevel int `yaml:"debug_level"`

	NumReplicaThreads   int   `yaml:"num_replica_threads"`
	MaxReadFreshnessMs  int64 `yaml:"max_read_freshness_ms"`
	MaxWriteFreshnessMs int64 `yaml:"max_write_freshness_ms"`

	// BlockingFactor is derived from the volume at load time, not read
	// from this file; it is populated by ResolveBlockingFactor once the
	// MS client can answer GetVolume.
	BlockingFactor uint64 `yaml:"-"`
}

// Load reads and parses a Config from path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("gwconfig: reading %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("gwconfig: parsing %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Write serializes cfg to path.
func (c *Config) Write(path string) error {
	raw, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("gwconfig: marshaling: %w", err)
	}
	return os.WriteFile(path, raw, 0644)
}

func (c *Config) validate() error {
	if c.Volume == 0 {
		return fmt.Errorf("gwconfig: volume is required")
	}
	if c.GatewayID == 0 {
		return fmt.Errorf("gwconfig: gateway_id is required")
	}
	if c.DataRoot == "" {
		return fmt.Errorf("gwconfig: data_root is required")
	}
	if c.NumReplicaThreads <= 0 {
		c.NumReplicaThreads = 4
	}
	return nil
}
