// Package config loads the YAML overlay rv64xv6 accepts on top of its
// flag defaults: RAM size and MMIO base-address overrides.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the shape of the optional -config YAML file. Zero values
// mean "use the built-in default" — a field is only applied if present.
type Config struct {
	RAMSize uint64 `yaml:"ram_size"`

	MMIO struct {
		CLINTBase uint64 `yaml:"clint_base"`
		PLICBase  uint64 `yaml:"plic_base"`
		UARTBase  uint64 `yaml:"uart_base"`
		DiskBase  uint64 `yaml:"disk_base"`
		KBDBase   uint64 `yaml:"kbd_base"`
	} `yaml:"mmio"`
}

// Load reads and parses the YAML config at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return &cfg, nil
}
