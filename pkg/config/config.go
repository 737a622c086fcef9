// SPDX-FileCopyrightText: 2023-present OpenVTN Project <info@openvtn.org>
//
// SPDX-License-Identifier: Apache-2.0

// Package config loads the vtn-config service configuration from YAML.
package config

import (
	"os"

	"github.com/onosproject/onos-lib-go/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/openvtn/vtn-config/pkg/capability"
	"github.com/openvtn/vtn-config/pkg/store/db"
	"github.com/openvtn/vtn-config/pkg/types"
)

// Controller is one southbound controller entry
type Controller struct {
	ID       types.ControllerID `yaml:"id"`
	Type     string             `yaml:"type"`
	Endpoint string             `yaml:"endpoint"`
}

// Merge configures the import/merge behavior
type Merge struct {
	// Prefer selects the winning side when an import and the candidate both
	// carry a valid policer for the same consumer: "candidate" or "import".
	Prefer string `yaml:"prefer"`
}

// Northbound configures the REST service
type Northbound struct {
	Port int `yaml:"port"`
}

// Config is the complete service configuration
type Config struct {
	DB           db.Config                                          `yaml:"db"`
	Controllers  []Controller                                       `yaml:"controllers"`
	Capabilities map[string]map[types.Keytype]capability.Descriptor `yaml:"capabilities"`
	Merge        Merge                                              `yaml:"merge"`
	Northbound   Northbound                                         `yaml:"northbound"`
}

// DefaultConfig returns the built-in defaults
func DefaultConfig() Config {
	return Config{
		DB:         db.DefaultConfig(),
		Merge:      Merge{Prefer: "candidate"},
		Northbound: Northbound{Port: 5150},
	}
}

// Load reads and validates a YAML configuration file, layered over the
// defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.NewInvalid("cannot read config file '%s': %s", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.NewInvalid("cannot parse config file '%s': %s", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects inconsistent configuration
func (c Config) Validate() error {
	switch c.Merge.Prefer {
	case "", "candidate", "import":
	default:
		return errors.NewInvalid("merge.prefer must be 'candidate' or 'import', got '%s'", c.Merge.Prefer)
	}
	seen := make(map[types.ControllerID]bool)
	for _, ctrl := range c.Controllers {
		if ctrl.ID == "" {
			return errors.NewInvalid("controller entry without an id")
		}
		if seen[ctrl.ID] {
			return errors.NewInvalid("duplicate controller id '%s'", ctrl.ID)
		}
		seen[ctrl.ID] = true
		if ctrl.Type == "" {
			return errors.NewInvalid("controller '%s' has no type", ctrl.ID)
		}
		if _, ok := c.Capabilities[ctrl.Type]; !ok {
			return errors.NewInvalid("controller '%s' references unknown type '%s'", ctrl.ID, ctrl.Type)
		}
	}
	return nil
}

// PreferImport reports whether merges should prefer the import side
func (c Config) PreferImport() bool {
	return c.Merge.Prefer == "import"
}

// ControllerTypes returns the controller-id to type mapping for the
// capability registry.
func (c Config) ControllerTypes() map[types.ControllerID]string {
	controllers := make(map[types.ControllerID]string, len(c.Controllers))
	for _, ctrl := range c.Controllers {
		controllers[ctrl.ID] = ctrl.Type
	}
	return controllers
}
