// Package board assembles host devices, guests and their device models from
// a YAML board description, and replays guest register access traces.
package board

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config describes a whole board.
type Config struct {
	Host   HostConfig    `yaml:"host"`
	Guests []GuestConfig `yaml:"guests"`

	// dir resolves relative device tree paths; set by Load.
	dir string
}

// HostConfig lists the host devices guest models may bind to.
type HostConfig struct {
	UARTs   []UARTConfig   `yaml:"uarts"`
	Keypads []KeypadConfig `yaml:"keypads,omitempty"`
}

// UARTConfig describes one host UART and the character device it exports.
type UARTConfig struct {
	Name    string `yaml:"name"`
	Driver  string `yaml:"driver"` // imx or pl011
	Base    uint64 `yaml:"base"`
	Enabled bool   `yaml:"enabled"`
}

// KeypadConfig describes a host input device reporting key events.
type KeypadConfig struct {
	Name string `yaml:"name"`
	Bus  string `yaml:"bus"` // gpio (default), virtual or host
}

// GuestConfig describes one guest and its device-tree nodes. Nodes come from
// the flattened device tree at DeviceTree, if set, followed by Devices.
type GuestConfig struct {
	ID         uint32         `yaml:"id"`
	Name       string         `yaml:"name"`
	RAM        RAMConfig      `yaml:"ram"`
	DeviceTree string         `yaml:"device_tree,omitempty"`
	Devices    []DeviceConfig `yaml:"devices"`
}

// RAMConfig is the guest physical RAM window.
type RAMConfig struct {
	Base uint64 `yaml:"base"`
	Size uint64 `yaml:"size"`
}

// DeviceConfig is one device-tree node.
type DeviceConfig struct {
	Name       string            `yaml:"name"`
	Compatible []string          `yaml:"compatible"`
	Reg        []uint64          `yaml:"reg"`
	Interrupts []uint32          `yaml:"interrupts,omitempty"`
	Properties map[string]string `yaml:"properties,omitempty"`
}

const (
	DriverIMX   = "imx"
	DriverPL011 = "pl011"
)

// Parse decodes and validates a board description. Unknown fields are
// rejected.
func Parse(data []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing board: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads a board description from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading board file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.dir = filepath.Dir(path)
	return cfg, nil
}

// Validate checks the description for structural errors. Device region
// conflicts are left to probe, which reports them per device.
func (c *Config) Validate() error {
	uarts := make(map[string]bool)
	for i, u := range c.Host.UARTs {
		if u.Name == "" {
			return fmt.Errorf("host.uarts[%d]: missing name", i)
		}
		if uarts[u.Name] {
			return fmt.Errorf("host.uarts[%d]: duplicate name %q", i, u.Name)
		}
		uarts[u.Name] = true
		switch u.Driver {
		case DriverIMX, DriverPL011:
		default:
			return fmt.Errorf("host.uarts[%d]: unknown driver %q", i, u.Driver)
		}
	}

	keypads := make(map[string]bool)
	for i, k := range c.Host.Keypads {
		if k.Name == "" {
			return fmt.Errorf("host.keypads[%d]: missing name", i)
		}
		if keypads[k.Name] {
			return fmt.Errorf("host.keypads[%d]: duplicate name %q", i, k.Name)
		}
		keypads[k.Name] = true
		if _, err := busType(k.Bus); err != nil {
			return fmt.Errorf("host.keypads[%d]: %w", i, err)
		}
	}

	ids := make(map[uint32]bool)
	for i, g := range c.Guests {
		if g.ID == 0 {
			return fmt.Errorf("guests[%d]: id must be non-zero", i)
		}
		if ids[g.ID] {
			return fmt.Errorf("guests[%d]: duplicate id %d", i, g.ID)
		}
		ids[g.ID] = true
		if g.RAM.Size == 0 {
			return fmt.Errorf("guests[%d]: ram size must be non-zero", i)
		}

		names := make(map[string]bool)
		for j, d := range g.Devices {
			if d.Name == "" {
				return fmt.Errorf("guests[%d].devices[%d]: missing name", i, j)
			}
			if names[d.Name] {
				return fmt.Errorf("guests[%d].devices[%d]: duplicate name %q", i, j, d.Name)
			}
			names[d.Name] = true
			if len(d.Compatible) == 0 {
				return fmt.Errorf("guests[%d].devices[%d]: missing compatible", i, j)
			}
			if len(d.Reg) != 0 && len(d.Reg) != 2 {
				return fmt.Errorf("guests[%d].devices[%d]: reg must be <base size>", i, j)
			}
		}
	}
	return nil
}

func (c *Config) path(name string) string {
	if filepath.IsAbs(name) || c.dir == "" {
		return name
	}
	return filepath.Join(c.dir, name)
}
