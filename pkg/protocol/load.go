package protocol

import (
	"bytes"
	"fmt"
	"os"

	"github.com/turtacn/Vigil/pkg/consts"
	"github.com/turtacn/Vigil/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Load reads and validates the YAML configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New(errors.ErrCodeConfigInvalid, "LoadConfig", "reading "+path, err)
	}
	return Parse(data)
}

// Parse decodes YAML, rejecting unknown fields, then applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, errors.New(errors.ErrCodeConfigInvalid, "ParseConfig", "decoding yaml", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills zero values with platform defaults.
func (c *Config) ApplyDefaults() {
	if c.Platform.DriverMode == "" {
		c.Platform.DriverMode = string(consts.ModeMission)
	}
	if c.Platform.MaxDevices <= 0 {
		c.Platform.MaxDevices = consts.DefaultMaxDevices
	}
	if c.Platform.MaxChipsPerGroup <= 0 {
		c.Platform.MaxChipsPerGroup = consts.DefaultMaxChipsPerGroup
	}
	if c.Platform.QueueDepth <= 0 {
		c.Platform.QueueDepth = consts.DefaultQueueDepth
	}
	if c.Platform.MaxRecoveryAttempts <= 0 {
		c.Platform.MaxRecoveryAttempts = consts.DefaultMaxRecoveryAttempts
	}
	if c.Platform.Transport == "" {
		c.Platform.Transport = "sim"
	}
	if c.Control.SocketPath == "" {
		c.Control.SocketPath = consts.DefaultControlSocket
	}
	if c.Dump.Dir == "" {
		c.Dump.Dir = consts.DefaultDumpDir
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return errors.New(errors.ErrCodeConfigInvalid, "ValidateConfig", fmt.Sprintf(format, args...), nil)
	}

	if !consts.DriverMode(c.Platform.DriverMode).Valid() {
		return invalid("unknown driver mode %q", c.Platform.DriverMode)
	}
	if len(c.Devices) > c.Platform.MaxDevices {
		return invalid("%d devices configured, max_devices is %d", len(c.Devices), c.Platform.MaxDevices)
	}

	names := make(map[string]bool, len(c.Devices))
	addrs := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		if d.Name == "" {
			return invalid("device %d has no name", i)
		}
		if names[d.Name] {
			return invalid("duplicate device name %q", d.Name)
		}
		names[d.Name] = true
		if d.BusAddress != "" {
			if addrs[d.BusAddress] {
				return invalid("duplicate bus address %q", d.BusAddress)
			}
			addrs[d.BusAddress] = true
		}
	}
	for _, d := range c.Devices {
		if d.DependsOn == "" {
			continue
		}
		if d.DependsOn == d.Name || !names[d.DependsOn] {
			return invalid("device %q depends on unknown device %q", d.Name, d.DependsOn)
		}
	}

	groupIDs := make(map[int]bool, len(c.Groups))
	grouped := make(map[string]int)
	for _, g := range c.Groups {
		if groupIDs[g.ID] {
			return invalid("duplicate group id %d", g.ID)
		}
		groupIDs[g.ID] = true
		max := g.MaxChips
		if max <= 0 {
			max = c.Platform.MaxChipsPerGroup
		}
		if len(g.Members) > max {
			return invalid("group %d has %d members, max is %d", g.ID, len(g.Members), max)
		}
		for _, m := range g.Members {
			if !names[m.Device] {
				return invalid("group %d references unknown device %q", g.ID, m.Device)
			}
			if other, ok := grouped[m.Device]; ok {
				return invalid("device %q is in groups %d and %d", m.Device, other, g.ID)
			}
			grouped[m.Device] = g.ID
		}
	}
	return nil
}

// Personal.AI order the ending
