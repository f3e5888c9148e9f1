// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config defines the flowmeter configuration. The config is
// decoded once at startup and handed to each component; nothing reads
// it after construction.
package config

import (
	"fmt"
	"net"
	"time"
)

// Config is the top-level flowmeter configuration.
type Config struct {
	// Message bus connection.
	Broker *Broker `hcl:"broker,block" json:"broker,omitempty"`

	// Base topic for per-device state messages.
	// @default: "traffic"
	BaseTopic string `hcl:"base_topic,optional" json:"base_topic,omitempty"`

	// Prefix under which retained discovery metadata is published.
	// @default: "homeassistant"
	DiscoveryPrefix string `hcl:"discovery_prefix,optional" json:"discovery_prefix,omitempty"`

	// Seconds between the two counter snapshots of a metering cycle.
	// @default: 5
	IntervalSeconds int `hcl:"interval_seconds,optional" json:"interval_seconds,omitempty"`

	// Seconds between rule synchronizer cycles.
	// @default: 60
	SyncSeconds int `hcl:"sync_seconds,optional" json:"sync_seconds,omitempty"`

	// Directory holding the baseline database. Expected to live on
	// volatile storage so baselines reset together with the kernel
	// counters on reboot.
	// @default: "/var/run/flowmeter"
	StateDir string `hcl:"state_dir,optional" json:"state_dir,omitempty"`

	// Path to the DHCP server's lease file.
	// @default: "/tmp/dhcp.leases"
	LeaseFile string `hcl:"lease_file,optional" json:"lease_file,omitempty"`

	// nftables table and chain owned by flowmeter.
	Table string `hcl:"table,optional" json:"table,omitempty"`
	Chain string `hcl:"chain,optional" json:"chain,omitempty"`

	// Log verbosity: debug, info, warn or error.
	// @default: "info"
	LogLevel string `hcl:"log_level,optional" json:"log_level,omitempty"`

	// Optional listen address for the Prometheus /metrics endpoint.
	// Empty disables the exporter.
	MetricsListen string `hcl:"metrics_listen,optional" json:"metrics_listen,omitempty"`
}

// Broker describes the MQTT connection.
type Broker struct {
	// Address in host or host:port form.
	Address  string `hcl:"address" json:"address"`
	Username string `hcl:"username,optional" json:"username,omitempty"`
	Password string `hcl:"password,optional" json:"password,omitempty"`
	// @default: 1883
	Port int `hcl:"port,optional" json:"port,omitempty"`
	// Client identifier presented to the broker.
	// @default: "flowmeter"
	ClientID string `hcl:"client_id,optional" json:"client_id,omitempty"`
}

// Default returns a config populated with defaults.
func Default() *Config {
	return &Config{
		BaseTopic:       "traffic",
		DiscoveryPrefix: "homeassistant",
		IntervalSeconds: 5,
		SyncSeconds:     60,
		StateDir:        "/var/run/flowmeter",
		LeaseFile:       "/tmp/dhcp.leases",
		Table:           "flowmeter",
		Chain:           "meter",
		LogLevel:        "info",
	}
}

// ApplyDefaults fills unset fields in place.
func (c *Config) ApplyDefaults() {
	d := Default()
	if c.BaseTopic == "" {
		c.BaseTopic = d.BaseTopic
	}
	if c.DiscoveryPrefix == "" {
		c.DiscoveryPrefix = d.DiscoveryPrefix
	}
	if c.IntervalSeconds <= 0 {
		c.IntervalSeconds = d.IntervalSeconds
	}
	if c.SyncSeconds <= 0 {
		c.SyncSeconds = d.SyncSeconds
	}
	if c.StateDir == "" {
		c.StateDir = d.StateDir
	}
	if c.LeaseFile == "" {
		c.LeaseFile = d.LeaseFile
	}
	if c.Table == "" {
		c.Table = d.Table
	}
	if c.Chain == "" {
		c.Chain = d.Chain
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.Broker != nil {
		if c.Broker.Port == 0 {
			c.Broker.Port = 1883
		}
		if c.Broker.ClientID == "" {
			c.Broker.ClientID = "flowmeter"
		}
	}
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	if c.Broker == nil || c.Broker.Address == "" {
		return fmt.Errorf("broker address is required")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	if c.IntervalSeconds < 1 {
		return fmt.Errorf("interval_seconds must be at least 1")
	}
	if c.SyncSeconds < 1 {
		return fmt.Errorf("sync_seconds must be at least 1")
	}
	if c.MetricsListen != "" {
		if _, _, err := net.SplitHostPort(c.MetricsListen); err != nil {
			return fmt.Errorf("invalid metrics_listen %q: %w", c.MetricsListen, err)
		}
	}
	return nil
}

// Interval returns the snapshot interval as a duration.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// SyncInterval returns the synchronizer cadence as a duration.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncSeconds) * time.Second
}

// BrokerHost returns the broker address without any port, for the
// self-publication exclusion check.
func (c *Config) BrokerHost() string {
	if c.Broker == nil {
		return ""
	}
	if host, _, err := net.SplitHostPort(c.Broker.Address); err == nil {
		return host
	}
	return c.Broker.Address
}
