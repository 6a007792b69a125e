// Copyright 2024 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

// Package runtimeconfig implements the engine's configuration file
// parsing and validation: a raw YAML document is unmarshalled, then
// defaults are injected and the result validated before the caller ever
// sees it.
package runtimeconfig

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// BackendKind enumerates the supported StorePartition backends. Unknown
// values are rejected at construction rather than silently falling back.
type BackendKind string

const (
	// BackendDisk selects the durable, badger-backed StorePartition.
	BackendDisk BackendKind = "disk"
	// BackendMemory selects the volatile, in-process StorePartition.
	BackendMemory BackendKind = "memory"
)

// StoreConfig describes one store registration.
type StoreConfig struct {
	Name     string      `yaml:"name"`
	Topic    string      `yaml:"topic"`
	Windowed bool        `yaml:"windowed"`
	Backend  BackendKind `yaml:"backend"`
}

// RecoveryConfig tunes the changelog/recovery subsystem.
type RecoveryConfig struct {
	// ChangelogTopicPrefix names the compacted topic recovery reads from
	// and the changelog producer writes to, before group_id/store_name
	// suffixing.
	ChangelogTopicPrefix string `yaml:"changelog_topic_prefix"`
}

// Config is the top-level engine configuration file.
type Config struct {
	GroupID  string         `yaml:"group_id"`
	StateDir string         `yaml:"state_dir"`
	Badger   string         `yaml:"badger"`
	LogLevel string         `yaml:"log_level"`
	Stores   []StoreConfig  `yaml:"stores"`
	Recovery RecoveryConfig `yaml:"recovery"`

	// WindowCacheSize is the hot-window LRU size for windowed stores. A
	// value of 0 is replaced by the default (4096) during parsing. No
	// package in this module reads it; windowed aggregates take their
	// cache size as a WindowedAggregate argument.
	WindowCacheSize int `yaml:"window_cache_size"`

	// ShutdownTimeoutMS is parsed and defaulted (30000) but not read by
	// any package in this module: Manager.Close does not bound how long
	// it waits, and sources take their stop timeout from their
	// constructors (the CLI passes --shutdown-grace-period).
	ShutdownTimeoutMS int `yaml:"shutdown_timeout_ms"`
}

const (
	defaultLogLevel          = "info"
	defaultWindowCacheSize   = 4096
	defaultShutdownTimeoutMS = 30000
	defaultChangelogPrefix   = "changelog"
)

// Parse unmarshals raw YAML, injects defaults, and validates the result.
func Parse(raw []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := c.validateAndInjectDefaults(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) validateAndInjectDefaults() error {
	if c.GroupID == "" {
		return fmt.Errorf("group_id is required")
	}
	if c.StateDir == "" {
		return fmt.Errorf("state_dir is required")
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	if c.WindowCacheSize == 0 {
		c.WindowCacheSize = defaultWindowCacheSize
	}
	if c.ShutdownTimeoutMS == 0 {
		c.ShutdownTimeoutMS = defaultShutdownTimeoutMS
	}
	if c.Recovery.ChangelogTopicPrefix == "" {
		c.Recovery.ChangelogTopicPrefix = defaultChangelogPrefix
	}

	seen := map[string]bool{}
	for i := range c.Stores {
		s := &c.Stores[i]
		if s.Name == "" {
			return fmt.Errorf("stores[%d]: name is required", i)
		}
		key := s.Topic + "/" + s.Name
		if seen[key] {
			return fmt.Errorf("stores[%d]: duplicate store %q on topic %q", i, s.Name, s.Topic)
		}
		seen[key] = true
		switch s.Backend {
		case "":
			s.Backend = BackendDisk
		case BackendDisk, BackendMemory:
		default:
			return fmt.Errorf("stores[%d]: unknown backend %q", i, s.Backend)
		}
	}
	return nil
}

// ChangelogTopic returns the deterministic changelog topic name for a
// store, named from (group_id, store_name, source_topic) as the engine's
// changelog contract requires.
func (c *Config) ChangelogTopic(storeName, sourceTopic string) string {
	return fmt.Sprintf("%s__%s--%s--%s", c.Recovery.ChangelogTopicPrefix, c.GroupID, sourceTopic, storeName)
}
