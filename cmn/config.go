// Package cmn provides common low-level types and utilities shared by all
// packages of the rebalance execution engine.
/*
 * Copyright (c) 2024, smtwilio. All rights reserved.
 */
package cmn

import (
	"encoding/json"
	"os"
	"sync/atomic"
	"time"
)

// Config holds the process-wide configuration. Field names mirror the
// semantic configuration keys of the specification (zookeeper/control-plane
// address, concurrency caps, progress-check interval, replica-movement
// strategies, history retention).
type Config struct {
	ControlPlaneAddr string `json:"control_plane_addr"`

	PartitionMovementConcurrencyPerBroker int `json:"num_concurrent_partition_movements_per_broker"`
	LeadershipMovementConcurrency         int `json:"num_concurrent_leader_movements"`

	ExecutionProgressCheckIntervalMs int64 `json:"execution_progress_check_interval_ms"`

	ReplicaMovementStrategies []string `json:"replica_movement_strategies"`

	DemotionHistoryRetentionMs int64 `json:"demotion_history_retention_ms"`
	RemovalHistoryRetentionMs  int64 `json:"removal_history_retention_ms"`
}

// ProgressCheckInterval returns the configured progress-check interval as a
// time.Duration, falling back to a sane default when unset.
func (c *Config) ProgressCheckInterval() time.Duration {
	if c.ExecutionProgressCheckIntervalMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.ExecutionProgressCheckIntervalMs) * time.Millisecond
}

// DemotionHistoryRetention returns the configured demotion-history retention.
func (c *Config) DemotionHistoryRetention() time.Duration {
	if c.DemotionHistoryRetentionMs <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(c.DemotionHistoryRetentionMs) * time.Millisecond
}

// RemovalHistoryRetention returns the configured removal-history retention.
func (c *Config) RemovalHistoryRetention() time.Duration {
	if c.RemovalHistoryRetentionMs <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(c.RemovalHistoryRetentionMs) * time.Millisecond
}

// DefaultConfig returns a Config populated with default concurrency caps,
// progress-check interval, replica-movement strategy and history retentions.
func DefaultConfig() *Config {
	return &Config{
		PartitionMovementConcurrencyPerBroker: 5,
		LeadershipMovementConcurrency:         1000,
		ExecutionProgressCheckIntervalMs:      5000,
		ReplicaMovementStrategies:             []string{"proposal-order"},
		DemotionHistoryRetentionMs:            int64(15 * time.Minute / time.Millisecond),
		RemovalHistoryRetentionMs:             int64(15 * time.Minute / time.Millisecond),
	}
}

// LoadConfig reads a JSON config file, filling in defaults for anything left
// unset.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// globalConfigOwner is the singleton analogous to the teacher's cmn.GCO: a
// single atomically-published *Config that every package reads through
// GCO.Get(), never by holding a stale local copy.
type globalConfigOwner struct {
	ptr atomic.Pointer[Config]
}

func (g *globalConfigOwner) Get() *Config {
	c := g.ptr.Load()
	if c == nil {
		c = DefaultConfig()
		g.ptr.CompareAndSwap(nil, c)
		c = g.ptr.Load()
	}
	return c
}

func (g *globalConfigOwner) Put(c *Config) { g.ptr.Store(c) }

// GCO is the process-wide global config owner.
var GCO = &globalConfigOwner{}
