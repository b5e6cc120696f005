// Package stats registers, tracks and exposes the observable gauges named in
// §6: execution-stopped, execution-stopped-by-user,
// execution-started-kafka_assigner, execution-started-non-kafka_assigner.
/*
 * Copyright (c) 2024, smtwilio. All rights reserved.
 */
package stats

import "github.com/rcrowley/go-metrics"

const (
	ExecutionStopped                 = "execution-stopped"
	ExecutionStoppedByUser           = "execution-stopped-by-user"
	ExecutionStartedKafkaAssigner    = "execution-started-kafka_assigner"
	ExecutionStartedNonKafkaAssigner = "execution-started-non-kafka_assigner"
)

// Registry wraps a go-metrics registry with typed accessors for the four
// counters the execution engine reports.
type Registry struct {
	r metrics.Registry
}

// NewRegistry builds a Registry with all four counters pre-registered at
// zero, so observers never see a missing metric.
func NewRegistry() *Registry {
	reg := &Registry{r: metrics.NewRegistry()}
	for _, name := range []string{
		ExecutionStopped,
		ExecutionStoppedByUser,
		ExecutionStartedKafkaAssigner,
		ExecutionStartedNonKafkaAssigner,
	} {
		metrics.GetOrRegisterCounter(name, reg.r)
	}
	return reg
}

func (s *Registry) counter(name string) metrics.Counter {
	return metrics.GetOrRegisterCounter(name, s.r)
}

// Inc increments the named counter by one.
func (s *Registry) Inc(name string) { s.counter(name).Inc(1) }

// Count returns the current value of the named counter.
func (s *Registry) Count(name string) int64 { return s.counter(name).Count() }

// Underlying exposes the go-metrics registry, e.g. for wiring into a
// metrics.WriteJSON reporter or a StatsD client.
func (s *Registry) Underlying() metrics.Registry { return s.r }
