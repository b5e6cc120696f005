// Package cluster provides a thin, read-only snapshot of cluster membership,
// partitions, replica sets, leaders and in-sync-replica sets. It is refreshed
// on demand and never mutated by the execution engine.
/*
 * Copyright (c) 2024, smtwilio. All rights reserved.
 */
package cluster

import "fmt"

// TopicPartition identifies one partition of one topic.
type TopicPartition struct {
	Topic     string
	Partition int32
}

func (tp TopicPartition) String() string {
	return fmt.Sprintf("%s-%d", tp.Topic, tp.Partition)
}

// Partition is a read-only view of one partition's current state.
type Partition struct {
	TopicPartition TopicPartition
	Replicas       []int32 // ordered replica list
	ISR            map[int32]struct{}
	Leader         int32 // -1 means "no leader" / unknown
}

// NoLeader is the sentinel leader id meaning "the partition currently has no
// leader", used by the LEADER_ACTION completion predicate (§4.4).
const NoLeader int32 = -1

// InISR reports whether broker is a member of the partition's ISR.
func (p *Partition) InISR(broker int32) bool {
	_, ok := p.ISR[broker]
	return ok
}

// View is the read-only capability the execution engine needs from cluster
// metadata (§6 "ClusterView").
type View interface {
	// Refresh fetches a new snapshot from the cluster.
	Refresh() error
	// Partition returns the current state of tp, or ok=false if the
	// partition (or its topic) is not present - e.g. the topic was deleted.
	Partition(tp TopicPartition) (p *Partition, ok bool)
	// NodeByID reports whether a broker id is a known, live cluster member.
	NodeByID(id int32) (ok bool)
}

// StaticView is a simple in-memory View, useful both as a lightweight
// production fallback (e.g. fed by a sidecar) and as the backbone of test
// fakes: Refresh is a no-op and state is mutated directly by the caller.
type StaticView struct {
	Partitions map[TopicPartition]*Partition
	Nodes      map[int32]struct{}
}

// NewStaticView returns an empty StaticView ready for population.
func NewStaticView() *StaticView {
	return &StaticView{
		Partitions: make(map[TopicPartition]*Partition),
		Nodes:      make(map[int32]struct{}),
	}
}

func (v *StaticView) Refresh() error { return nil }

func (v *StaticView) Partition(tp TopicPartition) (*Partition, bool) {
	p, ok := v.Partitions[tp]
	return p, ok
}

func (v *StaticView) NodeByID(id int32) bool {
	_, ok := v.Nodes[id]
	return ok
}
