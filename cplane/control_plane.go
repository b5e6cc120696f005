// Package cplane defines the control-plane capability the execution engine
// needs to submit replica reassignments and preferred-leader elections, and
// to observe what the cluster itself currently has in flight (§6).
/*
 * Copyright (c) 2024, smtwilio. All rights reserved.
 */
package cplane

import (
	"context"
	"time"

	"github.com/smtwilio/cruise-control/cluster"
)

// ReplicaReassignmentTask is the minimal shape the control plane needs to
// submit a reassignment: which partition, and its desired new replica list.
type ReplicaReassignmentTask struct {
	TopicPartition cluster.TopicPartition
	NewReplicas    []int32
}

// LeaderElectionTask requests that a partition's current preferred
// (first-listed) replica become leader.
type LeaderElectionTask struct {
	TopicPartition cluster.TopicPartition
}

// ControlPlane is the set of capabilities §6 requires of any transport.
type ControlPlane interface {
	// SubmitReplicaReassignments atomically submits one "partition X should
	// become replica-list R" request per task.
	SubmitReplicaReassignments(ctx context.Context, tasks []ReplicaReassignmentTask) error
	// SubmitPreferredLeaderElection requests that each partition's first
	// replica become leader.
	SubmitPreferredLeaderElection(ctx context.Context, tasks []LeaderElectionTask) error
	// PartitionsBeingReassigned returns the set of partitions the control
	// plane currently knows to be undergoing reassignment.
	PartitionsBeingReassigned(ctx context.Context) (map[cluster.TopicPartition]struct{}, error)
	// OngoingLeaderElection returns the set of partitions currently
	// undergoing a leader election.
	OngoingLeaderElection(ctx context.Context) (map[cluster.TopicPartition]struct{}, error)
	// Close releases underlying transport resources, aborting after timeout.
	Close(timeout time.Duration) error
}
