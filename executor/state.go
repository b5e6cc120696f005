// Package executor implements the top-level lifecycle/state-machine driver
// (§4.1), the history retainer (§4.5) and the ExecutorState snapshot (§4.6).
/*
 * Copyright (c) 2024, smtwilio. All rights reserved.
 */
package executor

import (
	"github.com/google/uuid"

	"github.com/smtwilio/cruise-control/task"
)

// Phase is one of the five lifecycle states of §3/§4.6.
type Phase string

const (
	NoTaskInProgress          Phase = "NO_TASK_IN_PROGRESS"
	StartingExecution         Phase = "STARTING_EXECUTION"
	ReplicaMovementInProgress Phase = "REPLICA_MOVEMENT_TASK_IN_PROGRESS"
	LeaderMovementInProgress  Phase = "LEADER_MOVEMENT_TASK_IN_PROGRESS"
	StoppingExecution         Phase = "STOPPING_EXECUTION"
)

// State is the immutable, observer-visible snapshot of what the Executor is
// doing right now (§4.6). Every numeric field is captured by value at
// construction time, never read by reference, so concurrent observers always
// see a consistent point-in-time view (§3 invariant on ExecutorState, §5).
type State struct {
	Phase Phase

	FinishedPartitionMovements int
	FinishedLeaderMovements    int
	FinishedDataMovedMB        int64

	PartitionMovementConcurrency int
	LeadershipMovementConcurrency int

	ExecutionID uuid.UUID

	RecentlyDemotedBrokers []int32
	RecentlyRemovedBrokers []int32

	Summary *task.Summary
}

// snapshotArgs bundles the fields every factory below needs, so each factory
// is a one-line call instead of repeating the same nine positional params.
type snapshotArgs struct {
	finishedPartitions int
	finishedLeaders    int
	finishedDataMB     int64
	partitionCap       int
	leaderCap          int
	execID             uuid.UUID
	demoted            []int32
	removed            []int32
	summary            *task.Summary
}

func newState(phase Phase, a snapshotArgs) *State {
	return &State{
		Phase:                         phase,
		FinishedPartitionMovements:    a.finishedPartitions,
		FinishedLeaderMovements:       a.finishedLeaders,
		FinishedDataMovedMB:           a.finishedDataMB,
		PartitionMovementConcurrency:  a.partitionCap,
		LeadershipMovementConcurrency: a.leaderCap,
		ExecutionID:                   a.execID,
		RecentlyDemotedBrokers:        append([]int32(nil), a.demoted...),
		RecentlyRemovedBrokers:        append([]int32(nil), a.removed...),
		Summary:                       a.summary,
	}
}

func newNoTaskInProgress(a snapshotArgs) *State {
	return newState(NoTaskInProgress, a)
}

func newStartingExecution(a snapshotArgs) *State {
	return newState(StartingExecution, a)
}

func newReplicaMovementInProgress(a snapshotArgs) *State {
	return newState(ReplicaMovementInProgress, a)
}

func newLeaderMovementInProgress(a snapshotArgs) *State {
	return newState(LeaderMovementInProgress, a)
}

func newStoppingExecution(a snapshotArgs) *State {
	return newState(StoppingExecution, a)
}
