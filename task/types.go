// Package task holds the execution data model (ExecutionProposal,
// ExecutionTask, ExecutionTasksSummary) and TaskManager, the component that
// owns the task set for one execution and its concurrency bookkeeping (§3, §4.2).
/*
 * Copyright (c) 2024, smtwilio. All rights reserved.
 */
package task

import (
	"fmt"

	"github.com/smtwilio/cruise-control/cluster"
	"github.com/smtwilio/cruise-control/cmn"
)

// ExecutionProposal is one upstream-optimizer proposal: a desired post-move
// state for one partition. Immutable once constructed.
type ExecutionProposal struct {
	TopicPartition cluster.TopicPartition
	OldReplicas    []int32
	NewReplicas    []int32
	OldLeader      int32
	NewLeader      int32
	DataToMoveMB   int64
}

func sameReplicas(a, b []int32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// CompletedSuccessfully reports whether currentReplicas equals NewReplicas
// as ordered sequences.
func (p *ExecutionProposal) CompletedSuccessfully(currentReplicas []int32) bool {
	return sameReplicas(currentReplicas, p.NewReplicas)
}

// Aborted reports whether currentReplicas equals OldReplicas as ordered
// sequences (i.e. the move was rolled back, by the control plane's own
// doing - this engine never rolls back itself).
func (p *ExecutionProposal) Aborted(currentReplicas []int32) bool {
	return sameReplicas(currentReplicas, p.OldReplicas)
}

// replicaSetChanges reports whether the proposal's replica list actually
// changes (as opposed to a leader-only move).
func (p *ExecutionProposal) replicaSetChanges() bool {
	return !sameReplicas(p.OldReplicas, p.NewReplicas)
}

// leaderOnlyChanges reports whether the proposal is purely a leadership
// change: the replica set stays the same but the leader differs.
func (p *ExecutionProposal) leaderOnlyChanges() bool {
	return !p.replicaSetChanges() && p.OldLeader != p.NewLeader
}

// Type tags which kind of move a task performs.
type Type uint8

const (
	ReplicaAction Type = iota
	LeaderAction
)

func (t Type) String() string {
	switch t {
	case ReplicaAction:
		return "REPLICA_ACTION"
	case LeaderAction:
		return "LEADER_ACTION"
	default:
		return "UNKNOWN_ACTION"
	}
}

// State is the ExecutionTask lifecycle state (§3). Terminal states are
// Completed, Aborted and Dead; a task never leaves a terminal state.
type State uint8

const (
	Pending State = iota
	InProgress
	Aborting
	Aborted
	Dead
	Completed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case InProgress:
		return "IN_PROGRESS"
	case Aborting:
		return "ABORTING"
	case Aborted:
		return "ABORTED"
	case Dead:
		return "DEAD"
	case Completed:
		return "COMPLETED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether s is one of the three terminal states.
func (s State) Terminal() bool {
	return s == Aborted || s == Dead || s == Completed
}

// legalNext enumerates the transition table of §3. It is the single source
// of truth consulted by Task.transitionTo, so "a task never leaves a
// terminal state" (invariant 4/I4) is enforced in one place.
var legalNext = map[State]map[State]bool{
	Pending:    {InProgress: true, Dead: true},
	InProgress: {Completed: true, Aborting: true, Dead: true},
	Aborting:   {Aborted: true, Dead: true},
	Aborted:    {},
	Dead:       {},
	Completed:  {},
}

// Task is the Executor's unit of work for one proposal and one action type
// (§3). Its identity is derived from (TopicPartition, Type), so
// re-submitting the same proposal twice addresses the same Task.
type Task struct {
	id        string
	Type      Type
	Proposal  *ExecutionProposal
	state     State
	startTime int64 // ms since epoch, set on PENDING -> IN_PROGRESS
}

// NewTask constructs a PENDING task with a stable identity.
func NewTask(p *ExecutionProposal, t Type) *Task {
	return &Task{
		id:       cmn.StableID(p.TopicPartition.String(), t.String()),
		Type:     t,
		Proposal: p,
		state:    Pending,
	}
}

func (t *Task) ID() string       { return t.id }
func (t *Task) State() State     { return t.state }
func (t *Task) StartTime() int64 { return t.startTime }

// transitionTo moves the task to next if the transition is legal, stamping
// startTime on PENDING -> IN_PROGRESS. Returns an error naming the illegal
// transition otherwise - this is the "programming error" case §4.4 calls out
// for completion predicates invoked against a task in the wrong state.
func (t *Task) transitionTo(next State, nowMs int64) error {
	if t.state == next {
		return nil // idempotent re-application, e.g. re-marking IN_PROGRESS
	}
	allowed := legalNext[t.state]
	if allowed == nil || !allowed[next] {
		return fmt.Errorf("task %s: illegal transition %s -> %s", t.id, t.state, next)
	}
	t.state = next
	if next == InProgress && t.startTime == 0 {
		t.startTime = nowMs
	}
	return nil
}

func (t *Task) String() string {
	return fmt.Sprintf("task[%s %s %s]", t.Type, t.Proposal.TopicPartition, t.state)
}

// Summary is the read model over a task set (§3 ExecutionTasksSummary).
type Summary struct {
	CountsByState map[State]int

	RemainingReplicaMovements []*Task
	RemainingLeaderMovements  []*Task
	InExecutionTasks          []*Task
	InProgressTasks           []*Task
	AbortingCount             int
	AbortedTasks              []*Task
	DeadTasks                 []*Task

	RemainingDataToMoveMB   int64
	InExecutionDataToMoveMB int64
}
