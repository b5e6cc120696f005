package task

import (
	"fmt"

	"github.com/smtwilio/cruise-control/cluster"
)

// LeaderActionTimeoutMs is the constant named in §6: a LEADER_ACTION task
// that has not completed within this many milliseconds of its startTime is
// marked DEAD.
const LeaderActionTimeoutMs int64 = 180_000

// IsDone evaluates the task-completion predicates of §4.4 against the
// partition's current state in the cluster view. ok reports whether the
// task should be considered finished; err is non-nil only for the
// "programming error" case of an unexpected task state.
func IsDone(t *Task, p *cluster.Partition) (ok bool, err error) {
	switch t.Type {
	case ReplicaAction:
		return replicaActionDone(t, p)
	case LeaderAction:
		return leaderActionDone(t, p)
	default:
		return false, fmt.Errorf("task %s: unknown task type", t.id)
	}
}

func replicaActionDone(t *Task, p *cluster.Partition) (bool, error) {
	switch t.state {
	case InProgress:
		return t.Proposal.CompletedSuccessfully(p.Replicas), nil
	case Aborting:
		return t.Proposal.Aborted(p.Replicas) || t.Proposal.CompletedSuccessfully(p.Replicas), nil
	case Dead:
		return true, nil
	default:
		return false, fmt.Errorf("task %s: IsDone called in state %s", t.id, t.state)
	}
}

func leaderActionDone(t *Task, p *cluster.Partition) (bool, error) {
	switch t.state {
	case InProgress:
		newLeader := t.Proposal.NewLeader
		if p.Leader == newLeader {
			return true, nil
		}
		if p.Leader == cluster.NoLeader {
			return true, nil
		}
		if !p.InISR(newLeader) {
			// the election can never succeed: give up rather than spin.
			return true, nil
		}
		return false, nil
	case Aborting, Dead:
		return true, nil
	default:
		return false, fmt.Errorf("task %s: IsDone called in state %s", t.id, t.state)
	}
}

// MaybeMarkDeadOrAborting applies §4.3 step 4's "otherwise" branch: a task
// that is not yet done may need to be declared DEAD because forward
// progress has become impossible. Returns true if the task's state changed.
func MaybeMarkDeadOrAborting(t *Task, p *cluster.Partition, view cluster.View, nowMs int64) (changed bool) {
	switch t.Type {
	case LeaderAction:
		if !view.NodeByID(t.Proposal.NewLeader) {
			_ = t.transitionTo(Dead, nowMs)
			return true
		}
		if t.startTime > 0 && nowMs-t.startTime > LeaderActionTimeoutMs {
			_ = t.transitionTo(Dead, nowMs)
			return true
		}
	case ReplicaAction:
		for _, b := range t.Proposal.NewReplicas {
			if !view.NodeByID(b) {
				_ = t.transitionTo(Dead, nowMs)
				return true
			}
		}
	}
	return false
}
