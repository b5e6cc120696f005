package task

import (
	"sync"
	"time"

	"github.com/smtwilio/cruise-control/cluster"
	"github.com/smtwilio/cruise-control/cmn"
)

// Manager owns the full set of tasks for one execution: it tracks
// per-broker in-flight counts, issues the next batch under concurrency
// caps, and transitions task states (§4.2). A Manager instance is
// "worker-owned" for the duration of one execution, per §5 - the Executor
// hands it to the execution-loop goroutine at executeProposals time and
// takes it back (by calling Clear) when the loop exits.
type Manager struct {
	mu sync.Mutex

	tasks []*Task
	byID  map[string]*Task

	skipCapBrokers map[int32]struct{}

	defaultPartitionCap int
	defaultLeaderCap    int
	requestedPartCap    *int
	requestedLeadCap    *int

	strategy Strategy
}

// NewManager constructs an empty Manager using cfg's default concurrency
// caps and replica-movement strategy.
func NewManager(cfg *cmn.Config) *Manager {
	strategyName := ""
	if len(cfg.ReplicaMovementStrategies) > 0 {
		strategyName = cfg.ReplicaMovementStrategies[0]
	}
	return &Manager{
		byID:                make(map[string]*Task),
		skipCapBrokers:      make(map[int32]struct{}),
		defaultPartitionCap: cfg.PartitionMovementConcurrencyPerBroker,
		defaultLeaderCap:    cfg.LeadershipMovementConcurrency,
		strategy:            StrategyByName(strategyName),
	}
}

func nowMs() int64 { return time.Now().UnixMilli() }

// AddExecutionProposals converts each proposal into one REPLICA_ACTION task
// (if the replica set changes) and/or one LEADER_ACTION task (if only the
// leader changes and the new leader is already in the ISR - §4.2). brokers
// in skipCap are recorded as the skip-cap set for later batch selection.
func (m *Manager) AddExecutionProposals(proposals []*ExecutionProposal, skipCap map[int32]struct{}, view cluster.View) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for b := range skipCap {
		m.skipCapBrokers[b] = struct{}{}
	}

	for _, p := range proposals {
		if p.replicaSetChanges() {
			m.addTask(NewTask(p, ReplicaAction))
		}
		if p.leaderOnlyChanges() {
			if part, ok := view.Partition(p.TopicPartition); ok && part.InISR(p.NewLeader) {
				m.addTask(NewTask(p, LeaderAction))
			}
		}
	}
}

// addTask inserts t unless a task with the same identity is already tracked
// (idempotent re-submission, invariant I9).
func (m *Manager) addTask(t *Task) {
	if _, exists := m.byID[t.id]; exists {
		return
	}
	m.byID[t.id] = t
	m.tasks = append(m.tasks, t)
}

// partitionCap returns the currently-effective per-broker replica movement
// concurrency cap.
func (m *Manager) partitionCap() int {
	if m.requestedPartCap != nil {
		return *m.requestedPartCap
	}
	return m.defaultPartitionCap
}

// leaderCap returns the currently-effective global leadership movement
// concurrency cap.
func (m *Manager) leaderCap() int {
	if m.requestedLeadCap != nil {
		return *m.requestedLeadCap
	}
	return m.defaultLeaderCap
}

// PartitionMovementCap returns the currently-effective per-broker replica
// movement concurrency cap (config default, or the override applied via
// SetRequestedPartitionMovementConcurrency), for reporting in ExecutorState.
func (m *Manager) PartitionMovementCap() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.partitionCap()
}

// LeadershipMovementCap returns the currently-effective global leadership
// movement concurrency cap, for reporting in ExecutorState.
func (m *Manager) LeadershipMovementCap() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leaderCap()
}

// SetRequestedPartitionMovementConcurrency overrides the per-broker replica
// cap starting at the next batch selection; nil restores the config default.
func (m *Manager) SetRequestedPartitionMovementConcurrency(n *int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestedPartCap = n
}

// SetRequestedLeadershipMovementConcurrency overrides the global leader
// movement cap starting at the next batch selection; nil restores the
// config default.
func (m *Manager) SetRequestedLeadershipMovementConcurrency(n *int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestedLeadCap = n
}

// brokersTouchedBy returns the (old ∪ new replica) broker set of a REPLICA_ACTION
// task, with skip-cap brokers removed.
func (m *Manager) brokersTouchedBy(t *Task) map[int32]struct{} {
	out := make(map[int32]struct{})
	for _, b := range t.Proposal.OldReplicas {
		if _, skip := m.skipCapBrokers[b]; !skip {
			out[b] = struct{}{}
		}
	}
	for _, b := range t.Proposal.NewReplicas {
		if _, skip := m.skipCapBrokers[b]; !skip {
			out[b] = struct{}{}
		}
	}
	return out
}

// GetReplicaMovementTasks selects the next batch of PENDING REPLICA_ACTION
// tasks: the strategy orders all pending tasks, then the batch is the
// largest PREFIX of that ordering whose per-broker in-flight counts
// (IN_PROGRESS + ABORTING, current plus candidate, skip-cap brokers
// excluded) stay within partitionCap (§4.2, invariant I2).
func (m *Manager) GetReplicaMovementTasks() []*Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	capLimit := m.partitionCap()
	counts := make(map[int32]int)
	for _, t := range m.tasks {
		if t.Type != ReplicaAction {
			continue
		}
		if t.state != InProgress && t.state != Aborting {
			continue
		}
		for b := range m.brokersTouchedBy(t) {
			counts[b]++
		}
	}

	var pending []*Task
	for _, t := range m.tasks {
		if t.Type == ReplicaAction && t.state == Pending {
			pending = append(pending, t)
		}
	}
	ordered := m.strategy(pending)

	var batch []*Task
	for _, t := range ordered {
		touched := m.brokersTouchedBy(t)
		fits := true
		for b := range touched {
			if counts[b]+1 > capLimit {
				fits = false
				break
			}
		}
		if !fits {
			break
		}
		for b := range touched {
			counts[b]++
		}
		batch = append(batch, t)
	}
	return batch
}

// GetLeadershipMovementTasks selects up to leaderCap PENDING LEADER_ACTION
// tasks, in proposal order (invariant I3).
func (m *Manager) GetLeadershipMovementTasks() []*Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	capLimit := m.leaderCap()
	inProgress := 0
	for _, t := range m.tasks {
		if t.Type == LeaderAction && t.state == InProgress {
			inProgress++
		}
	}

	var batch []*Task
	for _, t := range m.tasks {
		if len(batch) >= capLimit-inProgress {
			break
		}
		if t.Type == LeaderAction && t.state == Pending {
			batch = append(batch, t)
		}
	}
	return batch
}

// MarkTasksInProgress transitions PENDING -> IN_PROGRESS and stamps startTime.
func (m *Manager) MarkTasksInProgress(tasks []*Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := nowMs()
	for _, t := range tasks {
		if err := t.transitionTo(InProgress, now); err != nil {
			return err
		}
	}
	return nil
}

// MarkTaskDone transitions IN_PROGRESS -> COMPLETED or ABORTING -> ABORTED;
// a DEAD task stays DEAD.
func (m *Manager) MarkTaskDone(t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.state == Dead {
		return nil
	}
	next := Completed
	if t.state == Aborting {
		next = Aborted
	}
	return t.transitionTo(next, nowMs())
}

// MarkTaskAborting transitions IN_PROGRESS -> ABORTING.
func (m *Manager) MarkTaskAborting(t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return t.transitionTo(Aborting, nowMs())
}

// MarkTaskDead transitions any non-terminal state to DEAD.
func (m *Manager) MarkTaskDead(t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.state.Terminal() {
		return nil
	}
	return t.transitionTo(Dead, nowMs())
}

// InExecutionTasks returns all IN_PROGRESS or ABORTING tasks, optionally
// filtered to a single type.
func (m *Manager) InExecutionTasks(types ...Type) []*Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filter(func(t *Task) bool {
		if t.state != InProgress && t.state != Aborting {
			return false
		}
		return matchesType(t, types)
	})
}

// InProgressTasks returns all IN_PROGRESS tasks, optionally filtered by type.
func (m *Manager) InProgressTasks(types ...Type) []*Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filter(func(t *Task) bool {
		return t.state == InProgress && matchesType(t, types)
	})
}

// RemainingReplicaMovements returns PENDING REPLICA_ACTION tasks.
func (m *Manager) RemainingReplicaMovements() []*Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filter(func(t *Task) bool { return t.state == Pending && t.Type == ReplicaAction })
}

// RemainingLeaderMovements returns PENDING LEADER_ACTION tasks.
func (m *Manager) RemainingLeaderMovements() []*Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filter(func(t *Task) bool { return t.state == Pending && t.Type == LeaderAction })
}

func matchesType(t *Task, types []Type) bool {
	if len(types) == 0 {
		return true
	}
	for _, want := range types {
		if t.Type == want {
			return true
		}
	}
	return false
}

// filter must be called with m.mu held.
func (m *Manager) filter(pred func(*Task) bool) []*Task {
	var out []*Task
	for _, t := range m.tasks {
		if pred(t) {
			out = append(out, t)
		}
	}
	return out
}

// GetExecutionTasksSummary builds the read model of §3.
func (m *Manager) GetExecutionTasksSummary() *Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := &Summary{CountsByState: make(map[State]int)}
	for _, t := range m.tasks {
		s.CountsByState[t.state]++
		switch {
		case t.state == Pending && t.Type == ReplicaAction:
			s.RemainingReplicaMovements = append(s.RemainingReplicaMovements, t)
			s.RemainingDataToMoveMB += t.Proposal.DataToMoveMB
		case t.state == Pending && t.Type == LeaderAction:
			s.RemainingLeaderMovements = append(s.RemainingLeaderMovements, t)
		}
		if t.state == InProgress || t.state == Aborting {
			s.InExecutionTasks = append(s.InExecutionTasks, t)
			if t.Type == ReplicaAction {
				s.InExecutionDataToMoveMB += t.Proposal.DataToMoveMB
			}
		}
		if t.state == InProgress {
			s.InProgressTasks = append(s.InProgressTasks, t)
		}
		if t.state == Aborting {
			s.AbortingCount++
		}
		if t.state == Aborted {
			s.AbortedTasks = append(s.AbortedTasks, t)
		}
		if t.state == Dead {
			s.DeadTasks = append(s.DeadTasks, t)
		}
	}
	return s
}

// Clear drops all tasks and resets bookkeeping, returning the Manager to the
// Executor's monitoring view (§5: the worker's ownership of the Manager ends
// here).
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = nil
	m.byID = make(map[string]*Task)
	m.skipCapBrokers = make(map[int32]struct{})
	m.requestedPartCap = nil
	m.requestedLeadCap = nil
}
