package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/smtwilio/cruise-control/cluster"
	"github.com/smtwilio/cruise-control/cmn"
	"github.com/smtwilio/cruise-control/cplane"
	"github.com/smtwilio/cruise-control/loadmonitor"
	"github.com/smtwilio/cruise-control/stats"
	"github.com/smtwilio/cruise-control/task"
)

// metadataRefreshBackoff is the constant named in §6.
const metadataRefreshBackoff = 100 * time.Millisecond

// Executor is the top-level lifecycle and state-machine driver (§4.1): it
// accepts proposal batches, drives the replica phase then the leader phase
// to completion (or to a requested stop), and publishes an ExecutorState
// snapshot after every transition for external observers.
//
// At most one execution runs at a time per Executor instance (invariant I1).
// The execution loop is a single goroutine; the Executor-level mutex below
// serializes only the synchronous control surface (executeProposals,
// executeDemoteProposals, setExecutionMode, userTriggeredStopExecution,
// shutdown) - the loop itself runs outside that lock, per §5.
type Executor struct {
	mu sync.Mutex

	cplane cplane.ControlPlane
	view   cluster.View
	stats  *stats.Registry

	hasOngoingExecution atomic.Bool
	stopRequested       atomic.Bool
	assignerMode        atomic.Bool

	tm atomic.Pointer[task.Manager]

	statePtr atomic.Pointer[State]

	demotedHistory  *historyMap
	removedHistory  *historyMap
	historyRetainer *HistoryRetainer

	loopWG sync.WaitGroup

	// totalPartitionMovements/totalDataMB are written once in execute(),
	// before the worker goroutine is spawned, and only read by the worker
	// afterwards - the "go" statement's happens-before edge makes that safe
	// without an atomic.
	totalPartitionMovements int
	totalDataMB             int64

	// finishedPartitions/finishedDataMB/finishedLeaders/execID are written
	// by the worker goroutine as the execution progresses but read by
	// publishState from whichever goroutine calls it (the worker itself, or
	// an external caller of UserTriggeredStopExecution/Shutdown) - atomics
	// keep that cross-goroutine read/write race-free.
	finishedPartitions atomic.Int64
	finishedDataMB     atomic.Int64
	finishedLeaders    atomic.Int64
	execID             atomic.Pointer[uuid.UUID]
}

// New constructs an Executor around its required collaborators (§6) and
// starts the history retainer (§4.5).
func New(cp cplane.ControlPlane, view cluster.View, cfg *cmn.Config, reg *stats.Registry) *Executor {
	e := &Executor{
		cplane:         cp,
		view:           view,
		stats:          reg,
		demotedHistory: newHistoryMap(cfg.DemotionHistoryRetention()),
		removedHistory: newHistoryMap(cfg.RemovalHistoryRetention()),
	}
	e.execID.Store(&uuid.UUID{})
	e.statePtr.Store(newNoTaskInProgress(snapshotArgs{}))
	e.historyRetainer = newHistoryRetainer(e.demotedHistory, e.removedHistory)
	e.historyRetainer.Start()
	return e
}

// State returns the current ExecutorState snapshot.
func (e *Executor) State() *State { return e.statePtr.Load() }

// RecentlyDemotedBrokers returns the current demote-history key set.
func (e *Executor) RecentlyDemotedBrokers() []int32 { return e.demotedHistory.RecentIDs() }

// RecentlyRemovedBrokers returns the current remove-history key set.
func (e *Executor) RecentlyRemovedBrokers() []int32 { return e.removedHistory.RecentIDs() }

// SetExecutionMode records whether the execution was started in "assigner"
// mode, which decides which of the two execution-started counters (§6) is
// incremented.
func (e *Executor) SetExecutionMode(assigner bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.assignerMode.Store(assigner)
}

// SetRequestedPartitionMovementConcurrency applies at the next batch
// boundary of the in-flight execution, if any (§4.1).
func (e *Executor) SetRequestedPartitionMovementConcurrency(n *int) {
	if tm := e.tm.Load(); tm != nil {
		tm.SetRequestedPartitionMovementConcurrency(n)
	}
}

// SetRequestedLeadershipMovementConcurrency applies at the next batch
// boundary of the in-flight execution, if any (§4.1).
func (e *Executor) SetRequestedLeadershipMovementConcurrency(n *int) {
	if tm := e.tm.Load(); tm != nil {
		tm.SetRequestedLeadershipMovementConcurrency(n)
	}
}

// UserTriggeredStopExecution flips stopRequested at most once per execution
// (invariant I6) and, if it transitioned, increments the user-triggered-stop
// counter.
func (e *Executor) UserTriggeredStopExecution() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopRequested.CompareAndSwap(false, true) {
		e.stats.Inc(stats.ExecutionStopped)
		e.stats.Inc(stats.ExecutionStoppedByUser)
		e.publishState(StoppingExecution, e.tm.Load())
	}
}

// internalStop is the non-user auto-stop path (dead/aborted task detection,
// §4.3 step 4). It increments execution-stopped but not the by-user counter.
func (e *Executor) internalStop() {
	if e.stopRequested.CompareAndSwap(false, true) {
		e.stats.Inc(stats.ExecutionStopped)
		e.publishState(StoppingExecution, e.tm.Load())
	}
}

// Shutdown initiates clean teardown: it asks any in-flight execution to wind
// down, waits indefinitely for the execution loop to exit, then closes the
// control-plane client.
func (e *Executor) Shutdown() {
	e.mu.Lock()
	e.internalStop()
	e.mu.Unlock()

	e.loopWG.Wait()
	if err := e.cplane.Close(30 * time.Second); err != nil {
		glog.Errorf("executor: error closing control plane client: %v", err)
	}
	e.historyRetainer.Stop()
}

// ExecuteProposals starts an execution from a batch of replica/leader
// reassignment proposals (§4.1).
func (e *Executor) ExecuteProposals(
	proposals []*task.ExecutionProposal,
	unthrottledBrokers []int32,
	removedBrokers []int32,
	lm loadmonitor.LoadMonitor,
	partCap, leadCap *int,
	execID *uuid.UUID,
) error {
	skip := toSet(unthrottledBrokers)
	return e.execute(proposals, skip, removedBrokers, e.removedHistory, lm, partCap, leadCap, execID)
}

// ExecuteDemoteProposals starts a demotion execution: demoted brokers are
// recorded in the demote-history and are also treated as the unthrottled
// (skip-cap) set, since they are being drained anyway (§4.1).
func (e *Executor) ExecuteDemoteProposals(
	proposals []*task.ExecutionProposal,
	demotedBrokers []int32,
	lm loadmonitor.LoadMonitor,
	concurrentSwaps, leadCap *int,
	execID *uuid.UUID,
) error {
	skip := toSet(demotedBrokers)
	return e.execute(proposals, skip, demotedBrokers, e.demotedHistory, lm, concurrentSwaps, leadCap, execID)
}

func toSet(ids []int32) map[int32]struct{} {
	out := make(map[int32]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

func (e *Executor) execute(
	proposals []*task.ExecutionProposal,
	skipCap map[int32]struct{},
	historyBrokers []int32,
	history *historyMap,
	lm loadmonitor.LoadMonitor,
	partCap, leadCap *int,
	execID *uuid.UUID,
) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.hasOngoingExecution.CompareAndSwap(false, true) {
		return cmn.ErrBusy
	}
	if lm == nil {
		e.hasOngoingExecution.Store(false)
		return cmn.ErrInvalidArgument
	}

	cfg := cmn.GCO.Get()
	tm := task.NewManager(cfg)
	tm.AddExecutionProposals(proposals, skipCap, e.view)
	if partCap != nil {
		tm.SetRequestedPartitionMovementConcurrency(partCap)
	}
	if leadCap != nil {
		tm.SetRequestedLeadershipMovementConcurrency(leadCap)
	}

	// Guard (§4.1 step 1): reject if the control plane already has a
	// reassignment in flight that this execution did not itself submit.
	if reassigning, err := e.cplane.PartitionsBeingReassigned(context.Background()); err != nil {
		glog.Errorf("executor: failed to check in-flight reassignments: %v", err)
	} else if len(reassigning) > 0 {
		tm.Clear()
		e.hasOngoingExecution.Store(false)
		return cmn.ErrConcurrentReassignment
	}

	id := uuid.New()
	if execID != nil {
		id = *execID
	}
	e.execID.Store(&id)
	now := time.Now().UnixMilli()
	for _, b := range historyBrokers {
		history.Record(b, now)
	}

	summary := tm.GetExecutionTasksSummary()
	e.totalPartitionMovements = len(summary.RemainingReplicaMovements)
	e.totalDataMB = summary.RemainingDataToMoveMB
	e.finishedPartitions.Store(0)
	e.finishedDataMB.Store(0)
	e.finishedLeaders.Store(0)
	e.stopRequested.Store(false)
	e.tm.Store(tm)

	if e.assignerMode.Load() {
		e.stats.Inc(stats.ExecutionStartedKafkaAssigner)
	} else {
		e.stats.Inc(stats.ExecutionStartedNonKafkaAssigner)
	}

	e.publishState(StartingExecution, tm)

	e.loopWG.Add(1)
	go e.runLoop(tm, lm)
	return nil
}

// runLoop is the single execution-worker goroutine (§4.1, §5). Any
// unexpected failure is caught here, logged, and treated as terminal for the
// execution: the finally block (finishExecution) always runs.
func (e *Executor) runLoop(tm *task.Manager, lm loadmonitor.LoadMonitor) {
	defer e.finishExecution(tm, lm)
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("executor: execution loop recovered from panic: %v", r)
		}
	}()

	e.pauseSamplingWithRetry(lm)
	e.runReplicaPhase(tm)
	if !e.stopRequested.Load() {
		e.runLeaderPhase(tm)
	}
}

// pauseSamplingWithRetry pauses metric sampling, retrying indefinitely with
// a poll-interval backoff if the monitor is transiently not ready (§4.1
// step 2, §7 LoadMonitorNotReady).
func (e *Executor) pauseSamplingWithRetry(lm loadmonitor.LoadMonitor) {
	interval := cmn.GCO.Get().ProgressCheckInterval()
	for {
		err := lm.PauseMetricSampling("rebalance-execution")
		if err == nil {
			return
		}
		glog.Warningf("executor: load monitor not ready, retrying: %v", err)
		time.Sleep(interval)
	}
}

// finishExecution is the "finally" block of §4.1 step 5: resume sampling,
// clear the TaskManager, publish NO_TASK_IN_PROGRESS, and clear
// hasOngoingExecution/stopRequested/UUID. The progress counters are not
// reset here; execute() resets them when the next execution starts.
func (e *Executor) finishExecution(tm *task.Manager, lm loadmonitor.LoadMonitor) {
	lm.ResumeMetricSampling("rebalance-execution")
	tm.Clear()

	// Publish the final tally with the progress counters left as they are:
	// an observer polling state() after completion should see what the
	// execution finished, not a reset-to-zero snapshot (§4.6). The task
	// summary in this snapshot is empty, since the TaskManager was cleared
	// above.
	e.publishState(NoTaskInProgress, tm)
	e.tm.Store(nil)

	e.hasOngoingExecution.Store(false)
	e.stopRequested.Store(false)
	e.execID.Store(&uuid.UUID{})
	e.loopWG.Done()
}

// runReplicaPhase drives Phase A (§4.1 step 3).
func (e *Executor) runReplicaPhase(tm *task.Manager) {
	e.publishState(ReplicaMovementInProgress, tm)

	for {
		if e.stopRequested.Load() {
			break
		}
		batch := tm.GetReplicaMovementTasks()
		if len(batch) > 0 {
			if err := tm.MarkTasksInProgress(batch); err != nil {
				glog.Errorf("executor: %v", err)
			}
			e.submitReplicaBatch(batch)
		}

		e.waitForTasksToFinish(tm, task.ReplicaAction)
		e.recomputeReplicaProgress(tm)
		e.publishState(ReplicaMovementInProgress, tm)

		remaining := tm.RemainingReplicaMovements()
		inExec := tm.InExecutionTasks(task.ReplicaAction)
		if (len(remaining) == 0 && len(inExec) == 0) || e.stopRequested.Load() {
			break
		}
	}

	// Drain: keep polling until the in-execution set empties, giving a clean
	// observation point before Phase B (or before finishing).
	for {
		if len(tm.InExecutionTasks(task.ReplicaAction)) == 0 {
			break
		}
		e.waitForTasksToFinish(tm, task.ReplicaAction)
		e.recomputeReplicaProgress(tm)
		e.publishState(ReplicaMovementInProgress, tm)
	}
}

func (e *Executor) recomputeReplicaProgress(tm *task.Manager) {
	summary := tm.GetExecutionTasksSummary()
	remainingAndInExec := len(summary.RemainingReplicaMovements)
	for _, t := range summary.InExecutionTasks {
		if t.Type == task.ReplicaAction {
			remainingAndInExec++
		}
	}
	e.finishedPartitions.Store(int64(e.totalPartitionMovements - remainingAndInExec))
	e.finishedDataMB.Store(e.totalDataMB - summary.RemainingDataToMoveMB - summary.InExecutionDataToMoveMB)
}

// runLeaderPhase drives Phase B (§4.1 step 4), only entered if stopRequested
// is still false after Phase A.
func (e *Executor) runLeaderPhase(tm *task.Manager) {
	e.publishState(LeaderMovementInProgress, tm)

	for {
		if e.stopRequested.Load() {
			break
		}
		remaining := tm.RemainingLeaderMovements()
		inExec := tm.InExecutionTasks(task.LeaderAction)
		if len(remaining) == 0 && len(inExec) == 0 {
			break
		}

		batch := tm.GetLeadershipMovementTasks()
		if len(batch) > 0 {
			if err := tm.MarkTasksInProgress(batch); err != nil {
				glog.Errorf("executor: %v", err)
			}
			e.submitLeaderBatch(batch)
		}

		for {
			e.waitForTasksToFinish(tm, task.LeaderAction)
			if len(tm.InProgressTasks(task.LeaderAction)) == 0 || e.stopRequested.Load() {
				break
			}
		}
		e.finishedLeaders.Add(int64(len(batch)))
		e.publishState(LeaderMovementInProgress, tm)
	}
}

func (e *Executor) submitReplicaBatch(batch []*task.Task) {
	reqs := make([]cplane.ReplicaReassignmentTask, 0, len(batch))
	for _, t := range batch {
		reqs = append(reqs, cplane.ReplicaReassignmentTask{
			TopicPartition: t.Proposal.TopicPartition,
			NewReplicas:    t.Proposal.NewReplicas,
		})
	}
	if err := e.cplane.SubmitReplicaReassignments(context.Background(), reqs); err != nil {
		glog.Errorf("executor: submit replica reassignments: %v", err)
	}
}

func (e *Executor) submitLeaderBatch(batch []*task.Task) {
	reqs := make([]cplane.LeaderElectionTask, 0, len(batch))
	for _, t := range batch {
		reqs = append(reqs, cplane.LeaderElectionTask{TopicPartition: t.Proposal.TopicPartition})
	}
	if err := e.cplane.SubmitPreferredLeaderElection(context.Background(), reqs); err != nil {
		glog.Errorf("executor: submit preferred leader election: %v", err)
	}
}

// waitForTasksToFinish implements §4.3: one invocation re-submits stragglers,
// sleeps, refreshes the cluster view, advances each in-execution task's
// state, publishes a snapshot, and repeats until some task finishes or none
// remain in execution.
func (e *Executor) waitForTasksToFinish(tm *task.Manager, relevantType task.Type) {
	interval := cmn.GCO.Get().ProgressCheckInterval()
	phase := ReplicaMovementInProgress
	if relevantType == task.LeaderAction {
		phase = LeaderMovementInProgress
	}

	for {
		e.maybeReexecuteTasks(tm, relevantType)

		time.Sleep(interval)

		if err := e.view.Refresh(); err != nil {
			glog.Errorf("executor: cluster view refresh failed, will retry: %v", err)
			time.Sleep(metadataRefreshBackoff)
		}

		finished := 0
		deadOrAborted := false
		nowMs := time.Now().UnixMilli()

		for _, t := range tm.InExecutionTasks() {
			tp := t.Proposal.TopicPartition
			part, ok := e.view.Partition(tp)
			if !ok {
				// Topic deleted mid-flight (§4.3 step 4, scenario 5).
				_ = tm.MarkTaskAborting(t)
				_ = tm.MarkTaskDone(t)
				finished++
				continue
			}

			done, err := task.IsDone(t, part)
			if err != nil {
				glog.Errorf("executor: %v", err)
				continue
			}
			if done {
				_ = tm.MarkTaskDone(t)
				finished++
				continue
			}

			if task.MaybeMarkDeadOrAborting(t, part, e.view, nowMs) {
				deadOrAborted = true
				if t.State().Terminal() {
					finished++
				}
			}
		}

		if deadOrAborted {
			e.internalStop()
		}

		e.publishState(phase, tm)

		if finished > 0 || len(tm.InExecutionTasks()) == 0 {
			return
		}
	}
}

// maybeReexecuteTasks re-submits tasks the control plane silently dropped
// (§4.3 step 1), a known race against the cluster controller.
func (e *Executor) maybeReexecuteTasks(tm *task.Manager, relevantType task.Type) {
	ctx := context.Background()

	switch relevantType {
	case task.ReplicaAction:
		inProgress := tm.InProgressTasks(task.ReplicaAction)
		if len(inProgress) == 0 {
			return
		}
		reassigning, err := e.cplane.PartitionsBeingReassigned(ctx)
		if err != nil {
			glog.Errorf("executor: partitionsBeingReassigned: %v", err)
			return
		}
		ours := 0
		for _, t := range inProgress {
			if _, ok := reassigning[t.Proposal.TopicPartition]; ok {
				ours++
			}
		}
		if len(inProgress) > ours {
			glog.Warningf("executor: %d replica task(s) appear dropped by the control plane, re-submitting", len(inProgress)-ours)
			e.submitReplicaBatch(inProgress)
		}

	case task.LeaderAction:
		if len(tm.InExecutionTasks(task.ReplicaAction)) > 0 {
			return
		}
		ongoing, err := e.cplane.OngoingLeaderElection(ctx)
		if err != nil {
			glog.Errorf("executor: ongoingLeaderElection: %v", err)
			return
		}
		if len(ongoing) != 0 {
			return
		}
		inProgress := tm.InProgressTasks(task.LeaderAction)
		if len(inProgress) > 0 {
			e.submitLeaderBatch(inProgress)
		}
	}
}

// publishState constructs and atomically publishes a new ExecutorState
// snapshot (§4.6): every numeric field is copied by value here, so
// concurrent observers of State() never see a partially-constructed view.
func (e *Executor) publishState(phase Phase, tm *task.Manager) {
	var summary *task.Summary
	cfg := cmn.GCO.Get()
	partCap, leadCap := cfg.PartitionMovementConcurrencyPerBroker, cfg.LeadershipMovementConcurrency
	if tm != nil {
		summary = tm.GetExecutionTasksSummary()
		// Report the Manager's effective caps, which reflect any per-call
		// override or SetRequested*Concurrency applied after the execution
		// started, not just the static config default.
		partCap, leadCap = tm.PartitionMovementCap(), tm.LeadershipMovementCap()
	}

	a := snapshotArgs{
		finishedPartitions: int(e.finishedPartitions.Load()),
		finishedLeaders:    int(e.finishedLeaders.Load()),
		finishedDataMB:     e.finishedDataMB.Load(),
		partitionCap:       partCap,
		leaderCap:          leadCap,
		execID:             *e.execID.Load(),
		demoted:            e.demotedHistory.RecentIDs(),
		removed:            e.removedHistory.RecentIDs(),
		summary:            summary,
	}

	var s *State
	switch phase {
	case StartingExecution:
		s = newStartingExecution(a)
	case ReplicaMovementInProgress:
		s = newReplicaMovementInProgress(a)
	case LeaderMovementInProgress:
		s = newLeaderMovementInProgress(a)
	case StoppingExecution:
		s = newStoppingExecution(a)
	default:
		s = newNoTaskInProgress(a)
	}
	e.statePtr.Store(s)
}
