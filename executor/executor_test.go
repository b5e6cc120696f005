package executor_test

import (
	"context"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/smtwilio/cruise-control/cluster"
	"github.com/smtwilio/cruise-control/cmn"
	"github.com/smtwilio/cruise-control/cplane"
	"github.com/smtwilio/cruise-control/executor"
	"github.com/smtwilio/cruise-control/loadmonitor"
	"github.com/smtwilio/cruise-control/stats"
	"github.com/smtwilio/cruise-control/task"
)

func TestExecutor(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "executor suite")
}

func proposal(topic string, partition int32, oldReplicas, newReplicas []int32, oldLeader, newLeader int32, mb int64) *task.ExecutionProposal {
	return &task.ExecutionProposal{
		TopicPartition: cluster.TopicPartition{Topic: topic, Partition: partition},
		OldReplicas:    oldReplicas,
		NewReplicas:    newReplicas,
		OldLeader:      oldLeader,
		NewLeader:      newLeader,
		DataToMoveMB:   mb,
	}
}

// syncView wraps a cluster.StaticView with a mutex so the test goroutine can
// mutate it (simulating the cluster converging) while the executor's own
// worker goroutine concurrently reads it.
type syncView struct {
	mu    sync.Mutex
	inner *cluster.StaticView
}

func newSyncView(ids ...int32) *syncView {
	v := cluster.NewStaticView()
	for _, id := range ids {
		v.Nodes[id] = struct{}{}
	}
	return &syncView{inner: v}
}

func (v *syncView) Refresh() error { return nil }

func (v *syncView) Partition(tp cluster.TopicPartition) (*cluster.Partition, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	p, ok := v.inner.Partitions[tp]
	if !ok {
		return nil, false
	}
	cp := *p
	cp.Replicas = append([]int32(nil), p.Replicas...)
	isr := make(map[int32]struct{}, len(p.ISR))
	for k := range p.ISR {
		isr[k] = struct{}{}
	}
	cp.ISR = isr
	return &cp, true
}

func (v *syncView) NodeByID(id int32) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.inner.Nodes[id]
	return ok
}

func (v *syncView) setPartition(p *cluster.Partition) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.inner.Partitions[p.TopicPartition] = p
}

func (v *syncView) deletePartition(tp cluster.TopicPartition) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.inner.Partitions, tp)
}

// fakeControlPlane is an in-memory cplane.ControlPlane: it records every
// submission and lets the test script what PartitionsBeingReassigned /
// OngoingLeaderElection report back, so scenarios 1, 3, 5 and 6 run without
// a real broker.
type fakeControlPlane struct {
	mu             sync.Mutex
	reassigning    map[cluster.TopicPartition]struct{}
	leaderElecting map[cluster.TopicPartition]struct{}
	replicaCalls   int
	leaderCalls    int
}

func newFakeControlPlane() *fakeControlPlane {
	return &fakeControlPlane{
		reassigning:    make(map[cluster.TopicPartition]struct{}),
		leaderElecting: make(map[cluster.TopicPartition]struct{}),
	}
}

func (f *fakeControlPlane) SubmitReplicaReassignments(ctx context.Context, tasks []cplane.ReplicaReassignmentTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replicaCalls++
	return nil
}

func (f *fakeControlPlane) SubmitPreferredLeaderElection(ctx context.Context, tasks []cplane.LeaderElectionTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaderCalls++
	return nil
}

func (f *fakeControlPlane) PartitionsBeingReassigned(ctx context.Context) (map[cluster.TopicPartition]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[cluster.TopicPartition]struct{}, len(f.reassigning))
	for k := range f.reassigning {
		out[k] = struct{}{}
	}
	return out, nil
}

func (f *fakeControlPlane) OngoingLeaderElection(ctx context.Context) (map[cluster.TopicPartition]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[cluster.TopicPartition]struct{}, len(f.leaderElecting))
	for k := range f.leaderElecting {
		out[k] = struct{}{}
	}
	return out, nil
}

func (f *fakeControlPlane) Close(timeout time.Duration) error { return nil }

func (f *fakeControlPlane) setPreExisting(tps ...cluster.TopicPartition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tp := range tps {
		f.reassigning[tp] = struct{}{}
	}
}

func fastConfig() *cmn.Config {
	cfg := cmn.DefaultConfig()
	cfg.ExecutionProgressCheckIntervalMs = 15
	cfg.PartitionMovementConcurrencyPerBroker = 5
	cfg.LeadershipMovementConcurrency = 1000
	return cfg
}

var _ = Describe("Executor", func() {
	var (
		cp   *fakeControlPlane
		view *syncView
		reg  *stats.Registry
		lm   *loadmonitor.Poller
		ex   *executor.Executor
	)

	BeforeEach(func() {
		cmn.GCO.Put(fastConfig())
		cp = newFakeControlPlane()
		view = newSyncView(1, 2, 3, 5)
		reg = stats.NewRegistry()
		lm = loadmonitor.NewPoller()
		ex = executor.New(cp, view, fastConfig(), reg)
	})

	It("rejects a second executeProposals while one is in flight (ErrBusy)", func() {
		p := proposal("T", 0, []int32{1, 2, 3}, []int32{1, 2, 5}, 1, 1, 10)
		view.setPartition(&cluster.Partition{TopicPartition: p.TopicPartition, Replicas: p.OldReplicas, Leader: 1, ISR: map[int32]struct{}{1: {}, 2: {}, 3: {}}})

		Expect(ex.ExecuteProposals([]*task.ExecutionProposal{p}, nil, nil, lm, nil, nil, nil)).To(Succeed())
		err := ex.ExecuteProposals([]*task.ExecutionProposal{p}, nil, nil, lm, nil, nil, nil)
		Expect(err).To(MatchError(cmn.ErrBusy))
	})

	It("rejects a nil load monitor (ErrInvalidArgument)", func() {
		p := proposal("T", 0, []int32{1, 2, 3}, []int32{1, 2, 5}, 1, 1, 10)
		err := ex.ExecuteProposals([]*task.ExecutionProposal{p}, nil, nil, nil, nil, nil, nil)
		Expect(err).To(MatchError(cmn.ErrInvalidArgument))
	})

	It("rejects executeProposals while the control plane reports a foreign reassignment in flight (scenario 6)", func() {
		p := proposal("T", 0, []int32{1, 2, 3}, []int32{1, 2, 5}, 1, 1, 10)
		cp.setPreExisting(p.TopicPartition)

		err := ex.ExecuteProposals([]*task.ExecutionProposal{p}, nil, nil, lm, nil, nil, nil)
		Expect(err).To(MatchError(cmn.ErrConcurrentReassignment))
		Expect(lm.Paused()).To(BeFalse(), "sampling must never be paused for a rejected execution")
	})

	It("drives a replica move then a leader move to completion (scenario 1, happy path)", func() {
		// pA is a pure replica move (leader unchanged); pB is a pure leader
		// move (replica set unchanged) - a single proposal never produces
		// both task types at once (§4.2: the preferred leader of a replica
		// move is implied by the new replica order, not a separate task).
		pA := proposal("T", 0, []int32{1, 2, 3}, []int32{1, 2, 5}, 1, 1, 10)
		pB := proposal("T", 1, []int32{1, 2, 3}, []int32{1, 2, 3}, 1, 2, 0)
		view.setPartition(&cluster.Partition{TopicPartition: pA.TopicPartition, Replicas: pA.OldReplicas, Leader: 1, ISR: map[int32]struct{}{1: {}, 2: {}, 3: {}}})
		view.setPartition(&cluster.Partition{TopicPartition: pB.TopicPartition, Replicas: pB.OldReplicas, Leader: 1, ISR: map[int32]struct{}{1: {}, 2: {}, 3: {}}})

		Expect(ex.ExecuteProposals([]*task.ExecutionProposal{pA, pB}, nil, nil, lm, nil, nil, nil)).To(Succeed())

		Eventually(func() bool { return cp.replicaCalls > 0 }, time.Second, 5*time.Millisecond).Should(BeTrue())
		view.setPartition(&cluster.Partition{TopicPartition: pA.TopicPartition, Replicas: pA.NewReplicas, Leader: 1, ISR: map[int32]struct{}{1: {}, 2: {}, 5: {}}})

		Eventually(func() bool { return cp.leaderCalls > 0 }, time.Second, 5*time.Millisecond).Should(BeTrue())
		view.setPartition(&cluster.Partition{TopicPartition: pB.TopicPartition, Replicas: pB.NewReplicas, Leader: pB.NewLeader, ISR: map[int32]struct{}{1: {}, 2: {}, 3: {}}})

		Eventually(func() executor.Phase { return ex.State().Phase }, time.Second, 5*time.Millisecond).Should(Equal(executor.NoTaskInProgress))
		final := ex.State()
		Expect(final.FinishedPartitionMovements).To(Equal(1))
		Expect(final.FinishedLeaderMovements).To(Equal(1))
	})

	It("stops dispatching new batches once userTriggeredStopExecution is called (scenario 3)", func() {
		pA := proposal("T", 0, []int32{1, 2, 3}, []int32{1, 2, 5}, 1, 1, 10)
		pB := proposal("T", 1, []int32{1, 2, 4}, []int32{1, 2, 5}, 1, 1, 10)
		view.setPartition(&cluster.Partition{TopicPartition: pA.TopicPartition, Replicas: pA.OldReplicas, Leader: 1, ISR: map[int32]struct{}{1: {}, 2: {}, 3: {}}})
		view.setPartition(&cluster.Partition{TopicPartition: pB.TopicPartition, Replicas: pB.OldReplicas, Leader: 1, ISR: map[int32]struct{}{1: {}, 2: {}, 4: {}}})

		partCap := 1
		Expect(ex.ExecuteProposals([]*task.ExecutionProposal{pA, pB}, nil, nil, lm, &partCap, nil, nil)).To(Succeed())

		Eventually(func() bool { return cp.replicaCalls > 0 }, time.Second, 5*time.Millisecond).Should(BeTrue())
		ex.UserTriggeredStopExecution()

		// Let the in-flight task converge; the second must never be dispatched.
		view.setPartition(&cluster.Partition{TopicPartition: pA.TopicPartition, Replicas: pA.NewReplicas, Leader: 1, ISR: map[int32]struct{}{1: {}, 2: {}, 5: {}}})

		Eventually(func() executor.Phase { return ex.State().Phase }, time.Second, 5*time.Millisecond).Should(Equal(executor.NoTaskInProgress))
		Expect(reg.Count(stats.ExecutionStopped)).To(Equal(int64(1)))
		Expect(reg.Count(stats.ExecutionStoppedByUser)).To(Equal(int64(1)))
	})

	It("aborts a task whose topic was deleted mid-flight (scenario 5)", func() {
		p := proposal("T", 0, []int32{1, 2, 3}, []int32{1, 2, 5}, 1, 1, 10)
		view.setPartition(&cluster.Partition{TopicPartition: p.TopicPartition, Replicas: p.OldReplicas, Leader: 1, ISR: map[int32]struct{}{1: {}, 2: {}, 3: {}}})

		Expect(ex.ExecuteProposals([]*task.ExecutionProposal{p}, nil, nil, lm, nil, nil, nil)).To(Succeed())

		Eventually(func() bool { return cp.replicaCalls > 0 }, time.Second, 5*time.Millisecond).Should(BeTrue())
		view.deletePartition(p.TopicPartition)

		Eventually(func() executor.Phase { return ex.State().Phase }, time.Second, 5*time.Millisecond).Should(Equal(executor.NoTaskInProgress))
	})
})
