package task_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/smtwilio/cruise-control/cluster"
	"github.com/smtwilio/cruise-control/cmn"
	"github.com/smtwilio/cruise-control/task"
)

func TestTask(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "task suite")
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

func viewWithNodes(ids ...int32) *cluster.StaticView {
	v := cluster.NewStaticView()
	for _, id := range ids {
		v.Nodes[id] = struct{}{}
	}
	return v
}

var _ = Describe("Manager", func() {
	var cfg *cmn.Config

	BeforeEach(func() {
		cfg = cmn.DefaultConfig()
		cfg.PartitionMovementConcurrencyPerBroker = 1
		cfg.LeadershipMovementConcurrency = 1
	})

	It("enforces the per-broker replica movement cap (I2, scenario 2)", func() {
		m := task.NewManager(cfg)
		v := viewWithNodes(1, 2, 3, 5)

		pA := proposal("T", 0, []int32{1, 2, 3}, []int32{1, 2, 5}, 1, 1, 10)
		pB := proposal("T", 1, []int32{1, 2, 4}, []int32{1, 2, 5}, 1, 1, 10)
		m.AddExecutionProposals([]*task.ExecutionProposal{pA, pB}, nil, v)

		batch1 := m.GetReplicaMovementTasks()
		Expect(batch1).To(HaveLen(1), "only one task should touch broker 5 at a time")
		Expect(m.MarkTasksInProgress(batch1)).To(Succeed())

		batch2 := m.GetReplicaMovementTasks()
		Expect(batch2).To(BeEmpty(), "second task must stay PENDING while broker 5 is at cap")

		Expect(m.MarkTaskDone(batch1[0])).To(Succeed())
		batch3 := m.GetReplicaMovementTasks()
		Expect(batch3).To(HaveLen(1), "second task becomes eligible once the first completes")
	})

	It("ignores skip-cap brokers when checking the per-broker cap", func() {
		m := task.NewManager(cfg)
		v := viewWithNodes(1, 2, 3, 5)

		pA := proposal("T", 0, []int32{1, 2, 3}, []int32{1, 2, 5}, 1, 1, 10)
		pB := proposal("T", 1, []int32{1, 2, 4}, []int32{1, 2, 5}, 1, 1, 10)
		m.AddExecutionProposals([]*task.ExecutionProposal{pA, pB}, map[int32]struct{}{1: {}, 2: {}, 5: {}}, v)

		batch := m.GetReplicaMovementTasks()
		Expect(batch).To(HaveLen(2), "brokers 1, 2 and 5 are in the skip-cap set so both tasks may proceed")
	})

	It("caps the global leadership movement batch (I3)", func() {
		m := task.NewManager(cfg)
		v := viewWithNodes(1, 2, 3)

		pA := proposal("T", 0, []int32{1, 2, 3}, []int32{1, 2, 3}, 1, 2, 0)
		pB := proposal("T", 1, []int32{1, 2, 3}, []int32{1, 2, 3}, 1, 3, 0)
		v.Partitions[pA.TopicPartition] = &cluster.Partition{TopicPartition: pA.TopicPartition, Replicas: pA.OldReplicas, Leader: 1, ISR: map[int32]struct{}{1: {}, 2: {}, 3: {}}}
		v.Partitions[pB.TopicPartition] = &cluster.Partition{TopicPartition: pB.TopicPartition, Replicas: pB.OldReplicas, Leader: 1, ISR: map[int32]struct{}{1: {}, 2: {}, 3: {}}}
		m.AddExecutionProposals([]*task.ExecutionProposal{pA, pB}, nil, v)

		batch := m.GetLeadershipMovementTasks()
		Expect(batch).To(HaveLen(1))
	})

	It("only creates a LEADER_ACTION task when the new leader is in the ISR", func() {
		m := task.NewManager(cfg)
		v := viewWithNodes(1, 2, 3)
		p := proposal("T", 0, []int32{1, 2, 3}, []int32{1, 2, 3}, 1, 2, 0)
		v.Partitions[p.TopicPartition] = &cluster.Partition{TopicPartition: p.TopicPartition, Replicas: p.OldReplicas, Leader: 1, ISR: map[int32]struct{}{1: {}}}

		m.AddExecutionProposals([]*task.ExecutionProposal{p}, nil, v)
		Expect(m.GetLeadershipMovementTasks()).To(BeEmpty(), "new leader 2 is not in the ISR")
	})

	It("is idempotent under re-submission of the same proposal (I9)", func() {
		m := task.NewManager(cfg)
		v := viewWithNodes(1, 2, 3, 5)
		p := proposal("T", 0, []int32{1, 2, 3}, []int32{1, 2, 5}, 1, 1, 10)

		m.AddExecutionProposals([]*task.ExecutionProposal{p}, nil, v)
		m.AddExecutionProposals([]*task.ExecutionProposal{p}, nil, v)

		summary := m.GetExecutionTasksSummary()
		Expect(summary.RemainingReplicaMovements).To(HaveLen(1))
	})
})
