package task_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/smtwilio/cruise-control/cluster"
	"github.com/smtwilio/cruise-control/cmn"
	"github.com/smtwilio/cruise-control/task"
)

var _ = Describe("completion predicates", func() {
	cfg := cmn.DefaultConfig()

	It("marks a LEADER_ACTION task done once the leader matches (§4.4)", func() {
		p := proposal("T", 0, []int32{1, 2, 3}, []int32{1, 2, 3}, 1, 2, 0)
		v := viewWithNodes(1, 2, 3)
		v.Partitions[p.TopicPartition] = &cluster.Partition{TopicPartition: p.TopicPartition, Replicas: p.OldReplicas, Leader: 1, ISR: map[int32]struct{}{1: {}, 2: {}, 3: {}}}

		mgr := task.NewManager(cfg)
		mgr.AddExecutionProposals([]*task.ExecutionProposal{p}, nil, v)
		batch := mgr.GetLeadershipMovementTasks()
		Expect(batch).To(HaveLen(1))
		t := batch[0]
		Expect(mgr.MarkTasksInProgress(batch)).To(Succeed())

		part := v.Partitions[p.TopicPartition]
		done, err := task.IsDone(t, part)
		Expect(err).NotTo(HaveOccurred())
		Expect(done).To(BeFalse(), "leader hasn't moved yet")

		part.Leader = 2
		done, err = task.IsDone(t, part)
		Expect(err).NotTo(HaveOccurred())
		Expect(done).To(BeTrue())
	})

	It("times out a stuck LEADER_ACTION task after LeaderActionTimeoutMs (scenario 4)", func() {
		p := proposal("T", 0, []int32{1, 2, 3}, []int32{1, 2, 3}, 1, 2, 0)
		v := viewWithNodes(1, 2, 3)
		v.Partitions[p.TopicPartition] = &cluster.Partition{TopicPartition: p.TopicPartition, Replicas: p.OldReplicas, Leader: 1, ISR: map[int32]struct{}{1: {}, 2: {}, 3: {}}}

		mgr := task.NewManager(cfg)
		mgr.AddExecutionProposals([]*task.ExecutionProposal{p}, nil, v)
		batch := mgr.GetLeadershipMovementTasks()
		Expect(batch).To(HaveLen(1))
		t := batch[0]
		Expect(mgr.MarkTasksInProgress(batch)).To(Succeed())
		Expect(t.StartTime()).NotTo(BeZero())

		// MaybeMarkDeadOrAborting takes "now" as an explicit argument, so the
		// timeout can be exercised without actually sleeping 180s.
		changed := task.MaybeMarkDeadOrAborting(t, v.Partitions[p.TopicPartition], v, t.StartTime()+task.LeaderActionTimeoutMs+1)
		Expect(changed).To(BeTrue())
		Expect(t.State()).To(Equal(task.Dead))
	})

	It("kills a REPLICA_ACTION task immediately if a target broker disappears", func() {
		p := proposal("T", 0, []int32{1, 2, 3}, []int32{1, 2, 9}, 1, 1, 10)
		v := viewWithNodes(1, 2, 3) // broker 9 never joined / already gone

		mgr := task.NewManager(cfg)
		mgr.AddExecutionProposals([]*task.ExecutionProposal{p}, nil, v)
		batch := mgr.GetReplicaMovementTasks()
		Expect(batch).To(HaveLen(1))
		t := batch[0]
		Expect(mgr.MarkTasksInProgress(batch)).To(Succeed())

		changed := task.MaybeMarkDeadOrAborting(t, &cluster.Partition{
			TopicPartition: p.TopicPartition, Replicas: p.OldReplicas,
		}, v, t.StartTime())
		Expect(changed).To(BeTrue())
		Expect(t.State()).To(Equal(task.Dead))
	})
})
