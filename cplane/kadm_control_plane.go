package cplane

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/smtwilio/cruise-control/cluster"
)

// KadmControlPlane is the production ControlPlane, backed by franz-go's
// admin client (kadm). It is the "concrete coordination-store client" that
// §1/§6 treat as an external collaborator: it knows nothing about tasks or
// concurrency caps, only how to ask the cluster to reassign replicas and
// elect leaders, and how to read back what is already in flight.
type KadmControlPlane struct {
	cl    *kgo.Client
	admin *kadm.Client

	mu      sync.Mutex
	pending map[cluster.TopicPartition]struct{} // partitions this execution submitted
}

// NewKadmControlPlane wraps an already-connected franz-go client.
func NewKadmControlPlane(cl *kgo.Client) *KadmControlPlane {
	return &KadmControlPlane{
		cl:      cl,
		admin:   kadm.NewClient(cl),
		pending: make(map[cluster.TopicPartition]struct{}),
	}
}

func (c *KadmControlPlane) SubmitReplicaReassignments(ctx context.Context, tasks []ReplicaReassignmentTask) error {
	if len(tasks) == 0 {
		return nil
	}
	assignment := make(map[string]map[int32][]int32)
	c.mu.Lock()
	for _, t := range tasks {
		tp := t.TopicPartition
		if assignment[tp.Topic] == nil {
			assignment[tp.Topic] = make(map[int32][]int32)
		}
		assignment[tp.Topic][tp.Partition] = t.NewReplicas
		c.pending[tp] = struct{}{}
	}
	c.mu.Unlock()

	resp, err := c.admin.AlterPartitionAssignments(ctx, assignment)
	if err != nil {
		return errors.Wrap(err, "cplane: alter partition assignments")
	}
	return resp.Error()
}

func (c *KadmControlPlane) SubmitPreferredLeaderElection(ctx context.Context, tasks []LeaderElectionTask) error {
	if len(tasks) == 0 {
		return nil
	}
	set := make(kadm.TopicsSet)
	for _, t := range tasks {
		set.Add(t.TopicPartition.Topic, t.TopicPartition.Partition)
	}
	resp, err := c.admin.ElectLeaders(ctx, kadm.ElectPreferredReplica, set)
	if err != nil {
		return errors.Wrap(err, "cplane: elect preferred leaders")
	}
	return resp.Error()
}

func (c *KadmControlPlane) PartitionsBeingReassigned(ctx context.Context) (map[cluster.TopicPartition]struct{}, error) {
	reassignments, err := c.admin.ListPartitionReassignments(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "cplane: list partition reassignments")
	}
	out := make(map[cluster.TopicPartition]struct{})
	for topic, parts := range reassignments {
		for partition := range parts {
			out[cluster.TopicPartition{Topic: topic, Partition: partition}] = struct{}{}
		}
	}
	return out, nil
}

// OngoingLeaderElection has no first-class "list in-flight elections" Kafka
// API: elections complete (or fail) within a single round-trip, so from the
// control plane's point of view there is nothing left pending once
// SubmitPreferredLeaderElection returns. We report the empty set, which is
// the behavior waitForTasksToFinish's maybeReexecuteTasks (§4.3 step 1)
// expects when nothing is outstanding.
func (c *KadmControlPlane) OngoingLeaderElection(ctx context.Context) (map[cluster.TopicPartition]struct{}, error) {
	return map[cluster.TopicPartition]struct{}{}, nil
}

func (c *KadmControlPlane) Close(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		c.cl.Close()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.New("cplane: close timed out")
	}
}

