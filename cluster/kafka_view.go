package cluster

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaView is the production View backed by a live Kafka-compatible broker
// cluster, fetched through franz-go's admin client. refresh() fetches a
// fresh metadata snapshot; reads never talk to the network.
type KafkaView struct {
	admin  *kadm.Client
	topics []string // restrict metadata fetch; empty means "all topics"

	mu    sync.RWMutex
	parts map[TopicPartition]*Partition
	nodes map[int32]struct{}
}

// NewKafkaView wraps an existing franz-go client. Passing no topics means
// every topic visible to the cluster is tracked.
func NewKafkaView(cl *kgo.Client, topics ...string) *KafkaView {
	return &KafkaView{
		admin:  kadm.NewClient(cl),
		topics: topics,
		parts:  make(map[TopicPartition]*Partition),
		nodes:  make(map[int32]struct{}),
	}
}

func (v *KafkaView) Refresh() error {
	ctx := context.Background()
	brokers, err := v.admin.ListBrokers(ctx)
	if err != nil {
		return errors.Wrap(err, "cluster: list brokers")
	}

	meta, err := v.admin.Metadata(ctx, v.topics...)
	if err != nil {
		return errors.Wrap(err, "cluster: fetch metadata")
	}

	nodes := make(map[int32]struct{}, len(brokers))
	for _, b := range brokers {
		nodes[b.NodeID] = struct{}{}
	}

	parts := make(map[TopicPartition]*Partition)
	for topic, detail := range meta.Topics {
		if detail.Err != nil {
			continue
		}
		for _, pd := range detail.Partitions {
			tp := TopicPartition{Topic: topic, Partition: pd.Partition}
			isr := make(map[int32]struct{}, len(pd.ISR))
			for _, r := range pd.ISR {
				isr[r] = struct{}{}
			}
			leader := pd.Leader
			if leader < 0 {
				leader = NoLeader
			}
			parts[tp] = &Partition{
				TopicPartition: tp,
				Replicas:       append([]int32(nil), pd.Replicas...),
				ISR:            isr,
				Leader:         leader,
			}
		}
	}

	v.mu.Lock()
	v.nodes = nodes
	v.parts = parts
	v.mu.Unlock()
	return nil
}

func (v *KafkaView) Partition(tp TopicPartition) (*Partition, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	p, ok := v.parts[tp]
	return p, ok
}

func (v *KafkaView) NodeByID(id int32) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.nodes[id]
	return ok
}
