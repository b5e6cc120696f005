package task

import "sort"

// Strategy orders a set of PENDING REPLICA_ACTION tasks before batch
// selection applies per-broker caps; ties are broken by the tasks' existing
// (proposal-list) order, since sort.SliceStable is used throughout.
type Strategy func(pending []*Task) []*Task

var strategies = map[string]Strategy{
	"proposal-order": proposalOrderStrategy,
	"most-data-first": mostDataFirstStrategy,
}

// RegisterStrategy adds (or replaces) a named replica-movement strategy, so
// deployments can plug in their own ordering heuristic via the
// replica-movement-strategy config key (§6).
func RegisterStrategy(name string, s Strategy) { strategies[name] = s }

// StrategyByName looks up a registered strategy, falling back to
// proposal-order default when name is empty or unknown.
func StrategyByName(name string) Strategy {
	if s, ok := strategies[name]; ok {
		return s
	}
	return proposalOrderStrategy
}

// proposalOrderStrategy is the default: tasks are dispatched in the order
// their proposals were added to the TaskManager.
func proposalOrderStrategy(pending []*Task) []*Task {
	out := make([]*Task, len(pending))
	copy(out, pending)
	return out
}

// mostDataFirstStrategy orders by estimated data-to-move descending, so the
// biggest moves are started earliest and have the most time to complete
// within a batch window; ties keep proposal order.
func mostDataFirstStrategy(pending []*Task) []*Task {
	out := make([]*Task, len(pending))
	copy(out, pending)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Proposal.DataToMoveMB > out[j].Proposal.DataToMoveMB
	})
	return out
}
