package cmn

import "github.com/pkg/errors"

// Error kinds surfaced to callers of executeProposals/executeDemoteProposals,
// per the specification's error-handling design (§7).
var (
	// ErrBusy is returned when execute* is called while an execution is
	// already in flight.
	ErrBusy = errors.New("rebalance execution already in progress")

	// ErrInvalidArgument is returned when a required dependency (e.g. the
	// load monitor) is nil.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrConcurrentReassignment is returned when the control plane already
	// reports partition reassignments in flight that this execution did not
	// submit.
	ErrConcurrentReassignment = errors.New("a partition reassignment not started by this execution is already in flight")

	// ErrTaskDead is an internal sentinel: a task moved to the DEAD state.
	ErrTaskDead = errors.New("task is dead")

	// ErrLoadMonitorNotReady is returned by a LoadMonitor when it cannot yet
	// pause/resume sampling.
	ErrLoadMonitorNotReady = errors.New("load monitor not ready")
)

// Wrap attaches additional context to err while preserving errors.Is/Cause
// compatibility with the sentinels above.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, msg)
}
