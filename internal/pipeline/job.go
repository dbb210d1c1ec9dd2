package pipeline

import (
	"github.com/kilnworks/kiln/internal/fingerprint"
	"github.com/kilnworks/kiln/internal/value"
)

// State is a job's position in its lifecycle.
type State int

const (
	StatePending State = iota
	StateFingerprinting
	StateCacheHit
	StateQueued
	StateRunning
	StateSucceeded
	StateFailed
	StateBlocked
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateFingerprinting:
		return "fingerprinting"
	case StateCacheHit:
		return "cache-hit"
	case StateQueued:
		return "queued"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateBlocked:
		return "blocked"
	case StateCancelled:
		return "cancelled"
	default:
		return "invalid"
	}
}

// terminal reports whether no further transition can happen in this build.
func (s State) terminal() bool {
	switch s {
	case StateCacheHit, StateSucceeded, StateFailed, StateBlocked, StateCancelled:
		return true
	default:
		return false
	}
}

// success reports whether the job's artifact is available (built or cached).
func (s State) success() bool {
	return s == StateCacheHit || s == StateSucceeded
}

// JobKey identifies a job: one object processed by one kind of adapter.
type JobKey struct {
	Object value.ObjectID
	Kind   string
}

// job is the coordinator's bookkeeping for one unit of work. Only the
// coordinator goroutine touches it.
type job struct {
	key     JobKey
	name    string // object label, for traces
	order   int    // declaration order, breaks dispatch ties
	adapter Adapter

	state       State
	err         error
	fp          fingerprint.Fingerprint // set once Fingerprinting completes
	declared    []value.ObjectID        // adapter-reported deps from prior runs
	deps        []JobKey                // edges to other jobs
	dependents  []JobKey                // reverse edges
}

// JobStatus is the externally visible outcome of one job.
type JobStatus struct {
	Key         JobKey
	Name        string
	State       State
	Fingerprint fingerprint.Fingerprint
	Err         error
}

// Result reports a whole build pass: per-job statuses in declaration order
// plus the ordered event trace. Builds are not all-or-nothing; inspect the
// statuses.
type Result struct {
	Jobs  []JobStatus
	Trace []TraceEvent
}

// Failed reports whether any job ended Failed or Blocked.
func (r Result) Failed() bool {
	for _, j := range r.Jobs {
		if j.State == StateFailed || j.State == StateBlocked {
			return true
		}
	}
	return false
}

// Status returns the status for a job key.
func (r Result) Status(key JobKey) (JobStatus, bool) {
	for _, j := range r.Jobs {
		if j.Key == key {
			return j, true
		}
	}
	return JobStatus{}, false
}
