package registry

import (
	"time"

	"github.com/smukkama/gearmand/internal/conn"
	"github.com/smukkama/gearmand/internal/wire"
)

// JobStatus is the coarse lifecycle state the dispatcher moves a job
// through. It is distinct from wire.Priority, which only governs queue
// placement.
type JobStatus int

const (
	StatusQueued JobStatus = iota
	StatusDelayed
	StatusRunning
	StatusComplete
	StatusFailed
)

// Job is one unit of work tracked by the registry. A Job is only ever
// touched by the dispatcher goroutine; nothing here is synchronized.
type Job struct {
	Handle     string
	Function   *Function
	Priority   wire.Priority
	Unique     string
	Data       []byte
	Background bool
	Status     JobStatus

	// Scheduling: RunAt is zero for jobs runnable immediately, and is the
	// promotion time for SUBMIT_JOB_SCHED / SUBMIT_JOB_EPOCH jobs sitting
	// in the function's delayed set.
	RunAt time.Time

	CreatedAt time.Time

	// Foreground tracking: the submitting client plus any other client
	// that later attached via the same (function, unique) coalescing key.
	// Once every such client has disconnected, Ignore is set: a queued job
	// is then never handed to a worker, and a running one finishes with its
	// result delivered to no client.
	Clients []*conn.Connection
	Ignore  bool // true once every tracking client has gone away

	Worker *Worker // nil until GRAB_JOB assigns it

	Numerator   int
	Denominator int

	WantsExceptions bool

	// Map/reduce bookkeeping (SUBMIT_REDUCE_JOB[_BACKGROUND]). Reducer
	// names the function child jobs are submitted against. IsReduceParent
	// is set for the lifetime of the mapper's own job; MapperDone flips
	// true once the mapper's WORK_COMPLETE arrives, meaning no further
	// children will be submitted. PendingChildren counts children not yet
	// terminal, and ChildResults accumulates completed children's payloads
	// in completion order — the parent's WORK_COMPLETE fires once
	// MapperDone is true and PendingChildren reaches zero.
	Reducer         string
	IsReduceParent  bool
	MapperDone      bool
	PendingChildren int
	ChildResults    [][]byte

	// ParentHandle is set on a job submitted by a reduce mapper while it
	// holds a reduce-parent job (see IsReduceParent): the child's result is
	// aggregated onto the parent instead of being sent to any client.
	ParentHandle string

	// heapIndex is maintained by the delayed-job heap; unused once a job
	// leaves the delayed set.
	heapIndex int
}

// InMapperPhase reports whether this job is still running its mapper
// function, awaiting WORK_COMPLETE before it starts waiting on children.
func (j *Job) InMapperPhase() bool {
	return j.IsReduceParent && !j.MapperDone
}

// AddClient attaches a tracking client to the job (initial submitter, or a
// later client that submitted the same (function, unique) pair).
func (j *Job) AddClient(c *conn.Connection) {
	for _, existing := range j.Clients {
		if existing == c {
			return
		}
	}
	j.Clients = append(j.Clients, c)
}

// RemoveClient detaches a client, e.g. on disconnect. Once no tracking
// client remains, a foreground job is marked Ignore (see Clients); a
// background job is left as it is.
func (j *Job) RemoveClient(c *conn.Connection) {
	for i, existing := range j.Clients {
		if existing == c {
			j.Clients = append(j.Clients[:i], j.Clients[i+1:]...)
			break
		}
	}
	if len(j.Clients) == 0 && !j.Background {
		j.Ignore = true
	}
}
