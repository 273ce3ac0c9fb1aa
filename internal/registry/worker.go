package registry

import (
	"time"

	"github.com/smukkama/gearmand/internal/conn"
)

// WorkerAwake tracks a worker connection's wait state between GRAB_JOB
// calls, as distinct from the socket-level conn.Role.
type WorkerAwake int

const (
	WorkerActive WorkerAwake = iota // actively polling, or woken by NOOP
	WorkerPreSleep                  // not set by the dispatcher, which moves a PRE_SLEEP'd worker straight to WorkerSleeping
	WorkerSleeping                  // sent PRE_SLEEP with no work available, awaiting NOOP
)

// Worker is the dispatcher's view of a connection that has sent CAN_DO at
// least once. CanDo maps function name to the CAN_DO_TIMEOUT duration
// (zero means no timeout was requested).
type Worker struct {
	ConnID string
	Conn   *conn.Connection

	CanDo map[string]time.Duration

	Awake WorkerAwake

	// CurrentFunction and CurrentJob track what a worker is executing
	// between JOB_ASSIGN and WORK_COMPLETE/WORK_FAIL, used for admin
	// "workers" output and RunningCount.
	CurrentFunction string
	CurrentJob      *Job

	ClientID string
}

func newWorker(c *conn.Connection) *Worker {
	return &Worker{
		ConnID: c.ID,
		Conn:   c,
		CanDo:  make(map[string]time.Duration),
		Awake:  WorkerActive,
	}
}

// CanPerform reports whether the worker has registered the given function.
func (w *Worker) CanPerform(function string) bool {
	_, ok := w.CanDo[function]
	return ok
}
