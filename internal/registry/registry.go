// Package registry holds all server-side Gearman state: functions, their
// per-priority queues and delayed sets, the job handle index, the
// (function, unique) coalescing index, and worker/client bookkeeping. It
// is designed to be owned exclusively by a single dispatcher goroutine, so
// nothing in this package takes a lock — concurrent access from any other
// goroutine is a bug, not a race to paper over.
package registry

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/smukkama/gearmand/internal/conn"
)

type uniqueKey struct {
	function string
	unique   string
}

// Registry is the dispatcher's single source of truth for job and worker
// state.
type Registry struct {
	functions map[string]*Function
	jobs      map[string]*Job
	byUnique  map[uniqueKey]*Job

	workers map[string]*Worker
	clients map[string]*ClientSession

	hostname  string
	handleSeq uint64
}

// New creates an empty registry. hostname is embedded in generated job
// handles (H:<host>:<n>), matching the historical Gearman handle format.
func New() *Registry {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "gearmand"
	}
	return &Registry{
		functions: make(map[string]*Function),
		jobs:      make(map[string]*Job),
		byUnique:  make(map[uniqueKey]*Job),
		workers:   make(map[string]*Worker),
		clients:   make(map[string]*ClientSession),
		hostname:  host,
	}
}

// NextHandle generates the next unique job handle.
func (r *Registry) NextHandle() string {
	n := atomic.AddUint64(&r.handleSeq, 1)
	return fmt.Sprintf("H:%s:%d", r.hostname, n)
}

// Function returns the named function, creating it if this is the first
// time it has been seen (by a CAN_DO or a SUBMIT_JOB*).
func (r *Registry) Function(name string) *Function {
	f, ok := r.functions[name]
	if !ok {
		f = newFunction(name)
		r.functions[name] = f
	}
	return f
}

// LookupFunction returns the named function without creating it.
func (r *Registry) LookupFunction(name string) (*Function, bool) {
	f, ok := r.functions[name]
	return f, ok
}

// Functions returns every known function, for admin "status".
func (r *Registry) Functions() map[string]*Function {
	return r.functions
}

// PutJob indexes a freshly created job by handle and, if it carries a
// non-empty unique key, by (function, unique) for coalescing.
func (r *Registry) PutJob(j *Job) {
	r.jobs[j.Handle] = j
	if j.Unique != "" {
		r.byUnique[uniqueKey{j.Function.Name, j.Unique}] = j
	}
}

// JobByHandle looks up a job by its handle.
func (r *Registry) JobByHandle(handle string) (*Job, bool) {
	j, ok := r.jobs[handle]
	return j, ok
}

// JobByUnique returns the existing job for (function, unique), used to
// coalesce a resubmission onto an already-queued or running job.
func (r *Registry) JobByUnique(function, unique string) (*Job, bool) {
	if unique == "" {
		return nil, false
	}
	j, ok := r.byUnique[uniqueKey{function, unique}]
	return j, ok
}

// RemoveJob drops a completed or failed job from every index.
func (r *Registry) RemoveJob(j *Job) {
	delete(r.jobs, j.Handle)
	if j.Unique != "" {
		delete(r.byUnique, uniqueKey{j.Function.Name, j.Unique})
	}
}

// JobCount returns the number of jobs currently tracked by handle, used by
// the dispatcher to decide when a graceful drain is finished.
func (r *Registry) JobCount() int {
	return len(r.jobs)
}

// Worker returns the Worker bookkeeping for a connection, creating it on
// first CAN_DO.
func (r *Registry) Worker(c *conn.Connection) *Worker {
	w, ok := r.workers[c.ID]
	if !ok {
		w = newWorker(c)
		r.workers[c.ID] = w
	}
	return w
}

// LookupWorker returns the Worker bookkeeping for a connection ID, if any.
func (r *Registry) LookupWorker(connID string) (*Worker, bool) {
	w, ok := r.workers[connID]
	return w, ok
}

// Client returns the ClientSession bookkeeping for a connection, creating
// it on first client command.
func (r *Registry) Client(c *conn.Connection) *ClientSession {
	cs, ok := r.clients[c.ID]
	if !ok {
		cs = newClientSession(c)
		r.clients[c.ID] = cs
	}
	return cs
}

// LookupClient returns the ClientSession for a connection ID, if any.
func (r *Registry) LookupClient(connID string) (*ClientSession, bool) {
	cs, ok := r.clients[connID]
	return cs, ok
}

// CanDo registers a worker as able to perform function, with an optional
// timeout (zero means none, per CAN_DO rather than CAN_DO_TIMEOUT).
func (r *Registry) CanDo(c *conn.Connection, function string, timeoutSeconds int) {
	w := r.Worker(c)
	var d time.Duration
	if timeoutSeconds > 0 {
		d = time.Duration(timeoutSeconds) * time.Second
	}
	w.CanDo[function] = d
	f := r.Function(function)
	f.Workers[c.ID] = w
}

// CantDo removes a worker's ability to perform function.
func (r *Registry) CantDo(c *conn.Connection, function string) {
	w, ok := r.LookupWorker(c.ID)
	if !ok {
		return
	}
	delete(w.CanDo, function)
	if f, ok := r.LookupFunction(function); ok {
		delete(f.Workers, c.ID)
	}
}

// ResetAbilities clears every function a worker has registered.
func (r *Registry) ResetAbilities(c *conn.Connection) {
	w, ok := r.LookupWorker(c.ID)
	if !ok {
		return
	}
	for fn := range w.CanDo {
		if f, ok := r.LookupFunction(fn); ok {
			delete(f.Workers, c.ID)
		}
	}
	w.CanDo = make(map[string]time.Duration)
}

// DisconnectWorker unregisters a worker connection: every function it
// could perform drops it from its worker set, and any job it was actively
// running is requeued to the head of its priority FIFO so it is the next
// thing handed out (a worker disconnect mid-job requeues the job, it does
// not fail it).
func (r *Registry) DisconnectWorker(connID string) {
	w, ok := r.workers[connID]
	if !ok {
		return
	}
	for fn := range w.CanDo {
		if f, ok := r.LookupFunction(fn); ok {
			delete(f.Workers, connID)
		}
	}
	if w.CurrentJob != nil && !w.CurrentJob.Ignore {
		j := w.CurrentJob
		j.Worker = nil
		j.Status = StatusQueued
		j.Function.EnqueueFront(j)
	}
	delete(r.workers, connID)
}

// DisconnectClient unregisters a client connection, detaching it from
// every job it was tracking. Background jobs keep running; foreground
// jobs with no remaining tracking client are marked Ignore so the
// dispatcher drops their result instead of delivering it into the void.
func (r *Registry) DisconnectClient(connID string) {
	cs, ok := r.clients[connID]
	if !ok {
		return
	}
	for _, j := range cs.Jobs {
		j.RemoveClient(cs.Conn)
	}
	delete(r.clients, connID)
}

// SleepingWorkersFor returns every worker registered for function that is
// currently in WorkerSleeping state, the set that NOOP wakes on a new
// submission.
func (r *Registry) SleepingWorkersFor(function string) []*Worker {
	f, ok := r.LookupFunction(function)
	if !ok {
		return nil
	}
	var out []*Worker
	for _, w := range f.Workers {
		if w.Awake == WorkerSleeping {
			out = append(out, w)
		}
	}
	return out
}

// GrabJobFor finds and removes the highest-priority runnable job across
// every function the worker has registered for. HIGH beats NORMAL beats
// LOW; ties across functions go to whichever function's registration the
// map happens to yield first, since Gearman does not guarantee
// cross-function fairness beyond per-function FIFO order.
func (r *Registry) GrabJobFor(w *Worker) *Job {
	var best *Job
	for fn := range w.CanDo {
		f, ok := r.LookupFunction(fn)
		if !ok {
			continue
		}
		j := f.PeekBest()
		if j == nil {
			continue
		}
		if best == nil || j.Priority < best.Priority {
			best = j
		}
	}
	if best == nil {
		return nil
	}
	best.Function.RemoveJob(best)
	return best
}
