package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/smukkama/gearmand/internal/conn"
	"github.com/smukkama/gearmand/internal/events"
	"github.com/smukkama/gearmand/internal/persistence"
	"github.com/smukkama/gearmand/internal/registry"
	"github.com/smukkama/gearmand/internal/wire"
)

func (d *Dispatcher) handleClientPacket(c *conn.Connection, pkt *wire.Packet) {
	if kind, ok := wire.SubmitKindOf(pkt.Command); ok {
		d.submitJob(c, pkt, kind, "")
		return
	}

	switch pkt.Command {
	case wire.CmdSubmitReduceJob, wire.CmdSubmitReduceJobBackground:
		d.submitReduceJob(c, pkt)
	case wire.CmdGetStatus:
		d.getStatus(c, pkt.ArgString(0), false)
	case wire.CmdGetStatusUnique:
		d.getStatusByUnique(c, pkt.ArgString(0))
	case wire.CmdOptionReq:
		d.optionReq(c, pkt.ArgString(0))
	default:
		d.handleCommonPacket(c, pkt)
	}
}

// submitJob implements every SUBMIT_JOB* variant. function/unique/data are
// always the first two NUL-delimited args plus the final run-to-end
// payload; reducer is empty except when called from submitReduceJob.
func (d *Dispatcher) submitJob(c *conn.Connection, pkt *wire.Packet, kind wire.SubmitKind, reducer string) {
	if d.draining {
		d.sendError(c, "server_shutting_down", "server is draining, not accepting new jobs")
		return
	}

	function := pkt.ArgString(0)
	unique := pkt.ArgString(1)
	var data []byte
	var runAt time.Time

	if kind.Scheduled && pkt.Command == wire.CmdSubmitJobEpoch {
		epochArg := pkt.ArgString(2)
		data = pkt.Arg(3)
		var epoch int64
		fmt.Sscanf(epochArg, "%d", &epoch)
		runAt = time.Unix(epoch, 0)
	} else if pkt.Command == wire.CmdSubmitJobSched {
		// minute, hour, dom, month, dow, workload — the cron-style fields
		// are accepted but not evaluated: a SCHED job is delayed one minute
		// from submission time and then runs once.
		data = pkt.Arg(7)
		runAt = time.Now().Add(time.Minute)
	} else {
		data = pkt.Arg(2)
	}

	if unique == "" {
		unique = uuid.New().String()
	}

	// A mapper worker submitting a job against its own parent's reducer
	// function, from the same connection, while that parent is still in its
	// mapper phase, is emitting a map/reduce child rather than an ordinary
	// job: its result aggregates onto the parent instead of going to any
	// client. Real coalescing and per-client tracking don't apply to it.
	if parent, ok := d.reduceParentFor(c, function); ok {
		d.submitReduceChild(c, parent, function, unique, data, kind)
		return
	}

	if existing, ok := d.reg.JobByUnique(function, unique); ok {
		if kind.Background {
			// Hit and background: idempotent resubmit, nothing new to track.
			c.Send(wire.NewPacket(wire.MagicRes, wire.CmdJobCreated, []byte(existing.Handle)))
			return
		}
		d.coalesceClient(c, existing)
		return
	}

	f := d.reg.Function(function)

	if !kind.Scheduled && d.queueFull(f, kind.Priority) {
		d.sendError(c, "QUEUE_FULL", fmt.Sprintf("queue full for function %s", function))
		return
	}

	handle := d.reg.NextHandle()

	j := &registry.Job{
		Handle:          handle,
		Function:        f,
		Priority:        kind.Priority,
		Unique:          unique,
		Data:            data,
		Background:      kind.Background,
		Status:          registry.StatusQueued,
		CreatedAt:       time.Now(),
		Reducer:         reducer,
		IsReduceParent:  reducer != "",
		WantsExceptions: false,
	}

	if !kind.Background {
		j.AddClient(c)
		cs := d.reg.Client(c)
		cs.Jobs[handle] = j
	}

	d.reg.PutJob(j)

	if kind.Background {
		d.persistAdd(j)
	}

	if kind.Scheduled {
		j.Status = registry.StatusDelayed
		j.RunAt = runAt
		f.AddDelayed(j)
		d.scheduleDelayedWakeup(f)
	} else {
		f.Enqueue(j)
		d.wakeSleepingWorkers(function)
	}

	c.Send(wire.NewPacket(wire.MagicRes, wire.CmdJobCreated, []byte(handle)))
	d.bus.Publish(events.JobEvent{Handle: handle, Function: function, Kind: events.KindCreated, At: time.Now()})
}

// queueFull reports whether function's priority bucket is at its
// admin-configured cap ("maxqueue"), per §4.4's QUEUE_FULL edge case. A cap
// of zero means unlimited.
func (d *Dispatcher) queueFull(f *registry.Function, priority wire.Priority) bool {
	max := f.MaxQueueSize[priority]
	return max > 0 && f.QueueDepthByPriority(priority) >= max
}

// reduceParentFor reports the reduce-parent job c is currently executing as
// a worker, if function names that parent's reducer and the parent is still
// in its mapper phase (hasn't sent its own WORK_COMPLETE yet).
func (d *Dispatcher) reduceParentFor(c *conn.Connection, function string) (*registry.Job, bool) {
	w, ok := d.reg.LookupWorker(c.ID)
	if !ok || w.CurrentJob == nil {
		return nil, false
	}
	p := w.CurrentJob
	if p.InMapperPhase() && p.Reducer == function {
		return p, true
	}
	return nil, false
}

// submitReduceChild creates one map/reduce child job, tagged with its
// parent's handle so the child's completion aggregates onto the parent
// instead of reaching any client (§4.4 map/reduce; no JOB_CREATED tracking,
// no coalescing — only the reply to the mapper that submitted it).
func (d *Dispatcher) submitReduceChild(c *conn.Connection, parent *registry.Job, function, unique string, data []byte, kind wire.SubmitKind) {
	f := d.reg.Function(function)

	if d.queueFull(f, kind.Priority) {
		d.sendError(c, "QUEUE_FULL", fmt.Sprintf("queue full for function %s", function))
		return
	}

	handle := d.reg.NextHandle()
	j := &registry.Job{
		Handle:       handle,
		Function:     f,
		Priority:     kind.Priority,
		Unique:       unique,
		Data:         data,
		Status:       registry.StatusQueued,
		CreatedAt:    time.Now(),
		ParentHandle: parent.Handle,
	}

	d.reg.PutJob(j)
	parent.PendingChildren++

	f.Enqueue(j)
	d.wakeSleepingWorkers(function)

	c.Send(wire.NewPacket(wire.MagicRes, wire.CmdJobCreated, []byte(handle)))
	d.bus.Publish(events.JobEvent{Handle: handle, Function: function, Kind: events.KindCreated, At: time.Now()})
}

func (d *Dispatcher) coalesceClient(c *conn.Connection, j *registry.Job) {
	j.AddClient(c)
	cs := d.reg.Client(c)
	cs.Jobs[j.Handle] = j
	c.Send(wire.NewPacket(wire.MagicRes, wire.CmdJobCreated, []byte(j.Handle)))
}

func (d *Dispatcher) persistAdd(j *registry.Job) {
	rec := persistence.Record{
		Handle:    j.Handle,
		Function:  j.Function.Name,
		Unique:    j.Unique,
		Priority:  j.Priority,
		Data:      j.Data,
		CreatedAt: j.CreatedAt,
	}
	if err := d.persist.Add(context.Background(), rec); err != nil {
		d.logPersistError("add", j.Handle, err)
	}
}

func (d *Dispatcher) persistDone(handle string) {
	if err := d.persist.Done(context.Background(), handle); err != nil {
		d.logPersistError("done", handle, err)
	}
}

func (d *Dispatcher) logPersistError(op, handle string, err error) {
	fmt.Printf("dispatch: persistence %s failed for %s: %v\n", op, handle, err)
}

// wakeSleepingWorkers sends NOOP to every worker registered for function
// that is currently in WorkerSleeping state, per the PRE_SLEEP/NOOP wakeup
// protocol: the server does not hand out the job directly, it only wakes
// workers so they re-poll with GRAB_JOB.
func (d *Dispatcher) wakeSleepingWorkers(function string) {
	for _, w := range d.reg.SleepingWorkersFor(function) {
		w.Awake = registry.WorkerActive
		w.Conn.Send(wire.NewPacket(wire.MagicRes, wire.CmdNoop))
	}
}

// submitReduceJob handles SUBMIT_REDUCE_JOB[_BACKGROUND]: it submits the
// mapper job as usual, tagging it as a reduce parent against the named
// reducer function. While that mapper job runs, any SUBMIT_JOB* the same
// connection sends against the reducer function is treated as a child job
// (see reduceParentFor/submitReduceChild); once the mapper completes and
// every child has too, finishReduceParent emits the aggregated result.
func (d *Dispatcher) submitReduceJob(c *conn.Connection, pkt *wire.Packet) {
	function := pkt.ArgString(0)
	unique := pkt.ArgString(1)
	reducer := pkt.ArgString(2)
	data := pkt.Arg(3)

	background := pkt.Command == wire.CmdSubmitReduceJobBackground
	kind := wire.SubmitKind{Priority: wire.PriorityNormal, Background: background}

	synthetic := wire.NewPacket(wire.MagicReq, wire.CmdSubmitJob, []byte(function), []byte(unique), data)
	d.submitJob(c, synthetic, kind, reducer)
}
