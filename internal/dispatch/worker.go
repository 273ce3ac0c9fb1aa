package dispatch

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	"github.com/smukkama/gearmand/internal/conn"
	"github.com/smukkama/gearmand/internal/events"
	"github.com/smukkama/gearmand/internal/registry"
	"github.com/smukkama/gearmand/internal/wire"
)

func (d *Dispatcher) handleWorkerPacket(c *conn.Connection, pkt *wire.Packet) {
	switch pkt.Command {
	case wire.CmdCanDo:
		d.reg.CanDo(c, pkt.ArgString(0), 0)
	case wire.CmdCanDoTimeout:
		timeout, _ := strconv.Atoi(pkt.ArgString(1))
		d.reg.CanDo(c, pkt.ArgString(0), timeout)
	case wire.CmdCantDo:
		d.reg.CantDo(c, pkt.ArgString(0))
	case wire.CmdResetAbilities:
		d.reg.ResetAbilities(c)
	case wire.CmdSetClientID:
		if w, ok := d.reg.LookupWorker(c.ID); ok {
			w.ClientID = pkt.ArgString(0)
		}
		c.ClientID = pkt.ArgString(0)
	case wire.CmdPreSleep:
		d.preSleep(c)
	case wire.CmdGrabJob:
		d.grabJob(c, false, false)
	case wire.CmdGrabJobUniq:
		d.grabJob(c, true, false)
	case wire.CmdGrabJobAll:
		d.grabJob(c, true, true)
	case wire.CmdWorkData:
		d.forwardWork(pkt.ArgString(0), wire.CmdWorkData, pkt.Arg(1))
	case wire.CmdWorkWarning:
		d.forwardWork(pkt.ArgString(0), wire.CmdWorkWarning, pkt.Arg(1))
	case wire.CmdWorkStatus:
		d.workStatus(pkt.ArgString(0), pkt.ArgString(1), pkt.ArgString(2))
	case wire.CmdWorkComplete:
		d.workComplete(pkt.ArgString(0), pkt.Arg(1))
	case wire.CmdWorkFail:
		d.workFail(pkt.ArgString(0))
	case wire.CmdWorkException:
		d.workException(pkt.ArgString(0), pkt.Arg(1))
	default:
		d.sendError(c, "unknown_command", fmt.Sprintf("unexpected worker command %s", pkt.Command))
	}
}

// preSleep implements the PRE_SLEEP/NOOP wakeup protocol: if work is
// already available for any of the worker's registered functions, the
// server wakes it immediately rather than letting it block; otherwise it
// records the worker as sleeping so a later SUBMIT_JOB can wake it.
func (d *Dispatcher) preSleep(c *conn.Connection) {
	w := d.reg.Worker(c)
	if d.hasAvailableWork(w) {
		w.Awake = registry.WorkerActive
		c.Send(wire.NewPacket(wire.MagicRes, wire.CmdNoop))
		return
	}
	w.Awake = registry.WorkerSleeping
}

func (d *Dispatcher) hasAvailableWork(w *registry.Worker) bool {
	for fn := range w.CanDo {
		if f, ok := d.reg.LookupFunction(fn); ok && f.PeekBest() != nil {
			return true
		}
	}
	return false
}

func (d *Dispatcher) grabJob(c *conn.Connection, withUnique, all bool) {
	w := d.reg.Worker(c)
	job := d.reg.GrabJobFor(w)
	if job == nil {
		c.Send(wire.NewPacket(wire.MagicRes, wire.CmdNoJob))
		return
	}

	job.Worker = w
	job.Status = registry.StatusRunning
	w.Awake = registry.WorkerActive
	w.CurrentFunction = job.Function.Name
	w.CurrentJob = job

	if timeout, ok := w.CanDo[job.Function.Name]; ok && timeout > 0 {
		d.scheduleWorkerTimeout(c.ID, job.Handle, timeout)
	}

	switch {
	case all:
		c.Send(wire.NewPacket(wire.MagicRes, wire.CmdJobAssignAll,
			[]byte(job.Handle), []byte(job.Function.Name), []byte(job.Unique), []byte(job.Reducer), job.Data))
	case withUnique:
		c.Send(wire.NewPacket(wire.MagicRes, wire.CmdJobAssignUniq,
			[]byte(job.Handle), []byte(job.Function.Name), []byte(job.Unique), job.Data))
	default:
		c.Send(wire.NewPacket(wire.MagicRes, wire.CmdJobAssign,
			[]byte(job.Handle), []byte(job.Function.Name), job.Data))
	}

	d.bus.Publish(events.JobEvent{Handle: job.Handle, Function: job.Function.Name, Kind: events.KindAssigned, At: time.Now()})
}

func (d *Dispatcher) scheduleWorkerTimeout(connID, handle string, timeout time.Duration) {
	d.sched.Schedule("timeout:"+handle, time.Now().Add(timeout), func() {
		d.postInternal(internalEvent{kind: internalWorkerTimeout, connID: connID, handle: handle})
	})
}

func (d *Dispatcher) handleWorkerTimeout(connID, handle string) {
	w, ok := d.reg.LookupWorker(connID)
	if !ok || w.CurrentJob == nil || w.CurrentJob.Handle != handle {
		return
	}
	d.reg.DisconnectWorker(connID)
	w.Conn.Close()
}

// forwardWork relays WORK_DATA/WORK_WARNING to every client tracking the
// job, unmodified. Map/reduce children have no tracking clients, so this is
// a no-op for them until their result aggregates onto the parent.
func (d *Dispatcher) forwardWork(handle string, cmd wire.Command, payload []byte) {
	j, ok := d.reg.JobByHandle(handle)
	if !ok {
		return
	}
	for _, client := range j.Clients {
		client.Send(wire.NewPacket(wire.MagicRes, cmd, []byte(handle), payload))
	}
}

func (d *Dispatcher) workStatus(handle, numerator, denominator string) {
	j, ok := d.reg.JobByHandle(handle)
	if !ok {
		return
	}
	n, _ := strconv.Atoi(numerator)
	dn, _ := strconv.Atoi(denominator)
	j.Numerator, j.Denominator = n, dn
	for _, client := range j.Clients {
		client.Send(wire.NewPacket(wire.MagicRes, wire.CmdWorkStatus, []byte(handle), []byte(numerator), []byte(denominator)))
	}
}

func (d *Dispatcher) workComplete(handle string, payload []byte) {
	j, ok := d.reg.JobByHandle(handle)
	if !ok {
		return
	}

	if j.ParentHandle != "" {
		d.completeReduceChild(j, payload)
		return
	}

	if j.IsReduceParent {
		d.finishMapperPhase(j)
		return
	}

	j.Status = registry.StatusComplete
	for _, client := range j.Clients {
		client.Send(wire.NewPacket(wire.MagicRes, wire.CmdWorkComplete, []byte(handle), payload))
	}
	d.finishJob(j, payload, true)
}

// finishMapperPhase runs once a reduce parent's own mapper job reports
// WORK_COMPLETE: no further children will be submitted. If every child
// already finished, the parent completes now; otherwise it waits, idle and
// unassigned, for the remaining children to report in.
func (d *Dispatcher) finishMapperPhase(j *registry.Job) {
	if w := j.Worker; w != nil {
		d.sched.Cancel("timeout:" + j.Handle)
		w.CurrentJob = nil
		w.CurrentFunction = ""
	}
	j.Worker = nil
	j.MapperDone = true

	if j.PendingChildren <= 0 {
		d.finishReduceParent(j)
	}
}

// completeReduceChild accumulates a map/reduce child's result onto its
// parent, in completion order, and removes the child (it was never tracked
// by any client). Once the mapper is done emitting children and every child
// has reported in, the parent completes with the aggregated payload.
func (d *Dispatcher) completeReduceChild(child *registry.Job, payload []byte) {
	d.bus.Publish(events.JobEvent{Handle: child.Handle, Function: child.Function.Name, Kind: events.KindCompleted, At: time.Now()})
	d.reg.RemoveJob(child)

	parent, ok := d.reg.JobByHandle(child.ParentHandle)
	if !ok {
		return
	}
	parent.ChildResults = append(parent.ChildResults, payload)
	parent.PendingChildren--

	if parent.MapperDone && parent.PendingChildren <= 0 {
		d.finishReduceParent(parent)
	}
}

// finishReduceParent delivers the aggregated child payloads to the
// submitting client as the parent's WORK_COMPLETE, in the order children
// completed.
func (d *Dispatcher) finishReduceParent(j *registry.Job) {
	data := bytes.Join(j.ChildResults, []byte("\n"))
	j.Status = registry.StatusComplete
	for _, client := range j.Clients {
		client.Send(wire.NewPacket(wire.MagicRes, wire.CmdWorkComplete, []byte(j.Handle), data))
	}
	d.finishJob(j, data, true)
}

func (d *Dispatcher) workFail(handle string) {
	j, ok := d.reg.JobByHandle(handle)
	if !ok {
		return
	}

	// A failed map/reduce child fails the whole reduction: the parent can
	// no longer produce a complete aggregate. Siblings still in flight are
	// left to run; their eventual completion finds the parent already gone
	// and is dropped (see completeReduceChild).
	if j.ParentHandle != "" {
		d.reg.RemoveJob(j)
		if parent, ok := d.reg.JobByHandle(j.ParentHandle); ok {
			d.failJob(parent)
		}
		return
	}

	d.failJob(j)
}

func (d *Dispatcher) failJob(j *registry.Job) {
	j.Status = registry.StatusFailed
	for _, client := range j.Clients {
		client.Send(wire.NewPacket(wire.MagicRes, wire.CmdWorkFail, []byte(j.Handle)))
	}
	d.finishJob(j, nil, false)
}

// workException forwards WORK_EXCEPTION only to clients that opted in via
// OPTION_REQ exceptions, per the protocol's backward-compatible default of
// silence.
func (d *Dispatcher) workException(handle string, payload []byte) {
	j, ok := d.reg.JobByHandle(handle)
	if !ok {
		return
	}
	for _, client := range j.Clients {
		cs, ok := d.reg.LookupClient(client.ID)
		if ok && cs.WantsExceptions {
			client.Send(wire.NewPacket(wire.MagicRes, wire.CmdWorkException, []byte(handle), payload))
		}
	}
	d.bus.Publish(events.JobEvent{Handle: handle, Function: j.Function.Name, Kind: events.KindException, At: time.Now()})
}

func (d *Dispatcher) finishJob(j *registry.Job, payload []byte, success bool) {
	if w := j.Worker; w != nil {
		d.sched.Cancel("timeout:" + j.Handle)
		w.CurrentJob = nil
		w.CurrentFunction = ""
	}

	if j.Background {
		d.persistDone(j.Handle)
	}

	kind := events.KindFailed
	if success {
		kind = events.KindCompleted
	}
	d.bus.Publish(events.JobEvent{Handle: j.Handle, Function: j.Function.Name, Kind: kind, At: time.Now()})

	for _, client := range j.Clients {
		if cs, ok := d.reg.LookupClient(client.ID); ok {
			delete(cs.Jobs, j.Handle)
		}
	}

	d.reg.RemoveJob(j)
}
