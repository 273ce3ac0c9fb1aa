// Package dispatch is the single-goroutine core of the job server: it owns
// the registry exclusively and is the only consumer of the event channel
// fed by every connection's reader goroutine. Nothing outside this
// goroutine ever touches a Function, Job, or Worker directly, which is
// what lets the rest of the server run lock-free.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/smukkama/gearmand/internal/conn"
	"github.com/smukkama/gearmand/internal/events"
	"github.com/smukkama/gearmand/internal/persistence"
	"github.com/smukkama/gearmand/internal/registry"
	"github.com/smukkama/gearmand/internal/timer"
	"github.com/smukkama/gearmand/internal/wire"
)

const Version = "gearmand-go 1.0.0"

// internalKind discriminates the dispatcher's own housekeeping events
// (timer fires) from connection events, so both can be multiplexed over
// one select without resorting to an untyped callback.
type internalKind int

const (
	internalPromoteDelayed internalKind = iota
	internalWorkerTimeout
)

type internalEvent struct {
	kind     internalKind
	function string
	connID   string
	handle   string
}

// snapshotRequest lets a goroutine outside the dispatcher (the backlog
// watcher) read function queue depths without touching the registry
// directly: it posts a request with a reply channel and blocks for the
// dispatcher goroutine to answer, preserving the single-writer invariant
// instead of reading the maps concurrently.
type snapshotRequest struct {
	reply chan map[string]int
}

// Dispatcher is the job server's dispatch loop.
type Dispatcher struct {
	reg        *registry.Registry
	in         chan conn.Event
	internal   chan internalEvent
	snapshotCh chan snapshotRequest
	sched      *timer.Scheduler
	persist    persistence.Queue
	bus        events.Publisher

	defaultMaxBacklog  int
	maxBacklog         map[string]int // dispatcher-goroutine-only; mutated via SetMaxBacklog
	maxBacklogSnapshot atomic.Value   // holds map[string]int, published on every mutation

	shutdownReqCh chan shutdownRequest
	stopped       chan struct{}
	draining      bool
	drainTimeout  time.Duration

	startedAt time.Time
}

// shutdownRequest is posted by RequestShutdown to hand control of the
// shutdown decision to the dispatcher goroutine, the same single-writer
// discipline used for every other piece of registry-adjacent state.
type shutdownRequest struct {
	graceful bool
}

// New builds a dispatcher around a fresh registry. bufSize bounds the
// shared event channel every connection's reader posts into.
func New(persist persistence.Queue, bus events.Publisher, defaultMaxBacklog int, drainTimeout time.Duration, bufSize int) *Dispatcher {
	return &Dispatcher{
		reg:               registry.New(),
		in:                make(chan conn.Event, bufSize),
		internal:          make(chan internalEvent, 256),
		snapshotCh:        make(chan snapshotRequest),
		sched:             timer.NewScheduler(),
		persist:           persist,
		bus:               bus,
		defaultMaxBacklog: defaultMaxBacklog,
		maxBacklog:        make(map[string]int),
		shutdownReqCh:     make(chan shutdownRequest),
		stopped:           make(chan struct{}),
		drainTimeout:      drainTimeout,
		startedAt:         time.Now(),
	}
}

// Events returns the channel new connections should post conn.Event
// values into.
func (d *Dispatcher) Events() chan<- conn.Event { return d.in }

// Replay loads any jobs left over from a previous run's persistent queue
// back into the registry, before the listener starts accepting traffic.
func (d *Dispatcher) Replay(ctx context.Context) error {
	records, err := d.persist.Replay(ctx)
	if err != nil {
		return fmt.Errorf("dispatch: replay: %w", err)
	}
	for _, r := range records {
		f := d.reg.Function(r.Function)
		j := &registry.Job{
			Handle:     r.Handle,
			Function:   f,
			Priority:   r.Priority,
			Unique:     r.Unique,
			Data:       r.Data,
			Background: true,
			Status:     registry.StatusQueued,
			CreatedAt:  r.CreatedAt,
		}
		d.reg.PutJob(j)
		f.Enqueue(j)
	}
	if len(records) > 0 {
		log.Printf("dispatch: replayed %d background jobs from persistent queue", len(records))
	}
	return nil
}

// Run is the dispatcher's main loop. A plain context cancellation stops it
// immediately. A graceful RequestShutdown instead sets draining — which
// makes submitJob start refusing new SUBMIT_JOB* — and keeps servicing
// in-flight connections until the registry reports no jobs left or
// drainTimeout elapses, whichever comes first, and only then returns.
func (d *Dispatcher) Run(ctx context.Context) {
	d.sched.Start()
	defer d.sched.Stop()
	defer close(d.stopped)

	var drainDeadline <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-d.shutdownReqCh:
			if !req.graceful || d.reg.JobCount() == 0 {
				return
			}
			d.draining = true
			if d.drainTimeout > 0 {
				drainDeadline = time.After(d.drainTimeout)
			}
		case <-drainDeadline:
			return
		case ev := <-d.in:
			d.handleConnEvent(ev)
			if d.draining && d.reg.JobCount() == 0 {
				return
			}
		case iev := <-d.internal:
			d.handleInternalEvent(iev)
			if d.draining && d.reg.JobCount() == 0 {
				return
			}
		case req := <-d.snapshotCh:
			req.reply <- d.functionDepthsSnapshot()
		}
	}
}

// Stopped is closed once Run has returned, so callers that asked for a
// graceful shutdown can wait for draining to actually finish instead of
// tearing down the process the instant the request is posted.
func (d *Dispatcher) Stopped() <-chan struct{} { return d.stopped }

// RequestShutdown asks the dispatch loop to stop. A bare (non-graceful)
// request stops it on the next loop iteration; a graceful one makes Run
// refuse new SUBMIT_JOB* and drain in-flight jobs first (see Run).
func (d *Dispatcher) RequestShutdown(graceful bool) {
	select {
	case d.shutdownReqCh <- shutdownRequest{graceful: graceful}:
	case <-d.stopped:
	}
}

func (d *Dispatcher) handleConnEvent(ev conn.Event) {
	switch ev.Kind {
	case conn.EventPacket:
		d.handlePacket(ev.Conn, ev.Packet)
	case conn.EventAdminLine:
		d.handleAdminLine(ev.Conn, ev.AdminLine)
	case conn.EventClosed:
		d.handleDisconnect(ev.Conn)
	}
}

func (d *Dispatcher) handleInternalEvent(iev internalEvent) {
	switch iev.kind {
	case internalPromoteDelayed:
		d.promoteDelayed(iev.function)
	case internalWorkerTimeout:
		d.handleWorkerTimeout(iev.connID, iev.handle)
	}
}

// postInternal is used by timer.Scheduler Fire closures, which run on
// their own goroutine, to hand control back to the dispatcher goroutine
// instead of touching the registry directly.
func (d *Dispatcher) postInternal(iev internalEvent) {
	select {
	case d.internal <- iev:
	case <-d.stopped:
	}
}

func (d *Dispatcher) handlePacket(c *conn.Connection, pkt *wire.Packet) {
	if c.Role() == conn.RoleUnknown {
		d.assignRole(c, pkt.Command)
	}

	switch {
	case wire.IsClientCommand(pkt.Command):
		d.handleClientPacket(c, pkt)
	case wire.IsWorkerCommand(pkt.Command):
		d.handleWorkerPacket(c, pkt)
	default:
		d.handleCommonPacket(c, pkt)
	}
}

func (d *Dispatcher) assignRole(c *conn.Connection, cmd wire.Command) {
	switch {
	case wire.IsClientCommand(cmd):
		c.SetRole(conn.RoleClient)
	case wire.IsWorkerCommand(cmd):
		c.SetRole(conn.RoleWorker)
	}
}

func (d *Dispatcher) handleCommonPacket(c *conn.Connection, pkt *wire.Packet) {
	switch pkt.Command {
	case wire.CmdEchoReq:
		c.Send(wire.NewPacket(wire.MagicRes, wire.CmdEchoRes, pkt.Arg(0)))
	default:
		d.sendError(c, "unknown_command", fmt.Sprintf("unrecognized command %s", pkt.Command))
	}
}

func (d *Dispatcher) sendError(c *conn.Connection, code, text string) {
	c.Send(wire.NewPacket(wire.MagicRes, wire.CmdError, []byte(code), []byte(text)))
}

// SetMaxBacklog overrides the default max-backlog threshold for one
// function, the dispatch-side half of the admin "maxqueue" command and
// config-driven per-function overrides. Only ever called from the
// dispatcher goroutine.
func (d *Dispatcher) SetMaxBacklog(function string, max int) {
	d.maxBacklog[function] = max
	snapshot := make(map[string]int, len(d.maxBacklog))
	for k, v := range d.maxBacklog {
		snapshot[k] = v
	}
	d.maxBacklogSnapshot.Store(snapshot)
}

func (d *Dispatcher) functionDepthsSnapshot() map[string]int {
	depths := make(map[string]int, len(d.reg.Functions()))
	for name, f := range d.reg.Functions() {
		depths[name] = f.QueueDepth()
	}
	return depths
}

// FunctionDepths satisfies backlog.Source. It runs on the watcher's own
// goroutine, so it asks the dispatcher goroutine for a snapshot over
// snapshotCh instead of reading the registry directly — the registry has
// exactly one writer/reader, and this keeps it that way.
func (d *Dispatcher) FunctionDepths() map[string]int {
	req := snapshotRequest{reply: make(chan map[string]int, 1)}
	select {
	case d.snapshotCh <- req:
	case <-d.stopped:
		return nil
	}
	select {
	case depths := <-req.reply:
		return depths
	case <-d.stopped:
		return nil
	}
}

// MaxBacklog satisfies backlog.Source. maxBacklog is only ever written by
// the dispatcher goroutine (admin "maxqueue"), so a plain read from
// another goroutine would race; the backlog watcher's sample interval is
// coarse enough that copying the whole map on each admin mutation instead
// of synchronizing every read is the simpler tradeoff.
func (d *Dispatcher) MaxBacklog(function string) int {
	overrides := d.maxBacklogSnapshot.Load()
	if overrides != nil {
		if max, ok := overrides.(map[string]int)[function]; ok {
			return max
		}
	}
	return d.defaultMaxBacklog
}
