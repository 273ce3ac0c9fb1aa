// Package conn owns the per-connection I/O goroutines: one reader that
// decodes packets (or admin text lines) off the socket and posts them as
// events to the dispatcher, and one writer that drains a bounded outbound
// queue back onto the socket. Nothing here touches job or function state;
// that lives entirely in internal/registry and is owned by the dispatcher
// goroutine, following the server's no-shared-state dispatch model.
package conn

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/smukkama/gearmand/internal/wire"
)

// Role is the connection's Gearman-level identity. Admin is latched by the
// reader as soon as PeekIsBinary reports a text-protocol connection; Client
// and Worker are latched by the dispatcher the first time it sees a command
// that is exclusively one or the other. It only ever moves forward: Unknown
// -> {Client, Worker, Admin}.
type Role int32

const (
	RoleUnknown Role = iota
	RoleClient
	RoleWorker
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleWorker:
		return "worker"
	case RoleAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// EventKind discriminates the payload carried by an Event.
type EventKind int

const (
	EventPacket EventKind = iota
	EventAdminLine
	EventClosed
)

// Event is what a connection's reader goroutine posts to the dispatcher.
// It is a plain data value; the dispatcher is the only goroutine that acts
// on it, so no locking is needed around its fields.
type Event struct {
	Kind      EventKind
	Conn      *Connection
	Packet    *wire.Packet
	AdminLine string
	Err       error
}

// Connection wraps one accepted TCP socket. The Gearman-level bookkeeping
// (registered functions, pending jobs, sleep state) lives in
// internal/registry, addressed by Connection.ID; Connection itself holds
// only its latched Role and frames bytes on and off the wire.
type Connection struct {
	ID         string
	RemoteAddr string

	nc      net.Conn
	reader  *wire.Reader
	events  chan<- Event
	out     chan []byte
	closeCh chan struct{}
	closed  int32
	once    sync.Once

	role     atomic.Int32
	binary   bool
	detected bool

	ClientID string // from SET_CLIENT_ID, for admin "workers" listing
}

// New wraps an accepted connection. Call Start to begin pumping events.
func New(nc net.Conn, events chan<- Event, outboundBuffer int) *Connection {
	return &Connection{
		ID:         uuid.New().String(),
		RemoteAddr: nc.RemoteAddr().String(),
		nc:         nc,
		reader:     wire.NewReader(nc),
		events:     events,
		out:        make(chan []byte, outboundBuffer),
		closeCh:    make(chan struct{}),
	}
}

// Role returns the connection's current Gearman-level role.
func (c *Connection) Role() Role { return Role(c.role.Load()) }

// SetRole latches the connection's role. Called by the reader for an admin
// connection, or by the dispatcher the first time a role-revealing command
// arrives.
func (c *Connection) SetRole(r Role) { c.role.Store(int32(r)) }

// Start launches the reader and writer goroutines. Returns once both are
// running; the caller does not need to wait on them directly — the reader
// posts an EventClosed when the connection ends.
func (c *Connection) Start() {
	go c.writeLoop()
	go c.readLoop()
}

func (c *Connection) readLoop() {
	defer c.postClosed()

	isBinary, err := c.reader.PeekIsBinary()
	if err != nil {
		return
	}
	c.binary = isBinary

	if !isBinary {
		c.SetRole(RoleAdmin)
		c.readAdminLines()
		return
	}

	for {
		pkt, err := c.reader.ReadPacket()
		if err != nil {
			return
		}
		select {
		case c.events <- Event{Kind: EventPacket, Conn: c, Packet: pkt}:
		case <-c.closeCh:
			return
		}
	}
}

func (c *Connection) readAdminLines() {
	for {
		line, err := c.reader.ReadAdminLine()
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		select {
		case c.events <- Event{Kind: EventAdminLine, Conn: c, AdminLine: line}:
		case <-c.closeCh:
			return
		}
	}
}

func (c *Connection) postClosed() {
	select {
	case c.events <- Event{Kind: EventClosed, Conn: c}:
	default:
		// events channel is bounded; a full channel here means the
		// dispatcher is already shutting down and will sweep this
		// connection from the registry on its own close path.
	}
}

func (c *Connection) writeLoop() {
	w := bufio.NewWriter(c.nc)
	for {
		select {
		case buf, ok := <-c.out:
			if !ok {
				w.Flush()
				return
			}
			if _, err := w.Write(buf); err != nil {
				c.Close()
				return
			}
			if len(c.out) == 0 {
				w.Flush()
			}
		case <-c.closeCh:
			return
		}
	}
}

var ErrConnectionClosed = errors.New("conn: connection closed")

// Send enqueues a binary packet for delivery. It never blocks the caller
// (the dispatcher goroutine) on a slow reader: a full outbound queue closes
// the connection rather than stalling dispatch for every other client.
func (c *Connection) Send(pkt *wire.Packet) error {
	return c.enqueue(pkt.Encode())
}

// SendLine enqueues one line of the text admin protocol.
func (c *Connection) SendLine(s string) error {
	if !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	return c.enqueue([]byte(s))
}

func (c *Connection) enqueue(buf []byte) error {
	if atomic.LoadInt32(&c.closed) != 0 {
		return ErrConnectionClosed
	}
	select {
	case c.out <- buf:
		return nil
	default:
		c.Close()
		return fmt.Errorf("conn %s: outbound queue full, disconnecting: %w", c.ID, ErrConnectionClosed)
	}
}

// Close tears the connection down. Idempotent and safe to call from any
// goroutine, including the dispatcher and both of the connection's own
// pumps.
func (c *Connection) Close() {
	c.once.Do(func() {
		atomic.StoreInt32(&c.closed, 1)
		close(c.closeCh)
		c.nc.Close()
	})
}

// SetDeadline forwards to the underlying net.Conn. Nothing in the server
// calls it; the protocol branch is detected without a read deadline.
func (c *Connection) SetDeadline(t time.Time) error {
	return c.nc.SetDeadline(t)
}

// Done returns a channel closed once the connection has torn down, for
// callers that only need to know when it's gone (e.g. a live-connection
// counter) without touching protocol state.
func (c *Connection) Done() <-chan struct{} {
	return c.closeCh
}
