// Package server owns the TCP listener that accepts client and worker
// connections and hands them to the dispatcher. It listens on one TCP port
// only; there is no Unix socket listener.
// Framing, role detection, and all protocol state live in internal/conn
// and internal/dispatch; this package is only responsible for accepting
// sockets and enforcing the connection-count ceiling.
package server

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/smukkama/gearmand/internal/conn"
	"github.com/smukkama/gearmand/internal/dispatch"
	"github.com/smukkama/gearmand/pkg/config"
)

// Acceptor is the job server's TCP front door. It accepts connections,
// wraps each in a conn.Connection wired to the dispatcher's event
// channel, and refuses new connections once draining has started.
type Acceptor struct {
	cfg        *config.TCPServerConfig
	dispatcher *dispatch.Dispatcher

	listener net.Listener
	wg       sync.WaitGroup
	stopCh   chan struct{}

	connCount int64
	draining  int32
}

// NewAcceptor builds an Acceptor bound to a not-yet-running dispatcher.
func NewAcceptor(cfg *config.TCPServerConfig, d *dispatch.Dispatcher) *Acceptor {
	return &Acceptor{
		cfg:        cfg,
		dispatcher: d,
		stopCh:     make(chan struct{}),
	}
}

// Start opens the listening socket and begins accepting connections.
func (a *Acceptor) Start() error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", addr, err)
	}
	a.listener = listener
	fmt.Printf("gearmand: listening on %s\n", addr)

	a.wg.Add(1)
	go a.acceptLoop()
	return nil
}

// StopDrain stops accepting new connections but leaves existing ones
// alone, for "shutdown graceful".
func (a *Acceptor) StopDrain() {
	atomic.StoreInt32(&a.draining, 1)
}

// Stop closes the listener and waits for the accept loop to exit. It does
// not close already-accepted connections.
func (a *Acceptor) Stop() {
	close(a.stopCh)
	if a.listener != nil {
		a.listener.Close()
	}
	a.wg.Wait()
	fmt.Println("gearmand: stopped accepting connections")
}

func (a *Acceptor) acceptLoop() {
	defer a.wg.Done()

	for {
		nc, err := a.listener.Accept()
		if err != nil {
			select {
			case <-a.stopCh:
				return
			default:
				fmt.Printf("server: accept error: %v\n", err)
				continue
			}
		}

		if atomic.LoadInt32(&a.draining) != 0 {
			nc.Close()
			continue
		}

		if a.cfg.MaxConnections > 0 && atomic.LoadInt64(&a.connCount) >= int64(a.cfg.MaxConnections) {
			fmt.Println("server: max connections reached, rejecting")
			nc.Close()
			continue
		}

		atomic.AddInt64(&a.connCount, 1)
		c := conn.New(nc, a.dispatcher.Events(), a.cfg.OutboundQueueSize)
		c.Start()
		go a.trackLifetime(c)
	}
}

// trackLifetime decrements connCount once the connection's own goroutines
// exit, without the acceptor needing to inspect conn internals beyond the
// handle it already has.
func (a *Acceptor) trackLifetime(c *conn.Connection) {
	<-c.Done()
	atomic.AddInt64(&a.connCount, -1)
}

// ConnectionCount reports the number of currently accepted connections.
func (a *Acceptor) ConnectionCount() int {
	return int(atomic.LoadInt64(&a.connCount))
}
