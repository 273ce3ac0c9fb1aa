package dispatch

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/smukkama/gearmand/internal/conn"
)

// handleAdminLine implements the line-based admin protocol that shares the
// same TCP port as the binary client/worker protocol. Every response ends
// with a line containing a single ".".
func (d *Dispatcher) handleAdminLine(c *conn.Connection, line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		c.SendLine(".")
		return
	}

	switch fields[0] {
	case "status":
		d.adminStatus(c)
	case "workers":
		d.adminWorkers(c)
	case "maxqueue":
		d.adminMaxQueue(c, fields[1:])
	case "shutdown":
		d.adminShutdown(c, fields[1:])
	case "version":
		c.SendLine(Version)
		c.SendLine(".")
	case "getpid":
		c.SendLine(strconv.Itoa(os.Getpid()))
		c.SendLine(".")
	default:
		c.SendLine(fmt.Sprintf("ERR unknown_command %s", fields[0]))
		c.SendLine(".")
	}
}

// adminStatus emits one line per function: name, total queued, running,
// worker count.
func (d *Dispatcher) adminStatus(c *conn.Connection) {
	for _, f := range d.reg.Functions() {
		c.SendLine(fmt.Sprintf("%s\t%d\t%d\t%d", f.Name, f.QueueDepth(), f.RunningCount(), f.WorkerCount()))
	}
	c.SendLine(".")
}

// adminWorkers emits one line per worker connection: connection id,
// remote address, client id, registered functions.
func (d *Dispatcher) adminWorkers(c *conn.Connection) {
	seen := make(map[string]bool)
	for _, f := range d.reg.Functions() {
		for connID, w := range f.Workers {
			if seen[connID] {
				continue
			}
			seen[connID] = true
			functions := make([]string, 0, len(w.CanDo))
			for name := range w.CanDo {
				functions = append(functions, name)
			}
			c.SendLine(fmt.Sprintf("%s %s %s : %s", connID, w.Conn.RemoteAddr, w.ClientID, strings.Join(functions, " ")))
		}
	}
	c.SendLine(".")
}

// adminMaxQueue sets per-priority queue caps for a function. Bare
// "maxqueue <function> <n>" applies n to all three priorities; three sizes
// set HIGH, NORMAL, LOW independently.
func (d *Dispatcher) adminMaxQueue(c *conn.Connection, args []string) {
	if len(args) < 1 {
		c.SendLine("ERR missing_function")
		c.SendLine(".")
		return
	}
	f := d.reg.Function(args[0])
	sizes := args[1:]
	switch len(sizes) {
	case 0:
		for p := range f.MaxQueueSize {
			f.MaxQueueSize[p] = 0
		}
	case 1:
		n, _ := strconv.Atoi(sizes[0])
		for p := range f.MaxQueueSize {
			f.MaxQueueSize[p] = n
		}
		d.SetMaxBacklog(f.Name, n)
	default:
		for p := 0; p < len(f.MaxQueueSize) && p < len(sizes); p++ {
			n, _ := strconv.Atoi(sizes[p])
			f.MaxQueueSize[p] = n
		}
	}
	c.SendLine("OK")
	c.SendLine(".")
}

// adminShutdown requests dispatcher shutdown. "shutdown graceful" stops
// accepting new SUBMIT_JOB* and drains every in-flight job before Run
// returns; a bare "shutdown" stops the dispatch loop on its next iteration.
// Neither form closes the connections that are already open.
func (d *Dispatcher) adminShutdown(c *conn.Connection, args []string) {
	c.SendLine("OK")
	c.SendLine(".")
	graceful := len(args) > 0 && args[0] == "graceful"
	go d.RequestShutdown(graceful)
}
