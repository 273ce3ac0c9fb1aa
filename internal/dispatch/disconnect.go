package dispatch

import "github.com/smukkama/gearmand/internal/conn"

// handleDisconnect cleans up registry state for a closed connection. A
// worker's in-flight job is requeued to the head of its function's FIFO
// (registry.DisconnectWorker); a client's foreground jobs are marked
// Ignore once they have no other tracking client left, per the
// background-job survival rule.
func (d *Dispatcher) handleDisconnect(c *conn.Connection) {
	switch c.Role() {
	case conn.RoleWorker:
		d.reg.DisconnectWorker(c.ID)
	case conn.RoleClient:
		d.reg.DisconnectClient(c.ID)
	}
}
