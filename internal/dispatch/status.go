package dispatch

import (
	"fmt"

	"github.com/smukkama/gearmand/internal/conn"
	"github.com/smukkama/gearmand/internal/registry"
	"github.com/smukkama/gearmand/internal/wire"
)

// getStatus answers GET_STATUS / GET_STATUS_UNIQUE. known is true for any
// handle the registry still tracks; running is true once a worker has
// grabbed it. A handle that has already completed and been removed from
// the registry reports known=false, matching the protocol's definition of
// status as "currently in the queue or running".
func (d *Dispatcher) getStatus(c *conn.Connection, handle string, byUnique bool) {
	j, ok := d.reg.JobByHandle(handle)
	d.sendStatus(c, handle, j, ok, byUnique)
}

func (d *Dispatcher) getStatusByUnique(c *conn.Connection, unique string) {
	for _, f := range d.reg.Functions() {
		if j, ok := d.reg.JobByUnique(f.Name, unique); ok {
			d.sendStatus(c, j.Handle, j, true, true)
			return
		}
	}
	d.sendStatus(c, "", nil, false, true)
}

func (d *Dispatcher) sendStatus(c *conn.Connection, handle string, j *registry.Job, known, byUnique bool) {
	running := known && j.Status == registry.StatusRunning
	numerator, denominator := 0, 0
	if known {
		numerator, denominator = j.Numerator, j.Denominator
	}

	cmd := wire.CmdStatusRes
	if byUnique {
		cmd = wire.CmdStatusResUnique
	}

	c.Send(wire.NewPacket(wire.MagicRes, cmd,
		[]byte(handle),
		[]byte(boolFlag(known)),
		[]byte(boolFlag(running)),
		[]byte(fmt.Sprintf("%d", numerator)),
		[]byte(fmt.Sprintf("%d", denominator))))
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// optionReq implements OPTION_REQ. "exceptions" is the only option this
// server recognizes; anything else is rejected with an unknown option
// error, matching gearmand's own behavior.
func (d *Dispatcher) optionReq(c *conn.Connection, option string) {
	switch option {
	case "exceptions":
		cs := d.reg.Client(c)
		cs.WantsExceptions = true
		c.Send(wire.NewPacket(wire.MagicRes, wire.CmdOptionRes, []byte(option)))
	default:
		d.sendError(c, "unknown_option", fmt.Sprintf("unknown option %q", option))
	}
}
