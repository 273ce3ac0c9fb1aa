package registry

import "github.com/smukkama/gearmand/internal/conn"

// ClientSession is the dispatcher's view of a connection that has sent a
// client command (SUBMIT_JOB*, GET_STATUS, ...). It tracks the jobs the
// client is attached to (for fan-out of WORK_* packets) and whether it has
// opted into WORK_EXCEPTION delivery via OPTION_REQ exceptions.
type ClientSession struct {
	ConnID string
	Conn   *conn.Connection

	WantsExceptions bool

	// Jobs this client submitted or is otherwise attached to, keyed by
	// handle, so disconnect cleanup can find them without a full scan.
	Jobs map[string]*Job
}

func newClientSession(c *conn.Connection) *ClientSession {
	return &ClientSession{
		ConnID: c.ID,
		Conn:   c,
		Jobs:   make(map[string]*Job),
	}
}
