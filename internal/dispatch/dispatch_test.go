package dispatch

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/smukkama/gearmand/internal/conn"
	"github.com/smukkama/gearmand/internal/events"
	"github.com/smukkama/gearmand/internal/persistence"
	"github.com/smukkama/gearmand/internal/wire"
)

// testPeer drives one end of a net.Pipe as a raw Gearman speaker, with the
// other end wired into the dispatcher under test exactly as conn.Connection
// wires a real accepted socket.
type testPeer struct {
	nc     net.Conn
	reader *wire.Reader
}

func newTestPeer(t *testing.T, d *Dispatcher) *testPeer {
	t.Helper()
	peerSide, serverSide := net.Pipe()
	t.Cleanup(func() { peerSide.Close() })

	c := conn.New(serverSide, d.Events(), 16)
	c.Start()

	return &testPeer{nc: peerSide, reader: wire.NewReader(peerSide)}
}

func (p *testPeer) send(cmd wire.Command, args ...[]byte) {
	pkt := wire.NewPacket(wire.MagicReq, cmd, args...)
	if _, err := p.nc.Write(pkt.Encode()); err != nil {
		panic(err)
	}
}

func (p *testPeer) recv(t *testing.T) *wire.Packet {
	t.Helper()
	type result struct {
		pkt *wire.Packet
		err error
	}
	ch := make(chan result, 1)
	go func() {
		pkt, err := p.reader.ReadResponsePacket()
		ch <- result{pkt, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			t.Fatalf("recv: %v", r.err)
		}
		return r.pkt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a response packet")
		return nil
	}
}

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	d := New(persistence.NewMemoryQueue(), events.NoopPublisher{}, 1000, time.Second, 64)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go d.Run(ctx)
	return d
}

func TestSubmitJobThenGrabJobThenWorkComplete(t *testing.T) {
	d := newTestDispatcher(t)

	worker := newTestPeer(t, d)
	worker.send(wire.CmdCanDo, []byte("reverse"))

	client := newTestPeer(t, d)
	client.send(wire.CmdSubmitJob, []byte("reverse"), nil, []byte("hello"))

	created := client.recv(t)
	if created.Command != wire.CmdJobCreated {
		t.Fatalf("first client response = %s, want JOB_CREATED", created.Command)
	}
	handle := created.ArgString(0)
	if handle == "" {
		t.Fatal("JOB_CREATED carried an empty handle")
	}

	worker.send(wire.CmdGrabJob)
	assigned := worker.recv(t)
	if assigned.Command != wire.CmdJobAssign {
		t.Fatalf("worker response = %s, want JOB_ASSIGN", assigned.Command)
	}
	if assigned.ArgString(0) != handle {
		t.Fatalf("assigned handle = %q, want %q", assigned.ArgString(0), handle)
	}
	if string(assigned.Arg(2)) != "hello" {
		t.Fatalf("assigned workload = %q, want %q", assigned.Arg(2), "hello")
	}

	worker.send(wire.CmdWorkComplete, []byte(handle), []byte("olleh"))

	complete := client.recv(t)
	if complete.Command != wire.CmdWorkComplete {
		t.Fatalf("client response = %s, want WORK_COMPLETE", complete.Command)
	}
	if string(complete.Arg(1)) != "olleh" {
		t.Fatalf("result = %q, want %q", complete.Arg(1), "olleh")
	}
}

func TestGrabJobWithNoWorkReturnsNoJob(t *testing.T) {
	d := newTestDispatcher(t)
	worker := newTestPeer(t, d)
	worker.send(wire.CmdCanDo, []byte("reverse"))
	worker.send(wire.CmdGrabJob)

	pkt := worker.recv(t)
	if pkt.Command != wire.CmdNoJob {
		t.Fatalf("response = %s, want NO_JOB", pkt.Command)
	}
}

func TestPreSleepWakesOnSubmit(t *testing.T) {
	d := newTestDispatcher(t)

	worker := newTestPeer(t, d)
	worker.send(wire.CmdCanDo, []byte("reverse"))
	worker.send(wire.CmdGrabJob)
	if pkt := worker.recv(t); pkt.Command != wire.CmdNoJob {
		t.Fatalf("response = %s, want NO_JOB", pkt.Command)
	}

	worker.send(wire.CmdPreSleep)

	client := newTestPeer(t, d)
	client.send(wire.CmdSubmitJobBG, []byte("reverse"), nil, []byte("payload"))
	if pkt := client.recv(t); pkt.Command != wire.CmdJobCreated {
		t.Fatalf("client response = %s, want JOB_CREATED", pkt.Command)
	}

	noop := worker.recv(t)
	if noop.Command != wire.CmdNoop {
		t.Fatalf("sleeping worker response = %s, want NOOP", noop.Command)
	}
}

func TestHighPriorityJobDequeuedBeforeNormal(t *testing.T) {
	d := newTestDispatcher(t)

	client := newTestPeer(t, d)
	client.send(wire.CmdSubmitJob, []byte("reverse"), nil, []byte("normal"))
	if pkt := client.recv(t); pkt.Command != wire.CmdJobCreated {
		t.Fatalf("response = %s, want JOB_CREATED", pkt.Command)
	}
	client.send(wire.CmdSubmitJobHigh, []byte("reverse"), nil, []byte("urgent"))
	if pkt := client.recv(t); pkt.Command != wire.CmdJobCreated {
		t.Fatalf("response = %s, want JOB_CREATED", pkt.Command)
	}

	worker := newTestPeer(t, d)
	worker.send(wire.CmdCanDo, []byte("reverse"))
	worker.send(wire.CmdGrabJob)

	assigned := worker.recv(t)
	if string(assigned.Arg(2)) != "urgent" {
		t.Fatalf("first assigned job payload = %q, want the HIGH priority job", assigned.Arg(2))
	}
}

func TestDuplicateUniqueCoalescesOntoSameHandle(t *testing.T) {
	d := newTestDispatcher(t)

	first := newTestPeer(t, d)
	first.send(wire.CmdSubmitJob, []byte("reverse"), []byte("same-key"), []byte("payload"))
	firstCreated := first.recv(t)

	second := newTestPeer(t, d)
	second.send(wire.CmdSubmitJob, []byte("reverse"), []byte("same-key"), []byte("payload"))
	secondCreated := second.recv(t)

	if firstCreated.ArgString(0) != secondCreated.ArgString(0) {
		t.Fatalf("resubmitting the same (function, unique) should coalesce onto one handle, got %q and %q",
			firstCreated.ArgString(0), secondCreated.ArgString(0))
	}
}

func TestGetStatusReportsRunningJob(t *testing.T) {
	d := newTestDispatcher(t)

	worker := newTestPeer(t, d)
	worker.send(wire.CmdCanDo, []byte("reverse"))

	client := newTestPeer(t, d)
	client.send(wire.CmdSubmitJob, []byte("reverse"), nil, []byte("payload"))
	handle := client.recv(t).ArgString(0)

	worker.send(wire.CmdGrabJob)
	worker.recv(t)

	client.send(wire.CmdGetStatus, []byte(handle))
	status := client.recv(t)
	if status.Command != wire.CmdStatusRes {
		t.Fatalf("response = %s, want STATUS_RES", status.Command)
	}
	if status.ArgString(1) != "1" {
		t.Errorf("known flag = %q, want \"1\"", status.ArgString(1))
	}
	if status.ArgString(2) != "1" {
		t.Errorf("running flag = %q, want \"1\"", status.ArgString(2))
	}
}

// adminPeer drives the line-based admin protocol over the other half of a
// net.Pipe, wired into the dispatcher exactly as newTestPeer wires the
// binary protocol.
type adminPeer struct {
	nc     net.Conn
	reader *bufio.Reader
}

func newAdminPeer(t *testing.T, d *Dispatcher) *adminPeer {
	t.Helper()
	peerSide, serverSide := net.Pipe()
	t.Cleanup(func() { peerSide.Close() })

	c := conn.New(serverSide, d.Events(), 16)
	c.Start()

	return &adminPeer{nc: peerSide, reader: bufio.NewReader(peerSide)}
}

func (p *adminPeer) sendLine(line string) {
	if _, err := p.nc.Write([]byte(line + "\n")); err != nil {
		panic(err)
	}
}

func (p *adminPeer) recvLine(t *testing.T) string {
	t.Helper()
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := p.reader.ReadString('\n')
		ch <- result{line, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			t.Fatalf("recvLine: %v", r.err)
		}
		return strings.TrimRight(r.line, "\r\n")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an admin response line")
		return ""
	}
}

func TestMaxQueueRejectsOverflowWithQueueFull(t *testing.T) {
	d := newTestDispatcher(t)

	admin := newAdminPeer(t, d)
	admin.sendLine("maxqueue reverse 1")
	if line := admin.recvLine(t); line != "OK" {
		t.Fatalf("maxqueue response = %q, want OK", line)
	}
	admin.recvLine(t) // trailing "."

	client := newTestPeer(t, d)
	client.send(wire.CmdSubmitJob, []byte("reverse"), nil, []byte("first"))
	if pkt := client.recv(t); pkt.Command != wire.CmdJobCreated {
		t.Fatalf("first submit response = %s, want JOB_CREATED", pkt.Command)
	}

	client.send(wire.CmdSubmitJob, []byte("reverse"), nil, []byte("second"))
	pkt := client.recv(t)
	if pkt.Command != wire.CmdError {
		t.Fatalf("second submit response = %s, want ERROR", pkt.Command)
	}
	if pkt.ArgString(0) != "QUEUE_FULL" {
		t.Fatalf("error code = %q, want QUEUE_FULL", pkt.ArgString(0))
	}
}

func TestBackgroundSubmitOntoExistingUniqueIsIgnored(t *testing.T) {
	d := newTestDispatcher(t)

	worker := newTestPeer(t, d)
	worker.send(wire.CmdCanDo, []byte("reverse"))

	first := newTestPeer(t, d)
	first.send(wire.CmdSubmitJob, []byte("reverse"), []byte("same-key"), []byte("payload"))
	handle := first.recv(t).ArgString(0)

	second := newTestPeer(t, d)
	second.send(wire.CmdSubmitJobBG, []byte("reverse"), []byte("same-key"), []byte("payload"))
	secondCreated := second.recv(t)
	if secondCreated.ArgString(0) != handle {
		t.Fatalf("background hit got handle %q, want %q", secondCreated.ArgString(0), handle)
	}

	worker.send(wire.CmdGrabJob)
	worker.recv(t)
	worker.send(wire.CmdWorkComplete, []byte(handle), []byte("result"))

	complete := first.recv(t)
	if complete.Command != wire.CmdWorkComplete {
		t.Fatalf("original client response = %s, want WORK_COMPLETE", complete.Command)
	}

	second.nc.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	if _, err := second.reader.ReadResponsePacket(); err == nil {
		t.Fatal("background submit onto an existing unique must not be tracked as a client")
	}
}

func TestGracefulShutdownDrainsInFlightJobBeforeStopping(t *testing.T) {
	d := New(persistence.NewMemoryQueue(), events.NoopPublisher{}, 1000, time.Second, 64)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	worker := newTestPeer(t, d)
	worker.send(wire.CmdCanDo, []byte("reverse"))

	client := newTestPeer(t, d)
	client.send(wire.CmdSubmitJob, []byte("reverse"), nil, []byte("payload"))
	handle := client.recv(t).ArgString(0)

	worker.send(wire.CmdGrabJob)
	worker.recv(t)

	go d.RequestShutdown(true)

	// The in-flight job must still be serviceable while draining.
	time.Sleep(20 * time.Millisecond)
	client.send(wire.CmdSubmitJob, []byte("reverse"), nil, []byte("rejected"))
	rejected := client.recv(t)
	if rejected.Command != wire.CmdError {
		t.Fatalf("submit while draining = %s, want ERROR", rejected.Command)
	}

	worker.send(wire.CmdWorkComplete, []byte(handle), []byte("done"))
	complete := client.recv(t)
	if complete.Command != wire.CmdWorkComplete {
		t.Fatalf("client response = %s, want WORK_COMPLETE", complete.Command)
	}

	select {
	case <-d.Stopped():
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher never stopped after draining its only job")
	}
}

func TestMapReduceAggregatesChildResultsInCompletionOrder(t *testing.T) {
	d := newTestDispatcher(t)

	mapper := newTestPeer(t, d)
	mapper.send(wire.CmdCanDo, []byte("map_words"))

	client := newTestPeer(t, d)
	client.send(wire.CmdSubmitReduceJob, []byte("map_words"), nil, []byte("count_words"), []byte("the quick fox"))
	parentCreated := client.recv(t)
	if parentCreated.Command != wire.CmdJobCreated {
		t.Fatalf("reduce submit response = %s, want JOB_CREATED", parentCreated.Command)
	}

	mapper.send(wire.CmdGrabJob)
	assigned := mapper.recv(t)
	if assigned.Command != wire.CmdJobAssign {
		t.Fatalf("mapper response = %s, want JOB_ASSIGN", assigned.Command)
	}

	// The mapper, while holding the reduce-parent job, submits its children
	// against the reducer function from the very same connection.
	mapper.send(wire.CmdSubmitJob, []byte("count_words"), nil, []byte("the"))
	child1 := mapper.recv(t).ArgString(0)
	mapper.send(wire.CmdSubmitJob, []byte("count_words"), nil, []byte("quick"))
	child2 := mapper.recv(t).ArgString(0)

	mapper.send(wire.CmdWorkComplete, []byte(assigned.ArgString(0)), nil)

	reducer := newTestPeer(t, d)
	reducer.send(wire.CmdCanDo, []byte("count_words"))
	reducer.send(wire.CmdGrabJob)
	firstAssigned := reducer.recv(t)
	reducer.send(wire.CmdWorkComplete, []byte(firstAssigned.ArgString(0)), []byte("1"))

	reducer.send(wire.CmdGrabJob)
	secondAssigned := reducer.recv(t)
	reducer.send(wire.CmdWorkComplete, []byte(secondAssigned.ArgString(0)), []byte("2"))

	result := client.recv(t)
	if result.Command != wire.CmdWorkComplete {
		t.Fatalf("parent response = %s, want WORK_COMPLETE", result.Command)
	}

	wantOrder := map[string]string{child1: "1", child2: "2"}
	var want string
	if firstAssigned.ArgString(0) == child1 {
		want = wantOrder[child1] + "\n" + wantOrder[child2]
	} else {
		// child2 was grabbed and completed first, with payload "1".
		want = wantOrder[child1] + "\n" + wantOrder[child2]
	}
	if string(result.Arg(1)) != want {
		t.Fatalf("aggregated result = %q, want %q", result.Arg(1), want)
	}
}

func TestWorkerDisconnectRequeuesJobForAnotherWorker(t *testing.T) {
	d := newTestDispatcher(t)

	client := newTestPeer(t, d)
	client.send(wire.CmdSubmitJob, []byte("reverse"), nil, []byte("payload"))
	handle := client.recv(t).ArgString(0)

	firstWorker := newTestPeer(t, d)
	firstWorker.send(wire.CmdCanDo, []byte("reverse"))
	firstWorker.send(wire.CmdGrabJob)
	firstWorker.recv(t)
	firstWorker.nc.Close()

	secondWorker := newTestPeer(t, d)
	secondWorker.send(wire.CmdCanDo, []byte("reverse"))

	deadline := time.Now().Add(2 * time.Second)
	for {
		secondWorker.send(wire.CmdGrabJob)
		pkt := secondWorker.recv(t)
		if pkt.Command == wire.CmdJobAssign {
			if pkt.ArgString(0) != handle {
				t.Fatalf("reassigned handle = %q, want %q", pkt.ArgString(0), handle)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("job was never requeued after its worker disconnected")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
