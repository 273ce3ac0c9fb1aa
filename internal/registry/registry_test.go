package registry

import (
	"net"
	"testing"

	"github.com/smukkama/gearmand/internal/conn"
	"github.com/smukkama/gearmand/internal/wire"
)

func newTestConn(t *testing.T) *conn.Connection {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	return conn.New(server, make(chan conn.Event, 10), 10)
}

func TestFunctionDequeuePriorityOrdering(t *testing.T) {
	f := newFunction("reverse")

	low := &Job{Handle: "low", Priority: wire.PriorityLow}
	normal := &Job{Handle: "normal", Priority: wire.PriorityNormal}
	high := &Job{Handle: "high", Priority: wire.PriorityHigh}

	f.Enqueue(low)
	f.Enqueue(normal)
	f.Enqueue(high)

	order := []string{}
	for {
		j := f.Dequeue()
		if j == nil {
			break
		}
		order = append(order, j.Handle)
	}

	want := []string{"high", "normal", "low"}
	if len(order) != len(want) {
		t.Fatalf("dequeue order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("dequeue order = %v, want %v", order, want)
			break
		}
	}
}

func TestFunctionDequeueSkipsIgnoredJobs(t *testing.T) {
	f := newFunction("reverse")
	dropped := &Job{Handle: "dropped", Priority: wire.PriorityNormal, Ignore: true}
	kept := &Job{Handle: "kept", Priority: wire.PriorityNormal}

	f.Enqueue(dropped)
	f.Enqueue(kept)

	got := f.Dequeue()
	if got == nil || got.Handle != "kept" {
		t.Fatalf("Dequeue() = %v, want kept", got)
	}
	if f.Dequeue() != nil {
		t.Error("expected no further runnable jobs")
	}
}

func TestJobByUniqueCoalescing(t *testing.T) {
	r := New()
	f := r.Function("reverse")

	j := &Job{Handle: r.NextHandle(), Function: f, Unique: "abc"}
	r.PutJob(j)

	got, ok := r.JobByUnique("reverse", "abc")
	if !ok || got != j {
		t.Fatalf("JobByUnique did not return the submitted job")
	}

	if _, ok := r.JobByUnique("reverse", "missing"); ok {
		t.Error("JobByUnique found a job for an unregistered unique key")
	}
}

func TestGrabJobForPicksHighestPriorityAcrossFunctions(t *testing.T) {
	r := New()
	c := newTestConn(t)
	w := r.Worker(c)

	r.CanDo(c, "slow", 0)
	r.CanDo(c, "fast", 0)

	slow := r.Function("slow")
	fast := r.Function("fast")

	lowJob := &Job{Handle: "slow-1", Function: slow, Priority: wire.PriorityLow}
	highJob := &Job{Handle: "fast-1", Function: fast, Priority: wire.PriorityHigh}
	slow.Enqueue(lowJob)
	fast.Enqueue(highJob)

	got := r.GrabJobFor(w)
	if got != highJob {
		t.Fatalf("GrabJobFor() = %v, want the HIGH priority job", got)
	}
	if fast.QueueDepth() != 0 {
		t.Error("GrabJobFor should remove the job from its queue")
	}
	if slow.QueueDepth() != 1 {
		t.Error("GrabJobFor should not touch the other function's queue")
	}
}

func TestDisconnectWorkerRequeuesCurrentJob(t *testing.T) {
	r := New()
	c := newTestConn(t)
	w := r.Worker(c)
	r.CanDo(c, "reverse", 0)

	f := r.Function("reverse")
	j := &Job{Handle: "h1", Function: f, Status: StatusRunning, Worker: w}
	w.CurrentJob = j
	w.CurrentFunction = "reverse"

	r.DisconnectWorker(c.ID)

	if j.Status != StatusQueued {
		t.Errorf("job status = %v, want StatusQueued after worker disconnect", j.Status)
	}
	if j.Worker != nil {
		t.Error("job should be detached from its worker after disconnect")
	}
	if f.QueueDepth() != 1 {
		t.Error("disconnected worker's in-flight job should be requeued")
	}
	if _, ok := r.LookupWorker(c.ID); ok {
		t.Error("worker should be removed from the registry")
	}
}

func TestDisconnectWorkerDropsIgnoredJob(t *testing.T) {
	r := New()
	c := newTestConn(t)
	w := r.Worker(c)
	r.CanDo(c, "reverse", 0)

	f := r.Function("reverse")
	j := &Job{Handle: "h1", Function: f, Status: StatusRunning, Worker: w, Ignore: true}
	w.CurrentJob = j

	r.DisconnectWorker(c.ID)

	if f.QueueDepth() != 0 {
		t.Error("an abandoned (Ignore) job should not be requeued")
	}
}

func TestDisconnectClientMarksForegroundJobIgnoredOnceUntracked(t *testing.T) {
	r := New()
	c := newTestConn(t)
	f := r.Function("reverse")

	j := &Job{Handle: "h1", Function: f}
	j.AddClient(c)
	cs := r.Client(c)
	cs.Jobs[j.Handle] = j

	r.DisconnectClient(c.ID)

	if !j.Ignore {
		t.Error("foreground job with no remaining tracking client should be marked Ignore")
	}
}

func TestDisconnectClientLeavesBackgroundJobRunning(t *testing.T) {
	r := New()
	c := newTestConn(t)
	f := r.Function("reverse")

	j := &Job{Handle: "h1", Function: f, Background: true}
	j.AddClient(c)
	cs := r.Client(c)
	cs.Jobs[j.Handle] = j

	r.DisconnectClient(c.ID)

	if j.Ignore {
		t.Error("background jobs must survive their submitting client disconnecting")
	}
}
