package persistence

import (
	"context"
	"testing"
)

func TestMemoryQueueAddReplayDone(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	rec := Record{Handle: "h1", Function: "reverse", Data: []byte("payload")}
	if err := q.Add(ctx, rec); err != nil {
		t.Fatalf("Add: %v", err)
	}

	records, err := q.Replay(ctx)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(records) != 1 || records[0].Handle != "h1" {
		t.Fatalf("Replay() = %v, want one record for h1", records)
	}

	if err := q.Done(ctx, "h1"); err != nil {
		t.Fatalf("Done: %v", err)
	}

	records, err = q.Replay(ctx)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("Replay() after Done = %v, want none", records)
	}
}

func TestMemoryQueueDoneOnUnknownHandleIsNoop(t *testing.T) {
	q := NewMemoryQueue()
	if err := q.Done(context.Background(), "missing"); err != nil {
		t.Fatalf("Done on unknown handle should not error, got %v", err)
	}
}
