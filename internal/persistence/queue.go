// Package persistence implements the PersistentQueue capability: durable
// storage for background jobs so they survive a server restart and can be
// replayed back into the registry on startup.
package persistence

import (
	"context"
	"time"

	"github.com/smukkama/gearmand/internal/wire"
)

// Record is the durable form of a job, independent of the in-memory
// registry.Job it mirrors.
type Record struct {
	Handle    string
	Function  string
	Unique    string
	Priority  wire.Priority
	Data      []byte
	CreatedAt time.Time
}

// Queue is the pluggable persistence backend a dispatcher writes through
// for every background job: Add before JOB_CREATED is acknowledged, Done
// once the job reaches a terminal state, Replay once at startup to refill
// the registry with jobs that never got to run.
type Queue interface {
	Add(ctx context.Context, r Record) error
	Done(ctx context.Context, handle string) error
	Flush(ctx context.Context) error
	Replay(ctx context.Context) ([]Record, error)
	Close() error
}
