// Command eventwriter consumes the lifecycle event bus's Kafka topic and
// appends every event to the audit log table, grounded on the teacher's
// dbwriter/BatchWriter: batch up to a fixed size or flush interval,
// whichever comes first, committing offsets only after a successful
// write.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/smukkama/gearmand/internal/events"
	"github.com/smukkama/gearmand/internal/queue"
	"github.com/smukkama/gearmand/internal/store"
	"github.com/smukkama/gearmand/pkg/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if !cfg.Kafka.Enabled() {
		log.Fatal("eventwriter requires KAFKA_BROKERS to be set")
	}
	if !cfg.Postgres.Enabled() {
		log.Fatal("eventwriter requires PGHOST to be set")
	}

	fmt.Println("Starting eventwriter...")

	st, err := store.Open(cfg.Postgres.ConnectionString())
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	consumer := queue.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topic, "eventwriter-group")
	defer consumer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := &writer{consumer: consumer, store: st, batchSize: 100, flushInterval: 5 * time.Second}
	go w.run(ctx)

	fmt.Println("eventwriter running, consuming job events")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("Shutting down eventwriter...")
}

type writer struct {
	consumer      *queue.Consumer
	store         *store.Store
	batchSize     int
	flushInterval time.Duration
}

func (w *writer) run(ctx context.Context) {
	var batch []kafka.Message
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	msgCh := make(chan kafka.Message, 256)
	go func() {
		for {
			msg, err := w.consumer.Consume(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Printf("eventwriter: consume error: %v", err)
				continue
			}
			msgCh <- msg
		}
	}()

	for {
		select {
		case <-ctx.Done():
			w.flush(ctx, batch)
			return
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(ctx, batch)
				batch = nil
			}
		case msg := <-msgCh:
			batch = append(batch, msg)
			if len(batch) >= w.batchSize {
				w.flush(ctx, batch)
				batch = nil
			}
		}
	}
}

func (w *writer) flush(ctx context.Context, batch []kafka.Message) {
	for _, msg := range batch {
		var ev events.JobEvent
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			log.Printf("eventwriter: unmarshal: %v", err)
			continue
		}
		if err := w.store.InsertJobEvent(ev); err != nil {
			log.Printf("eventwriter: insert: %v", err)
			continue
		}
		if err := w.consumer.Commit(ctx, msg); err != nil {
			log.Printf("eventwriter: commit: %v", err)
		}
	}
}
