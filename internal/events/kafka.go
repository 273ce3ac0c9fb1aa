package events

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/smukkama/gearmand/internal/queue"
	"github.com/smukkama/gearmand/pkg/config"
)

// KafkaPublisher wraps the teacher's queue.Producer, repurposed to carry
// JobEvent payloads instead of weather metrics, behind a bounded channel so
// a slow or unreachable broker never blocks the dispatcher goroutine.
type KafkaPublisher struct {
	producer *queue.Producer
	ch       chan JobEvent
	done     chan struct{}
}

// NewKafkaPublisher starts a background goroutine that drains a bounded
// channel of events into the configured topic. Publish is therefore
// always non-blocking from the dispatcher's perspective, short of a full
// channel, in which case the event is dropped and logged — the bus is
// best-effort by design.
func NewKafkaPublisher(cfg config.KafkaConfig) *KafkaPublisher {
	producer := queue.NewProducerWithConfig(&queue.ProducerConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		Compression:  cfg.Compression,
		Async:        cfg.Async,
		MaxAttempts:  cfg.MaxAttempts,
		RequiredAcks: cfg.RequiredAcks,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		BatchBytes:   1048576,
	})

	p := &KafkaPublisher{
		producer: producer,
		ch:       make(chan JobEvent, 4096),
		done:     make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *KafkaPublisher) run() {
	for ev := range p.ch {
		data, err := json.Marshal(ev)
		if err != nil {
			log.Printf("events: marshal %s: %v", ev.Handle, err)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := p.producer.Publish(ctx, ev.Function, data); err != nil {
			log.Printf("events: publish %s: %v", ev.Handle, err)
		}
		cancel()
	}
	close(p.done)
}

func (p *KafkaPublisher) Publish(ev JobEvent) {
	select {
	case p.ch <- ev:
	default:
		log.Printf("events: bus full, dropping %s event for %s", ev.Kind, ev.Handle)
	}
}

func (p *KafkaPublisher) Close() error {
	close(p.ch)
	<-p.done
	return p.producer.Close()
}
