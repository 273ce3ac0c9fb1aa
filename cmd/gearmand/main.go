package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/smukkama/gearmand/internal/backlog"
	"github.com/smukkama/gearmand/internal/dispatch"
	"github.com/smukkama/gearmand/internal/events"
	"github.com/smukkama/gearmand/internal/notify"
	"github.com/smukkama/gearmand/internal/persistence"
	"github.com/smukkama/gearmand/internal/queue"
	"github.com/smukkama/gearmand/internal/server"
	"github.com/smukkama/gearmand/pkg/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	fmt.Println("Starting gearmand...")

	persist := newPersistenceQueue(cfg)
	defer persist.Close()

	bus := newEventBus(cfg)
	defer bus.Close()

	d := dispatch.New(persist, bus, cfg.Backlog.DefaultMaxDepth, cfg.TCPServer.GracefulDrainTimeout, 4096)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Replay(ctx); err != nil {
		log.Fatalf("Failed to replay persisted jobs: %v", err)
	}

	go d.Run(ctx)
	fmt.Println("Dispatcher running")

	acceptor := server.NewAcceptor(&cfg.TCPServer, d)
	if err := acceptor.Start(); err != nil {
		log.Fatalf("Failed to start TCP server: %v", err)
	}
	defer acceptor.Stop()

	watcher := newBacklogWatcher(cfg, d)
	go watcher.Run(ctx)
	defer watcher.Stop()
	fmt.Println("Backlog watcher started")

	fmt.Println("gearmand is running")
	fmt.Printf("listening on port %d\n", cfg.TCPServer.Port)
	fmt.Println("Press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("Shutting down...")
	graceful := cfg.Admin.ShutdownGraceful
	if graceful {
		acceptor.StopDrain()
	}
	d.RequestShutdown(graceful)
	<-d.Stopped()
	fmt.Println("Dispatcher drained")
}

func newPersistenceQueue(cfg *config.Config) persistence.Queue {
	if !cfg.Postgres.Enabled() {
		fmt.Println("persistence: no PGHOST configured, using in-memory queue")
		return persistence.NewMemoryQueue()
	}
	q, err := persistence.NewPostgresQueue(cfg.Postgres.ConnectionString())
	if err != nil {
		log.Fatalf("Failed to connect to Postgres persistent queue: %v", err)
	}
	fmt.Println("persistence: Postgres-backed queue connected")
	return q
}

func newEventBus(cfg *config.Config) events.Publisher {
	if !cfg.Kafka.Enabled() {
		fmt.Println("events: no KAFKA_BROKERS configured, lifecycle events are discarded")
		return events.NoopPublisher{}
	}
	if err := queue.CreateTopic(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.NumPartitions, 1); err != nil {
		fmt.Printf("events: create topic %s: %v (assuming it already exists)\n", cfg.Kafka.Topic, err)
	}
	fmt.Printf("events: publishing lifecycle events to Kafka topic %s\n", cfg.Kafka.Topic)
	return events.NewKafkaPublisher(cfg.Kafka)
}

func newBacklogWatcher(cfg *config.Config, d *dispatch.Dispatcher) *backlog.Watcher {
	var states backlog.StateStore
	if cfg.Redis.Enabled() {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		states = backlog.NewRedisStateStore(client)
		fmt.Println("backlog: alarm state persisted to Redis")
	} else {
		states = backlog.NewMemoryStateStore()
		fmt.Println("backlog: no REDIS_ADDR configured, alarm state kept in memory")
	}

	notifier := notify.NewEmailNotifier(cfg.SMTP)
	return backlog.NewWatcher(d, states, notifier, cfg.Backlog.SampleInterval, cfg.Backlog.BreachDuration)
}
