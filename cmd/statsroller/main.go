// Command statsroller periodically rolls the job_events audit log up into
// the hourly and daily throughput tables, adapted from the teacher's
// aggregator binary: each rollup reschedules itself after it runs, using
// the shared timer.Scheduler instead of a bespoke timer manager.
package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/smukkama/gearmand/internal/store"
	"github.com/smukkama/gearmand/internal/timer"
	"github.com/smukkama/gearmand/pkg/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if !cfg.Postgres.Enabled() {
		log.Fatal("statsroller requires PGHOST to be set")
	}

	fmt.Println("Starting statsroller...")

	st, err := store.Open(cfg.Postgres.ConnectionString())
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	sched := timer.NewScheduler()
	sched.Start()
	defer sched.Stop()

	scheduleHourly(sched, st, cfg.Stats.HourlyDelay)
	scheduleDaily(sched, st, cfg.Stats.DailyTime)

	fmt.Println("statsroller running")
	fmt.Println("Press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("Shutting down statsroller...")
}

func scheduleHourly(sched *timer.Scheduler, st *store.Store, delay time.Duration) {
	const taskID = "hourly-rollup"

	var next func()
	next = func() {
		runAt := nextHourlyRun(delay)
		sched.Schedule(taskID, runAt, func() {
			prevHour := time.Now().Add(-time.Hour).Truncate(time.Hour)
			if err := st.AggregateHour(prevHour); err != nil {
				log.Printf("statsroller: hourly rollup failed: %v", err)
			}
			next()
		})
	}
	next()
}

func scheduleDaily(sched *timer.Scheduler, st *store.Store, timeOfDay string) {
	const taskID = "daily-rollup"

	var next func()
	next = func() {
		runAt, err := nextDailyRun(timeOfDay)
		if err != nil {
			log.Fatalf("statsroller: invalid STATS_DAILY_TIME: %v", err)
		}
		sched.Schedule(taskID, runAt, func() {
			yesterday := time.Now().AddDate(0, 0, -1).Truncate(24 * time.Hour)
			if err := st.AggregateDay(yesterday); err != nil {
				log.Printf("statsroller: daily rollup failed: %v", err)
			}
			next()
		})
	}
	next()
}

func nextHourlyRun(delay time.Duration) time.Time {
	now := time.Now()
	nextRun := now.Truncate(time.Hour).Add(time.Hour).Add(delay)
	if now.After(nextRun) {
		nextRun = nextRun.Add(time.Hour)
	}
	return nextRun
}

func nextDailyRun(timeOfDay string) (time.Time, error) {
	var hour, minute int
	if _, err := fmt.Sscanf(timeOfDay, "%d:%d", &hour, &minute); err != nil {
		return time.Time{}, fmt.Errorf("invalid time format %q (expected HH:MM)", timeOfDay)
	}

	now := time.Now()
	todayRun := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if now.After(todayRun) {
		return todayRun.AddDate(0, 0, 1), nil
	}
	return todayRun, nil
}
