// Package backlog implements the backlog alarm watcher: a periodic sampler
// that pushes each function's queue depth through a CLEAR -> PENDING_ALARM
// -> ALARMING state machine and emails an operator when a function has
// been over its configured depth for too long. Grounded on the teacher's
// internal/alarming package, with "metric crosses threshold" reinterpreted
// as "queue depth exceeds MaxBacklog".
package backlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Status string

const (
	StatusClear   Status = "CLEAR"
	StatusPending Status = "PENDING_ALARM"
	StatusAlarm   Status = "ALARMING"
)

// State is one function's alarm state, persisted so the watcher survives
// a restart without re-triggering an alarm that had already started its
// breach timer.
type State struct {
	Status          Status    `json:"status"`
	BreachStartTime time.Time `json:"breach_start_time"`
	LastChecked     time.Time `json:"last_checked"`
	BreachDepth     int       `json:"breach_depth"`
}

// StateStore persists per-function alarm state. RedisStateStore is used
// when Redis is configured; MemoryStateStore otherwise.
type StateStore interface {
	Get(ctx context.Context, function string) (State, error)
	Set(ctx context.Context, function string, s State) error
	Delete(ctx context.Context, function string) error
}

// RedisStateStore backs alarm state with Redis, grounded on the teacher's
// alarming.StateManager.
type RedisStateStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStateStore(client *redis.Client) *RedisStateStore {
	return &RedisStateStore{client: client, ttl: 7 * 24 * time.Hour}
}

func redisKey(function string) string {
	return fmt.Sprintf("alarm_state:%s", function)
}

func (s *RedisStateStore) Get(ctx context.Context, function string) (State, error) {
	data, err := s.client.Get(ctx, redisKey(function)).Result()
	if err == redis.Nil {
		return State{Status: StatusClear}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("backlog: get state: %w", err)
	}
	var st State
	if err := json.Unmarshal([]byte(data), &st); err != nil {
		return State{}, fmt.Errorf("backlog: unmarshal state: %w", err)
	}
	return st, nil
}

func (s *RedisStateStore) Set(ctx context.Context, function string, st State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("backlog: marshal state: %w", err)
	}
	if err := s.client.Set(ctx, redisKey(function), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("backlog: set state: %w", err)
	}
	return nil
}

func (s *RedisStateStore) Delete(ctx context.Context, function string) error {
	return s.client.Del(ctx, redisKey(function)).Err()
}

// MemoryStateStore is an in-process StateStore, used when Redis is not
// configured.
type MemoryStateStore struct {
	states map[string]State
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string]State)}
}

func (m *MemoryStateStore) Get(_ context.Context, function string) (State, error) {
	if s, ok := m.states[function]; ok {
		return s, nil
	}
	return State{Status: StatusClear}, nil
}

func (m *MemoryStateStore) Set(_ context.Context, function string, s State) error {
	m.states[function] = s
	return nil
}

func (m *MemoryStateStore) Delete(_ context.Context, function string) error {
	delete(m.states, function)
	return nil
}
