package history

import (
	"context"
	"errors"
	"sync"
	"time"

	"synthtune/internal/models"
	"synthtune/internal/redis"
)

// StageCache holds the live stage of running runs.
type StageCache interface {
	SetStage(ctx context.Context, runID string, stage models.Stage) error
	Stage(ctx context.Context, runID string) (models.Stage, bool, error)
	Clear(ctx context.Context, runID string) error
}

type memoryStages struct {
	mu     sync.RWMutex
	stages map[string]models.Stage
}

// NewMemoryStages keeps stages in process memory.
func NewMemoryStages() StageCache {
	return &memoryStages{stages: make(map[string]models.Stage)}
}

func (m *memoryStages) SetStage(_ context.Context, runID string, stage models.Stage) error {
	m.mu.Lock()
	m.stages[runID] = stage
	m.mu.Unlock()
	return nil
}

func (m *memoryStages) Stage(_ context.Context, runID string) (models.Stage, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stage, ok := m.stages[runID]
	return stage, ok, nil
}

func (m *memoryStages) Clear(_ context.Context, runID string) error {
	m.mu.Lock()
	delete(m.stages, runID)
	m.mu.Unlock()
	return nil
}

const (
	stageKeyPrefix  = "history:stage:"
	DefaultStageTTL = 2 * time.Hour
)

// redisStages shares live stages across replicas. Entries expire so a crashed
// process does not leave a stage behind forever.
type redisStages struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStages(client *redis.Client, ttl time.Duration) StageCache {
	if ttl <= 0 {
		ttl = DefaultStageTTL
	}
	return &redisStages{client: client, ttl: ttl}
}

func stageKey(runID string) string {
	return stageKeyPrefix + runID
}

func (r *redisStages) SetStage(ctx context.Context, runID string, stage models.Stage) error {
	return r.client.Set(ctx, stageKey(runID), string(stage), r.ttl)
}

func (r *redisStages) Stage(ctx context.Context, runID string) (models.Stage, bool, error) {
	val, err := r.client.Get(ctx, stageKey(runID))
	if err != nil {
		if errors.Is(err, redis.ErrCacheMiss) {
			return "", false, nil
		}
		return "", false, err
	}
	return models.Stage(val), true, nil
}

func (r *redisStages) Clear(ctx context.Context, runID string) error {
	return r.client.Del(ctx, stageKey(runID))
}
