package jobs

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"tracelight/internal/model"
	"tracelight/internal/store"
)

// StatusStore holds the fast job status snapshots. Writes are serialized
// per job (a worker is the only writer for its own job). Terminal snapshots
// expire after the configured TTL.
type StatusStore interface {
	Save(ctx context.Context, job model.Job) error
	Get(ctx context.Context, jobID string) (model.Job, error)
}

const statusKeyPrefix = "tracelight:job:"

// RedisStatus is the Redis-backed StatusStore.
type RedisStatus struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStatus wraps an existing Redis client. ttl bounds how long
// terminal snapshots are kept.
func NewRedisStatus(client *redis.Client, ttl time.Duration) *RedisStatus {
	return &RedisStatus{client: client, ttl: ttl}
}

func (s *RedisStatus) Save(ctx context.Context, job model.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	var expire time.Duration
	if job.Status.Terminal() {
		expire = s.ttl
	}
	return s.client.Set(ctx, statusKeyPrefix+job.ID, raw, expire).Err()
}

func (s *RedisStatus) Get(ctx context.Context, jobID string) (model.Job, error) {
	raw, err := s.client.Get(ctx, statusKeyPrefix+jobID).Result()
	if err == redis.Nil {
		return model.Job{}, store.ErrNotFound
	}
	if err != nil {
		return model.Job{}, err
	}
	var job model.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return model.Job{}, err
	}
	return job, nil
}

// MemoryStatus is the in-process StatusStore twin. TTL expiry of terminal
// snapshots uses the injected clock.
type MemoryStatus struct {
	mu   sync.RWMutex
	ttl  time.Duration
	now  func() time.Time
	jobs map[string]memoryStatusEntry
}

type memoryStatusEntry struct {
	job     model.Job
	expires time.Time // zero = no expiry
}

func NewMemoryStatus(ttl time.Duration, now func() time.Time) *MemoryStatus {
	if now == nil {
		now = time.Now
	}
	return &MemoryStatus{ttl: ttl, now: now, jobs: map[string]memoryStatusEntry{}}
}

func (s *MemoryStatus) Save(_ context.Context, job model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := memoryStatusEntry{job: job}
	if job.Status.Terminal() && s.ttl > 0 {
		entry.expires = s.now().Add(s.ttl)
	}
	s.jobs[job.ID] = entry
	return nil
}

func (s *MemoryStatus) Get(_ context.Context, jobID string) (model.Job, error) {
	s.mu.RLock()
	entry, ok := s.jobs[jobID]
	s.mu.RUnlock()
	if !ok {
		return model.Job{}, store.ErrNotFound
	}
	if !entry.expires.IsZero() && s.now().After(entry.expires) {
		s.mu.Lock()
		delete(s.jobs, jobID)
		s.mu.Unlock()
		return model.Job{}, store.ErrNotFound
	}
	return entry.job, nil
}
