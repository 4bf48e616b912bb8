package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracelight/internal/model"
	"tracelight/internal/store"
)

func TestMemoryStatusRoundTrip(t *testing.T) {
	s := NewMemoryStatus(time.Hour, nil)
	job := model.Job{ID: "j1", Status: model.StatusRunning, ProgressPct: 40}
	require.NoError(t, s.Save(context.Background(), job))

	got, err := s.Get(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, got.Status)
	assert.Equal(t, 40, got.ProgressPct)

	_, err = s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMemoryStatusTerminalTTL(t *testing.T) {
	now := time.Unix(0, 0)
	clock := func() time.Time { return now }
	s := NewMemoryStatus(time.Minute, clock)

	running := model.Job{ID: "j1", Status: model.StatusRunning}
	require.NoError(t, s.Save(context.Background(), running))
	done := model.Job{ID: "j2", Status: model.StatusCompleted, ProgressPct: 100}
	require.NoError(t, s.Save(context.Background(), done))

	now = now.Add(2 * time.Minute)
	// non-terminal snapshots never expire
	_, err := s.Get(context.Background(), "j1")
	require.NoError(t, err)
	// terminal snapshots expire after the TTL
	_, err = s.Get(context.Background(), "j2")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
