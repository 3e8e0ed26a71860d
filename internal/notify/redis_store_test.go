package notify

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"loyalty-notify/internal/clock"
	"loyalty-notify/internal/mergetag"
	"loyalty-notify/internal/models"
	"loyalty-notify/internal/queue"
	"loyalty-notify/internal/store"
	"loyalty-notify/internal/throttle"
)

func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisBufferStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewRedisBufferStore(newRedisClient(t), "test:")
	key := models.BufferKey{ParticipantUUID: "u-1", Rule: models.RulePointsUpdated}
	ends := time.Date(2026, 5, 4, 9, 2, 0, 0, time.UTC)

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.ErrorIs(t, s.Append(ctx, key, models.NotificationEvent{}), errNoBuffer)

	ev := pointsEvent("u-1", 1, 2)
	ev.ID = "e-1"
	ev.Timestamp = ends.Add(-2 * time.Minute)
	require.NoError(t, s.Create(ctx, models.NotificationBuffer{
		Key:             key,
		Generation:      "gen-1",
		ProgramID:       "prog-1",
		Events:          []models.NotificationEvent{ev},
		MergeWindowEnds: ends,
		Settings:        models.DefaultNotificationSettings(),
	}))

	ev2 := pointsEvent("u-1", 2, 3)
	ev2.ID = "e-2"
	require.NoError(t, s.Append(ctx, key, ev2))

	got, err = s.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "gen-1", got.Generation)
	assert.Equal(t, "prog-1", got.ProgramID)
	assert.True(t, got.MergeWindowEnds.Equal(ends))
	assert.Equal(t, 120*time.Second, got.Settings.MergeWindow)
	require.Len(t, got.Events, 2)
	assert.Equal(t, "e-1", got.Events[0].ID)
	assert.Equal(t, "e-2", got.Events[1].ID)
	assert.Equal(t, float64(3), got.Events[1].Data["unused_points_after"])

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []models.BufferKey{key}, keys)

	stale, err := s.Take(ctx, key, "gen-0")
	require.NoError(t, err)
	assert.Nil(t, stale, "other generation is not taken")

	taken, err := s.Take(ctx, key, "gen-1")
	require.NoError(t, err)
	require.NotNil(t, taken)
	assert.Len(t, taken.Events, 2)

	again, err := s.Take(ctx, key, "")
	require.NoError(t, err)
	assert.Nil(t, again)
	keys, err = s.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestRedisBufferStore_CreateReplaces(t *testing.T) {
	ctx := context.Background()
	s := NewRedisBufferStore(newRedisClient(t), "")
	key := models.BufferKey{ParticipantUUID: "u-1", Rule: models.RuleManual}

	for _, gen := range []string{"a", "b"} {
		require.NoError(t, s.Create(ctx, models.NotificationBuffer{
			Key:        key,
			Generation: gen,
			Events:     []models.NotificationEvent{{ID: gen, ParticipantUUID: "u-1", Rule: models.RuleManual}},
		}))
	}
	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "b", got.Generation)
	require.Len(t, got.Events, 1)
	assert.Equal(t, "b", got.Events[0].ID)
}

func TestManager_WithRedisBackends(t *testing.T) {
	ctx := context.Background()
	client := newRedisClient(t)
	clk := clock.NewFake(time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC))
	q := queue.New(store.NewMemory(), zap.NewNop(), queue.WithClock(clk))
	sched := &recordingScheduler{}
	composer := NewComposer(nil, mergetag.NewResolver(), q, throttle.NewRedis(client, ""), clk, zap.NewNop())
	m := NewManager(composer, zap.NewNop(),
		WithClock(clk),
		WithScheduler(sched),
		WithBufferStore(NewRedisBufferStore(client, "")),
	)

	for i := 0; i < 3; i++ {
		require.NoError(t, m.QueueNotificationEvent(ctx, pointsEvent("u-9", float64(i), float64(i+1)), models.NotificationSettings{}))
		clk.Advance(10 * time.Second)
	}
	buf := sched.last(t)
	require.NoError(t, m.FlushGeneration(ctx, buf.Key, buf.Generation))

	jobs, err := q.List(ctx, models.StatusCompleted, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	var p models.NotificationSentPayload
	require.NoError(t, models.DecodePayload(jobs[0], &p))
	assert.Equal(t, 3, p.EventsMerged)
	assert.Equal(t, int64(3), *p.PointsDelta)
}
