package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"loyalty-notify/internal/clock"
	"loyalty-notify/internal/models"
	"loyalty-notify/internal/queue"
	"loyalty-notify/internal/store"
)

func TestTimerScheduler_FiresAtWindowEnd(t *testing.T) {
	s := NewTimerScheduler(clock.Real{}, zap.NewNop())
	key := models.BufferKey{ParticipantUUID: "u-1", Rule: models.RuleManual}

	fired := make(chan string, 1)
	err := s.ScheduleFlush(context.Background(), models.NotificationBuffer{
		Key:             key,
		Generation:      "g-1",
		MergeWindowEnds: time.Now().Add(20 * time.Millisecond),
	}, func(_ context.Context, k models.BufferKey, gen string) error {
		assert.Equal(t, key, k)
		fired <- gen
		return nil
	})
	require.NoError(t, err)

	select {
	case gen := <-fired:
		assert.Equal(t, "g-1", gen)
	case <-time.After(2 * time.Second):
		t.Fatal("flush did not fire")
	}
	assert.Eventually(t, func() bool { return s.Pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestTimerScheduler_Stop(t *testing.T) {
	s := NewTimerScheduler(clock.Real{}, zap.NewNop())
	called := false
	require.NoError(t, s.ScheduleFlush(context.Background(), models.NotificationBuffer{
		Generation:      "g-1",
		MergeWindowEnds: time.Now().Add(time.Hour),
	}, func(context.Context, models.BufferKey, string) error {
		called = true
		return nil
	}))
	assert.Equal(t, 1, s.Pending())
	s.Stop()
	assert.Equal(t, 0, s.Pending())
	assert.False(t, called)
}

func TestJobScheduler_EnqueuesFlushAtWindowEnd(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC))
	q := queue.New(store.NewMemory(), zap.NewNop(), queue.WithClock(clk))
	s := NewJobScheduler(q)

	ends := clk.Now().Add(2 * time.Minute)
	require.NoError(t, s.ScheduleFlush(ctx, models.NotificationBuffer{
		Key:             models.BufferKey{ParticipantUUID: "u-1", Rule: models.RulePointsUpdated},
		Generation:      "g-7",
		MergeWindowEnds: ends,
	}, nil))

	job, err := q.Dequeue(ctx, models.TypeFlushBuffer)
	require.NoError(t, err)
	assert.Nil(t, job, "not due before the window ends")

	clk.Set(ends)
	job, err = q.Dequeue(ctx, models.TypeFlushBuffer)
	require.NoError(t, err)
	require.NotNil(t, job)

	var p models.FlushBufferPayload
	require.NoError(t, models.DecodePayload(*job, &p))
	assert.Equal(t, "g-7", p.Generation)
	assert.Equal(t, "u-1", p.ParticipantUUID)
}
