package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kronklabs/kronk/internal/bus"
)

func noop(context.Context) error { return nil }

func TestRegisterValidatesCronExpression(t *testing.T) {
	s := New(nil)

	for _, bad := range []string{"", "not cron", "61 * * * *", "* * * *"} {
		assert.Error(t, s.Register("x", bad, noop), "expression %q must be rejected", bad)
	}
	assert.NoError(t, s.Register("hourly", "0 * * * *", noop))
	assert.Error(t, s.Register("", "0 * * * *", noop))
	assert.Error(t, s.Register("nohandler", "0 * * * *", nil))
}

func TestNextRunComputation(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 30, 15, 0, time.UTC)
	s := New(nil, WithClock(func() time.Time { return now }))

	require.NoError(t, s.Register("hourly", "0 * * * *", noop))
	require.NoError(t, s.Register("daily", "0 0 * * *", noop))

	tasks := s.List()
	require.Len(t, tasks, 2)
	assert.Equal(t, time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC), tasks[0].NextRun, "daily")
	assert.Equal(t, time.Date(2025, 3, 10, 13, 0, 0, 0, time.UTC), tasks[1].NextRun, "hourly")
}

func TestDueTasksRunAndReschedule(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2025, 3, 10, 12, 59, 59, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	b := bus.New()
	s := New(b, WithClock(clock), WithTick(5*time.Millisecond))

	sub := b.Subscribe([]string{"task:start", "task:complete"}, 8)
	defer b.Unsubscribe(sub)

	var runs atomic.Int32
	require.NoError(t, s.Register("hourly", "0 * * * *", func(context.Context) error {
		runs.Add(1)
		return nil
	}))

	s.Start()
	defer s.Stop()

	// Not yet due.
	time.Sleep(25 * time.Millisecond)
	assert.Equal(t, int32(0), runs.Load())

	mu.Lock()
	now = now.Add(2 * time.Second) // past 13:00
	mu.Unlock()

	deadline := time.Now().Add(5 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	require.Equal(t, int32(1), runs.Load())

	ev := <-sub.C
	assert.Equal(t, "task:start", ev.Name)
	ev = <-sub.C
	assert.Equal(t, "task:complete", ev.Name)
	assert.Equal(t, "hourly", ev.Payload["taskId"])

	// Rescheduled for the next hour, so no immediate re-run.
	time.Sleep(25 * time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())

	tasks := s.List()
	require.Len(t, tasks, 1)
	assert.Equal(t, 1, tasks[0].RunCount)
	require.NotNil(t, tasks[0].LastRun)
	assert.Equal(t, time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC), tasks[0].NextRun)
}

func TestDisabledTaskSkipped(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	s := New(nil, WithClock(func() time.Time { return now }))

	var runs int
	require.NoError(t, s.Register("always", "* * * * *", func(context.Context) error {
		runs++
		return nil
	}))
	require.NoError(t, s.SetEnabled("always", false))

	now = now.Add(2 * time.Minute)
	s.runDue(context.Background())
	assert.Equal(t, 0, runs)

	require.NoError(t, s.SetEnabled("always", true))
	now = now.Add(2 * time.Minute)
	s.runDue(context.Background())
	assert.Equal(t, 1, runs)

	assert.Error(t, s.SetEnabled("nope", true))
}

func TestRunTaskImmediate(t *testing.T) {
	b := bus.New()
	s := New(b)

	sub := b.Subscribe([]string{"task:error"}, 4)
	defer b.Unsubscribe(sub)

	require.NoError(t, s.Register("broken", "0 0 * * *", func(context.Context) error {
		return errors.New("db locked")
	}))

	err := s.RunTask(context.Background(), "broken")
	require.Error(t, err)

	ev := <-sub.C
	assert.Equal(t, "db locked", ev.Payload["error"])

	tasks := s.List()
	assert.Equal(t, 1, tasks[0].RunCount)

	assert.Error(t, s.RunTask(context.Background(), "missing"))
}

func TestUpdateSchedule(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 30, 0, 0, time.UTC)
	s := New(nil, WithClock(func() time.Time { return now }))

	require.NoError(t, s.Register("job", "0 0 * * *", noop))
	require.Error(t, s.UpdateSchedule("job", "bogus"))
	require.Error(t, s.UpdateSchedule("missing", "0 * * * *"))

	require.NoError(t, s.UpdateSchedule("job", "0 * * * *"))
	tasks := s.List()
	assert.Equal(t, "0 * * * *", tasks[0].Expression)
	assert.Equal(t, time.Date(2025, 3, 10, 13, 0, 0, 0, time.UTC), tasks[0].NextRun)
}
