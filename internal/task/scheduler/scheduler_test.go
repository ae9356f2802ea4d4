package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskos/internal/eventbus"
	"taskos/internal/resource"
	"taskos/internal/storage"
	"taskos/internal/task/store"
	logx "taskos/pkg/logx"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func at(h, m, s int) time.Time { return time.Date(2024, 3, 1, h, m, s, 0, time.UTC) }

func newFixture(t *testing.T, opts ...Option) (*Scheduler, *store.Store, *clock, *storage.Memory) {
	t.Helper()
	clk := &clock{t: at(9, 0, 0)}
	st := store.New(resource.NewLedger(512, logx.Nop()), logx.Nop(), store.WithClock(clk.Now), store.WithLocation(time.UTC))
	journal := storage.NewMemory()
	opts = append([]Option{WithJournal(journal)}, opts...)
	return New(st, logx.Nop(), opts...), st, clk, journal
}

func TestTimedTaskFiresOnce(t *testing.T) {
	t.Parallel()
	s, st, clk, journal := newFixture(t)

	_, err := st.AddTimed("report", "25:00")
	require.ErrorIs(t, err, store.ErrInvalidTimeFormat)
	_, err = st.AddTimed("report", "09:30")
	require.NoError(t, err)

	ctx := context.Background()
	assert.Equal(t, 0, s.Tick(ctx).Fired())

	clk.Set(at(9, 31, 0))
	rep := s.Tick(ctx)
	require.Equal(t, 1, rep.Fired())
	assert.Equal(t, "report", rep.Outcomes[0].Name)
	assert.Equal(t, KindTimed, rep.Outcomes[0].Kind)
	assert.Empty(t, st.List().Timed)

	clk.Set(at(9, 32, 0))
	assert.Equal(t, 0, s.Tick(ctx).Fired())

	execs := journal.Executions()
	require.Len(t, execs, 1)
	assert.Equal(t, "report", execs[0].Task)
	assert.Equal(t, StatusSuccess, execs[0].Status)
	assert.NotEmpty(t, execs[0].RunID)
}

func TestRecurringRescheduledFromTickTime(t *testing.T) {
	t.Parallel()
	s, st, clk, _ := newFixture(t)
	_, err := st.AddRecurring("backup", 10*time.Second, 0)
	require.NoError(t, err)

	ctx := context.Background()
	clk.Set(at(9, 0, 15))
	require.Equal(t, 1, s.Tick(ctx).Fired())
	assert.Equal(t, at(9, 0, 25), st.List().Recurring[0].NextRun)

	// Catch-up never fires more than once per tick.
	clk.Set(at(9, 5, 0))
	require.Equal(t, 1, s.Tick(ctx).Fired())
	assert.Equal(t, at(9, 5, 10), st.List().Recurring[0].NextRun)
}

func TestTickOrderRecurringBeforeTimed(t *testing.T) {
	t.Parallel()
	s, st, clk, _ := newFixture(t)
	_, _ = st.AddTimed("t1", "09:00")
	_, _ = st.AddRecurring("r1", time.Second, 0)
	_, _ = st.AddTimed("t2", "08:00")
	_, _ = st.AddRecurring("r2", time.Second, 0)

	clk.Set(at(9, 0, 5))
	rep := s.Tick(context.Background())
	var names []string
	for _, o := range rep.Outcomes {
		names = append(names, o.Name)
	}
	assert.Equal(t, []string{"r1", "r2", "t1", "t2"}, names)
}

func TestFailingExecutorIsIsolated(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	exec := func(_ context.Context, f Firing) error {
		switch f.Name {
		case "bad":
			return errors.New("disk full")
		case "panicky":
			panic("boom")
		}
		return nil
	}
	s, st, clk, journal := newFixture(t, WithExecutor(exec), WithBus(bus))
	_, _ = st.AddRecurring("bad", time.Second, 0)
	_, _ = st.AddRecurring("panicky", time.Second, 0)
	_, _ = st.AddTimed("good", "09:00")

	clk.Set(at(9, 0, 2))
	rep := s.Tick(context.Background())
	require.Equal(t, 3, rep.Fired())
	assert.Equal(t, 2, rep.Failed())
	require.ErrorIs(t, rep.Outcomes[1].Err, ErrExecutorPanic)

	v := st.List()
	assert.Equal(t, at(9, 0, 3), v.Recurring[0].NextRun)
	assert.Equal(t, at(9, 0, 3), v.Recurring[1].NextRun)
	assert.Empty(t, v.Timed)

	statuses := map[string]string{}
	for _, e := range journal.Executions() {
		statuses[e.Task] = e.Status
	}
	assert.Equal(t, map[string]string{"bad": StatusFailed, "panicky": StatusFailed, "good": StatusSuccess}, statuses)

	var types []string
	for i := 0; i < 3; i++ {
		types = append(types, (<-events).Type)
	}
	assert.Equal(t, []string{eventbus.TaskFailed, eventbus.TaskFailed, eventbus.TaskExecuted}, types)
}

func TestPausedTasksDoNotFire(t *testing.T) {
	t.Parallel()
	s, st, clk, _ := newFixture(t)
	_, _ = st.AddRecurring("p", time.Second, 0)
	_, err := st.Pause("p")
	require.NoError(t, err)

	clk.Set(at(9, 1, 0))
	assert.Equal(t, 0, s.Tick(context.Background()).Fired())

	_, _ = st.Resume("p")
	assert.Equal(t, 1, s.Tick(context.Background()).Fired())
}

func TestSetTickInterval(t *testing.T) {
	t.Parallel()
	s, _, _, _ := newFixture(t)
	require.ErrorIs(t, s.SetTickInterval(0), ErrInvalidInterval)
	require.ErrorIs(t, s.SetTickInterval(-time.Second), ErrInvalidInterval)
	require.NoError(t, s.SetTickInterval(250*time.Millisecond))
	assert.Equal(t, 250*time.Millisecond, s.TickInterval())
}

func TestStartStopLoop(t *testing.T) {
	t.Parallel()
	var fired atomic.Int64
	exec := func(context.Context, Firing) error {
		fired.Add(1)
		return nil
	}
	clk := &clock{t: at(9, 0, 0)}
	st := store.New(resource.NewLedger(10, logx.Nop()), logx.Nop(), store.WithClock(clk.Now), store.WithLocation(time.UTC))
	s := New(st, logx.Nop(), WithExecutor(exec), WithTickInterval(5*time.Millisecond))
	_, err := st.AddRecurring("loop", time.Nanosecond, 0)
	require.NoError(t, err)

	// The recurring task is due at every tick once the clock moves forward.
	var stopClock atomic.Bool
	go func() {
		for !stopClock.Load() {
			clk.Set(clk.Now().Add(time.Second))
			time.Sleep(time.Millisecond)
		}
	}()
	defer stopClock.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.True(t, s.Start(ctx))
	require.False(t, s.Start(ctx))
	assert.True(t, s.Running())
	require.Eventually(t, func() bool { return fired.Load() >= 3 }, 2*time.Second, time.Millisecond)

	require.True(t, s.Stop())
	require.False(t, s.Stop())
	assert.False(t, s.Running())

	time.Sleep(30 * time.Millisecond)
	settled := fired.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, settled, fired.Load())
}

func TestRestartDoesNotDoubleLoops(t *testing.T) {
	t.Parallel()
	var spawned atomic.Int32
	var live atomic.Int32
	spawn := func(_ string, fn func(ctx context.Context) error) {
		spawned.Add(1)
		live.Add(1)
		go func() {
			defer live.Add(-1)
			_ = fn(context.Background())
		}()
	}
	s, _, _, _ := newFixture(t, WithSpawner(spawn), WithTickInterval(20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.True(t, s.Start(ctx))
	require.True(t, s.Stop())
	require.True(t, s.Start(ctx))

	require.Eventually(t, func() bool { return live.Load() == 1 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, int32(2), spawned.Load())

	cancel()
	require.Eventually(t, func() bool { return live.Load() == 0 }, 2*time.Second, time.Millisecond)
	assert.False(t, s.Running())
}

func TestConcurrentTicksFireEachTaskOnce(t *testing.T) {
	t.Parallel()
	var (
		mu    sync.Mutex
		fired = map[uint64]int{}
	)
	exec := func(_ context.Context, f Firing) error {
		mu.Lock()
		fired[f.TaskID]++
		mu.Unlock()
		return nil
	}
	s, st, clk, _ := newFixture(t, WithExecutor(exec))

	const tasks = 100
	for i := 0; i < tasks; i++ {
		_, err := st.AddRecurring(fmt.Sprintf("t%d", i), time.Hour, 1)
		require.NoError(t, err)
	}
	clk.Set(at(10, 0, 0))

	ctx := context.Background()
	var (
		wg    sync.WaitGroup
		total atomic.Int64
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				total.Add(int64(s.Tick(ctx).Fired()))
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			name := fmt.Sprintf("extra%d", i)
			_, _ = st.AddRecurring(name, time.Hour, 1)
			_ = st.List()
			_, _ = st.Remove(name)
		}
	}()
	wg.Wait()

	assert.EqualValues(t, tasks, total.Load())
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, fired, tasks)
	for id, n := range fired {
		assert.Equal(t, 1, n, "task %d", id)
	}
	for _, r := range st.List().Recurring {
		assert.Equal(t, at(11, 0, 0), r.NextRun, r.Name)
	}
}

func TestTasksAddedDuringTickWaitForNextTick(t *testing.T) {
	t.Parallel()
	var st *store.Store
	exec := func(_ context.Context, f Firing) error {
		if f.Name != "parent" {
			return nil
		}
		if _, err := st.AddTimed("child-timed", "09:00"); err != nil {
			return err
		}
		_, err := st.AddRecurring("child-recurring", time.Nanosecond, 0)
		return err
	}
	s, st0, clk, _ := newFixture(t, WithExecutor(exec))
	st = st0
	_, err := st.AddRecurring("parent", time.Hour, 0)
	require.NoError(t, err)

	clk.Set(at(10, 0, 0))
	ctx := context.Background()
	rep := s.Tick(ctx)
	require.Equal(t, 1, rep.Fired())
	assert.Equal(t, "parent", rep.Outcomes[0].Name)
	assert.Len(t, st.List().Timed, 1)

	clk.Set(at(10, 0, 1))
	rep = s.Tick(ctx)
	var names []string
	for _, o := range rep.Outcomes {
		names = append(names, o.Name)
	}
	assert.Equal(t, []string{"child-recurring", "child-timed"}, names)
	assert.Empty(t, st.List().Timed)
}
