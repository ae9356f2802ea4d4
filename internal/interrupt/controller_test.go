package interrupt

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskos/internal/eventbus"
	logx "taskos/pkg/logx"
)

func TestTriggerDispatches(t *testing.T) {
	t.Parallel()
	c := New(logx.Nop())
	var got Event
	require.NoError(t, c.Register("file_created", func(_ context.Context, ev Event) error {
		got = ev
		return nil
	}))

	require.NoError(t, c.Trigger(context.Background(), "file_created", "/tmp/a.txt"))
	assert.Equal(t, "file_created", got.Type)
	assert.Equal(t, []string{"/tmp/a.txt"}, got.Payload)
}

func TestRegisterLastWins(t *testing.T) {
	t.Parallel()
	c := New(logx.Nop())
	var which string
	_ = c.Register("x", func(context.Context, Event) error { which = "first"; return nil })
	_ = c.Register("x", func(context.Context, Event) error { which = "second"; return nil })
	require.NoError(t, c.Trigger(context.Background(), "x"))
	assert.Equal(t, "second", which)
	assert.Equal(t, []string{"x"}, c.Types())

	require.ErrorIs(t, c.Register(" ", func(context.Context, Event) error { return nil }), ErrInvalidEventType)
	require.Error(t, c.Register("y", nil))
}

func TestTriggerUnknownType(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()
	c := New(logx.Nop(), WithBus(bus))

	err := c.Trigger(context.Background(), "network_packet")
	require.ErrorIs(t, err, ErrUnknownEventType)
	e := <-events
	assert.Equal(t, eventbus.InterruptUnknown, e.Type)
	assert.Equal(t, "network_packet", e.Data.(eventbus.Interrupt).EventType)
}

func TestHandlerFailuresAreReturned(t *testing.T) {
	t.Parallel()
	c := New(logx.Nop())
	_ = c.Register("err", func(context.Context, Event) error { return errors.New("nope") })
	_ = c.Register("panic", func(context.Context, Event) error { panic("boom") })

	require.ErrorContains(t, c.Trigger(context.Background(), "err"), "nope")
	require.ErrorIs(t, c.Trigger(context.Background(), "panic"), ErrHandlerPanic)
}

func TestHandlerMayReenterController(t *testing.T) {
	t.Parallel()
	c := New(logx.Nop())
	var inner atomic.Bool
	_ = c.Register("inner", func(context.Context, Event) error { inner.Store(true); return nil })
	_ = c.Register("outer", func(ctx context.Context, _ Event) error {
		_ = c.Register("late", func(context.Context, Event) error { return nil })
		return c.Trigger(ctx, "inner")
	})
	require.NoError(t, c.Trigger(context.Background(), "outer"))
	assert.True(t, inner.Load())
}

func TestSetIntervalValidation(t *testing.T) {
	t.Parallel()
	c := New(logx.Nop())
	assert.Equal(t, DefaultTimerInterval, c.Interval())
	require.ErrorIs(t, c.SetInterval(0), ErrInvalidInterval)
	require.ErrorIs(t, c.SetInterval(-time.Second), ErrInvalidInterval)
	assert.Equal(t, DefaultTimerInterval, c.Interval())
	require.NoError(t, c.SetInterval(10*time.Second))
	assert.Equal(t, 10*time.Second, c.Interval())
}

func TestTimerFiresAndStops(t *testing.T) {
	t.Parallel()
	c := New(logx.Nop(), WithTimerInterval(10*time.Millisecond))
	var fired atomic.Int32
	_ = c.Register(EventTimer, func(context.Context, Event) error { fired.Add(1); return nil })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.True(t, c.StartTimer(ctx))
	require.False(t, c.StartTimer(ctx))
	require.Eventually(t, func() bool { return fired.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

	require.True(t, c.StopTimer())
	require.False(t, c.StopTimer())
	assert.False(t, c.TimerRunning())

	time.Sleep(30 * time.Millisecond)
	settled := fired.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, fired.Load())
}

func TestTimerReschedule(t *testing.T) {
	t.Parallel()
	c := New(logx.Nop(), WithTimerInterval(time.Hour))
	var fired atomic.Int32
	_ = c.Register(EventTimer, func(context.Context, Event) error { fired.Add(1); return nil })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.True(t, c.StartTimer(ctx))
	require.NoError(t, c.SetInterval(10*time.Millisecond))
	require.Eventually(t, func() bool { return fired.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool { return !c.TimerRunning() }, time.Second, 5*time.Millisecond)
}

func TestTimerWithoutHandlerKeepsRunning(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()
	c := New(logx.Nop(), WithBus(bus), WithTimerInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.StartTimer(ctx)
	defer c.StopTimer()

	for i := 0; i < 2; i++ {
		select {
		case e := <-events:
			assert.Equal(t, eventbus.InterruptUnknown, e.Type)
		case <-time.After(2 * time.Second):
			t.Fatal("timer did not fire")
		}
	}
}

func TestWatchDirFiresFileCreated(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	c := New(logx.Nop())

	var (
		mu    sync.Mutex
		paths []string
	)
	_ = c.Register(EventFileCreated, func(_ context.Context, ev Event) error {
		mu.Lock()
		paths = append(paths, ev.Payload...)
		mu.Unlock()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.WatchDir(ctx, dir) }()

	target := filepath.Join(dir, "incoming.txt")
	require.Eventually(t, func() bool {
		// Recreate until the watcher is registered.
		_ = os.Remove(target)
		_ = os.WriteFile(target, []byte("x"), 0o600)
		mu.Lock()
		defer mu.Unlock()
		for _, p := range paths {
			if p == target {
				return true
			}
		}
		return false
	}, 3*time.Second, 50*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestWatchDirMissing(t *testing.T) {
	t.Parallel()
	c := New(logx.Nop())
	err := c.WatchDir(context.Background(), filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
}
