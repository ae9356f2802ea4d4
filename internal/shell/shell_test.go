package shell

import (
	"bytes"
	"context"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskos/internal/interrupt"
	"taskos/internal/resource"
	"taskos/internal/task/scheduler"
	"taskos/internal/task/store"
	logx "taskos/pkg/logx"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type fixture struct {
	sh     *Shell
	store  *store.Store
	ledger *resource.Ledger
	clock  *clock
	irq    *interrupt.Controller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := &clock{t: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	ledger := resource.NewLedger(512, logx.Nop())
	st := store.New(ledger, logx.Nop(), store.WithClock(clk.now), store.WithLocation(time.UTC))
	sched := scheduler.New(st, logx.Nop(), scheduler.WithTickInterval(10*time.Millisecond))
	irq := interrupt.New(logx.Nop())
	sh := New(Deps{Store: st, Ledger: ledger, Scheduler: sched, Interrupts: irq}, logx.Nop())
	return &fixture{sh: sh, store: st, ledger: ledger, clock: clk, irq: irq}
}

func (f *fixture) exec(t *testing.T, line string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	err := f.sh.Exec(context.Background(), line, &buf)
	return buf.String(), err
}

func TestAddAndMemoryScenario(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	out, err := f.exec(t, "add big 10 600")
	require.ErrorIs(t, err, resource.ErrResourceExhausted)
	assert.Contains(t, out, "Error:")

	out, err = f.exec(t, "add A 10 400")
	require.NoError(t, err)
	assert.Contains(t, out, "Task 'A' added")
	assert.Contains(t, out, "2024-05-01 09:00:10")

	out, _ = f.exec(t, "memory")
	assert.Contains(t, out, "400/512 MB allocated, 112 MB free")
	assert.Contains(t, out, "- A: 400 MB")

	_, err = f.exec(t, "add B 5 150")
	require.ErrorIs(t, err, resource.ErrResourceExhausted)

	out, err = f.exec(t, "remove A")
	require.NoError(t, err)
	assert.Contains(t, out, "400 MB released")
	out, _ = f.exec(t, "memory")
	assert.Contains(t, out, "0/512 MB allocated")
}

func TestInvalidInput(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	for _, line := range []string{"frobnicate", "add A 10", "list extra", "remove"} {
		out, err := f.exec(t, line)
		require.ErrorIs(t, err, ErrUsage, line)
		assert.Contains(t, out, "Type 'help' for assistance.")
	}

	out, err := f.exec(t, "add A ten 5")
	require.Error(t, err)
	assert.Contains(t, out, "please enter valid numbers")

	_, err = f.exec(t, "schedule report 25:00")
	require.ErrorIs(t, err, store.ErrInvalidTimeFormat)

	_, err = f.exec(t, "remove ghost")
	require.ErrorIs(t, err, store.ErrNotFound)

	out, err = f.exec(t, "   ")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestAddRejectsOutOfRangeNumbers(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, err := f.exec(t, "add a 10 400")
	require.NoError(t, err)

	var out string
	require.NotPanics(t, func() {
		out, err = f.exec(t, "add b 10 "+strconv.Itoa(math.MaxInt))
	})
	require.ErrorIs(t, err, resource.ErrResourceExhausted)
	assert.Contains(t, out, "Error:")

	for _, line := range []string{"add x 18446744074 1", "add x -18446744074 1", "add x 99999999999999999999 1"} {
		out, err = f.exec(t, line)
		require.Error(t, err, line)
		assert.Contains(t, out, "please enter valid numbers", line)
	}

	v := f.store.List()
	require.Len(t, v.Recurring, 1)
	assert.Equal(t, "a", v.Recurring[0].Name)
	assert.Equal(t, 400, f.ledger.Usage().Allocated)

	_, err = f.exec(t, "add slow "+strconv.FormatInt(maxIntervalSeconds, 10)+" 1")
	require.NoError(t, err)
}

func TestScheduleListAndRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, err := f.exec(t, "schedule report 09:30")
	require.NoError(t, err)
	_, err = f.exec(t, "add beat 60 10")
	require.NoError(t, err)

	out, _ := f.exec(t, "list")
	assert.Contains(t, out, "Recurring tasks:")
	assert.Contains(t, out, "beat: every 1m0s")
	assert.Contains(t, out, "Timed tasks:")
	assert.Contains(t, out, "report: at 09:30")

	f.clock.set(time.Date(2024, 5, 1, 9, 31, 0, 0, time.UTC))
	out, _ = f.exec(t, "run")
	assert.Contains(t, out, "Task 'beat' executed with status: success")
	assert.Contains(t, out, "Task 'report' executed with status: success")
	assert.Contains(t, out, "2 task(s) fired, 0 failed")

	out, _ = f.exec(t, "run")
	assert.Contains(t, out, "0 task(s) fired")

	out, _ = f.exec(t, "list")
	assert.NotContains(t, out, "report")
}

func TestPauseResume(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, _ = f.exec(t, "add beat 1 0")

	out, err := f.exec(t, "pause_task beat")
	require.NoError(t, err)
	assert.Contains(t, out, "paused (1 entries)")
	out, _ = f.exec(t, "list")
	assert.Contains(t, out, "(paused)")

	f.clock.set(f.clock.now().Add(time.Minute))
	out, _ = f.exec(t, "run")
	assert.Contains(t, out, "0 task(s) fired")

	_, err = f.exec(t, "resume_task beat")
	require.NoError(t, err)
	out, _ = f.exec(t, "run")
	assert.Contains(t, out, "1 task(s) fired")

	_, err = f.exec(t, "pause_task ghost")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestExportImport(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	path := filepath.Join(t.TempDir(), "tasks.json")

	_, _ = f.exec(t, "add beat 30 50")
	_, _ = f.exec(t, "schedule report 18:00")
	out, err := f.exec(t, "export_tasks "+path)
	require.NoError(t, err)
	assert.Contains(t, out, "Exported 2 task(s)")

	g := newFixture(t)
	out, err = g.exec(t, "import_tasks "+path)
	require.NoError(t, err)
	assert.Contains(t, out, "Imported 2 task(s)")
	v := g.store.List()
	require.Len(t, v.Recurring, 1)
	require.Len(t, v.Timed, 1)
	assert.Equal(t, 0, g.ledger.Usage().Allocated)

	require.NoError(t, os.WriteFile(path, []byte("{"), 0o600))
	_, err = g.exec(t, "import_tasks "+path)
	require.ErrorIs(t, err, store.ErrCorruptSnapshot)
	assert.Len(t, g.store.List().Recurring, 1)
}

func TestTriggerAndTimerInterval(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	var got []string
	require.NoError(t, f.irq.Register(interrupt.EventFileCreated, func(_ context.Context, ev interrupt.Event) error {
		got = ev.Payload
		return nil
	}))

	out, err := f.exec(t, "trigger file_created /tmp/a.txt")
	require.NoError(t, err)
	assert.Contains(t, out, "Interrupt 'file_created' handled")
	assert.Equal(t, []string{"/tmp/a.txt"}, got)

	_, err = f.exec(t, "trigger network")
	require.ErrorIs(t, err, interrupt.ErrUnknownEventType)

	out, err = f.exec(t, "timer_interval 2.5")
	require.NoError(t, err)
	assert.Contains(t, out, "2.5s")
	assert.Equal(t, 2500*time.Millisecond, f.irq.Interval())

	_, err = f.exec(t, "timer_interval 0")
	require.ErrorIs(t, err, interrupt.ErrInvalidInterval)
	_, err = f.exec(t, "timer_interval soon")
	require.ErrorIs(t, err, interrupt.ErrInvalidInterval)
}

func TestStartStopAuto(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.sh = New(f.sh.d, logx.Nop(), WithAutoContext(ctx))

	out, _ := f.exec(t, "start_auto")
	assert.Contains(t, out, "Automatic execution started")
	out, _ = f.exec(t, "start_auto")
	assert.Contains(t, out, "already running")
	out, _ = f.exec(t, "stop_auto")
	assert.Contains(t, out, "Automatic execution stopped")
	out, _ = f.exec(t, "stop_auto")
	assert.Contains(t, out, "not running")
}

func TestRunLoop(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	var out bytes.Buffer
	in := strings.NewReader("help\nadd A 10 100\nexit\nadd B 10 100\n")

	require.NoError(t, f.sh.Run(context.Background(), in, &out))
	text := out.String()
	assert.Contains(t, text, Prompt)
	assert.Contains(t, text, "- add <task_name> <interval_seconds> <memory_mb>: Add a periodic task.")
	assert.Contains(t, text, "Exiting...")
	assert.Equal(t, 100, f.ledger.Usage().Allocated, "commands after exit are not run")
	assert.Len(t, f.sh.Commands(), 16)
}

func TestRunStopsAtEOF(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	var out bytes.Buffer
	require.NoError(t, f.sh.Run(context.Background(), strings.NewReader("memory\n"), &out))
	assert.Contains(t, out.String(), "0/512 MB allocated")
}
