package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskos/internal/eventbus"
	"taskos/internal/storage"
	"taskos/internal/task/store"
	logx "taskos/pkg/logx"
)

type Option func(*Scheduler)

// WithExecutor replaces the default executor, which does nothing beyond
// the journal entry.
func WithExecutor(exec Executor) Option {
	return func(s *Scheduler) {
		if exec != nil {
			s.exec = exec
		}
	}
}

// WithJournal records every firing (success or failure).
func WithJournal(j Journal) Option {
	return func(s *Scheduler) { s.journal = j }
}

func WithBus(bus eventbus.Bus) Option {
	return func(s *Scheduler) {
		if bus != nil {
			s.bus = bus
		}
	}
}

// WithSpawner runs the loop through a supervisor instead of a bare goroutine.
func WithSpawner(spawn Spawner) Option {
	return func(s *Scheduler) {
		if spawn != nil {
			s.spawn = spawn
		}
	}
}

func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithExecTimeout bounds each executor call; 0 disables the bound.
func WithExecTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.execTimeout = d }
}

type Scheduler struct {
	src         Source
	log         logx.Logger
	exec        Executor
	journal     Journal
	bus         eventbus.Bus
	spawn       Spawner
	execTimeout time.Duration
	warn        *warnThrottle

	// tickMu makes due-scan + advance/consume one unit across the loop and Run.
	tickMu sync.Mutex

	mu       sync.Mutex
	running  bool
	gen      uint64
	interval time.Duration
}

func New(src Source, log logx.Logger, opts ...Option) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scheduler{
		src:      src,
		log:      log,
		exec:     func(context.Context, Firing) error { return nil },
		bus:      eventbus.Nop(),
		interval: DefaultTickInterval,
		warn:     newWarnThrottle(warnEvery),
		spawn: func(_ string, fn func(ctx context.Context) error) {
			go func() { _ = fn(context.Background()) }()
		},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Running reports whether the background loop is enabled.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) TickInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// SetTickInterval changes the loop period; it applies from the next sleep.
func (s *Scheduler) SetTickInterval(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%w: %s (must be > 0)", ErrInvalidInterval, d)
	}
	s.mu.Lock()
	old := s.interval
	s.interval = d
	s.mu.Unlock()
	if old != d {
		s.log.Info("tick interval changed", logx.Duration("old", old), logx.Duration("new", d))
	}
	return nil
}

// Start launches the loop. It reports false (and does nothing) if the loop
// is already running. The loop ends when Stop is called or ctx is done.
func (s *Scheduler) Start(ctx context.Context) bool {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return false
	}
	s.running = true
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	s.spawn("scheduler.loop", func(runCtx context.Context) error {
		loopCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(runCtx, cancel)
		defer stop()
		s.loop(loopCtx, gen)
		return nil
	})
	s.log.Info("automatic execution started", logx.Duration("tick", s.TickInterval()))
	return true
}

// Stop clears the running flag; the loop observes it at its next iteration.
// It reports false if the loop was not running.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	was := s.running
	s.running = false
	s.mu.Unlock()
	if was {
		s.log.Info("automatic execution stopped")
	}
	return was
}

func (s *Scheduler) active(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running && s.gen == gen
}

func (s *Scheduler) loop(ctx context.Context, gen uint64) {
	defer func() {
		s.mu.Lock()
		if s.gen == gen {
			s.running = false
		}
		s.mu.Unlock()
	}()
	for {
		if ctx.Err() != nil || !s.active(gen) {
			return
		}
		s.Tick(ctx)

		t := time.NewTimer(s.TickInterval())
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// Tick runs one pass: due recurring tasks fire in collection order and are
// advanced to now+interval, then due timed tasks fire and are consumed.
// now is sampled once. A failing executor does not stop the pass and the
// task is still advanced or consumed.
func (s *Scheduler) Tick(ctx context.Context) TickReport {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	now := s.src.Now()
	rep := TickReport{At: now}

	// Both due sets are taken before any executor runs; tasks added by an
	// executor wait for the next tick.
	dueRecurring := s.src.DueRecurring(now)
	dueTimed := s.src.DueTimed(store.TimeOfDayOf(now))

	for _, t := range dueRecurring {
		o := s.fire(ctx, Firing{RunID: uuid.NewString(), Kind: KindRecurring, TaskID: t.ID, Name: t.Name, At: now})
		s.src.AdvanceRecurring(t.ID, now)
		rep.Outcomes = append(rep.Outcomes, o)
	}

	for _, t := range dueTimed {
		o := s.fire(ctx, Firing{RunID: uuid.NewString(), Kind: KindTimed, TaskID: t.ID, Name: t.Name, At: now})
		s.src.ConsumeTimed(t.ID)
		rep.Outcomes = append(rep.Outcomes, o)
	}

	if n := rep.Fired(); n > 0 {
		s.log.Debug("tick", logx.Int("fired", n), logx.Int("failed", rep.Failed()))
	}
	return rep
}

func (s *Scheduler) fire(ctx context.Context, f Firing) Outcome {
	err := s.execute(ctx, f)
	o := Outcome{Firing: f, Status: StatusSuccess, Err: err}
	if err != nil {
		o.Status = StatusFailed
	}

	if s.journal != nil {
		rec := storage.ExecutionRecord{RunID: f.RunID, At: f.At, Task: f.Name, Kind: string(f.Kind), Status: o.Status}
		if err != nil {
			rec.Err = err.Error()
		}
		if jerr := s.journal.AppendExecution(ctx, rec); jerr != nil && s.warn.Allow("journal:"+f.Name) {
			s.log.Warn("execution not recorded", logx.String("task", f.Name), logx.Err(jerr))
		}
	}

	ev := eventbus.TaskRun{RunID: f.RunID, Task: f.Name, Kind: string(f.Kind), Status: o.Status}
	if err != nil {
		ev.Err = err.Error()
		if s.warn.Allow(f.Name) {
			s.log.Warn("task execution failed", logx.String("task", f.Name), logx.String("kind", string(f.Kind)), logx.String("run_id", f.RunID), logx.Err(err))
		}
		s.bus.Publish(eventbus.Event{Type: eventbus.TaskFailed, Time: f.At, Data: ev})
		return o
	}
	s.log.Info("task executed", logx.String("task", f.Name), logx.String("kind", string(f.Kind)), logx.String("run_id", f.RunID))
	s.bus.Publish(eventbus.Event{Type: eventbus.TaskExecuted, Time: f.At, Data: ev})
	return o
}

func (s *Scheduler) execute(ctx context.Context, f Firing) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("executor panicked", logx.String("task", f.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("%w: %v", ErrExecutorPanic, r)
		}
	}()
	if s.execTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.execTimeout)
		defer cancel()
	}
	return s.exec(ctx, f)
}
