package app

import (
	"context"
	"errors"
	"time"

	"taskos/internal/interrupt"
	"taskos/internal/observability/pprof"
	"taskos/internal/resource"
	"taskos/internal/shell"
	"taskos/internal/storage"
	"taskos/internal/task/scheduler"
	"taskos/internal/task/store"
	logx "taskos/pkg/logx"
)

const (
	timerMessage       = "Timer interrupt: periodic task executed"
	fileCreatedMessage = "I/O interrupt: file created"
)

// build wires the ledger, task store, scheduler, interrupt controller and
// shell. Every component gets its own "comp" logger.
func (a *App) build() {
	comp := func(name string) logx.Logger { return a.root.With(logx.String("comp", name)) }

	a.ledger = resource.NewLedger(a.set.TotalMB, comp("resource"))
	a.tasks = store.New(a.ledger, comp("store"), store.WithLocation(a.set.Location))

	a.sched = scheduler.New(a.tasks, comp("scheduler"),
		scheduler.WithJournal(a.storage),
		scheduler.WithBus(a.bus),
		scheduler.WithSpawner(a.spawn),
		scheduler.WithTickInterval(a.set.TickInterval),
		scheduler.WithExecTimeout(a.set.ExecTimeout),
	)

	irqLog := comp("interrupt")
	a.irq = interrupt.New(irqLog,
		interrupt.WithBus(a.bus),
		interrupt.WithTimerInterval(a.set.TimerInterval),
	)
	_ = a.irq.Register(interrupt.EventTimer, interrupt.LogHandler(irqLog, timerMessage))
	_ = a.irq.Register(interrupt.EventFileCreated, interrupt.LogHandler(irqLog, fileCreatedMessage))

	a.sh = shell.New(shell.Deps{
		Store:      a.tasks,
		Ledger:     a.ledger,
		Scheduler:  a.sched,
		Interrupts: a.irq,
	}, comp("shell"))

	a.debug = pprof.New(a.set.Pprof, comp("debug"), a.status)
}

// spawn runs scheduler goroutines under the supervisor once started.
func (a *App) spawn(name string, fn func(ctx context.Context) error) {
	if sup := a.sup.Load(); sup != nil {
		sup.Go(name, fn)
		return
	}
	go func() { _ = fn(context.Background()) }()
}

// restore loads the last snapshot. A missing snapshot is a cold start; an
// unreadable or corrupt one is reported and also yields an empty store.
func (a *App) restore(ctx context.Context) {
	snap, err := a.storage.LoadSnapshot(ctx)
	switch {
	case errors.Is(err, storage.ErrNoSnapshot):
		a.log.Info("no saved tasks; starting empty")
		return
	case err != nil:
		a.log.Warn("saved tasks unavailable; starting empty", logx.Err(err))
		return
	}
	if err := a.tasks.Restore(snap); err != nil {
		a.log.Warn("saved tasks rejected; starting empty", logx.Err(err))
		return
	}
	a.log.Info("tasks restored", logx.Int("recurring", len(snap.Recurring)), logx.Int("timed", len(snap.Timed)))
}

// Status is the document served at the debug server's /status.
type Status struct {
	Memory        resource.Usage `json:"memory"`
	Recurring     int            `json:"recurring_tasks"`
	Timed         int            `json:"timed_tasks"`
	AutoRunning   bool           `json:"auto_running"`
	TickInterval  string         `json:"tick_interval"`
	TimerRunning  bool           `json:"timer_running"`
	TimerInterval string         `json:"timer_interval"`
	EventsDropped uint64         `json:"events_dropped"`
	Goroutines    int64          `json:"supervised_goroutines"`
}

func (a *App) status() any {
	v := a.tasks.List()
	st := Status{
		Memory:        a.ledger.Usage(),
		Recurring:     len(v.Recurring),
		Timed:         len(v.Timed),
		AutoRunning:   a.sched.Running(),
		TickInterval:  a.sched.TickInterval().String(),
		TimerRunning:  a.irq.TimerRunning(),
		TimerInterval: a.irq.Interval().Round(time.Millisecond).String(),
		EventsDropped: a.bus.Dropped(),
	}
	if sup := a.sup.Load(); sup != nil {
		st.Goroutines = sup.Counters().Active
	}
	return st
}
