package scheduler

import (
	"context"
	"time"

	"taskos/internal/storage"
	"taskos/internal/task/store"
)

const DefaultTickInterval = time.Second

type Kind string

const (
	KindRecurring Kind = "recurring"
	KindTimed     Kind = "timed"
)

const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Firing is one execution of a task.
type Firing struct {
	RunID  string
	Kind   Kind
	TaskID uint64
	Name   string
	At     time.Time
}

// Executor performs the side effect of a firing.
type Executor func(ctx context.Context, f Firing) error

// Outcome is the result of one firing within a tick.
type Outcome struct {
	Firing
	Status string
	Err    error
}

// TickReport summarizes one tick.
type TickReport struct {
	At       time.Time
	Outcomes []Outcome
}

func (r TickReport) Fired() int { return len(r.Outcomes) }

func (r TickReport) Failed() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Err != nil {
			n++
		}
	}
	return n
}

// Source is the slice of the task store the scheduler drives.
type Source interface {
	Now() time.Time
	DueRecurring(now time.Time) []store.RecurringTask
	DueTimed(tod store.TimeOfDay) []store.TimedTask
	AdvanceRecurring(id uint64, now time.Time) bool
	ConsumeTimed(id uint64) bool
}

// Journal records executions.
type Journal interface {
	AppendExecution(ctx context.Context, rec storage.ExecutionRecord) error
}

// Spawner starts a named background goroutine (supervisor.Supervisor.Go).
type Spawner func(name string, fn func(ctx context.Context) error)
