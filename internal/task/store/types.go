package store

import "time"

const nextRunLayout = "2006-01-02 15:04:05"

// RecurringTask re-fires every Interval until removed.
type RecurringTask struct {
	ID       uint64
	Name     string
	Interval time.Duration
	NextRun  time.Time
	MemoryMB int
	Paused   bool
}

// NextRunText renders NextRun for operators.
func (t RecurringTask) NextRunText() string {
	return t.NextRun.Format(nextRunLayout)
}

// TimedTask fires once, the first time the time of day reaches At.
type TimedTask struct {
	ID     uint64
	Name   string
	At     TimeOfDay
	Paused bool
}

// View is an ordered, read-only copy of both collections.
type View struct {
	Recurring []RecurringTask
	Timed     []TimedTask
}

func (v View) Empty() bool { return len(v.Recurring) == 0 && len(v.Timed) == 0 }

// Removal reports what Remove deleted.
type Removal struct {
	Recurring  int
	Timed      int
	Released   bool
	ReleasedMB int
}

// Snapshot is the durable projection of the store. Reservations are not part
// of it: restored tasks hold no memory.
type Snapshot struct {
	Recurring []RecurringRecord
	Timed     []TimedRecord
}

type RecurringRecord struct {
	Name     string
	Interval time.Duration
	NextRun  time.Time
	Paused   bool
}

type TimedRecord struct {
	Name   string
	At     TimeOfDay
	Paused bool
}

// Reserver is the slice of the resource ledger the store consults.
type Reserver interface {
	Reserve(owner string, amount int) error
	Release(owner string) (int, error)
}
