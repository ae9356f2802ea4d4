package store

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"taskos/internal/resource"
	logx "taskos/pkg/logx"
)

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLocation sets the timezone used for "now" and time-of-day evaluation.
func WithLocation(loc *time.Location) Option {
	return func(s *Store) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// Store owns the recurring and timed task collections.
//
// Every method takes the store mutex for exactly one operation. Recurring
// admission reserves memory through the Reserver while holding it, so an
// admission either fully succeeds or leaves both sides untouched.
type Store struct {
	mu     sync.Mutex
	log    logx.Logger
	ledger Reserver
	now    func() time.Time
	loc    *time.Location

	seq       uint64
	recurring []RecurringTask
	timed     []TimedTask
}

func New(ledger Reserver, log logx.Logger, opts ...Option) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Store{
		log:    log,
		ledger: ledger,
		now:    time.Now,
		loc:    time.Local,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Now returns the store clock in the configured location.
func (s *Store) Now() time.Time {
	s.mu.Lock()
	loc := s.loc
	s.mu.Unlock()
	return s.now().In(loc)
}

// SetLocation swaps the timezone (config hot reload). Pending next runs are
// re-expressed in loc; the instants do not move.
func (s *Store) SetLocation(loc *time.Location) {
	if loc == nil {
		loc = time.Local
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loc = loc
	for i := range s.recurring {
		s.recurring[i].NextRun = s.recurring[i].NextRun.In(loc)
	}
}

// AddRecurring reserves memoryMB under name and, on success, appends a
// recurring task due at now+interval. Duplicate names are accepted.
func (s *Store) AddRecurring(name string, interval time.Duration, memoryMB int) (RecurringTask, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return RecurringTask{}, ErrInvalidName
	}
	if interval <= 0 {
		return RecurringTask{}, fmt.Errorf("%w: %s for %q (must be > 0)", ErrInvalidInterval, interval, name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ledger != nil {
		if err := s.ledger.Reserve(name, memoryMB); err != nil {
			s.log.Warn("recurring task rejected", logx.String("task", name), logx.Int("memory_mb", memoryMB), logx.Err(err))
			return RecurringTask{}, fmt.Errorf("add %q: %w", name, err)
		}
	}

	s.seq++
	t := RecurringTask{
		ID:       s.seq,
		Name:     name,
		Interval: interval,
		NextRun:  s.now().In(s.loc).Add(interval),
		MemoryMB: memoryMB,
	}
	s.recurring = append(s.recurring, t)
	s.log.Info("recurring task added", logx.String("task", name), logx.Duration("interval", interval), logx.Int("memory_mb", memoryMB))
	return t, nil
}

// AddTimed appends a one-shot task firing at the given "HH:MM".
func (s *Store) AddTimed(name, at string) (TimedTask, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return TimedTask{}, ErrInvalidName
	}
	tod, err := ParseTimeOfDay(at)
	if err != nil {
		return TimedTask{}, fmt.Errorf("schedule %q: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	t := TimedTask{ID: s.seq, Name: name, At: tod}
	s.timed = append(s.timed, t)
	s.log.Info("timed task scheduled", logx.String("task", name), logx.String("at", tod.String()))
	return t, nil
}

// Remove deletes every recurring and timed entry called name and releases
// the reservation held under name, in one locked step.
func (s *Store) Remove(name string) (Removal, error) {
	name = strings.TrimSpace(name)

	s.mu.Lock()
	defer s.mu.Unlock()

	var r Removal
	n := 0
	for _, t := range s.recurring {
		if t.Name == name {
			r.Recurring++
			continue
		}
		s.recurring[n] = t
		n++
	}
	clear(s.recurring[n:])
	s.recurring = s.recurring[:n]

	n = 0
	for _, t := range s.timed {
		if t.Name == name {
			r.Timed++
			continue
		}
		s.timed[n] = t
		n++
	}
	clear(s.timed[n:])
	s.timed = s.timed[:n]

	if s.ledger != nil {
		amount, err := s.ledger.Release(name)
		switch {
		case err == nil:
			r.Released = true
			r.ReleasedMB = amount
		case errors.Is(err, resource.ErrNotFound):
		default:
			s.log.Warn("memory release failed", logx.String("task", name), logx.Err(err))
		}
	}

	if r.Recurring == 0 && r.Timed == 0 && !r.Released {
		return r, fmt.Errorf("remove: %w: %q", ErrNotFound, name)
	}
	s.log.Info("task removed", logx.String("task", name), logx.Int("recurring", r.Recurring), logx.Int("timed", r.Timed), logx.Int("released_mb", r.ReleasedMB))
	return r, nil
}

// Pause marks every entry called name as paused. Paused entries are never due.
func (s *Store) Pause(name string) (int, error) { return s.setPaused(name, true) }

// Resume clears the paused flag set by Pause.
func (s *Store) Resume(name string) (int, error) { return s.setPaused(name, false) }

func (s *Store) setPaused(name string, paused bool) (int, error) {
	name = strings.TrimSpace(name)

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for i := range s.recurring {
		if s.recurring[i].Name == name {
			s.recurring[i].Paused = paused
			n++
		}
	}
	for i := range s.timed {
		if s.timed[i].Name == name {
			s.timed[i].Paused = paused
			n++
		}
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	s.log.Info("task pause state changed", logx.String("task", name), logx.Bool("paused", paused), logx.Int("entries", n))
	return n, nil
}

// List returns ordered copies of both collections.
func (s *Store) List() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return View{
		Recurring: append([]RecurringTask(nil), s.recurring...),
		Timed:     append([]TimedTask(nil), s.timed...),
	}
}

// DueRecurring returns copies of the recurring entries with NextRun <= now,
// in collection order.
func (s *Store) DueRecurring(now time.Time) []RecurringTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []RecurringTask
	for _, t := range s.recurring {
		if !t.Paused && !t.NextRun.After(now) {
			due = append(due, t)
		}
	}
	return due
}

// DueTimed returns copies of the timed entries with At <= tod, in collection order.
func (s *Store) DueTimed(tod TimeOfDay) []TimedTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []TimedTask
	for _, t := range s.timed {
		if !t.Paused && t.At <= tod {
			due = append(due, t)
		}
	}
	return due
}

// AdvanceRecurring sets NextRun = now + Interval for the entry with id.
// It reports false if the entry no longer exists.
func (s *Store) AdvanceRecurring(id uint64, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.recurring {
		if s.recurring[i].ID == id {
			s.recurring[i].NextRun = now.Add(s.recurring[i].Interval)
			return true
		}
	}
	return false
}

// ConsumeTimed permanently removes the timed entry with id.
func (s *Store) ConsumeTimed(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.timed {
		if s.timed[i].ID == id {
			s.timed = append(s.timed[:i], s.timed[i+1:]...)
			return true
		}
	}
	return false
}

// Snapshot returns the durable projection of both collections.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Recurring: make([]RecurringRecord, 0, len(s.recurring)),
		Timed:     make([]TimedRecord, 0, len(s.timed)),
	}
	for _, t := range s.recurring {
		snap.Recurring = append(snap.Recurring, RecurringRecord{Name: t.Name, Interval: t.Interval, NextRun: t.NextRun, Paused: t.Paused})
	}
	for _, t := range s.timed {
		snap.Timed = append(snap.Timed, TimedRecord{Name: t.Name, At: t.At, Paused: t.Paused})
	}
	return snap
}

// Restore replaces both collections with snap. If any record is invalid the
// store is left empty (cold start) and the error is returned for reporting.
// Restored tasks carry no reservations.
func (s *Store) Restore(snap Snapshot) error {
	err := Validate(snap)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.recurring = nil
	s.timed = nil
	if err != nil {
		s.log.Warn("snapshot rejected; starting empty", logx.Err(err))
		return err
	}
	s.appendLocked(snap)
	s.log.Info("snapshot restored", logx.Int("recurring", len(s.recurring)), logx.Int("timed", len(s.timed)))
	return nil
}

// Import validates snap and appends its records after the existing ones.
func (s *Store) Import(snap Snapshot) (int, error) {
	if err := Validate(snap); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLocked(snap)
	n := len(snap.Recurring) + len(snap.Timed)
	s.log.Info("tasks imported", logx.Int("recurring", len(snap.Recurring)), logx.Int("timed", len(snap.Timed)))
	return n, nil
}

func (s *Store) appendLocked(snap Snapshot) {
	for _, r := range snap.Recurring {
		s.seq++
		s.recurring = append(s.recurring, RecurringTask{ID: s.seq, Name: r.Name, Interval: r.Interval, NextRun: r.NextRun.In(s.loc), Paused: r.Paused})
	}
	for _, r := range snap.Timed {
		s.seq++
		s.timed = append(s.timed, TimedTask{ID: s.seq, Name: r.Name, At: r.At, Paused: r.Paused})
	}
}

// Validate checks every record of snap.
func Validate(snap Snapshot) error {
	for i, r := range snap.Recurring {
		if strings.TrimSpace(r.Name) == "" {
			return fmt.Errorf("%w: recurring[%d]: %w", ErrCorruptSnapshot, i, ErrInvalidName)
		}
		if r.Interval <= 0 {
			return fmt.Errorf("%w: recurring[%d] %q: %w", ErrCorruptSnapshot, i, r.Name, ErrInvalidInterval)
		}
		if r.NextRun.IsZero() {
			return fmt.Errorf("%w: recurring[%d] %q: next run missing", ErrCorruptSnapshot, i, r.Name)
		}
	}
	for i, r := range snap.Timed {
		if strings.TrimSpace(r.Name) == "" {
			return fmt.Errorf("%w: timed[%d]: %w", ErrCorruptSnapshot, i, ErrInvalidName)
		}
		if !r.At.Valid() {
			return fmt.Errorf("%w: timed[%d] %q: %w", ErrCorruptSnapshot, i, r.Name, ErrInvalidTimeFormat)
		}
	}
	return nil
}
