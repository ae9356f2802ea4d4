// Package resource tracks named memory reservations against a fixed capacity.
package resource

import (
	"fmt"
	"strings"
	"sync"

	logx "taskos/pkg/logx"
)

// Reservation is a named claim against the ledger capacity (in MB).
type Reservation struct {
	Owner  string
	Amount int
}

// Usage is a point-in-time view of the ledger.
type Usage struct {
	Capacity  int
	Allocated int
	Free      int
	Owners    []Reservation // insertion order
}

// Ledger admits or rejects reservations so that the sum of all amounts never
// exceeds Capacity. All methods are safe for concurrent use.
type Ledger struct {
	mu       sync.Mutex
	log      logx.Logger
	capacity int

	order     []string
	amounts   map[string]int
	allocated int
}

func NewLedger(capacity int, log logx.Logger) *Ledger {
	if log.IsZero() {
		log = logx.Nop()
	}
	if capacity < 0 {
		capacity = 0
	}
	return &Ledger{
		log:      log,
		capacity: capacity,
		amounts:  map[string]int{},
	}
}

func (l *Ledger) Capacity() int { return l.capacity }

// Reserve records amount for owner iff the current total plus amount fits the
// capacity. It returns an error wrapping ErrResourceExhausted otherwise and
// leaves the ledger untouched.
//
// Reserving for an owner that already holds a reservation replaces its amount.
// The fit check still counts the old amount.
func (l *Ledger) Reserve(owner string, amount int) error {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return fmt.Errorf("%w: owner required", ErrInvalidAmount)
	}
	if amount < 0 {
		return fmt.Errorf("%w: %dMB for %q", ErrInvalidAmount, amount, owner)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Compare against the free space so a huge amount cannot wrap the sum.
	free := l.capacity - l.allocated
	if amount > free {
		l.log.Warn("not enough memory", logx.String("owner", owner), logx.Int("requested_mb", amount), logx.Int("free_mb", free))
		return fmt.Errorf("%w: cannot reserve %dMB for %q (%dMB free of %dMB)", ErrResourceExhausted, amount, owner, free, l.capacity)
	}

	prev, exists := l.amounts[owner]
	if !exists {
		l.order = append(l.order, owner)
	}
	l.amounts[owner] = amount
	l.allocated += amount - prev
	l.checkLocked()

	l.log.Debug("memory reserved", logx.String("owner", owner), logx.Int("amount_mb", amount), logx.Int("allocated_mb", l.allocated))
	return nil
}

// Release removes the reservation held by owner and returns its amount.
func (l *Ledger) Release(owner string) (int, error) {
	owner = strings.TrimSpace(owner)

	l.mu.Lock()
	defer l.mu.Unlock()

	amount, ok := l.amounts[owner]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrNotFound, owner)
	}
	delete(l.amounts, owner)
	for i, o := range l.order {
		if o == owner {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	l.allocated -= amount
	l.checkLocked()

	l.log.Debug("memory released", logx.String("owner", owner), logx.Int("amount_mb", amount), logx.Int("allocated_mb", l.allocated))
	return amount, nil
}

// Usage returns a consistent snapshot read under the ledger lock.
func (l *Ledger) Usage() Usage {
	l.mu.Lock()
	defer l.mu.Unlock()

	owners := make([]Reservation, 0, len(l.order))
	for _, o := range l.order {
		owners = append(owners, Reservation{Owner: o, Amount: l.amounts[o]})
	}
	return Usage{
		Capacity:  l.capacity,
		Allocated: l.allocated,
		Free:      l.capacity - l.allocated,
		Owners:    owners,
	}
}

// checkLocked panics when the capacity invariant is broken. Reaching it means
// a bug in this package, never bad input.
func (l *Ledger) checkLocked() {
	if l.allocated < 0 || l.allocated > l.capacity {
		panic(fmt.Sprintf("resource: ledger invariant violated: allocated=%d capacity=%d", l.allocated, l.capacity))
	}
}
