package storage

import (
	"context"
	"errors"
	"time"

	"taskos/internal/task/store"
)

var (
	// ErrPersistenceUnavailable wraps every snapshot load/save failure.
	ErrPersistenceUnavailable = errors.New("persistence unavailable")
	// ErrNoSnapshot is returned (wrapped in ErrPersistenceUnavailable) when
	// nothing has been saved yet.
	ErrNoSnapshot = errors.New("no snapshot saved")
	ErrClosed     = errors.New("storage closed")
)

// Config configures storage.
type Config struct {
	Driver string
	// Path is the snapshot file ("file") or database file ("sqlite").
	Path string
	// ExecutionLog is the appended text journal of the "file" driver.
	ExecutionLog string
	// BusyTimeout is the sqlite busy_timeout; 0 keeps the driver default.
	BusyTimeout time.Duration
	// ConnectTimeout bounds the sqlite open/ping retry; 0 means 10s.
	ConnectTimeout time.Duration
}

// ExecutionRecord is one firing of a task.
type ExecutionRecord struct {
	RunID  string
	At     time.Time
	Task   string
	Kind   string
	Status string
	Err    string
}

// Store persists the task snapshot and records executions.
type Store interface {
	LoadSnapshot(ctx context.Context) (store.Snapshot, error)
	SaveSnapshot(ctx context.Context, snap store.Snapshot) error
	AppendExecution(ctx context.Context, rec ExecutionRecord) error
	Close() error
}
