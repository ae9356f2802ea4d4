package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "modernc.org/sqlite"

	"taskos/internal/task/store"
	logx "taskos/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const metaSavedAt = "snapshot_saved_at"

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	// mu is held for reading by every query; Close takes it for writing.
	mu     sync.RWMutex
	closed bool
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer keeps sqlite out of SQLITE_BUSY territory.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 100 * time.Millisecond
	eb.RandomizationFactor = 0
	eb.Multiplier = 2
	eb.MaxInterval = timeout / 4
	eb.MaxElapsedTime = timeout
	if err := backoff.Retry(db.Ping, eb); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) LoadSnapshot(ctx context.Context) (store.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.Snapshot{}, ErrClosed
	}
	snap, err := s.loadSnapshot(ctx)
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("%w: %w", ErrPersistenceUnavailable, err)
	}
	return snap, nil
}

func (s *sqliteStore) loadSnapshot(ctx context.Context) (store.Snapshot, error) {
	var savedAt string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, metaSavedAt).Scan(&savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Snapshot{}, ErrNoSnapshot
	}
	if err != nil {
		return store.Snapshot{}, err
	}

	var snap store.Snapshot
	rows, err := s.db.QueryContext(ctx, `SELECT name, interval_ms, next_run_unix_us, paused FROM recurring_tasks ORDER BY pos`)
	if err != nil {
		return store.Snapshot{}, err
	}
	for rows.Next() {
		var (
			r          store.RecurringRecord
			intervalMS int64
			nextUS     int64
		)
		if err := rows.Scan(&r.Name, &intervalMS, &nextUS, &r.Paused); err != nil {
			_ = rows.Close()
			return store.Snapshot{}, err
		}
		r.Interval = time.Duration(intervalMS) * time.Millisecond
		r.NextRun = time.UnixMicro(nextUS)
		snap.Recurring = append(snap.Recurring, r)
	}
	if err := rows.Close(); err != nil {
		return store.Snapshot{}, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT name, scheduled_time, paused FROM timed_tasks ORDER BY pos`)
	if err != nil {
		return store.Snapshot{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			r  store.TimedRecord
			at string
		)
		if err := rows.Scan(&r.Name, &at, &r.Paused); err != nil {
			return store.Snapshot{}, err
		}
		tod, err := store.ParseTimeOfDay(at)
		if err != nil {
			return store.Snapshot{}, fmt.Errorf("%w: timed %q: %w", store.ErrCorruptSnapshot, r.Name, err)
		}
		r.At = tod
		snap.Timed = append(snap.Timed, r)
	}
	if err := rows.Err(); err != nil {
		return store.Snapshot{}, err
	}
	if err := store.Validate(snap); err != nil {
		return store.Snapshot{}, err
	}
	return snap, nil
}

func (s *sqliteStore) SaveSnapshot(ctx context.Context, snap store.Snapshot) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.saveSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistenceUnavailable, err)
	}
	s.log.Debug("snapshot saved", logx.Int("recurring", len(snap.Recurring)), logx.Int("timed", len(snap.Timed)))
	return nil
}

func (s *sqliteStore) saveSnapshot(ctx context.Context, snap store.Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM recurring_tasks`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM timed_tasks`); err != nil {
		return err
	}
	for i, r := range snap.Recurring {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO recurring_tasks(pos, name, interval_ms, next_run_unix_us, paused) VALUES(?,?,?,?,?)`,
			i, r.Name, r.Interval.Milliseconds(), r.NextRun.UnixMicro(), r.Paused,
		); err != nil {
			return err
		}
	}
	for i, t := range snap.Timed {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO timed_tasks(pos, name, scheduled_time, paused) VALUES(?,?,?,?)`,
			i, t.Name, t.At.String(), t.Paused,
		); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO meta(key, value) VALUES(?,?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		metaSavedAt, time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) AppendExecution(ctx context.Context, rec ExecutionRecord) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions(run_id, at, task, kind, status, err) VALUES(?,?,?,?,?,?)`,
		rec.RunID, rec.At.Format(time.RFC3339Nano), rec.Task, rec.Kind, rec.Status, nullStr(rec.Err),
	)
	return err
}

func (s *sqliteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
