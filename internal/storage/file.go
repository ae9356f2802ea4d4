package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"taskos/internal/task/store"
	logx "taskos/pkg/logx"
)

// fileStore keeps the snapshot in one JSON file (rewritten atomically) and
// appends one text line per execution to the execution log.
type fileStore struct {
	log          logx.Logger
	snapshotPath string

	mu      sync.Mutex
	execLog *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	logPath := strings.TrimSpace(cfg.ExecutionLog)
	if logPath == "" {
		logPath = filepath.Join(filepath.Dir(path), "task_log.txt")
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open execution log: %w", err)
	}
	return &fileStore{log: log, snapshotPath: path, execLog: f}, nil
}

func (s *fileStore) LoadSnapshot(ctx context.Context) (store.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return store.Snapshot{}, err
	}
	snap, err := ReadSnapshotFile(s.snapshotPath)
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("%w: load %s: %w", ErrPersistenceUnavailable, s.snapshotPath, err)
	}
	return snap, nil
}

func (s *fileStore) SaveSnapshot(ctx context.Context, snap store.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := WriteSnapshotFile(s.snapshotPath, snap); err != nil {
		return fmt.Errorf("%w: save %s: %w", ErrPersistenceUnavailable, s.snapshotPath, err)
	}
	s.log.Debug("snapshot saved", logx.String("path", s.snapshotPath), logx.Int("recurring", len(snap.Recurring)), logx.Int("timed", len(snap.Timed)))
	return nil
}

func (s *fileStore) AppendExecution(ctx context.Context, rec ExecutionRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.execLog == nil {
		return ErrClosed
	}
	_, err := s.execLog.WriteString(FormatExecution(rec) + "\n")
	return err
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.execLog == nil {
		return nil
	}
	err := s.execLog.Close()
	s.execLog = nil
	return err
}
