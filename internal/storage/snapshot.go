package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"time"

	"taskos/internal/task/store"
)

const execTimeLayout = "2006-01-02 15:04:05"

type snapshotDoc struct {
	Recurring []recurringDoc `json:"recurring"`
	Timed     []timedDoc     `json:"timed"`
}

type recurringDoc struct {
	Name            string  `json:"name"`
	IntervalSeconds float64 `json:"interval_seconds"`
	NextRunEpoch    float64 `json:"next_run_epoch"`
	Paused          bool    `json:"paused,omitempty"`
}

type timedDoc struct {
	Name          string `json:"name"`
	ScheduledTime string `json:"scheduled_time"`
	Paused        bool   `json:"paused,omitempty"`
}

// EncodeSnapshot renders snap in the on-disk JSON format.
func EncodeSnapshot(snap store.Snapshot) ([]byte, error) {
	doc := snapshotDoc{
		Recurring: make([]recurringDoc, 0, len(snap.Recurring)),
		Timed:     make([]timedDoc, 0, len(snap.Timed)),
	}
	for _, r := range snap.Recurring {
		doc.Recurring = append(doc.Recurring, recurringDoc{
			Name:            r.Name,
			IntervalSeconds: r.Interval.Seconds(),
			NextRunEpoch:    float64(r.NextRun.UnixMicro()) / 1e6,
			Paused:          r.Paused,
		})
	}
	for _, t := range snap.Timed {
		doc.Timed = append(doc.Timed, timedDoc{Name: t.Name, ScheduledTime: t.At.String(), Paused: t.Paused})
	}
	return json.MarshalIndent(doc, "", "  ")
}

// DecodeSnapshot parses the on-disk JSON format. Records are checked with
// store.Validate; any bad record fails the whole snapshot.
func DecodeSnapshot(b []byte) (store.Snapshot, error) {
	var doc snapshotDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return store.Snapshot{}, fmt.Errorf("%w: %w", store.ErrCorruptSnapshot, err)
	}
	var snap store.Snapshot
	for i, r := range doc.Recurring {
		if math.IsNaN(r.IntervalSeconds) || math.IsNaN(r.NextRunEpoch) {
			return store.Snapshot{}, fmt.Errorf("%w: recurring[%d] %q: not a number", store.ErrCorruptSnapshot, i, r.Name)
		}
		snap.Recurring = append(snap.Recurring, store.RecurringRecord{
			Name:     r.Name,
			Interval: time.Duration(math.Round(r.IntervalSeconds * float64(time.Second))),
			NextRun:  time.UnixMicro(int64(math.Round(r.NextRunEpoch * 1e6))),
			Paused:   r.Paused,
		})
	}
	for i, t := range doc.Timed {
		at, err := store.ParseTimeOfDay(t.ScheduledTime)
		if err != nil {
			return store.Snapshot{}, fmt.Errorf("%w: timed[%d] %q: %w", store.ErrCorruptSnapshot, i, t.Name, err)
		}
		snap.Timed = append(snap.Timed, store.TimedRecord{Name: t.Name, At: at, Paused: t.Paused})
	}
	if err := store.Validate(snap); err != nil {
		return store.Snapshot{}, err
	}
	return snap, nil
}

// WriteSnapshotFile atomically replaces path with the encoded snapshot.
func WriteSnapshotFile(path string, snap store.Snapshot) error {
	b, err := EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, b, 0o600)
}

// ReadSnapshotFile loads a snapshot written by WriteSnapshotFile. A missing
// file yields ErrNoSnapshot.
func ReadSnapshotFile(path string) (store.Snapshot, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return store.Snapshot{}, fmt.Errorf("%w: %s", ErrNoSnapshot, path)
	}
	if err != nil {
		return store.Snapshot{}, err
	}
	return DecodeSnapshot(b)
}

// FormatExecution renders rec as one execution log line (no newline).
func FormatExecution(rec ExecutionRecord) string {
	return fmt.Sprintf("[%s] Task '%s' executed with status: %s", rec.At.Format(execTimeLayout), rec.Task, rec.Status)
}

func writeFileAtomic(path string, b []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Chmod(tmp, perm); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
