package interrupt

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fsnotify/fsnotify"

	logx "taskos/pkg/logx"
)

// WatchDir fires EventFileCreated with the file path for every file created
// in dir, until ctx is done. It returns an error if the watcher cannot be set
// up or breaks; callers restart it (supervisor.GoRestart).
func (c *Controller) WatchDir(ctx context.Context, dir string) error {
	st, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	if !st.IsDir() {
		return fmt.Errorf("watch %s: not a directory", dir)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	c.log.Info("watching directory for new files", logx.String("dir", dir))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("watcher event channel closed")
			}
			if !ev.Has(fsnotify.Create) {
				continue
			}
			if err := c.Trigger(ctx, EventFileCreated, ev.Name); err != nil {
				c.log.Debug("file_created trigger", logx.String("path", ev.Name), logx.Err(err))
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("watcher error channel closed")
			}
			c.log.Warn("directory watch error", logx.String("dir", dir), logx.Err(err))
		}
	}
}
