package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"taskos/internal/config"
	"taskos/internal/eventbus"
	"taskos/internal/interrupt"
	"taskos/internal/observability/pprof"
	"taskos/internal/resource"
	"taskos/internal/runtime/supervisor"
	"taskos/internal/shell"
	"taskos/internal/storage"
	"taskos/internal/task/scheduler"
	"taskos/internal/task/store"
	logx "taskos/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	set  config.Settings

	sup atomic.Pointer[supervisor.Supervisor]

	root    logx.Logger
	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	storage storage.Store

	ledger *resource.Ledger
	tasks  *store.Store
	sched  *scheduler.Scheduler
	irq    *interrupt.Controller
	sh     *shell.Shell
	debug  *pprof.Service

	stopOnce sync.Once
	stopErr  error
}

// New loads the config, opens storage and restores the last snapshot. No
// goroutine is started until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	set, err := config.Resolve(cfg)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", cfgPath, err)
	}

	logSvc, root := logx.New(set.Log)
	log := root.With(logx.String("comp", "app"))

	st, err := storage.Open(set.Storage, root)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	a := &App{
		cfgm:    cfgm,
		set:     set,
		root:    root,
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
		storage: st,
	}
	a.build()
	a.restore(context.Background())
	return a, nil
}

// Shell returns the command shell bound to this app's components.
func (a *App) Shell() *shell.Shell { return a.sh }

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	sup := a.sup.Load()
	if sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if sup := a.sup.Load(); sup != nil {
		return sup.Err()
	}
	return nil
}

// Start launches the background loops: the interrupt timer, the optional
// directory watcher, the scheduler loop (when auto_start is set) and config
// hot reload.
func (a *App) Start(ctx context.Context) error {
	sup := supervisor.New(ctx, supervisor.WithLogger(a.root.With(logx.String("comp", "supervisor"))))
	if !a.sup.CompareAndSwap(nil, sup) {
		return errors.New("app already started")
	}
	runCtx := sup.Context()

	a.cfgm.SetLogger(a.root.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := config.Resolve(cfg)
		return err
	})

	a.logEvents(sup)

	a.irq.StartTimer(runCtx)
	if dir := a.set.WatchDir; dir != "" {
		sup.GoRestart("interrupt.watch_dir", func(c context.Context) error {
			return a.irq.WatchDir(c, dir)
		}, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	}
	if a.set.AutoStart {
		a.sched.Start(runCtx)
	}
	if a.debug.Enabled() {
		sup.GoRestart("debug.http", a.debug.Run, supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	}

	a.watchConfig(sup)

	a.notify(daemon.SdNotifyReady)
	a.log.Info("app started",
		logx.Int("memory_mb", a.ledger.Capacity()),
		logx.Bool("auto_start", a.set.AutoStart),
		logx.String("storage", a.set.Storage.Driver),
	)
	return nil
}

func (a *App) logEvents(sup *supervisor.Supervisor) {
	events, unsub := a.bus.Subscribe(128)
	sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	})
}

// Stop flushes the task snapshot to storage and stops every loop. It is safe
// to call without Start and more than once; later calls return the first
// result.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.stopOnce.Do(func() { a.stopErr = a.stop(ctx, reason) })
	return a.stopErr
}

func (a *App) stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notify(daemon.SdNotifyStopping)

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Err(stepCtx.Err()))
			errs = append(errs, fmt.Errorf("%s: %w", name, stepCtx.Err()))
		}
	}

	step("scheduler", time.Second, func(context.Context) error { a.sched.Stop(); return nil })
	step("interrupts", time.Second, func(context.Context) error { a.irq.StopTimer(); return nil })
	step("snapshot", 3*time.Second, func(c context.Context) error {
		snap := a.tasks.Snapshot()
		if err := a.storage.SaveSnapshot(c, snap); err != nil {
			return err
		}
		a.log.Info("snapshot saved", logx.Int("recurring", len(snap.Recurring)), logx.Int("timed", len(snap.Timed)))
		return nil
	})
	if sup := a.sup.Load(); sup != nil {
		step("supervisor", 2*time.Second, sup.Stop)
	}
	step("storage", time.Second, func(context.Context) error { return a.storage.Close() })

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}

// notify reports state to systemd when running under a Type=notify unit.
func (a *App) notify(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		a.log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		a.log.Debug("sd_notify sent", logx.String("state", state))
	}
}
