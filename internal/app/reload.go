package app

import (
	"context"
	"strings"

	"taskos/internal/config"
	"taskos/internal/runtime/supervisor"
	logx "taskos/pkg/logx"
)

// watchConfig starts the config file watcher and the fan-out that applies
// committed configs to the running components.
func (a *App) watchConfig(sup *supervisor.Supervisor) {
	sub := a.cfgm.Subscribe(8)
	sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	sup.Go("config.watch", a.cfgm.Watch)
}

// applyConfig pushes the hot-reloadable settings of newCfg to the running
// components. Settings that need a restart are only reported.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	change := config.Diff(oldCfg, newCfg)
	if change.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	set, err := config.Resolve(newCfg)
	if err != nil {
		// The manager validates before commit; this only guards direct calls.
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}

	a.logs.Apply(set.Log)

	if err := a.sched.SetTickInterval(set.TickInterval); err != nil {
		a.log.Warn("tick interval not applied", logx.Err(err))
	}
	a.tasks.SetLocation(set.Location)
	if set.TimerInterval != a.irq.Interval() {
		if err := a.irq.SetInterval(set.TimerInterval); err != nil {
			a.log.Warn("timer interval not applied", logx.Err(err))
		}
	}

	if len(change.RestartRequired) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("settings", strings.Join(change.RestartRequired, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(change.Sections, ","))}, change.Attrs...)
	a.log.Info("config reloaded", fields...)
}
