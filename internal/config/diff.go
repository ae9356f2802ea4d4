package config

import (
	"sort"
	"strings"

	logx "taskos/pkg/logx"
)

// Change describes the difference between two configs.
type Change struct {
	// Sections lists changed top-level sections, sorted.
	Sections []string
	// RestartRequired lists changed settings that only take effect on restart.
	RestartRequired []string
	// Attrs are log fields describing the new values.
	Attrs []logx.Field
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// Diff compares oldCfg and newCfg. Nil configs are treated as Defaults().
func Diff(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = Defaults()
	}
	if newCfg == nil {
		newCfg = Defaults()
	}
	var c Change

	if !strings.EqualFold(strings.TrimSpace(oldCfg.Logging.Level), strings.TrimSpace(newCfg.Logging.Level)) ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File != newCfg.Logging.File {
		c.Sections = append(c.Sections, "logging")
		c.Attrs = append(c.Attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Memory != newCfg.Memory {
		c.Sections = append(c.Sections, "memory")
		c.RestartRequired = append(c.RestartRequired, "memory.total_mb")
		c.Attrs = append(c.Attrs, logx.Int("memory.total_mb", newCfg.Memory.TotalMB))
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		c.Sections = append(c.Sections, "scheduler")
		c.Attrs = append(c.Attrs,
			logx.String("scheduler.tick_interval", newCfg.Scheduler.TickInterval),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
			logx.Bool("scheduler.auto_start", newCfg.Scheduler.AutoStart),
		)
	}

	if oldCfg.Interrupts != newCfg.Interrupts {
		c.Sections = append(c.Sections, "interrupts")
		if strings.TrimSpace(oldCfg.Interrupts.WatchDir) != strings.TrimSpace(newCfg.Interrupts.WatchDir) {
			c.RestartRequired = append(c.RestartRequired, "interrupts.watch_dir")
		}
		c.Attrs = append(c.Attrs, logx.String("interrupts.timer_interval", newCfg.Interrupts.TimerInterval))
	}

	if oldCfg.Storage != newCfg.Storage {
		c.Sections = append(c.Sections, "storage")
		c.RestartRequired = append(c.RestartRequired, "storage")
		c.Attrs = append(c.Attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}

	if oldCfg.Debug != newCfg.Debug {
		c.Sections = append(c.Sections, "debug")
		c.RestartRequired = append(c.RestartRequired, "debug.pprof")
		c.Attrs = append(c.Attrs, logx.Bool("debug.pprof.enabled", newCfg.Debug.Pprof.Enabled))
	}

	sort.Strings(c.Sections)
	return c
}
