package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"taskos/internal/observability/pprof"
	"taskos/internal/storage"
	logx "taskos/pkg/logx"
)

const (
	DefaultTickInterval  = time.Second
	DefaultTimerInterval = 5 * time.Second
)

// Settings is a Config with every field parsed and defaulted.
type Settings struct {
	Log           logx.Config
	TotalMB       int
	TickInterval  time.Duration
	AutoStart     bool
	Location      *time.Location
	ExecTimeout   time.Duration
	TimerInterval time.Duration
	WatchDir      string
	Storage       storage.Config
	Pprof         pprof.Config
}

// Resolve validates cfg and converts it to Settings. All problems are
// reported together.
func Resolve(cfg *Config) (Settings, error) {
	if cfg == nil {
		cfg = Defaults()
	}
	var (
		s    Settings
		errs []error
		err  error
	)

	lvl := strings.TrimSpace(cfg.Logging.Level)
	if lvl != "" && !logx.ValidLevel(lvl) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", lvl))
	}
	s.Log = logx.Config{
		Level:   lvl,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: strings.TrimSpace(cfg.Logging.File.Path)},
	}

	if cfg.Memory.TotalMB < 0 {
		errs = append(errs, fmt.Errorf("memory.total_mb: must be >= 0, got %d", cfg.Memory.TotalMB))
	}
	s.TotalMB = cfg.Memory.TotalMB

	if s.TickInterval, err = ParseDurationOrDefault("scheduler.tick_interval", cfg.Scheduler.TickInterval, DefaultTickInterval); err != nil {
		errs = append(errs, err)
	}
	if s.ExecTimeout, err = ParseDurationField("scheduler.exec_timeout", cfg.Scheduler.ExecTimeout); err != nil {
		errs = append(errs, err)
	}
	s.AutoStart = cfg.Scheduler.AutoStart
	s.Location = time.Local
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		loc, lerr := time.LoadLocation(tz)
		if lerr != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", lerr))
		} else {
			s.Location = loc
		}
	}

	if s.TimerInterval, err = ParseDurationOrDefault("interrupts.timer_interval", cfg.Interrupts.TimerInterval, DefaultTimerInterval); err != nil {
		errs = append(errs, err)
	}
	s.WatchDir = strings.TrimSpace(cfg.Interrupts.WatchDir)

	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	switch driver {
	case "", "file", "sqlite", "sqlite3", "memory", "none":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", driver))
	}
	s.Storage = storage.Config{
		Driver:       driver,
		Path:         strings.TrimSpace(cfg.Storage.Path),
		ExecutionLog: strings.TrimSpace(cfg.Storage.ExecutionLog),
	}
	if (driver == "" || driver == "file" || strings.HasPrefix(driver, "sqlite")) && s.Storage.Path == "" {
		errs = append(errs, errors.New("storage.path: required for file and sqlite drivers"))
	}
	if s.Storage.BusyTimeout, err = ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		errs = append(errs, err)
	}

	pc := cfg.Debug.Pprof
	s.Pprof = pprof.Config{
		Enabled: pc.Enabled,
		Addr:    strings.TrimSpace(pc.Addr),
		Prefix:  strings.TrimSpace(pc.Prefix),
		Token:   strings.TrimSpace(pc.Token),
	}
	if pc.Enabled && s.Pprof.Addr != "" {
		if _, _, serr := net.SplitHostPort(s.Pprof.Addr); serr != nil {
			errs = append(errs, fmt.Errorf("debug.pprof.addr: %w", serr))
		}
	}

	if len(errs) > 0 {
		return Settings{}, errors.Join(errs...)
	}
	return s, nil
}
