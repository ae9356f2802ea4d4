package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "5s", "1m").
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Memory     MemoryConfig     `json:"memory"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Interrupts InterruptsConfig `json:"interrupts"`
	Storage    StorageConfig    `json:"storage"`
	Debug      DebugConfig      `json:"debug"`
}

type LoggingConfig struct {
	Level   string     `json:"level"`
	Console bool       `json:"console"`
	File    FileConfig `json:"file"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// MemoryConfig sizes the resource ledger. Changing it needs a restart.
type MemoryConfig struct {
	TotalMB int `json:"total_mb"`
}

type SchedulerConfig struct {
	TickInterval string `json:"tick_interval,omitempty"`
	AutoStart    bool   `json:"auto_start"`
	// Timezone is an IANA name ("Asia/Jakarta"); empty means Local.
	Timezone string `json:"timezone,omitempty"`
	// ExecTimeout bounds one executor call; empty or "0s" disables it.
	ExecTimeout string `json:"exec_timeout,omitempty"`
}

type InterruptsConfig struct {
	TimerInterval string `json:"timer_interval,omitempty"`
	// WatchDir, when set, fires "file_created" for every file created in it.
	WatchDir string `json:"watch_dir,omitempty"`
}

type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path"`
	ExecutionLog string `json:"execution_log,omitempty"`
	BusyTimeout  string `json:"busy_timeout,omitempty"`
}

// DebugConfig enables the operator HTTP server (pprof and /status).
type DebugConfig struct {
	Pprof PprofConfig `json:"pprof"`
}

type PprofConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Prefix  string `json:"prefix,omitempty"`
	Token   string `json:"token,omitempty"`
}

// Defaults returns the configuration used when no file is given.
func Defaults() *Config {
	return &Config{
		Logging:    LoggingConfig{Level: "INFO", Console: true, File: FileConfig{Path: "./taskos.log"}},
		Memory:     MemoryConfig{TotalMB: 512},
		Scheduler:  SchedulerConfig{TickInterval: "1s"},
		Interrupts: InterruptsConfig{TimerInterval: "5s"},
		Storage:    StorageConfig{Driver: "file", Path: "./task_state.json", ExecutionLog: "./task_log.txt"},
		Debug:      DebugConfig{Pprof: PprofConfig{Addr: "127.0.0.1:6060"}},
	}
}
