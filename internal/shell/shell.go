// Package shell implements the line-oriented command surface of taskos.
//
// Each command is a table entry with an arity range; Exec parses one line and
// dispatches it. Run drives Exec from a reader until "exit", EOF or ctx done.
package shell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"taskos/internal/interrupt"
	"taskos/internal/resource"
	"taskos/internal/storage"
	"taskos/internal/task/scheduler"
	"taskos/internal/task/store"
	logx "taskos/pkg/logx"
)

const Prompt = "taskos> "

// maxIntervalSeconds is the largest interval that fits a time.Duration.
const maxIntervalSeconds = math.MaxInt64 / int64(time.Second)

var (
	// ErrExit is returned by Exec for the exit command.
	ErrExit = errors.New("exit requested")
	// ErrUsage marks an unknown command or wrong argument count.
	ErrUsage = errors.New("invalid command or arguments")
)

// Deps are the components the shell drives. Interrupts may be nil.
type Deps struct {
	Store      *store.Store
	Ledger     *resource.Ledger
	Scheduler  *scheduler.Scheduler
	Interrupts *interrupt.Controller
}

// Command is one shell verb. Args excludes the verb itself; MaxArgs < 0 means
// unbounded.
type Command struct {
	Name        string
	Usage       string
	Description string
	MinArgs     int
	MaxArgs     int
	Handle      func(ctx context.Context, out io.Writer, args []string) error
}

type Shell struct {
	d    Deps
	log  logx.Logger
	cmds map[string]*Command
	// autoCtx parents the scheduler loop started by start_auto.
	autoCtx context.Context
}

type Option func(*Shell)

// WithAutoContext sets the context the scheduler loop started by start_auto
// runs under. Defaults to the context passed to the command.
func WithAutoContext(ctx context.Context) Option {
	return func(s *Shell) { s.autoCtx = ctx }
}

func New(d Deps, log logx.Logger, opts ...Option) *Shell {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Shell{d: d, log: log, cmds: map[string]*Command{}}
	for _, o := range opts {
		o(s)
	}
	for _, c := range s.commands() {
		s.cmds[c.Name] = c
	}
	return s
}

// Commands returns the command table sorted by name.
func (s *Shell) Commands() []*Command {
	out := make([]*Command, 0, len(s.cmds))
	for _, c := range s.cmds {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Exec runs one command line, writing its output to out. Blank lines are a
// no-op. Command failures are written to out and returned.
func (s *Shell) Exec(ctx context.Context, line string, out io.Writer) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	c, ok := s.cmds[strings.ToLower(fields[0])]
	args := fields[1:]
	if !ok || len(args) < c.MinArgs || (c.MaxArgs >= 0 && len(args) > c.MaxArgs) {
		fmt.Fprintln(out, "Invalid command or arguments. Type 'help' for assistance.")
		if ok {
			fmt.Fprintf(out, "Usage: %s\n", c.Usage)
		}
		return fmt.Errorf("%w: %q", ErrUsage, line)
	}

	err := c.Handle(ctx, out, args)
	if err != nil && !errors.Is(err, ErrExit) {
		fmt.Fprintf(out, "Error: %v\n", err)
		s.log.Debug("shell command failed", logx.String("cmd", c.Name), logx.Err(err))
	}
	return err
}

// Run reads commands from in until exit, EOF or ctx is done.
func (s *Shell) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-done:
				return
			}
		}
		readErr <- sc.Err()
	}()

	for {
		fmt.Fprint(out, Prompt)
		select {
		case <-ctx.Done():
			fmt.Fprintln(out)
			return nil
		case err := <-readErr:
			fmt.Fprintln(out)
			return err
		case line := <-lines:
			if err := s.Exec(ctx, line, out); errors.Is(err, ErrExit) {
				return nil
			}
		}
	}
}

func (s *Shell) commands() []*Command {
	return []*Command{
		{Name: "add", Usage: "add <task_name> <interval_seconds> <memory_mb>", Description: "Add a periodic task.", MinArgs: 3, MaxArgs: 3, Handle: s.cmdAdd},
		{Name: "schedule", Usage: "schedule <task_name> <HH:MM>", Description: "Schedule a task at a time of day.", MinArgs: 2, MaxArgs: 2, Handle: s.cmdSchedule},
		{Name: "remove", Usage: "remove <task_name>", Description: "Remove a task and free its memory.", MinArgs: 1, MaxArgs: 1, Handle: s.cmdRemove},
		{Name: "list", Usage: "list", Description: "List all tasks.", MaxArgs: 0, Handle: s.cmdList},
		{Name: "run", Usage: "run", Description: "Run due tasks now.", MaxArgs: 0, Handle: s.cmdRun},
		{Name: "memory", Usage: "memory", Description: "Show memory usage.", MaxArgs: 0, Handle: s.cmdMemory},
		{Name: "start_auto", Usage: "start_auto", Description: "Start automatic task execution.", MaxArgs: 0, Handle: s.cmdStartAuto},
		{Name: "stop_auto", Usage: "stop_auto", Description: "Stop automatic task execution.", MaxArgs: 0, Handle: s.cmdStopAuto},
		{Name: "pause_task", Usage: "pause_task <task_name>", Description: "Pause a task.", MinArgs: 1, MaxArgs: 1, Handle: s.cmdPause},
		{Name: "resume_task", Usage: "resume_task <task_name>", Description: "Resume a paused task.", MinArgs: 1, MaxArgs: 1, Handle: s.cmdResume},
		{Name: "export_tasks", Usage: "export_tasks <file>", Description: "Export tasks to a file.", MinArgs: 1, MaxArgs: 1, Handle: s.cmdExport},
		{Name: "import_tasks", Usage: "import_tasks <file>", Description: "Import tasks from a file.", MinArgs: 1, MaxArgs: 1, Handle: s.cmdImport},
		{Name: "trigger", Usage: "trigger <event_type> [payload...]", Description: "Trigger an interrupt.", MinArgs: 1, MaxArgs: -1, Handle: s.cmdTrigger},
		{Name: "timer_interval", Usage: "timer_interval <seconds>", Description: "Change the timer interrupt interval.", MinArgs: 1, MaxArgs: 1, Handle: s.cmdTimerInterval},
		{Name: "help", Usage: "help", Description: "Show this help.", MaxArgs: 0, Handle: s.cmdHelp},
		{Name: "exit", Usage: "exit", Description: "Exit the shell.", MaxArgs: 0, Handle: s.cmdExit},
	}
}

func (s *Shell) cmdAdd(_ context.Context, out io.Writer, args []string) error {
	secs, err1 := strconv.ParseInt(args[1], 10, 64)
	mem, err2 := strconv.Atoi(args[2])
	if err1 != nil || err2 != nil || secs > maxIntervalSeconds || secs < -maxIntervalSeconds {
		return errors.New("invalid interval or memory size, please enter valid numbers")
	}
	t, err := s.d.Store.AddRecurring(args[0], time.Duration(secs)*time.Second, mem)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Task '%s' added: every %s, %d MB, next run %s\n", t.Name, t.Interval, t.MemoryMB, t.NextRunText())
	return nil
}

func (s *Shell) cmdSchedule(_ context.Context, out io.Writer, args []string) error {
	t, err := s.d.Store.AddTimed(args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Task '%s' scheduled at %s\n", t.Name, t.At)
	return nil
}

func (s *Shell) cmdRemove(_ context.Context, out io.Writer, args []string) error {
	r, err := s.d.Store.Remove(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Task '%s' removed (%d recurring, %d timed, %d MB released)\n", args[0], r.Recurring, r.Timed, r.ReleasedMB)
	return nil
}

func (s *Shell) cmdList(_ context.Context, out io.Writer, _ []string) error {
	v := s.d.Store.List()
	if v.Empty() {
		fmt.Fprintln(out, "No tasks.")
		return nil
	}
	if len(v.Recurring) > 0 {
		fmt.Fprintln(out, "Recurring tasks:")
		for _, t := range v.Recurring {
			fmt.Fprintf(out, "  - %s: every %s, next run %s%s\n", t.Name, t.Interval, t.NextRunText(), pausedSuffix(t.Paused))
		}
	}
	if len(v.Timed) > 0 {
		fmt.Fprintln(out, "Timed tasks:")
		for _, t := range v.Timed {
			fmt.Fprintf(out, "  - %s: at %s%s\n", t.Name, t.At, pausedSuffix(t.Paused))
		}
	}
	return nil
}

func pausedSuffix(p bool) string {
	if p {
		return " (paused)"
	}
	return ""
}

func (s *Shell) cmdRun(ctx context.Context, out io.Writer, _ []string) error {
	rep := s.d.Scheduler.Tick(ctx)
	for _, o := range rep.Outcomes {
		line := fmt.Sprintf("Task '%s' executed with status: %s", o.Firing.Name, o.Status)
		if o.Err != nil {
			line += " (" + o.Err.Error() + ")"
		}
		fmt.Fprintln(out, line)
	}
	fmt.Fprintf(out, "%d task(s) fired, %d failed\n", rep.Fired(), rep.Failed())
	return nil
}

func (s *Shell) cmdMemory(_ context.Context, out io.Writer, _ []string) error {
	u := s.d.Ledger.Usage()
	fmt.Fprintf(out, "Memory: %d/%d MB allocated, %d MB free\n", u.Allocated, u.Capacity, u.Free)
	for _, r := range u.Owners {
		fmt.Fprintf(out, "  - %s: %d MB\n", r.Owner, r.Amount)
	}
	return nil
}

func (s *Shell) cmdStartAuto(ctx context.Context, out io.Writer, _ []string) error {
	if s.autoCtx != nil {
		ctx = s.autoCtx
	}
	if !s.d.Scheduler.Start(ctx) {
		fmt.Fprintln(out, "Automatic execution is already running.")
		return nil
	}
	fmt.Fprintf(out, "Automatic execution started (tick %s).\n", s.d.Scheduler.TickInterval())
	return nil
}

func (s *Shell) cmdStopAuto(_ context.Context, out io.Writer, _ []string) error {
	if !s.d.Scheduler.Stop() {
		fmt.Fprintln(out, "Automatic execution is not running.")
		return nil
	}
	fmt.Fprintln(out, "Automatic execution stopped.")
	return nil
}

func (s *Shell) cmdPause(_ context.Context, out io.Writer, args []string) error {
	n, err := s.d.Store.Pause(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Task '%s' paused (%d entries)\n", args[0], n)
	return nil
}

func (s *Shell) cmdResume(_ context.Context, out io.Writer, args []string) error {
	n, err := s.d.Store.Resume(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Task '%s' resumed (%d entries)\n", args[0], n)
	return nil
}

func (s *Shell) cmdExport(_ context.Context, out io.Writer, args []string) error {
	snap := s.d.Store.Snapshot()
	if err := storage.WriteSnapshotFile(args[0], snap); err != nil {
		return err
	}
	fmt.Fprintf(out, "Exported %d task(s) to %s\n", len(snap.Recurring)+len(snap.Timed), args[0])
	return nil
}

func (s *Shell) cmdImport(_ context.Context, out io.Writer, args []string) error {
	snap, err := storage.ReadSnapshotFile(args[0])
	if err != nil {
		return err
	}
	n, err := s.d.Store.Import(snap)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Imported %d task(s) from %s\n", n, args[0])
	return nil
}

func (s *Shell) cmdTrigger(ctx context.Context, out io.Writer, args []string) error {
	if s.d.Interrupts == nil {
		return errors.New("interrupts are not available")
	}
	if err := s.d.Interrupts.Trigger(ctx, args[0], args[1:]...); err != nil {
		return err
	}
	fmt.Fprintf(out, "Interrupt '%s' handled\n", args[0])
	return nil
}

func (s *Shell) cmdTimerInterval(_ context.Context, out io.Writer, args []string) error {
	if s.d.Interrupts == nil {
		return errors.New("interrupts are not available")
	}
	secs, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return fmt.Errorf("%w: %q", interrupt.ErrInvalidInterval, args[0])
	}
	d := time.Duration(secs * float64(time.Second))
	if err := s.d.Interrupts.SetInterval(d); err != nil {
		return err
	}
	fmt.Fprintf(out, "Timer interval set to %s\n", d)
	return nil
}

func (s *Shell) cmdHelp(_ context.Context, out io.Writer, _ []string) error {
	fmt.Fprintln(out, "Available commands:")
	for _, c := range s.commands() {
		fmt.Fprintf(out, "- %s: %s\n", c.Usage, c.Description)
	}
	return nil
}

func (s *Shell) cmdExit(_ context.Context, out io.Writer, _ []string) error {
	fmt.Fprintln(out, "Exiting...")
	return ErrExit
}
