package interrupt

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"taskos/internal/eventbus"
	logx "taskos/pkg/logx"
)

const (
	EventTimer       = "timer"
	EventFileCreated = "file_created"

	DefaultTimerInterval = 5 * time.Second
)

// Event is one interrupt delivered to a handler.
type Event struct {
	Type    string
	Payload []string
	At      time.Time
}

// Handler reacts to an interrupt. It runs outside the controller lock.
type Handler func(ctx context.Context, ev Event) error

type Option func(*Controller)

func WithBus(bus eventbus.Bus) Option {
	return func(c *Controller) {
		if bus != nil {
			c.bus = bus
		}
	}
}

func WithTimerInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.interval = d
		}
	}
}

// Controller owns the handler table and the timer source. Its lock is
// independent of the scheduler's.
type Controller struct {
	log logx.Logger
	bus eventbus.Bus

	mu       sync.Mutex
	handlers map[string]Handler
	interval time.Duration
	timer    *cron.Cron
	entry    cron.EntryID
	timerCtx context.Context
}

func New(log logx.Logger, opts ...Option) *Controller {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Controller{
		log:      log,
		bus:      eventbus.Nop(),
		handlers: map[string]Handler{},
		interval: DefaultTimerInterval,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Register binds h to eventType; a later registration replaces it.
func (c *Controller) Register(eventType string, h Handler) error {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return ErrInvalidEventType
	}
	if h == nil {
		return fmt.Errorf("register %q: nil handler", eventType)
	}
	c.mu.Lock()
	_, replaced := c.handlers[eventType]
	c.handlers[eventType] = h
	c.mu.Unlock()
	c.log.Debug("interrupt handler registered", logx.String("type", eventType), logx.Bool("replaced", replaced))
	return nil
}

// Types lists the registered event types, sorted.
func (c *Controller) Types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.handlers))
	for t := range c.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Trigger runs the handler registered for eventType. Unknown types return
// ErrUnknownEventType; handler errors and panics are returned as errors.
func (c *Controller) Trigger(ctx context.Context, eventType string, payload ...string) error {
	eventType = strings.TrimSpace(eventType)
	c.mu.Lock()
	h, ok := c.handlers[eventType]
	c.mu.Unlock()

	ev := Event{Type: eventType, Payload: payload, At: time.Now()}
	data := eventbus.Interrupt{EventType: eventType, Payload: strings.Join(payload, " ")}
	if !ok {
		c.log.Warn("unknown interrupt", logx.String("type", eventType))
		c.bus.Publish(eventbus.Event{Type: eventbus.InterruptUnknown, Time: ev.At, Data: data})
		return fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
	}

	err := c.invoke(ctx, h, ev)
	if err != nil {
		c.log.Warn("interrupt handler failed", logx.String("type", eventType), logx.Err(err))
		err = fmt.Errorf("interrupt %q: %w", eventType, err)
	}
	c.bus.Publish(eventbus.Event{Type: eventbus.InterruptHandled, Time: ev.At, Data: data})
	return err
}

func (c *Controller) invoke(ctx context.Context, h Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("interrupt handler panicked", logx.String("type", ev.Type), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return h(ctx, ev)
}

func (c *Controller) Interval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interval
}

// SetInterval changes the timer period. A running timer is rescheduled and
// next fires one full interval from now.
func (c *Controller) SetInterval(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%w: %s (must be > 0)", ErrInvalidInterval, d)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	old := c.interval
	c.interval = d
	if c.timer != nil {
		c.timer.Remove(c.entry)
		c.entry = c.timer.Schedule(every(d), c.timerJobLocked())
	}
	c.log.Info("timer interval changed", logx.Duration("old", old), logx.Duration("new", d))
	return nil
}

// TimerRunning reports whether the timer source is active.
func (c *Controller) TimerRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timer != nil
}

// StartTimer fires EventTimer every interval until StopTimer or ctx is done.
// It reports false if the timer is already running.
func (c *Controller) StartTimer(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		return false
	}
	cl := cronLogger{log: c.log}
	c.timer = cron.New(cron.WithLogger(cl), cron.WithChain(cron.SkipIfStillRunning(cl)))
	c.timerCtx = ctx
	c.entry = c.timer.Schedule(every(c.interval), c.timerJobLocked())
	c.timer.Start()

	t := c.timer
	context.AfterFunc(ctx, func() { c.stopTimer(t) })
	c.log.Info("timer interrupt source started", logx.Duration("interval", c.interval))
	return true
}

// StopTimer stops the timer source without waiting for an in-flight
// trigger. It reports false if the timer was not running.
func (c *Controller) StopTimer() bool {
	c.mu.Lock()
	t := c.timer
	c.mu.Unlock()
	if t == nil {
		return false
	}
	return c.stopTimer(t)
}

func (c *Controller) stopTimer(t *cron.Cron) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != t {
		return false
	}
	c.timer.Stop()
	c.timer = nil
	c.timerCtx = nil
	c.log.Info("timer interrupt source stopped")
	return true
}

func (c *Controller) timerJobLocked() cron.Job {
	ctx := c.timerCtx
	return cron.FuncJob(func() {
		if err := c.Trigger(ctx, EventTimer); err != nil {
			c.log.Debug("timer trigger", logx.Err(err))
		}
	})
}

// every is a fixed-delay cron.Schedule. Unlike cron.Every it keeps
// sub-second precision.
type every time.Duration

func (e every) Next(t time.Time) time.Time { return t.Add(time.Duration(e)) }

// cronLogger routes cron's internal logging through logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Trace("cron: "+msg, logx.Any("kv", keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Warn("cron: "+msg, logx.Err(err), logx.Any("kv", keysAndValues))
}

// LogHandler returns a handler that logs msg with the event payload.
func LogHandler(log logx.Logger, msg string) Handler {
	return func(_ context.Context, ev Event) error {
		fields := []logx.Field{logx.String("type", ev.Type)}
		if len(ev.Payload) > 0 {
			fields = append(fields, logx.String("payload", strings.Join(ev.Payload, " ")))
		}
		log.Info(msg, fields...)
		return nil
	}
}
