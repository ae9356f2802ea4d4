// Package scheduler drives the task store: each tick fires the recurring
// tasks whose next run has passed and the timed tasks whose time of day has
// been reached, then advances or consumes them.
//
// A tick is a synchronous unit (Tick), used both by the background loop and
// by the on-demand "run" command. The loop is started and stopped
// cooperatively; it is never joined by the caller.
package scheduler
