// Package interrupt dispatches named events to registered handlers.
//
// Events come from three places: Trigger calls (shell, tests), a periodic
// timer source that fires EventTimer, and an optional directory watcher that
// fires EventFileCreated with the path of each new file.
package interrupt
