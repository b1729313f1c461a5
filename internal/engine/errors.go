package engine

import "errors"

// ErrStopped is returned when a task is submitted to, or abandoned by, a
// stopped engine.
var ErrStopped = errors.New("engine stopped")

// ErrNotRunning is returned by Shutdown when Run was never started.
var ErrNotRunning = errors.New("engine not running")
