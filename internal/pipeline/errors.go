package pipeline

import "errors"

var (
	// ErrAdapter wraps failures returned by adapter Execute calls.
	ErrAdapter = errors.New("adapter error")

	// ErrCancelled marks jobs that were drained without running because
	// the build request was cancelled.
	ErrCancelled = errors.New("build cancelled")

	// ErrNoAdapter is returned when a requested root's schema has no
	// registered adapter.
	ErrNoAdapter = errors.New("no adapter registered")

	// ErrBlocked marks jobs whose dependency failed; the job itself never
	// ran. The wrapped cause names the failed dependency.
	ErrBlocked = errors.New("blocked by failed dependency")
)
