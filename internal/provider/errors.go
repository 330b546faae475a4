package provider

import "errors"

// Common provider errors. Callers use errors.Is to branch on these.
var (
	// ErrNotFound indicates the sandbox does not exist on the host.
	ErrNotFound = errors.New("sandbox not found")

	// ErrNotRunning indicates the sandbox exists but is not running.
	ErrNotRunning = errors.New("sandbox is not running")

	// ErrHasForks indicates the sandbox cannot be deleted while dependent
	// forks exist. Callers stop the sandbox instead and keep a tombstone.
	ErrHasForks = errors.New("sandbox has dependent forks")
)
