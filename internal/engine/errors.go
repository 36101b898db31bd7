package engine

import "errors"

var (
	// ErrBinaryMissing means the resolved engine executable does not exist.
	// No spawn is attempted.
	ErrBinaryMissing = errors.New("binary not found")
	// ErrSpawn means the OS refused to create the engine process.
	ErrSpawn = errors.New("failed to spawn engine")
	// ErrReadinessTimeout wraps readiness.ErrTimeout. The child is left running.
	ErrReadinessTimeout = errors.New("engine did not become ready")
	// ErrUnexpectedExit means the child terminated while a start was in flight.
	ErrUnexpectedExit = errors.New("engine exited unexpectedly")
	// ErrClosed is returned once the supervisor has been shut down.
	ErrClosed = errors.New("supervisor is shut down")
)
