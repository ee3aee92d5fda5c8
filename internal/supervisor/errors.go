package supervisor

import "errors"

// Sentinel errors returned by the host. Callers branch on these with
// errors.Is; the wrapped form carries the detail.
var (
	// ErrInitialization means the worker never reached ready within the
	// init timeout, or failed while starting up.
	ErrInitialization = errors.New("worker initialization failed")

	// ErrRequestTimeout means no response arrived in time. The worker may
	// still complete the operation; the timeout settles only the local
	// request.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrHostDestroyed means the host was torn down before or while the
	// request was in flight.
	ErrHostDestroyed = errors.New("host destroyed")

	// ErrWorkerExited means the worker process died with the request still
	// pending.
	ErrWorkerExited = errors.New("worker process exited")

	// ErrRestartBudget means the worker crashed too often inside the
	// restart window and the host gave up respawning it.
	ErrRestartBudget = errors.New("worker restart budget exhausted")
)
