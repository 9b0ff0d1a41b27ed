// Package agenterrors defines the agent's error taxonomy as sentinel
// values. Components wrap a sentinel with fmt.Errorf("...: %w", ...) so
// callers can classify failures with errors.Is without depending on
// concrete types from every package.
package agenterrors

import "errors"

var (
	// ErrConfigInvalid is returned when configuration is missing a
	// required field or carries a placeholder value. Fatal at startup.
	ErrConfigInvalid = errors.New("config invalid")

	// ErrPortInUse is returned by the supervisor's network preflight when
	// a declared port is already bound locally. Fatal at startup.
	ErrPortInUse = errors.New("port in use")

	// ErrStoreUnavailable marks a lost connection to the backing
	// relational engine. Fatal at startup; periodic loops keep retrying
	// and skip writes while it persists.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrServerUnauthorized marks a bad bearer credential. Fatal during
	// registration; logged and the call dropped during steady-state.
	ErrServerUnauthorized = errors.New("server unauthorized")

	// ErrServerTransient marks a timeout or 5xx from the server. Safe to
	// retry on the next tick or poll.
	ErrServerTransient = errors.New("server transient error")

	// ErrRuntimeError marks a container runtime failure. Triggers engine
	// compensation.
	ErrRuntimeError = errors.New("container runtime error")

	// ErrResourceBusy is returned when a deploy is attempted against an
	// occupied GpuSlot. No state is mutated.
	ErrResourceBusy = errors.New("gpu slot busy")

	// ErrHealthGateFailed marks a failed post-start health gate.
	// Compensation runs.
	ErrHealthGateFailed = errors.New("health gate failed")

	// ErrUnknownCommandType marks a command_type the agent does not
	// recognize. Logged and acknowledged, no further action.
	ErrUnknownCommandType = errors.New("unknown command type")

	// ErrAlreadyExists is returned by the store when a deployment id
	// collides with an existing row.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidTransition is returned by the store when a deployment
	// patch requests a status transition outside the allowed state
	// machine edges.
	ErrInvalidTransition = errors.New("invalid deployment transition")

	// ErrNotFound is returned by store lookups that find no row.
	ErrNotFound = errors.New("not found")
)
