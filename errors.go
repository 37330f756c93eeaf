package gohsm

import "errors"

// Configuration faults, per the error taxonomy: surfaced synchronously to
// the caller, never delivered through the dispatch loop.
var (
	// ErrAlreadyStarted is returned by Start on a Machine that has already
	// been started (or halted); Start is not idempotent and a halted
	// machine cannot be restarted.
	ErrAlreadyStarted = errors.New("gohsm: machine already started")

	// ErrConfigAfterStart is returned by AddState/SetInitialState/
	// SetLogRecSize (shrink validation only) once the machine has started.
	ErrConfigAfterStart = errors.New("gohsm: configuration change after start")

	// ErrNoInitialState is returned by Start when no initial state was set.
	ErrNoInitialState = errors.New("gohsm: no initial state set")

	// ErrUnknownState is returned when a state referenced as a parent,
	// initial state, or transition target was never registered.
	ErrUnknownState = errors.New("gohsm: unknown state")

	// ErrCycle is returned when a state's parent chain cycles back to
	// itself.
	ErrCycle = errors.New("gohsm: cycle in state parent chain")

	// ErrNilState is returned by AddState/SetInitialState/TransitionTo when
	// passed a nil State.
	ErrNilState = errors.New("gohsm: nil state")

	// ErrDuplicateState is returned by AddState when the same State value
	// is registered twice.
	ErrDuplicateState = errors.New("gohsm: state already registered")
)
