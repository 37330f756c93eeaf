package gohsm

import (
	"context"
	"time"
)

// WorkerLoop drives several Machines from a single goroutine, round-robin
// polling each one's queue via stepIfReady instead of giving each machine
// its own dedicated goroutine. Grounded on spec.md §5's shared-thread
// requirement: several machines that rarely have concurrent work pending
// can share one worker without each paying for a parked goroutine.
//
// A Machine added to a WorkerLoop must not also be started with Start —
// the two dispatch models are mutually exclusive per machine.
type WorkerLoop struct {
	machines []*Machine
	idle     time.Duration
}

// NewWorkerLoop constructs an empty WorkerLoop. idle is how long Run
// sleeps between polling passes when no machine had work; it defaults to
// 1ms if zero or negative.
func NewWorkerLoop(idle time.Duration) *WorkerLoop {
	if idle <= 0 {
		idle = time.Millisecond
	}
	return &WorkerLoop{idle: idle}
}

// Add registers m with the loop and runs its initial entry chain. Must be
// called before Run, for a Machine that has not been started any other
// way. Returns any error Machine.startShared returns (ErrAlreadyStarted,
// or a state-tree validation error).
func (w *WorkerLoop) Add(m *Machine) error {
	if err := m.startShared(); err != nil {
		return err
	}
	w.machines = append(w.machines, m)
	return nil
}

// Run polls every registered machine's queue once per pass, dispatching
// at most one due message per machine per pass, until ctx is done. A
// machine that has halted is skipped on subsequent passes but left
// registered (its CurrentState, CopyLogRecs, etc. remain readable).
func (w *WorkerLoop) Run(ctx context.Context) {
	timer := time.NewTimer(w.idle)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		didWork := false
		for _, m := range w.machines {
			if m.stepIfReady() {
				didWork = true
			}
		}

		if didWork {
			continue
		}

		timer.Reset(w.idle)
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
}
