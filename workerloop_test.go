package gohsm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestWorkerLoopSharedThread mirrors spec.md §5's shared-thread
// requirement: several machines dispatched from one goroutine, never
// given a dedicated goroutine of their own.
func TestWorkerLoopSharedThread(t *testing.T) {
	sA := newFuncState("A")
	sA.onProcess = func(s *funcState, m *Message) bool { return true }
	mA := New("machineA")
	require.NoError(t, mA.AddState(sA, nil))
	require.NoError(t, mA.SetInitialState(sA))

	sB := newFuncState("B")
	sB.onProcess = func(s *funcState, m *Message) bool { return true }
	mB := New("machineB")
	require.NoError(t, mB.AddState(sB, nil))
	require.NoError(t, mB.SetInitialState(sB))

	loop := NewWorkerLoop(time.Millisecond)
	require.NoError(t, loop.Add(mA))
	require.NoError(t, loop.Add(mB))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go loop.Run(ctx)

	mA.Send(1)
	mA.Send(2)
	mB.Send(1)

	eventually(t, func() bool {
		return mA.GetLogRecCount() == 2 && mB.GetLogRecCount() == 1
	})
}
