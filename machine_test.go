package gohsm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTest(t *testing.T, m *Machine) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, m.Start(ctx))
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, time.Millisecond)
}

func TestSelfTransitionReentry(t *testing.T) {
	s1 := newFuncState("S1")
	s1.onProcess = func(s *funcState, m *Message) bool {
		require.NoError(t, m.Machine().TransitionTo(s1))
		return true
	}

	m := New("self")
	require.NoError(t, m.AddState(s1, nil))
	require.NoError(t, m.SetInitialState(s1))
	startTest(t, m)

	m.Send(1)
	m.Send(2)

	eventually(t, func() bool { return m.GetLogRecCount() == 2 })
	assert.Equal(t, int32(3), s1.enterCount()) // initial entry + two self-transitions
	assert.Equal(t, int32(2), s1.exitCount())
}

func TestDeferralAcrossTransition(t *testing.T) {
	var s2 *funcState
	s1 := newFuncState("S1")
	s1.onProcess = func(s *funcState, m *Message) bool {
		m.Machine().DeferMessage(m)
		if m.What == 2 {
			require.NoError(t, m.Machine().TransitionTo(s2))
		}
		return true
	}
	s2 = newFuncState("S2")
	s2.onProcess = func(s *funcState, m *Message) bool { return true }

	m := New("defer")
	require.NoError(t, m.AddState(s1, nil))
	require.NoError(t, m.AddState(s2, nil))
	require.NoError(t, m.SetInitialState(s1))
	startTest(t, m)

	m.Send(1)
	m.Send(2)

	eventually(t, func() bool { return m.GetLogRecCount() == 4 })
	recs := m.CopyLogRecs()
	want := []struct {
		what    int32
		handler string
	}{
		{1, "S1"}, {2, "S1"}, {1, "S2"}, {2, "S2"},
	}
	for i, w := range want {
		assert.Equal(t, w.what, recs[i].What, "record %d what", i)
		require.NotNil(t, recs[i].Handler, "record %d handler", i)
		assert.Equal(t, w.handler, recs[i].Handler.Name(), "record %d handler", i)
	}
}

func TestParentFallbackBubbling(t *testing.T) {
	child := newFuncState("Child")
	parent := newFuncState("Parent")
	parent.onProcess = func(s *funcState, m *Message) bool {
		if m.What == 2 {
			m.Machine().TransitionToHaltingState()
		}
		return true
	}

	halted := make(chan struct{})
	m := New("bubble", WithHooks(Hooks{OnHalting: func() { close(halted) }}))
	require.NoError(t, m.AddState(parent, nil))
	require.NoError(t, m.AddState(child, parent))
	require.NoError(t, m.SetInitialState(child))
	startTest(t, m)

	m.Send(1)
	m.Send(2)

	select {
	case <-halted:
	case <-time.After(2 * time.Second):
		t.Fatal("machine never halted")
	}

	// OnHalting (which closes 'halted') runs inside finishHalting, itself
	// called from drive() before dispatchOnce appends the CMD_2 LogRec —
	// so the halt signal alone doesn't guarantee the second record has
	// landed yet. Gate on the count too.
	eventually(t, func() bool { return m.GetLogRecCount() == 2 })
	recs := m.CopyLogRecs()
	require.Len(t, recs, 2)
	for i, rec := range recs {
		assert.Equal(t, "Parent", rec.Handler.Name(), "record %d handler", i)
		assert.Equal(t, "Child", rec.Origin.Name(), "record %d origin", i)
	}
}

func TestLogRingBounds(t *testing.T) {
	s := newFuncState("S")
	s.onProcess = func(st *funcState, m *Message) bool { return true }

	m := New("ring", WithLogRecSize(3))
	require.NoError(t, m.AddState(s, nil))
	require.NoError(t, m.SetInitialState(s))
	startTest(t, m)

	for i := int32(1); i <= 6; i++ {
		m.Send(i)
	}

	eventually(t, func() bool { return m.GetLogRecCount() == 6 })
	assert.Equal(t, 3, m.GetLogRecSize())
	recs := m.CopyLogRecs()
	require.Len(t, recs, 3)
	assert.Equal(t, []int32{4, 5, 6}, []int32{recs[0].What, recs[1].What, recs[2].What})
}

func TestDelayedDelivery(t *testing.T) {
	s := newFuncState("S")
	var mu sync.Mutex
	var received []time.Time
	s.onProcess = func(st *funcState, m *Message) bool {
		mu.Lock()
		received = append(received, time.Now())
		mu.Unlock()
		return true
	}

	m := New("delay")
	require.NoError(t, m.AddState(s, nil))
	require.NoError(t, m.SetInitialState(s))
	startTest(t, m)

	const delay = 120 * time.Millisecond
	m.Send(1)
	m.SendDelayed(delay, 2)

	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	})

	mu.Lock()
	gap := received[1].Sub(received[0])
	mu.Unlock()
	assert.GreaterOrEqual(t, gap, delay-30*time.Millisecond)
}

func TestGracefulQuitDrains(t *testing.T) {
	s := newFuncState("S")
	s.onProcess = func(st *funcState, m *Message) bool {
		if m.What == 1 {
			time.Sleep(60 * time.Millisecond)
			m.Machine().Quit()
		}
		return true
	}

	m := New("quit")
	require.NoError(t, m.AddState(s, nil))
	require.NoError(t, m.SetInitialState(s))
	startTest(t, m)
	m.SetDbg(true) // after Start: initial entry's Enter is already unlogged

	for i := int32(1); i <= 6; i++ {
		m.Send(i)
	}

	eventually(t, func() bool { return m.GetLogRecCount() == 8 })
	recs := m.CopyLogRecs()
	for i := 0; i < 6; i++ {
		assert.Equal(t, int32(i+1), recs[i].What, "record %d", i)
	}
	assert.Equal(t, TagExit, recs[6].What)
	assert.Equal(t, TagOnQuitting, recs[7].What)
}

func TestImmediateQuitDropsTail(t *testing.T) {
	s := newFuncState("S")
	s.onProcess = func(st *funcState, m *Message) bool {
		if m.What == 1 {
			time.Sleep(60 * time.Millisecond)
			m.Machine().QuitNow()
		}
		return true
	}

	m := New("quitnow")
	require.NoError(t, m.AddState(s, nil))
	require.NoError(t, m.SetInitialState(s))
	startTest(t, m)
	m.SetDbg(true)

	for i := int32(1); i <= 6; i++ {
		m.Send(i)
	}

	eventually(t, func() bool { return m.GetLogRecCount() == 3 })
	time.Sleep(20 * time.Millisecond) // settle: nothing more should ever arrive
	assert.Equal(t, uint64(3), m.GetLogRecCount())

	recs := m.CopyLogRecs()
	require.Len(t, recs, 3)
	assert.Equal(t, int32(1), recs[0].What)
	assert.Equal(t, TagExit, recs[1].What)
	assert.Equal(t, TagOnQuitting, recs[2].What)
}

// TestTransitionInExitRedirect is the hardest invariant in the transition
// controller: a planned chain (S2 exiting on the way to S3) gets redirected
// mid-flight by S2's own Exit hook, which retargets to S4. S3 must never be
// entered, and each hook fires exactly once.
func TestTransitionInExitRedirect(t *testing.T) {
	s1 := newFuncState("S1")
	s2 := newFuncState("S2")
	s3 := newFuncState("S3")
	s4 := newFuncState("S4")

	s2.onProcess = func(s *funcState, m *Message) bool {
		require.NoError(t, m.Machine().TransitionTo(s3))
		return true
	}
	s2.onExit = func(s *funcState) {
		require.NoError(t, s.Machine().TransitionTo(s4))
	}

	m := New("redirect")
	require.NoError(t, m.AddState(s1, nil))
	require.NoError(t, m.AddState(s2, s1))
	require.NoError(t, m.AddState(s3, nil))
	require.NoError(t, m.AddState(s4, nil))
	require.NoError(t, m.SetInitialState(s2))
	startTest(t, m)

	eventually(t, func() bool { return m.CurrentState() == s2 })

	m.Send(1)

	eventually(t, func() bool { return m.CurrentState() == s4 })
	assert.Equal(t, int32(0), s3.enterCount())
	assert.Equal(t, int32(1), s2.exitCount())
	assert.Equal(t, int32(1), s1.exitCount())
	assert.Equal(t, int32(1), s4.enterCount())
}

func TestConcurrentSendsRace(t *testing.T) {
	s := newFuncState("S")
	s.onProcess = func(st *funcState, m *Message) bool { return true }

	m := New("concurrent")
	require.NoError(t, m.AddState(s, nil))
	require.NoError(t, m.SetInitialState(s))
	startTest(t, m)

	const goroutines = 8
	const perGoroutine = 50
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				m.Send(int32(i))
			}
		}()
	}
	wg.Wait()

	eventually(t, func() bool { return m.GetLogRecCount() == uint64(goroutines*perGoroutine) })
}
