package gohsm

import "sync/atomic"

// funcState is a reusable State for tests: each hook delegates to an
// optional function field, and Enter/Exit also bump atomic counters so
// tests can assert call counts without racing the worker goroutine.
type funcState struct {
	BaseState

	onEnter   func(s *funcState)
	onExit    func(s *funcState)
	onProcess func(s *funcState, m *Message) bool

	enters int32
	exits  int32
}

func newFuncState(name string) *funcState {
	return &funcState{BaseState: NewBaseState(name)}
}

func (s *funcState) Enter() {
	atomic.AddInt32(&s.enters, 1)
	if s.onEnter != nil {
		s.onEnter(s)
	}
}

func (s *funcState) Exit() {
	atomic.AddInt32(&s.exits, 1)
	if s.onExit != nil {
		s.onExit(s)
	}
}

func (s *funcState) ProcessMessage(m *Message) bool {
	if s.onProcess != nil {
		return s.onProcess(s, m)
	}
	return false
}

func (s *funcState) enterCount() int32 { return atomic.LoadInt32(&s.enters) }
func (s *funcState) exitCount() int32  { return atomic.LoadInt32(&s.exits) }
