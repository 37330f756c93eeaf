package gohsm

import "fmt"

// State is the capability set a client implements to participate in a
// Machine: a display name and the three lifecycle hooks the dispatch loop
// invokes. The engine holds State values purely as interfaces — identity is
// the interface value itself (stable pointer/address), and the engine never
// downcasts to a concrete type.
type State interface {
	// Enter runs once when the state becomes active, after any ancestor
	// states on the path from the least common ancestor have entered.
	// Enter may request a transition (including to the halting sentinel);
	// doing so aborts the remaining entry chain and re-plans from here.
	Enter()

	// Exit runs once when the state stops being active, before any
	// ancestor states on the exit path leave. Exit may request a
	// transition, redirecting the transition already in flight.
	Exit()

	// ProcessMessage offers m to this state. Returning false bubbles m to
	// the parent state (and so on up the active chain); returning true
	// marks this state as the handler and stops the bubble.
	ProcessMessage(m *Message) bool

	// Name returns a display name for diagnostics, or "" to render as
	// "(null)".
	Name() string
}

// MachineBinder is an optional capability a State implements to receive a
// reference to its owning Machine when registered via AddState. Enter and
// Exit take no Message argument, so a state that wants to call
// TransitionTo, DeferMessage, or Send from those hooks needs some other way
// to reach the Machine; ProcessMessage can instead always reach it through
// Message.Machine(). BaseState embeds MachineRef, which implements this for
// the common case.
type MachineBinder interface {
	BindMachine(m *Machine)
}

// MachineRef is an embeddable helper giving a State a reference to its
// owning Machine, bound automatically by AddState. Embed it (directly, or
// via BaseState) in state types that need to call Machine methods from
// Enter or Exit.
type MachineRef struct {
	machine *Machine
}

// BindMachine implements MachineBinder.
func (r *MachineRef) BindMachine(m *Machine) { r.machine = m }

// Machine returns the Machine this state was registered with, or nil if it
// has not been registered yet.
func (r *MachineRef) Machine() *Machine { return r.machine }

// BaseState is an embeddable no-op State implementation. Client state types
// embed BaseState and override only the hooks they care about.
type BaseState struct {
	MachineRef
	name string
}

// NewBaseState returns a BaseState with the given display name.
func NewBaseState(name string) BaseState {
	return BaseState{name: name}
}

func (b *BaseState) Enter()                       {}
func (b *BaseState) Exit()                        {}
func (b *BaseState) ProcessMessage(*Message) bool { return false }
func (b *BaseState) Name() string                 { return b.name }

// stateNode is the tree's bookkeeping for one registered state.
type stateNode struct {
	state     State
	parent    State
	ancestors []State // self, parent, grandparent, ..., root; cached at build
}

// stateTree is the registered forest of states. It is mutable only before
// build() runs (at Machine.Start); build() validates the graph and caches
// each state's ancestor chain so the transition controller never walks the
// tree again.
type stateTree struct {
	nodes   map[State]*stateNode
	order   []State
	initial State
	built   bool
}

func newStateTree() *stateTree {
	return &stateTree{nodes: make(map[State]*stateNode)}
}

func (t *stateTree) addState(s State, parent State) error {
	if t.built {
		return ErrConfigAfterStart
	}
	if s == nil {
		return ErrNilState
	}
	if _, exists := t.nodes[s]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateState, s.Name())
	}
	for p := parent; p != nil; p = t.parentOf(p) {
		if p == s {
			return fmt.Errorf("%w: at state %q", ErrCycle, s.Name())
		}
	}
	t.nodes[s] = &stateNode{state: s, parent: parent}
	t.order = append(t.order, s)
	return nil
}

func (t *stateTree) setInitialState(s State) error {
	if t.built {
		return ErrConfigAfterStart
	}
	if s == nil {
		return ErrNilState
	}
	t.initial = s
	return nil
}

// build validates the tree (parents registered, no cycles, initial state
// set and registered) and caches ancestor chains. Called from Start (or
// WorkerLoop.Add); after a failed build, a retried Start calls it again.
func (t *stateTree) build() error {
	if t.initial == nil {
		return ErrNoInitialState
	}
	if _, ok := t.nodes[t.initial]; !ok {
		return fmt.Errorf("%w: initial state %q", ErrUnknownState, t.initial.Name())
	}
	for _, s := range t.order {
		node := t.nodes[s]
		if node.parent != nil {
			if _, ok := t.nodes[node.parent]; !ok {
				return fmt.Errorf("%w: state %q has unregistered parent %q", ErrUnknownState, s.Name(), node.parent.Name())
			}
		}
	}
	for _, s := range t.order {
		chain, err := t.computeAncestors(s)
		if err != nil {
			return err
		}
		t.nodes[s].ancestors = chain
	}
	t.built = true
	return nil
}

func (t *stateTree) computeAncestors(s State) ([]State, error) {
	var chain []State
	seen := make(map[State]bool, 4)
	cur := s
	for cur != nil {
		if seen[cur] {
			return nil, fmt.Errorf("%w: at state %q", ErrCycle, cur.Name())
		}
		seen[cur] = true
		chain = append(chain, cur)
		cur = t.nodes[cur].parent
	}
	return chain, nil
}

func (t *stateTree) ancestorsOf(s State) []State {
	if s == nil {
		return nil
	}
	if node, ok := t.nodes[s]; ok {
		return node.ancestors
	}
	return nil
}

func (t *stateTree) parentOf(s State) State {
	if s == nil {
		return nil
	}
	if node, ok := t.nodes[s]; ok {
		return node.parent
	}
	return nil
}

func (t *stateTree) isRegistered(s State) bool {
	if s == nil {
		return false
	}
	_, ok := t.nodes[s]
	return ok
}
