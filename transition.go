package gohsm

// This file implements the transition controller: least-common-ancestor
// computation and the exit/entry chain driver, generalized from the
// teacher's string-keyed findLCA/exitToAncestor/enterFromAncestor trio
// (machine.go in the reference FSM) to pointer-identity State values, and
// extended with the mid-chain re-planning spec.md §4.3 requires (a state's
// Exit — or Enter — may redirect the transition already in flight).

// lca returns the deepest state common to both a's and b's ancestor chains,
// or nil if they share none (meaning: exit/enter all the way to the root).
// Self-transitions are handled by the caller, not here: the generic LCA of
// a state with itself is the state itself, but spec.md requires a
// self-transition to still produce one Exit and one Enter, so drive()
// special-cases from == target before calling lca.
func (m *Machine) lca(a, b State) State {
	if a == b {
		return a
	}
	ancestorsA := m.tree.ancestorsOf(a)
	set := make(map[State]bool, len(ancestorsA))
	for _, s := range ancestorsA {
		set[s] = true
	}
	for _, s := range m.tree.ancestorsOf(b) {
		if set[s] {
			return s
		}
	}
	return nil
}

// pathFrom returns the ordered path from l's child down to target
// (exclusive of l, inclusive of target). l must be an ancestor of target
// (or nil, meaning "above the root").
func (m *Machine) pathFrom(l, target State) []State {
	var path []State
	for s := target; s != nil && s != l; s = m.tree.parentOf(s) {
		path = append(path, s)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// redirect carries the new plan when a hook called during exitChain or
// enterChain requests a transition of its own, overriding the one in
// flight.
type redirect struct {
	from    State
	target  State
	halting bool
}

// exitChain exits states from 'from' up to (excluding) l, in that order. If
// a hook redirects mid-chain, it stops immediately — the remaining planned
// exits never run — and returns the new plan.
func (m *Machine) exitChain(from, l State) (*redirect, bool) {
	s := from
	for s != nil && s != l {
		parent := m.tree.parentOf(s)
		m.setCurrentLeaf(s)
		m.runExitHook(s)
		if m.pendingSet {
			target, halting := m.pendingTarget, m.pendingHalt
			m.pendingSet = false
			return &redirect{from: parent, target: target, halting: halting}, true
		}
		s = parent
	}
	m.setCurrentLeaf(s)
	return nil, false
}

// enterChain enters states from l's child down to target, in that order. If
// a hook redirects mid-chain, the remaining planned entries never run.
func (m *Machine) enterChain(l, target State) (*redirect, bool) {
	for _, s := range m.pathFrom(l, target) {
		m.runEnterHook(s)
		m.setCurrentLeaf(s)
		if m.pendingSet {
			newTarget, halting := m.pendingTarget, m.pendingHalt
			m.pendingSet = false
			return &redirect{from: s, target: newTarget, halting: halting}, true
		}
	}
	return nil, false
}

// drive runs the transition controller until it settles on a leaf with no
// further redirect pending: exit from 'from' to the LCA with 'target',
// then enter from the LCA down to 'target', re-planning after every exit
// or entry that itself requests a new transition. If halting is true (or
// becomes true via a redirect), the controller instead exits all the way
// to the root and transitions the machine to Halting.
func (m *Machine) drive(from, target State, halting bool) {
	for {
		if halting {
			m.setLifecycle(stateHalting)
			m.exitToRoot(from)
			m.finishHalting()
			return
		}

		var l State
		if from == target {
			// Self-transition: spec.md §4.3 requires exactly one Exit
			// followed by one Enter, so the LCA is from's parent, not
			// from itself.
			l = m.tree.parentOf(from)
		} else {
			l = m.lca(from, target)
		}

		if r, redirected := m.exitChain(from, l); redirected {
			from, target, halting = r.from, r.target, r.halting
			continue
		}
		if r, redirected := m.enterChain(l, target); redirected {
			from, target, halting = r.from, r.target, r.halting
			continue
		}
		m.setCurrentLeaf(target)
		return
	}
}

// exitToRoot exits every active state from 'from' up to the root. Once
// committed to halting, further transition requests made from an Exit hook
// are not honored — halting is terminal once this chain is running. Used
// for both the client-requested halting path (TransitionToHaltingState,
// via drive) and the quit path (Quit/QuitNow, via Machine.haltViaQuitting).
func (m *Machine) exitToRoot(from State) {
	for s := from; s != nil; s = m.tree.parentOf(s) {
		m.setCurrentLeaf(s)
		m.runExitHook(s)
		m.pendingSet = false
	}
	m.setCurrentLeaf(nil)
}
