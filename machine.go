package gohsm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Logger is the package default logger, used by any Machine constructed
// without WithLogger. Following the teacher's convention of a package-level
// default rather than forcing every caller to thread one through.
var Logger = slog.Default()

type lifecycleState int32

const (
	stateConstructed lifecycleState = iota
	stateStarted
	stateRunning
	stateHalting
	stateHalted
)

// Hooks are the machine-level overridable callbacks spec.md §6 calls for.
// Go has no virtual-method override, so rather than requiring clients to
// embed and override Machine, these are plain function fields; nil means
// no-op.
type Hooks struct {
	// UnhandledMessage is invoked when no state in the active chain, up to
	// and including the root, returns true from ProcessMessage.
	UnhandledMessage func(*Message)

	// OnHalting runs once, after the exit chain to root completes, when
	// halting was reached via TransitionToHaltingState.
	OnHalting func()

	// OnQuitting runs once, after the exit chain to root completes, when
	// halting was reached via Quit or QuitNow.
	OnQuitting func()
}

// Machine is a single hierarchical state machine: a registered State tree,
// a message queue bound to one worker goroutine (dedicated, via Start, or
// shared, via WorkerLoop), and the transition controller and log ring that
// drive it.
type Machine struct {
	name   string
	id     uuid.UUID
	logger *slog.Logger
	hooks  Hooks
	clock  func() time.Time

	tree     *stateTree
	queue    *messageQueue
	deferred *deferredQueue
	ring     *logRing

	lifecycleMu sync.RWMutex
	lifecycle   lifecycleState

	stateMu     sync.RWMutex
	currentLeaf State

	dbg bool

	// Worker-goroutine-only fields: touched exclusively by the goroutine
	// running the dispatch loop (dedicated or shared), never by a producer.
	// No synchronization needed, same contract as the teacher's
	// single-threaded eventLoop state.
	currentMessage       *Message
	pendingSet           bool
	pendingTarget        State
	pendingHalt          bool
	insideProcessMessage bool
	deferredThisDispatch bool
}

// MachineOption configures a Machine at construction time, in the
// teacher's functional-option style.
type MachineOption func(*Machine)

// WithLogger sets the structured logger used for debug tracing of
// dispatch/enter/exit activity. Independent of SetDbg, which
// controls the log ring, not the slog stream.
func WithLogger(logger *slog.Logger) MachineOption {
	return func(m *Machine) { m.logger = logger }
}

// WithHooks sets the machine-level overridable callbacks.
func WithHooks(h Hooks) MachineOption {
	return func(m *Machine) { m.hooks = h }
}

// WithLogRecSize sets the log ring's initial capacity (default 20).
func WithLogRecSize(n int) MachineOption {
	return func(m *Machine) { m.ring.setCapacity(n) }
}

// WithDbg enables synthetic enter/exit/onQuitting/onHalting records in the
// log ring from construction, equivalent to calling SetDbg(true) before
// Start.
func WithDbg(enabled bool) MachineOption {
	return func(m *Machine) { m.dbg = enabled }
}

// WithClock overrides the time source used for delayed delivery and log
// timestamps. Tests inject a fake clock to assert ordering without
// sleeping for real durations.
func WithClock(now func() time.Time) MachineOption {
	return func(m *Machine) { m.clock = now }
}

// New constructs a Machine. States are registered with AddState and
// SetInitialState before Start; Start validates the tree and spawns the
// dispatch loop.
func New(name string, opts ...MachineOption) *Machine {
	m := &Machine{
		name:     name,
		id:       uuid.New(),
		logger:   Logger,
		clock:    time.Now,
		tree:     newStateTree(),
		deferred: newDeferredQueue(),
		ring:     newLogRing(defaultLogRingCapacity),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.queue = newMessageQueue(m.clock)
	return m
}

// ID returns this Machine's diagnostic instance identity, generated once
// at construction.
func (m *Machine) ID() uuid.UUID { return m.id }

// AddState registers s in the state tree with the given parent (nil for a
// top-level state). If s implements MachineBinder, its BindMachine is
// called immediately, giving Enter/Exit hooks a way to reach this Machine.
// Returns ErrConfigAfterStart once the machine has started.
func (m *Machine) AddState(s State, parent State) error {
	if err := m.tree.addState(s, parent); err != nil {
		return err
	}
	if b, ok := s.(MachineBinder); ok {
		b.BindMachine(m)
	}
	return nil
}

// SetInitialState designates s as the state entered by Start. Returns
// ErrConfigAfterStart once the machine has started.
func (m *Machine) SetInitialState(s State) error {
	return m.tree.setInitialState(s)
}

// SetLogRecSize resizes the log ring, truncating to the most recent
// records if shrinking. Growing is legal at any time; shrinking after
// Start is rejected with ErrConfigAfterStart, since it would silently
// drop records a caller may still expect to read. This narrows spec.md
// §6's "legal at any time; truncates if shrinking" for the post-start
// shrink case specifically — original_source never calls the equivalent
// setter after starting, so the divergence has no observed caller to
// break.
func (m *Machine) SetLogRecSize(n int) error {
	if n <= 0 {
		n = 1
	}
	if m.hasStarted() && n < m.ring.capacityValue() {
		return ErrConfigAfterStart
	}
	m.ring.setCapacity(n)
	return nil
}

func (m *Machine) hasStarted() bool {
	m.lifecycleMu.RLock()
	defer m.lifecycleMu.RUnlock()
	return m.lifecycle != stateConstructed
}

// SetDbg toggles whether the log ring records synthetic enter/exit/
// onQuitting/onHalting entries alongside dispatched messages.
func (m *Machine) SetDbg(enabled bool) { m.dbg = enabled }

// Start validates the registered state tree, runs the initial entry
// chain, and spawns a dedicated worker goroutine that dispatches from this
// Machine's queue until ctx is cancelled or the machine halts. Returns
// ErrAlreadyStarted if called more than once, or a configuration error
// from the state tree (ErrNoInitialState, ErrUnknownState, ErrCycle).
func (m *Machine) Start(ctx context.Context) error {
	if err := m.beginStart(); err != nil {
		return err
	}

	m.runInitialEntry()
	m.setLifecycle(stateRunning)

	go m.runLoop(ctx)
	return nil
}

// startShared is the WorkerLoop entry point: it validates the tree and
// runs the initial entry chain, same as Start, but does not spawn a
// goroutine — the caller's WorkerLoop drives dispatch via stepIfReady.
func (m *Machine) startShared() error {
	if err := m.beginStart(); err != nil {
		return err
	}
	m.runInitialEntry()
	m.setLifecycle(stateRunning)
	return nil
}

// beginStart claims the Constructed->Started transition (so two concurrent
// Start calls can't both proceed) and then validates the state tree. A
// validation failure rolls the claim back to Constructed rather than
// leaving the machine stuck Started-but-never-Running: tree.build returns
// before setting tree.built on any error, so a caller that fixes the
// fault (adds the missing state, sets an initial state, breaks a cycle)
// can retry Start.
func (m *Machine) beginStart() error {
	m.lifecycleMu.Lock()
	if m.lifecycle != stateConstructed {
		m.lifecycleMu.Unlock()
		return ErrAlreadyStarted
	}
	m.lifecycle = stateStarted
	m.lifecycleMu.Unlock()

	if err := m.tree.build(); err != nil {
		m.lifecycleMu.Lock()
		m.lifecycle = stateConstructed
		m.lifecycleMu.Unlock()
		return err
	}
	return nil
}

func (m *Machine) runInitialEntry() {
	m.drive(nil, m.tree.initial, false)
}

// runLoop is the dedicated per-machine dispatch loop spawned by Start.
func (m *Machine) runLoop(ctx context.Context) {
	for {
		msg, ok := m.queue.dequeue(ctx)
		if !ok {
			return
		}
		if msg.isQuitMarker {
			m.queue.close()
			m.haltViaQuitting()
			return
		}
		m.dispatchOnce(msg)
		if m.isHalting() {
			return
		}
	}
}

// stepIfReady dispatches at most one due message and reports whether it
// did. Used by WorkerLoop to round-robin several machines on one shared
// goroutine without blocking on any single machine's queue.
func (m *Machine) stepIfReady() bool {
	if m.isHalting() {
		return false
	}
	msg, ok := m.queue.tryDequeue()
	if !ok {
		return false
	}
	if msg.isQuitMarker {
		m.queue.close()
		m.haltViaQuitting()
		return true
	}
	m.dispatchOnce(msg)
	return true
}

// dispatchOnce runs spec.md §4.4's steps 1-8 for one message: route it up
// the active ancestor chain, capture deferral if requested, run any
// transition the handler requested (flushing the deferred queue to the
// main queue's head once it settles), and append exactly one LogRec.
func (m *Machine) dispatchOnce(msg *Message) {
	origin := m.CurrentState()
	m.currentMessage = msg
	m.logger.Debug("dispatch", "machine", m.name, "what", msg.What, "origin", nameOf(origin))

	handler, handled := m.routeMessage(msg)

	if !handled && m.hooks.UnhandledMessage != nil {
		m.hooks.UnhandledMessage(msg)
	}

	if handled && m.deferredThisDispatch {
		m.deferred.add(msg)
	}
	m.deferredThisDispatch = false

	var dest State
	if m.pendingSet {
		target, halting := m.pendingTarget, m.pendingHalt
		m.pendingSet = false
		from := m.CurrentState()
		if halting {
			m.drive(from, nil, true)
		} else {
			dest = target
			m.drive(from, target, false)
		}
		if !m.isHalting() {
			m.flushDeferred()
		}
	}

	m.currentMessage = nil

	var handlerState State
	if handled {
		handlerState = handler
	}
	m.appendLog(LogRec{What: msg.What, Handler: handlerState, Origin: origin, Dest: dest, Time: m.clock()})
}

// routeMessage offers msg to the active leaf, then each ancestor in turn,
// stopping at the first State that returns true from ProcessMessage.
func (m *Machine) routeMessage(msg *Message) (State, bool) {
	for s := m.CurrentState(); s != nil; s = m.tree.parentOf(s) {
		m.insideProcessMessage = true
		handled := s.ProcessMessage(msg)
		m.insideProcessMessage = false
		if handled {
			return s, true
		}
	}
	return nil, false
}

func (m *Machine) flushDeferred() {
	msgs := m.deferred.drain()
	m.queue.pushFrontBatch(msgs)
}

// finishHalting completes the client-requested halting path
// (TransitionToHaltingState, reached via drive): the exit-to-root chain
// has already run by the time this is called. Closes the queue so
// Send/SendObj/SendDelayed/SendDelayedObj after this point are dropped
// rather than piling up behind a worker that has already stopped
// consuming, matching the Quit/QuitNow path below.
func (m *Machine) finishHalting() {
	m.setLifecycle(stateHalted)
	m.queue.close()
	m.deferred.discard()
	if m.hooks.OnHalting != nil {
		m.hooks.OnHalting()
	}
	if m.dbg {
		m.appendSyntheticLog(TagOnHalting)
	}
}

// haltViaQuitting completes the Quit/QuitNow path: unlike the halting
// sentinel, this is reached directly from the dispatch loop on the quit
// marker, never through drive, so it runs its own exit-to-root chain. The
// queue is already closed by the caller (runLoop/stepIfReady) before this
// runs, since the marker itself was dequeued from it.
func (m *Machine) haltViaQuitting() {
	m.setLifecycle(stateHalting)
	from := m.CurrentState()
	m.exitToRoot(from)
	m.setLifecycle(stateHalted)
	m.deferred.discard()
	if m.hooks.OnQuitting != nil {
		m.hooks.OnQuitting()
	}
	if m.dbg {
		m.appendSyntheticLog(TagOnQuitting)
	}
}

func (m *Machine) setLifecycle(s lifecycleState) {
	m.lifecycleMu.Lock()
	m.lifecycle = s
	m.lifecycleMu.Unlock()
}

func (m *Machine) isHalting() bool {
	m.lifecycleMu.RLock()
	defer m.lifecycleMu.RUnlock()
	return m.lifecycle == stateHalting || m.lifecycle == stateHalted
}

func (m *Machine) setCurrentLeaf(s State) {
	m.stateMu.Lock()
	m.currentLeaf = s
	m.stateMu.Unlock()
}

// CurrentState returns the active leaf state, or nil if the machine has
// not entered any state yet (or has halted).
func (m *Machine) CurrentState() State {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.currentLeaf
}

// IsInState reports whether s is the active leaf or one of its ancestors.
func (m *Machine) IsInState(s State) bool {
	for cur := m.CurrentState(); cur != nil; cur = m.tree.parentOf(cur) {
		if cur == s {
			return true
		}
	}
	return false
}

func (m *Machine) runEnterHook(s State) {
	m.logger.Debug("enter", "machine", m.name, "state", nameOf(s))
	s.Enter()
	if m.dbg {
		m.appendLog(LogRec{What: TagEnter, Handler: s, Origin: s, Time: m.clock()})
	}
}

func (m *Machine) runExitHook(s State) {
	m.logger.Debug("exit", "machine", m.name, "state", nameOf(s))
	s.Exit()
	if m.dbg {
		m.appendLog(LogRec{What: TagExit, Handler: s, Origin: s, Time: m.clock()})
	}
}

func (m *Machine) appendLog(rec LogRec) {
	m.ring.append(rec)
}

func (m *Machine) appendSyntheticLog(tag int32) {
	m.appendLog(LogRec{What: tag, Time: m.clock()})
}

// TransitionTo requests that the machine transition to target once the
// current dispatch's handler chain finishes. Legal from Enter, Exit, or
// ProcessMessage; a later call in the same dispatch overwrites an earlier
// one. Returns ErrNilState or ErrUnknownState synchronously if target is
// not a registered state.
func (m *Machine) TransitionTo(target State) error {
	if target == nil {
		return ErrNilState
	}
	if !m.tree.isRegistered(target) {
		return fmt.Errorf("%w: %q", ErrUnknownState, target.Name())
	}
	m.pendingHalt = false
	m.pendingTarget = target
	m.pendingSet = true
	return nil
}

// TransitionToHaltingState requests that the machine exit every active
// state up to the root and halt, once the current dispatch's handler
// chain finishes. OnHalting runs after the exit chain completes.
func (m *Machine) TransitionToHaltingState() {
	m.pendingHalt = true
	m.pendingTarget = nil
	m.pendingSet = true
}

// DeferMessage marks the message currently being dispatched for deferral:
// it is parked until the next transition completes, then replayed at the
// main queue's head ahead of everything sent since. Legal only from
// within ProcessMessage, for the message ProcessMessage was called with;
// calling it from Enter, Exit, or outside any dispatch panics.
func (m *Machine) DeferMessage(msg *Message) {
	if !m.insideProcessMessage || msg != m.currentMessage {
		panic("gohsm: DeferMessage called outside ProcessMessage for the message currently being dispatched")
	}
	m.deferredThisDispatch = true
}

// Send enqueues an immediate message. args[0] becomes Arg1, args[1]
// becomes Arg2; any further values are ignored.
func (m *Machine) Send(what int32, args ...int64) {
	m.SendObj(what, nil, args...)
}

// SendObj is Send with an attached opaque payload.
func (m *Machine) SendObj(what int32, obj any, args ...int64) {
	m.enqueue(m.newMessage(what, obj, args, m.clock()))
}

// SendDelayed enqueues a message eligible for dispatch no earlier than d
// from now.
func (m *Machine) SendDelayed(d time.Duration, what int32, args ...int64) {
	m.SendDelayedObj(d, what, nil, args...)
}

// SendDelayedObj is SendDelayed with an attached opaque payload.
func (m *Machine) SendDelayedObj(d time.Duration, what int32, obj any, args ...int64) {
	m.enqueue(m.newMessage(what, obj, args, m.clock().Add(d)))
}

func (m *Machine) newMessage(what int32, obj any, args []int64, at time.Time) *Message {
	msg := &Message{What: what, Obj: obj, scheduledAt: at, machine: m}
	if len(args) > 0 {
		msg.Arg1 = args[0]
	}
	if len(args) > 1 {
		msg.Arg2 = args[1]
	}
	return msg
}

// enqueue is the common path for Send/SendObj/SendDelayed/SendDelayedObj.
// It short-circuits once the machine has committed to halting, rather
// than relying solely on the queue's own closed check, since
// queue.close() does not run until the exit-to-root chain (which can run
// arbitrary user Exit hooks) has already finished.
func (m *Machine) enqueue(msg *Message) {
	if m.isHalting() {
		return
	}
	msg.seq = m.queue.nextSequence()
	m.queue.push(msg)
}

// Quit enqueues a marker behind every message already pending: the
// machine drains its queue, then exits to root and runs OnQuitting.
func (m *Machine) Quit() {
	at := m.clock()
	m.queue.mu.Lock()
	for _, pending := range m.queue.h {
		if pending.scheduledAt.After(at) {
			at = pending.scheduledAt
		}
	}
	m.queue.mu.Unlock()
	marker := &Message{isQuitMarker: true, machine: m, scheduledAt: at}
	marker.seq = m.queue.nextSequence()
	m.queue.push(marker)
}

// QuitNow discards every pending message and enqueues a marker as the
// sole remaining item: the machine exits to root and runs OnQuitting on
// its very next dispatch turn, without processing anything queued before
// this call.
func (m *Machine) QuitNow() {
	marker := &Message{isQuitMarker: true, machine: m}
	m.queue.clearAndPushFront(marker)
}

// GetCurrentMessage returns the message presently being dispatched, or
// nil outside a dispatch. Valid only when called from the worker
// goroutine itself (typically from within a State hook) — there is no
// synchronization protecting this field because only that goroutine ever
// touches it.
func (m *Machine) GetCurrentMessage() *Message { return m.currentMessage }

// GetLogRec returns the i-th record currently held in the log ring
// (0 = oldest), or the zero LogRec if i is out of range.
func (m *Machine) GetLogRec(i int) LogRec {
	rec, _ := m.ring.recAt(i)
	return rec
}

// GetLogRecSize returns how many records the ring currently holds.
func (m *Machine) GetLogRecSize() int { return m.ring.currentSize() }

// GetLogRecCount returns how many records have ever been appended,
// including ones since evicted.
func (m *Machine) GetLogRecCount() uint64 { return m.ring.totalCount() }

// CopyLogRecs returns a chronological snapshot of the ring, safe to read
// concurrently with the worker goroutine appending further records.
func (m *Machine) CopyLogRecs() []LogRec { return m.ring.copyRecs() }

// String renders the machine's name and active leaf state, or "(null)" if
// no state is active (before Start, or after halting).
func (m *Machine) String() string {
	return fmt.Sprintf("%s: state=%s", m.name, nameOf(m.CurrentState()))
}

func nameOf(s State) string {
	if s == nil {
		return "(null)"
	}
	if n := s.Name(); n != "" {
		return n
	}
	return "(null)"
}
