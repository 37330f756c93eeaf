package gohsm

import "time"

// Message is the envelope dispatched through a Machine's queue. What is an
// integer discriminator — the tag of a client-defined command code, kept as
// a plain int32 rather than a richer type so clients can share wire-level
// command codes without the engine inspecting them. Arg1, Arg2, and Obj are
// optional payload slots; Obj is opaque to the engine and owned by the
// sender until handed off.
type Message struct {
	What int32
	Arg1 int64
	Arg2 int64
	Obj  any

	scheduledAt  time.Time
	seq          uint64
	machine      *Machine
	isQuitMarker bool
}

// Machine returns the Machine this message was sent to. States reach it
// from ProcessMessage (which receives no other handle to the Machine) to
// call TransitionTo, DeferMessage, Send, and friends.
func (m *Message) Machine() *Machine { return m.machine }

// ScheduledAt returns the time at which this message became (or will
// become) eligible for dequeue.
func (m *Message) ScheduledAt() time.Time { return m.scheduledAt }

// Synthetic What tags recorded in the log ring for lifecycle events, when
// SetDbg(true) is active. These never appear on a Message actually routed
// through ProcessMessage; they exist only as LogRec.What values.
const (
	TagEnter      int32 = -1000 - iota
	TagExit
	TagOnQuitting
	TagOnHalting
)
