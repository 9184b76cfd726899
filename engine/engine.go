// Package engine defines the narrow lifecycle and message API through
// which the core drives an external dataflow graph. Implementations live
// in subpackages; tests use the scripted engine from the mock package.
package engine

// State of a graph.
type State int

// Graph states.
const (
	StateNull State = iota
	StateReady
	StatePaused
	StatePlaying
)

func (s State) String() string {
	switch s {
	case StateNull:
		return "null"
	case StateReady:
		return "ready"
	case StatePaused:
		return "paused"
	case StatePlaying:
		return "playing"
	}
	return "unknown"
}

// Kind identifies a bus message.
type Kind int

// Bus message kinds.
const (
	KindError Kind = iota
	KindEOS
	KindWarning
	KindElement
	KindStateChanged
)

func (k Kind) String() string {
	switch k {
	case KindError:
		return "error"
	case KindEOS:
		return "eos"
	case KindWarning:
		return "warning"
	case KindElement:
		return "element"
	case KindStateChanged:
		return "state-changed"
	}
	return "unknown"
}

// Message is a graph-level lifecycle notification delivered on the bus.
type Message struct {
	Kind    Kind
	Code    int
	Text    string
	Debug   string
	Element string
	Old     State
	New     State
}

// RawBuffer is an undecoded buffer crossing the engine boundary, together
// with the caps it was produced or will be consumed under.
type RawBuffer struct {
	Data     []byte
	Caps     string
	Pts      uint64
	Dts      uint64
	Duration uint64
	Offset   uint64
}

// SinkEndpoint is a graph element that hands produced buffers to the
// application. HandleBuffer callbacks are invoked on the engine's own
// worker thread.
type SinkEndpoint interface {
	// Caps returns the negotiated caps, if negotiation completed.
	Caps() (string, bool)
	// HandleBuffer registers the new-buffer callback.
	HandleBuffer(func(RawBuffer))
}

// SourceEndpoint is a graph element that accepts buffers from the
// application. Push blocks under engine-side flow control.
type SourceEndpoint interface {
	Caps() (string, bool)
	SetCaps(caps string) error
	Push(RawBuffer) error
}

// Graph is an engine-owned graph instance. It is released exactly once;
// Release closes the message channel and unblocks pending endpoint calls.
type Graph interface {
	SetState(State) error
	SendEOS() error
	Sinks() []SinkEndpoint
	Sources() []SourceEndpoint
	// Messages returns the bus channel. It is closed on Release.
	Messages() <-chan Message
	Release()
}

// Engine constructs graphs from opaque textual descriptions.
type Engine interface {
	Parse(command string) (Graph, error)
}
