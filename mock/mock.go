// Package mock provides a scripted in-memory engine and allows to execute
// integration tests without a real dataflow graph installed.
package mock

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/dudk/flume/engine"
	"github.com/dudk/flume/format"
)

// ErrParse is returned by Parse for commands the mock refuses.
var ErrParse = errors.New("mock: cannot parse command")

// DefaultCaps is negotiated on sink endpoints unless overridden.
const DefaultCaps = "video/x-raw,width=320,height=240,framerate=30/1,format=RGB"

// Engine is a scripted engine. A graph command is scanned for the
// "appsink" and "appsrc" tokens to decide which endpoints it carries.
type Engine struct {
	// Caps negotiated on the sink endpoint during preroll.
	Caps string
	// Limit is the number of synthetic buffers produced after the graph
	// reaches playing state.
	Limit int
	// Interval between produced buffers.
	Interval time.Duration
	// Value fills produced buffer bytes.
	Value byte
	// Loopback wires source pushes straight into the sink endpoint.
	Loopback bool
	// EOSAfterLimit posts an end-of-stream message once Limit buffers
	// were produced.
	EOSAfterLimit bool
	// LateCaps withholds endpoint caps so that resolution has to happen
	// from buffer caps; the first buffer carries none at all.
	LateCaps bool
	// ErrOnParse makes Parse fail.
	ErrOnParse error

	mu     sync.Mutex
	graphs []*Graph
}

// Parse builds a scripted graph from the command.
func (e *Engine) Parse(command string) (engine.Graph, error) {
	if e.ErrOnParse != nil {
		return nil, e.ErrOnParse
	}
	if strings.TrimSpace(command) == "" {
		return nil, ErrParse
	}
	caps := e.Caps
	if caps == "" {
		caps = DefaultCaps
	}
	g := &Graph{
		engine: e,
		caps:   caps,
		msgs:   make(chan engine.Message, 16),
		stop:   make(chan struct{}),
	}
	for i := 0; i < strings.Count(command, "appsink"); i++ {
		g.sinks = append(g.sinks, &Sink{graph: g})
	}
	for i := 0; i < strings.Count(command, "appsrc"); i++ {
		g.sources = append(g.sources, &Source{graph: g})
	}
	e.mu.Lock()
	e.graphs = append(e.graphs, g)
	e.mu.Unlock()
	return g, nil
}

// Graphs returns every graph this engine parsed.
func (e *Engine) Graphs() []*Graph {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Graph(nil), e.graphs...)
}

// Graph is a scripted graph instance.
type Graph struct {
	engine  *Engine
	caps    string
	msgs    chan engine.Message
	stop    chan struct{}
	sinks   []*Sink
	sources []*Source

	mu          sync.Mutex
	state       engine.State
	transitions []engine.State
	eosSent     bool
	releases    int

	releaseOnce sync.Once
	producer    sync.WaitGroup
}

// SetState records the transition and, on the transition to playing,
// starts the scripted producer.
func (g *Graph) SetState(s engine.State) error {
	g.mu.Lock()
	prev := g.state
	g.state = s
	g.transitions = append(g.transitions, s)
	g.mu.Unlock()
	if s == engine.StatePlaying && prev != engine.StatePlaying {
		g.startProducer()
	}
	return nil
}

// State returns the current graph state.
func (g *Graph) State() engine.State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Transitions returns every state the graph was set to, in order.
func (g *Graph) Transitions() []engine.State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]engine.State(nil), g.transitions...)
}

// SendEOS records the end-of-stream signal and reflects it back on the
// bus, the way a completed graph would.
func (g *Graph) SendEOS() error {
	g.mu.Lock()
	g.eosSent = true
	g.mu.Unlock()
	g.post(engine.Message{Kind: engine.KindEOS})
	return nil
}

// EOSSent reports whether the application signalled end-of-stream.
func (g *Graph) EOSSent() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.eosSent
}

// Sinks returns the graph's sink endpoints.
func (g *Graph) Sinks() []engine.SinkEndpoint {
	out := make([]engine.SinkEndpoint, len(g.sinks))
	for i, s := range g.sinks {
		out[i] = s
	}
	return out
}

// Sources returns the graph's source endpoints.
func (g *Graph) Sources() []engine.SourceEndpoint {
	out := make([]engine.SourceEndpoint, len(g.sources))
	for i, s := range g.sources {
		out[i] = s
	}
	return out
}

// Messages returns the bus channel.
func (g *Graph) Messages() <-chan engine.Message {
	return g.msgs
}

// Release stops the producer and closes the bus. Idempotent.
func (g *Graph) Release() {
	g.mu.Lock()
	g.releases++
	g.mu.Unlock()
	g.releaseOnce.Do(func() {
		close(g.stop)
		g.producer.Wait()
		g.mu.Lock()
		g.state = engine.StateNull
		g.mu.Unlock()
		close(g.msgs)
	})
}

// Releases returns how many times Release was called.
func (g *Graph) Releases() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.releases
}

// PostError injects a fatal error message on the bus.
func (g *Graph) PostError(code int, text, debug string) {
	g.post(engine.Message{Kind: engine.KindError, Code: code, Text: text, Debug: debug})
}

// PostEOS injects an end-of-stream message on the bus.
func (g *Graph) PostEOS() {
	g.post(engine.Message{Kind: engine.KindEOS})
}

// PostWarning injects a warning message on the bus.
func (g *Graph) PostWarning(text, debug string) {
	g.post(engine.Message{Kind: engine.KindWarning, Text: text, Debug: debug})
}

func (g *Graph) post(m engine.Message) {
	select {
	case g.msgs <- m:
	case <-g.stop:
	}
}

func (g *Graph) startProducer() {
	if g.engine.Limit <= 0 || len(g.sinks) == 0 {
		return
	}
	desc, err := format.ParseCaps(g.caps, 0)
	if err != nil {
		return
	}
	size := desc.Type().Size()
	for _, d := range desc.Shape() {
		size *= d
	}
	var duration uint64
	if v, ok := desc.(format.Video); ok {
		duration = v.Framerate.Duration()
	}
	sink := g.sinks[0]
	g.producer.Add(1)
	go func() {
		defer g.producer.Done()
		for i := 0; i < g.engine.Limit; i++ {
			if g.engine.Interval > 0 {
				select {
				case <-time.After(g.engine.Interval):
				case <-g.stop:
					return
				}
			} else {
				select {
				case <-g.stop:
					return
				default:
				}
			}
			data := make([]byte, size)
			for j := range data {
				data[j] = g.engine.Value
			}
			sink.deliver(engine.RawBuffer{
				Data:     data,
				Caps:     g.caps,
				Pts:      uint64(i) * duration,
				Dts:      timeNone,
				Duration: duration,
				Offset:   uint64(i),
			})
		}
		if g.engine.EOSAfterLimit {
			g.post(engine.Message{Kind: engine.KindEOS})
		}
	}()
}

// mirrors the root package sentinel without importing it.
const timeNone = ^uint64(0)

// Sink is a scripted sink endpoint.
type Sink struct {
	graph *Graph

	mu      sync.Mutex
	handler func(engine.RawBuffer)
}

// Caps returns the negotiated caps once the graph prerolled.
func (s *Sink) Caps() (string, bool) {
	if s.graph.engine.LateCaps {
		return "", false
	}
	g := s.graph
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == engine.StatePaused || g.state == engine.StatePlaying {
		return g.caps, true
	}
	return "", false
}

// HandleBuffer registers the new-buffer callback.
func (s *Sink) HandleBuffer(fn func(engine.RawBuffer)) {
	s.mu.Lock()
	s.handler = fn
	s.mu.Unlock()
}

func (s *Sink) deliver(b engine.RawBuffer) {
	s.mu.Lock()
	fn := s.handler
	s.mu.Unlock()
	if fn == nil {
		return
	}
	if s.graph.engine.LateCaps && b.Offset == 0 {
		// negotiation may lag the first notification
		b.Caps = ""
	}
	fn(b)
}

// Source is a scripted source endpoint.
type Source struct {
	graph *Graph

	mu     sync.Mutex
	caps   string
	pushed []engine.RawBuffer
}

// Caps returns the preset caps.
func (s *Source) Caps() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps, s.caps != ""
}

// SetCaps presets the caps for pushed buffers.
func (s *Source) SetCaps(caps string) error {
	s.mu.Lock()
	s.caps = caps
	s.mu.Unlock()
	return nil
}

// Push records the buffer and, in loopback mode, surfaces it at the sink.
func (s *Source) Push(b engine.RawBuffer) error {
	select {
	case <-s.graph.stop:
		return errors.New("mock: graph released")
	default:
	}
	s.mu.Lock()
	s.pushed = append(s.pushed, b)
	s.mu.Unlock()
	if s.graph.engine.Loopback && len(s.graph.sinks) > 0 {
		s.graph.sinks[0].deliver(b)
	}
	return nil
}

// Pushed returns every buffer pushed into this source.
func (s *Source) Pushed() []engine.RawBuffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]engine.RawBuffer(nil), s.pushed...)
}
