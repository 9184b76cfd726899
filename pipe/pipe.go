// Package pipe provides the controller that runs an external dataflow
// graph and exchanges typed buffers with it through its sink and source
// endpoints.
package pipe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/xid"
	"golang.org/x/sync/errgroup"

	"github.com/dudk/flume"
	"github.com/dudk/flume/engine"
	"github.com/dudk/flume/format"
	"github.com/dudk/flume/log"
	"github.com/dudk/flume/queue"
)

// State identifies one of the possible states the controller can be in.
type State int

// Controller states. Null is initial, Stopped is terminal.
const (
	Null State = iota
	Ready
	Paused
	Playing
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Null:
		return "null"
	case Ready:
		return "ready"
	case Paused:
		return "paused"
	case Playing:
		return "playing"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

// ErrCapsNotSet is returned by push when the source has no preset caps.
var ErrCapsNotSet = errors.New("source caps not set")

// DefaultTimeout is used for internally triggered shutdowns.
const DefaultTimeout = time.Second

// Pipe is the top-level controller. It owns the background event loop,
// orchestrates startup and shutdown and exposes Pop and Push to the
// application. Construction performs no IO and starts no goroutines;
// all side effects happen in Startup.
type Pipe struct {
	uid     string
	name    string
	command string
	eng     engine.Engine
	leaky   bool
	qsize   int
	timeout time.Duration
	ctx     context.Context
	log     log.Logger

	pendingCaps string

	mu     sync.Mutex
	state  State
	graph  engine.Graph
	sink   *Sink
	source *Source

	stopping chan struct{} // closed when shutdown begins
	quit     chan struct{} // closed to release the context watcher
	stopOnce sync.Once
	group    *errgroup.Group
}

// Option provides a way to set functional parameters to pipe.
type Option func(p *Pipe) error

// New creates a new controller for the provided graph command. The
// returned controller is in Null state; call Startup to run the graph.
func New(eng engine.Engine, command string, options ...Option) (*Pipe, error) {
	p := &Pipe{
		uid:      newUID(),
		command:  command,
		eng:      eng,
		qsize:    100,
		timeout:  DefaultTimeout,
		log:      log.GetLogger(),
		stopping: make(chan struct{}),
		quit:     make(chan struct{}),
	}
	for _, option := range options {
		if err := option(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// newUID returns new unique id value.
func newUID() string {
	return xid.New().String()
}

// WithName sets name to Pipe.
func WithName(n string) Option {
	return func(p *Pipe) error {
		p.name = n
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(p *Pipe) error {
		p.log = l
		return nil
	}
}

// WithQueueSize sets the capacity of the sink queue.
func WithQueueSize(n int) Option {
	return func(p *Pipe) error {
		if n <= 0 {
			return fmt.Errorf("queue size must be positive: %d", n)
		}
		p.qsize = n
		return nil
	}
}

// WithLeaky makes the sink queue drop oldest buffers on overflow instead
// of blocking the producer.
func WithLeaky() Option {
	return func(p *Pipe) error {
		p.leaky = true
		return nil
	}
}

// WithTimeout sets the timeout used by internally triggered shutdowns.
func WithTimeout(d time.Duration) Option {
	return func(p *Pipe) error {
		p.timeout = d
		return nil
	}
}

// WithContext attaches a context; its cancellation triggers the shutdown
// sequence, the same way an interrupt would.
func WithContext(ctx context.Context) Option {
	return func(p *Pipe) error {
		p.ctx = ctx
		return nil
	}
}

// WithSourceCaps presets the video caps applied to the source endpoint
// during startup. Malformed framerate fails before graph construction.
func WithSourceCaps(width, height int, framerate string, pixel format.PixelFormat) Option {
	return func(p *Pipe) error {
		caps, err := format.VideoCaps(width, height, framerate, pixel)
		if err != nil {
			return err
		}
		p.pendingCaps = caps
		return nil
	}
}

// String returns the pipe name if set, uid otherwise.
func (p *Pipe) String() string {
	if p.name == "" {
		return p.uid
	}
	return fmt.Sprintf("%v %v", p.name, p.uid)
}

// State returns the current controller state.
func (p *Pipe) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Startup constructs the graph, prerolls it so format negotiation
// completes, wires the sink and source endpoints and sets the graph
// playing. Calling Startup while the graph is already active is a no-op
// with a warning. A controller that failed startup is not reusable.
func (p *Pipe) Startup() error {
	p.mu.Lock()
	if p.graph != nil || p.state != Null {
		p.mu.Unlock()
		p.log.Warn("pipeline already running")
		return nil
	}
	p.mu.Unlock()

	graph, err := p.eng.Parse(p.command)
	if err != nil {
		p.fail()
		return fmt.Errorf("parse graph: %w", err)
	}

	sinks := graph.Sinks()
	sources := graph.Sources()
	if len(sinks) > 1 {
		graph.Release()
		p.fail()
		return flume.ErrMultipleSinks
	}
	if len(sources) > 1 {
		graph.Release()
		p.fail()
		return flume.ErrMultipleSources
	}

	p.mu.Lock()
	p.graph = graph
	p.mu.Unlock()

	if err := p.transition(engine.StateReady, Ready); err != nil {
		p.abort(graph)
		return err
	}
	// preroll so caps negotiation happens before endpoints are wired
	if err := p.transition(engine.StatePaused, Paused); err != nil {
		p.abort(graph)
		return err
	}

	p.log.Debug("detecting and configuring sink endpoint ...")
	if len(sinks) == 1 {
		sink := newSink(sinks[0], queue.New(p.qsize, p.leaky), p.log)
		p.mu.Lock()
		p.sink = sink
		p.mu.Unlock()
		p.log.Debug("sink endpoint configured")
	}

	p.log.Debug("detecting and configuring source endpoint ...")
	if len(sources) == 1 {
		source := newSource(sources[0], p.log)
		if p.pendingCaps != "" {
			if _, err := source.setCaps(p.pendingCaps); err != nil {
				p.abort(graph)
				return err
			}
		}
		p.mu.Lock()
		p.source = source
		p.mu.Unlock()
		p.log.Debug("source endpoint configured")
	}

	group := &errgroup.Group{}
	p.mu.Lock()
	p.group = group
	p.mu.Unlock()
	group.Go(p.busLoop)
	if p.ctx != nil {
		group.Go(p.watchContext)
	}

	if err := p.transition(engine.StatePlaying, Playing); err != nil {
		p.Shutdown(false, p.timeout)
		return err
	}
	p.log.Debug("set pipeline to playing")
	return nil
}

// transition moves the graph and the controller to the next state.
func (p *Pipe) transition(gs engine.State, cs State) error {
	if err := p.graph.SetState(gs); err != nil {
		return fmt.Errorf("set state %v: %w", gs, err)
	}
	p.mu.Lock()
	p.state = cs
	p.mu.Unlock()
	p.log.Debug(fmt.Sprintf("set pipeline to %v", cs))
	return nil
}

// fail marks a controller whose startup never built a graph.
func (p *Pipe) fail() {
	p.mu.Lock()
	p.state = Stopped
	p.mu.Unlock()
	p.stopOnce.Do(func() {
		close(p.stopping)
		close(p.quit)
	})
}

// abort tears down a partially started graph.
func (p *Pipe) abort(graph engine.Graph) {
	graph.SetState(engine.StateNull)
	graph.Release()
	p.mu.Lock()
	group := p.group
	sink := p.sink
	p.mu.Unlock()
	if sink != nil {
		sink.close()
	}
	p.fail()
	if group != nil {
		group.Wait()
	}
}

// busLoop dispatches engine-level lifecycle messages until the graph is
// released. It runs on the background event-loop goroutine.
func (p *Pipe) busLoop() error {
	for msg := range p.graph.Messages() {
		switch msg.Kind {
		case engine.KindError:
			p.log.Error(fmt.Sprintf("error %d %s: %s", msg.Code, msg.Text, msg.Debug))
			go p.Shutdown(false, p.timeout)
		case engine.KindEOS:
			p.log.Debug("received EOS message")
			// the graph completed naturally, nothing left to signal
			go p.Shutdown(false, p.timeout)
		case engine.KindWarning:
			p.log.Warn(fmt.Sprintf("%s %s", msg.Text, msg.Debug))
		case engine.KindElement:
			p.log.Debug(fmt.Sprintf("element message %s", msg.Element))
		case engine.KindStateChanged:
			// diagnostics only: unreliable on some element topologies
			p.log.Debug(fmt.Sprintf("state changed from %v to %v", msg.Old, msg.New))
		}
	}
	return nil
}

// watchContext triggers shutdown when the attached context is cancelled.
func (p *Pipe) watchContext() error {
	select {
	case <-p.ctx.Done():
		p.log.Info("context cancelled, shutting down")
		go p.Shutdown(false, p.timeout)
	case <-p.quit:
	}
	return nil
}

// Shutdown tears the graph and the event loop down. If eos is requested
// and the graph is playing, an end-of-stream signal is sent first and
// waited for up to timeout; an additional grace period of timeout is then
// always waited so in-flight buffers drain. Shutdown is idempotent and
// safe under concurrent invocation: only the first caller performs the
// teardown, all callers return after the Stopped state is reached.
func (p *Pipe) Shutdown(eos bool, timeout time.Duration) {
	p.stopOnce.Do(func() {
		p.teardown(eos, timeout)
	})
}

func (p *Pipe) teardown(eos bool, timeout time.Duration) {
	p.mu.Lock()
	graph := p.graph
	st := p.state
	p.state = Stopping
	sink := p.sink
	group := p.group
	p.mu.Unlock()
	close(p.stopping)

	if graph == nil {
		close(p.quit)
		p.mu.Lock()
		p.state = Stopped
		p.mu.Unlock()
		return
	}
	p.log.Info("shutdown requested ...")

	if eos && st == Playing {
		done := make(chan struct{})
		go func() {
			if err := graph.SendEOS(); err != nil {
				p.log.Warn(fmt.Sprintf("send EOS: %v", err))
			}
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(timeout):
			p.log.Warn("timed out waiting for EOS")
		}
	}

	// grace period for in-flight buffers to drain into the queue
	time.Sleep(timeout)

	if sink != nil {
		sink.close()
	}
	graph.SetState(engine.StateNull)
	graph.Release()

	close(p.quit)
	if group != nil {
		group.Wait()
	}

	p.mu.Lock()
	p.graph = nil
	p.state = Stopped
	p.mu.Unlock()
	p.log.Info("shutdown success")
}

// active reports whether the graph is running and shutdown has not begun.
func (p *Pipe) active() bool {
	select {
	case <-p.stopping:
		return false
	default:
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.graph != nil
}

// More reports whether the controller still has work for the consumer
// loop: the graph is active or the sink queue holds undelivered buffers.
func (p *Pipe) More() bool {
	p.mu.Lock()
	sink := p.sink
	p.mu.Unlock()
	if sink != nil {
		return p.active() || sink.queued() > 0
	}
	return p.active()
}

// Pop returns the next buffer from the sink queue, waiting in timeout
// intervals while the graph is active. It returns nil once the graph
// stopped and the queue drained. Calling Pop without a wired sink fails
// immediately and triggers a shutdown as a safety measure.
func (p *Pipe) Pop(timeout time.Duration) (*flume.Buffer, error) {
	p.mu.Lock()
	sink := p.sink
	p.mu.Unlock()
	if sink == nil {
		p.log.Error("no sink endpoint to pop buffer from")
		go p.Shutdown(false, p.timeout)
		return nil, flume.ErrNoSink
	}
	var buf *flume.Buffer
	for buf == nil && (p.active() || sink.queued() > 0) {
		buf, _ = sink.pop(timeout)
	}
	return buf, nil
}

// Push validates the array against the preset source caps, stamps timing
// metadata and submits it to the engine. It blocks until the engine
// accepted the buffer. Calling Push without a wired source fails
// immediately and triggers a shutdown as a safety measure.
func (p *Pipe) Push(arr flume.Array) error {
	p.mu.Lock()
	source := p.source
	p.mu.Unlock()
	if source == nil {
		p.log.Error("no source endpoint to push buffer to")
		go p.Shutdown(false, p.timeout)
		return flume.ErrNoSource
	}
	return source.push(arr)
}

// SetSourceCaps sets the source caps if not already set. Changing caps on
// an active source is not supported: caps are either preset before
// startup or configured here once. It reports whether caps were applied;
// a malformed framerate or format is an error.
func (p *Pipe) SetSourceCaps(width, height int, framerate string, pixel format.PixelFormat) (bool, error) {
	caps, err := format.VideoCaps(width, height, framerate, pixel)
	if err != nil {
		return false, err
	}
	p.mu.Lock()
	source := p.source
	graph := p.graph
	p.mu.Unlock()
	if source == nil {
		if graph == nil {
			// not started yet: applied when the source is wired
			p.pendingCaps = caps
			return true, nil
		}
		p.log.Warn("no source endpoint")
		return false, nil
	}
	return source.setCaps(caps)
}

// QueueSize returns the number of buffers in the sink queue.
func (p *Pipe) QueueSize() int {
	p.mu.Lock()
	sink := p.sink
	p.mu.Unlock()
	if sink == nil {
		return 0
	}
	return sink.queued()
}

// Dropped returns the number of buffers dropped by the leaky sink queue.
func (p *Pipe) Dropped() uint64 {
	p.mu.Lock()
	sink := p.sink
	p.mu.Unlock()
	if sink == nil {
		return 0
	}
	return sink.dropped()
}
