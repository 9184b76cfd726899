// Package gst adapts a GStreamer installation to the engine API. Graphs
// are built with gst-launch syntax; appsink and appsrc elements become
// the sink and source endpoints.
package gst

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/dudk/flume"
	"github.com/dudk/flume/engine"
)

var initOnce sync.Once

// Engine builds GStreamer graphs.
type Engine struct{}

// New returns a GStreamer-backed engine. The library is initialized on
// first use.
func New() *Engine {
	initOnce.Do(func() {
		gst.Init(nil)
	})
	return &Engine{}
}

// Parse builds a graph from a gst-launch description.
func (e *Engine) Parse(command string) (engine.Graph, error) {
	pipeline, err := gst.NewPipelineFromString(command)
	if err != nil {
		return nil, fmt.Errorf("gst: parse launch: %w", err)
	}
	g := &graph{
		pipeline: pipeline,
		msgs:     make(chan engine.Message, 16),
		stop:     make(chan struct{}),
	}
	elements, err := pipeline.GetElements()
	if err != nil {
		return nil, fmt.Errorf("gst: enumerate elements: %w", err)
	}
	for _, elem := range elements {
		factory := elem.GetFactory()
		if factory == nil {
			continue
		}
		switch factory.GetName() {
		case "appsink":
			g.sinks = append(g.sinks, &sinkEndpoint{sink: app.SinkFromElement(elem)})
		case "appsrc":
			src := app.SrcFromElement(elem)
			src.SetProperty("format", int(gst.FormatTime))
			src.SetProperty("block", true)
			g.sources = append(g.sources, &sourceEndpoint{src: src})
		}
	}
	g.watch()
	return g, nil
}

type graph struct {
	pipeline *gst.Pipeline
	sinks    []*sinkEndpoint
	sources  []*sourceEndpoint
	msgs     chan engine.Message
	stop     chan struct{}

	releaseOnce sync.Once
	watcher     sync.WaitGroup
}

func toState(s engine.State) gst.State {
	switch s {
	case engine.StateReady:
		return gst.StateReady
	case engine.StatePaused:
		return gst.StatePaused
	case engine.StatePlaying:
		return gst.StatePlaying
	}
	return gst.StateNull
}

func fromState(s gst.State) engine.State {
	switch s {
	case gst.StateReady:
		return engine.StateReady
	case gst.StatePaused:
		return engine.StatePaused
	case gst.StatePlaying:
		return engine.StatePlaying
	}
	return engine.StateNull
}

func (g *graph) SetState(s engine.State) error {
	return g.pipeline.SetState(toState(s))
}

func (g *graph) SendEOS() error {
	if !g.pipeline.SendEvent(gst.NewEOSEvent()) {
		return errors.New("gst: EOS event not handled")
	}
	return nil
}

func (g *graph) Sinks() []engine.SinkEndpoint {
	out := make([]engine.SinkEndpoint, len(g.sinks))
	for i, s := range g.sinks {
		out[i] = s
	}
	return out
}

func (g *graph) Sources() []engine.SourceEndpoint {
	out := make([]engine.SourceEndpoint, len(g.sources))
	for i, s := range g.sources {
		out[i] = s
	}
	return out
}

func (g *graph) Messages() <-chan engine.Message {
	return g.msgs
}

// watch polls the pipeline bus and converts messages. Polling with a
// short timeout keeps release responsive without a main loop thread.
func (g *graph) watch() {
	bus := g.pipeline.GetPipelineBus()
	g.watcher.Add(1)
	go func() {
		defer g.watcher.Done()
		for {
			select {
			case <-g.stop:
				return
			default:
			}
			msg := bus.TimedPop(50 * time.Millisecond)
			if msg == nil {
				continue
			}
			var out engine.Message
			switch msg.Type() {
			case gst.MessageError:
				gerr := msg.ParseError()
				out = engine.Message{
					Kind:    engine.KindError,
					Code:    gerr.Code(),
					Text:    gerr.Error(),
					Debug:   gerr.DebugString(),
					Element: msg.Source(),
				}
			case gst.MessageEOS:
				out = engine.Message{Kind: engine.KindEOS}
			case gst.MessageWarning:
				gerr := msg.ParseWarning()
				out = engine.Message{
					Kind:    engine.KindWarning,
					Text:    gerr.Error(),
					Debug:   gerr.DebugString(),
					Element: msg.Source(),
				}
			case gst.MessageElement:
				out = engine.Message{Kind: engine.KindElement, Element: msg.Source()}
			case gst.MessageStateChanged:
				old, next := msg.ParseStateChanged()
				out = engine.Message{
					Kind:    engine.KindStateChanged,
					Element: msg.Source(),
					Old:     fromState(old),
					New:     fromState(next),
				}
			default:
				continue
			}
			select {
			case g.msgs <- out:
			case <-g.stop:
				return
			}
		}
	}()
}

func (g *graph) Release() {
	g.releaseOnce.Do(func() {
		g.pipeline.SetState(gst.StateNull)
		close(g.stop)
		g.watcher.Wait()
		close(g.msgs)
	})
}

// clockTime converts a go-gst timestamp to the wire representation,
// mapping the unset clock value to TimeNone.
func clockTime(d time.Duration) uint64 {
	if d < 0 {
		return flume.TimeNone
	}
	return uint64(d)
}

type sinkEndpoint struct {
	sink *app.Sink
}

func (s *sinkEndpoint) Caps() (string, bool) {
	pad := s.sink.Element.GetStaticPad("sink")
	if pad == nil {
		return "", false
	}
	caps := pad.GetCurrentCaps()
	if caps == nil {
		return "", false
	}
	return caps.String(), true
}

func (s *sinkEndpoint) HandleBuffer(fn func(engine.RawBuffer)) {
	s.sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			sample := sink.PullSample()
			if sample == nil {
				return gst.FlowEOS
			}
			buffer := sample.GetBuffer()
			if buffer == nil {
				return gst.FlowError
			}
			mapInfo := buffer.Map(gst.MapRead)
			data := make([]byte, len(mapInfo.Bytes()))
			copy(data, mapInfo.Bytes())
			buffer.Unmap()

			var caps string
			if c := sample.GetCaps(); c != nil {
				caps = c.String()
			}
			fn(engine.RawBuffer{
				Data:     data,
				Caps:     caps,
				Pts:      clockTime(buffer.PresentationTimestamp()),
				Dts:      clockTime(buffer.DecodingTimestamp()),
				Duration: clockTime(buffer.Duration()),
				Offset:   uint64(buffer.Offset()),
			})
			return gst.FlowOK
		},
	})
}

type sourceEndpoint struct {
	src *app.Src
}

func (s *sourceEndpoint) Caps() (string, bool) {
	caps := s.src.GetCaps()
	if caps == nil {
		return "", false
	}
	return caps.String(), true
}

func (s *sourceEndpoint) SetCaps(caps string) error {
	c := gst.NewCapsFromString(caps)
	if c == nil {
		return fmt.Errorf("gst: cannot build caps from %q", caps)
	}
	s.src.SetCaps(c)
	return nil
}

func (s *sourceEndpoint) Push(raw engine.RawBuffer) error {
	buffer := gst.NewBufferFromBytes(raw.Data)
	if raw.Pts != flume.TimeNone {
		buffer.SetPresentationTimestamp(time.Duration(raw.Pts))
	}
	if raw.Duration != flume.TimeNone {
		buffer.SetDuration(time.Duration(raw.Duration))
	}
	if ret := s.src.PushBuffer(buffer); ret != gst.FlowOK {
		return fmt.Errorf("gst: push buffer: %v", ret)
	}
	return nil
}
