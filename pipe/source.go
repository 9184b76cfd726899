package pipe

import (
	"fmt"
	"sync"

	"github.com/dudk/flume"
	"github.com/dudk/flume/engine"
	"github.com/dudk/flume/format"
	"github.com/dudk/flume/log"
	"github.com/dudk/flume/metric"
)

// Source accepts typed arrays from the application, stamps timing
// metadata from the preset descriptor and emits raw buffers into the
// engine. Caps on an active source cannot be changed.
type Source struct {
	endpoint engine.SourceEndpoint
	log      log.Logger
	measure  metric.MeasureFunc

	mu       sync.Mutex
	desc     format.Descriptor
	caps     string
	duration uint64
	frame    uint64
}

func newSource(ep engine.SourceEndpoint, l log.Logger) *Source {
	s := &Source{
		endpoint: ep,
		log:      l,
		measure:  metric.Meter("source"),
	}
	// caps may already be fixed by the graph description
	if caps, ok := ep.Caps(); ok {
		if _, err := s.setCaps(caps); err != nil {
			l.Warn(fmt.Sprintf("source caps: %v", err))
		}
	}
	return s
}

// setCaps resolves and pins the descriptor for pushed buffers. Refused
// with a warning once caps are set.
func (s *Source) setCaps(caps string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.desc != nil {
		s.log.Warn("source caps already set")
		return false, nil
	}
	desc, err := format.ParseCaps(caps, 0)
	if err != nil {
		return false, err
	}
	if err := s.endpoint.SetCaps(caps); err != nil {
		return false, err
	}
	s.desc = desc
	s.caps = caps
	if v, ok := desc.(format.Video); ok {
		s.duration = v.Framerate.Duration()
	}
	s.log.Debug("source caps set")
	return true, nil
}

// push validates the array shape, computes pts, duration and offset from
// the rational framerate and submits the buffer. The duration is fixed
// per buffer; pts and offset derive from a monotonic frame counter, so
// rounding never accumulates. Emission blocks until the engine accepted
// the buffer.
func (s *Source) push(arr flume.Array) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.desc == nil {
		return ErrCapsNotSet
	}
	if !shapeFits(arr, s.desc) {
		return fmt.Errorf("%w: got %v of %v, want %v of %v",
			flume.ErrShapeMismatch, arr.Shape(), arr.Type(), s.desc.Shape(), s.desc.Type())
	}

	raw := engine.RawBuffer{
		Data:     arr.Bytes(),
		Caps:     s.caps,
		Pts:      s.frame * s.duration,
		Dts:      flume.TimeNone,
		Duration: s.duration,
		Offset:   s.frame,
	}
	s.frame++
	s.measure(int64(len(raw.Data)))
	s.log.Debug("push buffer")
	return s.endpoint.Push(raw)
}

// Descriptor returns the preset descriptor, nil if not yet set.
func (s *Source) Descriptor() format.Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.desc
}

// shapeFits matches an array against the descriptor's shape and type,
// accepting the squeezed form for single-channel layouts.
func shapeFits(arr flume.Array, desc format.Descriptor) bool {
	if arr.Type() != desc.Type() {
		return false
	}
	want := desc.Shape()
	got := arr.Shape()
	if desc.Channels() == 1 && len(got) == len(want)-1 {
		want = want[:len(want)-1]
	}
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
