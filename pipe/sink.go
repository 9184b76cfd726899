package pipe

import (
	"fmt"
	"sync"
	"time"

	"github.com/dudk/flume"
	"github.com/dudk/flume/engine"
	"github.com/dudk/flume/format"
	"github.com/dudk/flume/log"
	"github.com/dudk/flume/metric"
	"github.com/dudk/flume/queue"
)

// Sink consumes raw buffer notifications from the engine, decodes them
// per the resolved descriptor and queues them for the application.
// Buffer callbacks arrive on the engine's own worker thread; the queue is
// the only structure shared with the application thread.
type Sink struct {
	endpoint engine.SinkEndpoint
	queue    *queue.Queue
	log      log.Logger
	measure  metric.MeasureFunc

	mu   sync.Mutex
	desc format.Descriptor
}

func newSink(ep engine.SinkEndpoint, q *queue.Queue, l log.Logger) *Sink {
	s := &Sink{
		endpoint: ep,
		queue:    q,
		log:      l,
		measure:  metric.Meter("sink"),
	}
	ep.HandleBuffer(s.onBuffer)
	return s
}

// onBuffer is the new-buffer callback. When the descriptor cannot be
// resolved yet the buffer is logged and skipped: negotiation may
// legitimately lag the first notification.
func (s *Sink) onBuffer(raw engine.RawBuffer) {
	desc := s.resolve(raw)
	if desc == nil {
		s.log.Warn("caps not yet available, skipping buffer")
		return
	}

	shape := desc.Shape()
	if a, ok := desc.(format.Audio); ok {
		// samples per channel is never negotiated, derive it per buffer
		spc := len(raw.Data) / a.Type().Size() / a.NumChannels
		shape = []int{spc, a.NumChannels}
	}
	arr, err := flume.NewArray(raw.Data, shape, desc.Type())
	if err != nil {
		s.log.Error(fmt.Sprintf("decode buffer: %v", err))
		return
	}
	if desc.Channels() == 1 {
		arr = arr.Squeeze()
	}
	s.measure(int64(len(raw.Data)))
	s.queue.Put(&flume.Buffer{
		Data:     arr,
		Pts:      raw.Pts,
		Dts:      raw.Dts,
		Duration: raw.Duration,
		Offset:   raw.Offset,
	})
}

// resolve returns the memoized descriptor, resolving it on first use from
// the buffer's caps or, failing that, from the endpoint's negotiated
// caps. Returns nil while no caps are available.
func (s *Sink) resolve(raw engine.RawBuffer) format.Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.desc != nil {
		return s.desc
	}
	caps := raw.Caps
	if caps == "" {
		negotiated, ok := s.endpoint.Caps()
		if !ok {
			return nil
		}
		caps = negotiated
	}
	s.log.Debug("resolving caps from first buffer")
	desc, err := format.ParseCaps(caps, len(raw.Data))
	if err != nil {
		s.log.Warn(fmt.Sprintf("resolve caps: %v", err))
		return nil
	}
	s.desc = desc
	return s.desc
}

// Descriptor returns the resolved descriptor, nil if not yet resolved.
func (s *Sink) Descriptor() format.Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.desc
}

func (s *Sink) pop(timeout time.Duration) (*flume.Buffer, bool) {
	return s.queue.Get(timeout)
}

func (s *Sink) queued() int {
	return s.queue.Len()
}

func (s *Sink) dropped() uint64 {
	return s.queue.Dropped()
}

func (s *Sink) close() {
	s.queue.Close()
}
