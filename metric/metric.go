// Package metric publishes endpoint throughput counters via expvar.
package metric

import (
	"expvar"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const endpointsLabel = "flume.endpoints"

const (
	// BufferCounter measures number of buffers.
	BufferCounter = "Buffers"
	// ByteCounter measures number of bytes.
	ByteCounter = "Bytes"
	// LatencyCounter measures latency between processing calls.
	LatencyCounter = "Latency"
)

var (
	endpoints = metrics{
		m: make(map[string]metric),
	}

	counters = []string{
		BufferCounter,
		ByteCounter,
		LatencyCounter,
	}
)

// Get metrics values for provided endpoint name.
func Get(endpoint string) map[string]string {
	m := make(map[string]string)
	for _, counter := range counters {
		v := expvar.Get(key(endpoint, counter))
		if v != nil {
			m[counter] = v.String()
		}
	}
	return m
}

// MeasureFunc captures metrics when a buffer crosses an endpoint.
type MeasureFunc func(bytes int64)

// Meter creates a new meter closure to capture endpoint counters.
func Meter(endpoint string) MeasureFunc {
	metric := endpoints.get(endpoint)
	calledAt := time.Now()
	var mu sync.Mutex
	return func(bytes int64) {
		mu.Lock()
		metric.latency.set(time.Since(calledAt))
		calledAt = time.Now()
		mu.Unlock()
		metric.buffers.Add(1)
		metric.bytes.Add(bytes)
	}
}

type metrics struct {
	sync.Mutex
	m map[string]metric
}

func (m *metrics) get(endpoint string) metric {
	m.Lock()
	defer m.Unlock()
	if metric, ok := m.m[endpoint]; ok {
		return metric
	}
	metric := newMetric(endpoint)
	m.m[endpoint] = metric
	return metric
}

type metric struct {
	key     string
	buffers *expvar.Int
	bytes   *expvar.Int
	latency *duration
}

func newMetric(endpoint string) metric {
	m := metric{
		key:     endpoint,
		buffers: expvar.NewInt(key(endpoint, BufferCounter)),
		bytes:   expvar.NewInt(key(endpoint, ByteCounter)),
		latency: &duration{},
	}
	expvar.Publish(key(endpoint, LatencyCounter), m.latency)
	return m
}

func key(endpoint, counter string) string {
	return fmt.Sprintf("%s.%s.%s", endpointsLabel, endpoint, counter)
}

// duration allows to format time.Duration metric values.
type duration struct {
	d int64
}

func (v *duration) String() string {
	return fmt.Sprintf("%v", time.Duration(atomic.LoadInt64(&v.d)))
}

func (v *duration) set(value time.Duration) {
	atomic.StoreInt64(&v.d, int64(value))
}
