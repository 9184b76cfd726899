package mock_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dudk/flume/engine"
	"github.com/dudk/flume/mock"
)

func TestParseEndpoints(t *testing.T) {
	e := &mock.Engine{}
	g, err := e.Parse("videotestsrc ! appsink")
	require.NoError(t, err)
	assert.Len(t, g.Sinks(), 1)
	assert.Len(t, g.Sources(), 0)

	g, err = e.Parse("appsrc ! videoconvert ! appsink")
	require.NoError(t, err)
	assert.Len(t, g.Sinks(), 1)
	assert.Len(t, g.Sources(), 1)

	_, err = e.Parse("   ")
	assert.ErrorIs(t, err, mock.ErrParse)

	assert.Len(t, e.Graphs(), 2)
}

func TestParseError(t *testing.T) {
	e := &mock.Engine{ErrOnParse: mock.ErrParse}
	_, err := e.Parse("appsink")
	assert.ErrorIs(t, err, mock.ErrParse)
}

func TestProducer(t *testing.T) {
	e := &mock.Engine{Limit: 3, Value: 0x42}
	g, err := e.Parse("videotestsrc ! appsink")
	require.NoError(t, err)
	mg := e.Graphs()[0]

	var mu sync.Mutex
	var got []engine.RawBuffer
	g.Sinks()[0].HandleBuffer(func(b engine.RawBuffer) {
		mu.Lock()
		got = append(got, b)
		mu.Unlock()
	})

	require.NoError(t, g.SetState(engine.StateReady))
	require.NoError(t, g.SetState(engine.StatePaused))
	require.NoError(t, g.SetState(engine.StatePlaying))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, b := range got {
		assert.Equal(t, uint64(i), b.Offset)
		assert.Equal(t, mock.DefaultCaps, b.Caps)
		assert.Equal(t, 320*240*3, len(b.Data))
		assert.Equal(t, byte(0x42), b.Data[0])
		assert.Equal(t, uint64(i)*b.Duration, b.Pts)
	}
	assert.Equal(t, []engine.State{
		engine.StateReady, engine.StatePaused, engine.StatePlaying,
	}, mg.Transitions())

	g.Release()
}

func TestSinkCapsAfterPreroll(t *testing.T) {
	e := &mock.Engine{}
	g, err := e.Parse("appsink")
	require.NoError(t, err)
	defer g.Release()
	sink := g.Sinks()[0]

	_, ok := sink.Caps()
	assert.False(t, ok)

	require.NoError(t, g.SetState(engine.StatePaused))
	caps, ok := sink.Caps()
	require.True(t, ok)
	assert.Equal(t, mock.DefaultCaps, caps)
}

func TestLoopback(t *testing.T) {
	e := &mock.Engine{Loopback: true}
	g, err := e.Parse("appsrc ! appsink")
	require.NoError(t, err)
	defer g.Release()

	var mu sync.Mutex
	var got []engine.RawBuffer
	g.Sinks()[0].HandleBuffer(func(b engine.RawBuffer) {
		mu.Lock()
		got = append(got, b)
		mu.Unlock()
	})

	src := g.Sources()[0]
	require.NoError(t, src.Push(engine.RawBuffer{Data: []byte{1}, Offset: 7}))

	mu.Lock()
	require.Len(t, got, 1)
	assert.Equal(t, uint64(7), got[0].Offset)
	mu.Unlock()

	mg := e.Graphs()[0]
	assert.Len(t, mg.Sources()[0].(*mock.Source).Pushed(), 1)
}

func TestPushAfterRelease(t *testing.T) {
	e := &mock.Engine{}
	g, err := e.Parse("appsrc")
	require.NoError(t, err)
	g.Release()
	assert.Error(t, g.Sources()[0].Push(engine.RawBuffer{}))
}

func TestBusInjection(t *testing.T) {
	e := &mock.Engine{}
	g, err := e.Parse("appsink")
	require.NoError(t, err)
	mg := e.Graphs()[0]

	mg.PostWarning("w", "d")
	mg.PostError(3, "boom", "debug")
	require.NoError(t, g.SendEOS())
	assert.True(t, mg.EOSSent())

	msgs := g.Messages()
	m := <-msgs
	assert.Equal(t, engine.KindWarning, m.Kind)
	m = <-msgs
	assert.Equal(t, engine.KindError, m.Kind)
	assert.Equal(t, 3, m.Code)
	assert.Equal(t, "boom", m.Text)
	m = <-msgs
	assert.Equal(t, engine.KindEOS, m.Kind)

	g.Release()
	g.Release()
	assert.Equal(t, 2, mg.Releases())
	_, open := <-msgs
	assert.False(t, open)
	assert.Equal(t, engine.StateNull, mg.State())
}
