package pipe_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dudk/flume"
	"github.com/dudk/flume/engine"
	"github.com/dudk/flume/format"
	"github.com/dudk/flume/mock"
	"github.com/dudk/flume/pipe"
)

const testTimeout = 10 * time.Millisecond

func waitStopped(t *testing.T, p *pipe.Pipe) {
	t.Helper()
	require.Eventually(t, func() bool {
		return p.State() == pipe.Stopped
	}, 2*time.Second, time.Millisecond)
}

func rgbFrame(t *testing.T) flume.Array {
	t.Helper()
	arr, err := flume.NewArray(make([]byte, 240*320*3), []int{240, 320, 3}, flume.Uint8)
	require.NoError(t, err)
	return arr
}

func TestStartupShutdown(t *testing.T) {
	defer goleak.VerifyNone(t)
	e := &mock.Engine{}
	p, err := pipe.New(e, "videotestsrc ! appsink", pipe.WithTimeout(testTimeout))
	require.NoError(t, err)
	assert.Equal(t, pipe.Null, p.State())

	require.NoError(t, p.Startup())
	assert.Equal(t, pipe.Playing, p.State())

	g := e.Graphs()[0]
	assert.Equal(t, []engine.State{
		engine.StateReady, engine.StatePaused, engine.StatePlaying,
	}, g.Transitions())

	p.Shutdown(false, testTimeout)
	assert.Equal(t, pipe.Stopped, p.State())
	assert.Equal(t, engine.StateNull, g.State())
	assert.False(t, g.EOSSent())
	assert.Equal(t, 1, g.Releases())
}

func TestStartupTwiceIsNoop(t *testing.T) {
	defer goleak.VerifyNone(t)
	e := &mock.Engine{}
	p, err := pipe.New(e, "appsink", pipe.WithTimeout(testTimeout))
	require.NoError(t, err)
	require.NoError(t, p.Startup())
	require.NoError(t, p.Startup())
	assert.Len(t, e.Graphs(), 1)
	p.Shutdown(false, testTimeout)
}

func TestStartupParseFailure(t *testing.T) {
	defer goleak.VerifyNone(t)
	e := &mock.Engine{ErrOnParse: mock.ErrParse}
	p, err := pipe.New(e, "appsink")
	require.NoError(t, err)
	err = p.Startup()
	assert.ErrorIs(t, err, mock.ErrParse)
	assert.Equal(t, pipe.Stopped, p.State())
}

func TestStartupMultipleSinks(t *testing.T) {
	defer goleak.VerifyNone(t)
	e := &mock.Engine{}
	p, err := pipe.New(e, "tee name=t t. ! appsink t. ! appsink")
	require.NoError(t, err)
	err = p.Startup()
	assert.ErrorIs(t, err, flume.ErrMultipleSinks)
	assert.Equal(t, pipe.Stopped, p.State())
	assert.Equal(t, 1, e.Graphs()[0].Releases())
}

func TestShutdownConcurrent(t *testing.T) {
	defer goleak.VerifyNone(t)
	e := &mock.Engine{}
	p, err := pipe.New(e, "appsink", pipe.WithTimeout(testTimeout))
	require.NoError(t, err)
	require.NoError(t, p.Startup())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Shutdown(false, testTimeout)
		}()
	}
	wg.Wait()
	assert.Equal(t, pipe.Stopped, p.State())
	// only the first caller performs the teardown
	assert.Equal(t, 1, e.Graphs()[0].Releases())
}

func TestShutdownWithEOS(t *testing.T) {
	defer goleak.VerifyNone(t)
	e := &mock.Engine{}
	p, err := pipe.New(e, "appsrc ! appsink", pipe.WithTimeout(testTimeout))
	require.NoError(t, err)
	require.NoError(t, p.Startup())
	p.Shutdown(true, testTimeout)
	assert.Equal(t, pipe.Stopped, p.State())
	assert.True(t, e.Graphs()[0].EOSSent())
}

func TestPopWithoutSink(t *testing.T) {
	defer goleak.VerifyNone(t)
	e := &mock.Engine{}
	p, err := pipe.New(e, "appsrc", pipe.WithTimeout(testTimeout))
	require.NoError(t, err)
	require.NoError(t, p.Startup())

	start := time.Now()
	_, err = p.Pop(time.Second)
	assert.ErrorIs(t, err, flume.ErrNoSink)
	// fails fast instead of waiting out the pop timeout
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	waitStopped(t, p)
}

func TestPushWithoutSource(t *testing.T) {
	defer goleak.VerifyNone(t)
	e := &mock.Engine{}
	p, err := pipe.New(e, "appsink", pipe.WithTimeout(testTimeout))
	require.NoError(t, err)
	require.NoError(t, p.Startup())

	err = p.Push(rgbFrame(t))
	assert.ErrorIs(t, err, flume.ErrNoSource)
	waitStopped(t, p)
}

func TestPopProducedBuffers(t *testing.T) {
	defer goleak.VerifyNone(t)
	e := &mock.Engine{Limit: 3, Value: 7, EOSAfterLimit: true}
	p, err := pipe.New(e, "videotestsrc ! appsink", pipe.WithTimeout(testTimeout))
	require.NoError(t, err)
	require.NoError(t, p.Startup())

	for i := uint64(0); i < 3; i++ {
		buf, err := p.Pop(testTimeout)
		require.NoError(t, err)
		require.NotNil(t, buf)
		assert.Equal(t, []int{240, 320, 3}, buf.Data.Shape())
		assert.Equal(t, flume.Uint8, buf.Data.Type())
		assert.Equal(t, byte(7), buf.Data.Bytes()[0])
		assert.Equal(t, i, buf.Offset)
		assert.Equal(t, uint64(33333333), buf.Duration)
		assert.Equal(t, i*33333333, buf.Pts)
		assert.Equal(t, flume.TimeNone, buf.Dts)
	}
	// EOS shuts the graph down; the drained queue yields nil
	waitStopped(t, p)
	buf, err := p.Pop(testTimeout)
	require.NoError(t, err)
	assert.Nil(t, buf)
	assert.False(t, p.More())
}

func TestGraySqueeze(t *testing.T) {
	defer goleak.VerifyNone(t)
	e := &mock.Engine{
		Caps:  "video/x-raw,width=320,height=240,framerate=30/1,format=GRAY8",
		Limit: 1,
	}
	p, err := pipe.New(e, "videotestsrc ! appsink", pipe.WithTimeout(testTimeout))
	require.NoError(t, err)
	require.NoError(t, p.Startup())
	defer p.Shutdown(false, testTimeout)

	buf, err := p.Pop(testTimeout)
	require.NoError(t, err)
	require.NotNil(t, buf)
	// single channel drops the trailing dimension
	assert.Equal(t, []int{240, 320}, buf.Data.Shape())
	assert.Equal(t, 240*320, buf.Data.Len())
}

func TestLoopbackTiming(t *testing.T) {
	defer goleak.VerifyNone(t)
	e := &mock.Engine{Loopback: true}
	p, err := pipe.New(e, "appsrc ! appsink",
		pipe.WithTimeout(testTimeout),
		pipe.WithSourceCaps(320, 240, "10/1", format.RGB),
	)
	require.NoError(t, err)
	require.NoError(t, p.Startup())

	for i := 0; i < 10; i++ {
		require.NoError(t, p.Push(rgbFrame(t)))
	}
	for i := uint64(0); i < 10; i++ {
		buf, err := p.Pop(testTimeout)
		require.NoError(t, err)
		require.NotNil(t, buf)
		assert.Equal(t, i, buf.Offset)
		assert.Equal(t, uint64(100000000), buf.Duration)
		assert.Equal(t, i*100000000, buf.Pts)
		assert.Equal(t, flume.TimeNone, buf.Dts)
		assert.Equal(t, []int{240, 320, 3}, buf.Data.Shape())
	}
	p.Shutdown(true, testTimeout)
	assert.True(t, e.Graphs()[0].EOSSent())
}

func TestPushShapeMismatch(t *testing.T) {
	defer goleak.VerifyNone(t)
	e := &mock.Engine{}
	p, err := pipe.New(e, "appsrc",
		pipe.WithTimeout(testTimeout),
		pipe.WithSourceCaps(320, 240, "30/1", format.RGB),
	)
	require.NoError(t, err)
	require.NoError(t, p.Startup())
	defer p.Shutdown(false, testTimeout)

	arr, err := flume.NewArray(make([]byte, 100*100*3), []int{100, 100, 3}, flume.Uint8)
	require.NoError(t, err)
	assert.ErrorIs(t, p.Push(arr), flume.ErrShapeMismatch)
}

func TestPushWithoutCaps(t *testing.T) {
	defer goleak.VerifyNone(t)
	e := &mock.Engine{}
	p, err := pipe.New(e, "appsrc", pipe.WithTimeout(testTimeout))
	require.NoError(t, err)
	require.NoError(t, p.Startup())
	defer p.Shutdown(false, testTimeout)

	assert.ErrorIs(t, p.Push(rgbFrame(t)), pipe.ErrCapsNotSet)
}

func TestSetSourceCaps(t *testing.T) {
	defer goleak.VerifyNone(t)
	e := &mock.Engine{}
	p, err := pipe.New(e, "appsrc", pipe.WithTimeout(testTimeout))
	require.NoError(t, err)

	// before startup the caps are stored and applied when the source wires
	ok, err := p.SetSourceCaps(320, 240, "30/1", format.RGB)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, p.Startup())
	defer p.Shutdown(false, testTimeout)
	require.NoError(t, p.Push(rgbFrame(t)))

	// caps on an active source cannot be changed
	ok, err = p.SetSourceCaps(640, 480, "30/1", format.RGB)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = p.SetSourceCaps(320, 240, "bogus", format.RGB)
	assert.Error(t, err)
}

func TestFatalErrorDrainsQueue(t *testing.T) {
	defer goleak.VerifyNone(t)
	e := &mock.Engine{Limit: 3}
	p, err := pipe.New(e, "videotestsrc ! appsink", pipe.WithTimeout(testTimeout))
	require.NoError(t, err)
	require.NoError(t, p.Startup())

	require.Eventually(t, func() bool {
		return p.QueueSize() == 3
	}, time.Second, time.Millisecond)

	e.Graphs()[0].PostError(1, "internal data stream error", "pad push failed")
	waitStopped(t, p)

	// queued buffers survive the shutdown and drain in order
	for i := uint64(0); i < 3; i++ {
		assert.True(t, p.More())
		buf, err := p.Pop(testTimeout)
		require.NoError(t, err)
		require.NotNil(t, buf)
		assert.Equal(t, i, buf.Offset)
	}
	buf, err := p.Pop(testTimeout)
	require.NoError(t, err)
	assert.Nil(t, buf)
	assert.False(t, p.More())
}

func TestLateCapsSkipsFirstBuffer(t *testing.T) {
	defer goleak.VerifyNone(t)
	e := &mock.Engine{Limit: 3, LateCaps: true}
	p, err := pipe.New(e, "videotestsrc ! appsink", pipe.WithTimeout(testTimeout))
	require.NoError(t, err)
	require.NoError(t, p.Startup())
	defer p.Shutdown(false, testTimeout)

	// the first buffer arrives before caps resolve and is skipped
	for _, want := range []uint64{1, 2} {
		buf, err := p.Pop(time.Second)
		require.NoError(t, err)
		require.NotNil(t, buf)
		assert.Equal(t, want, buf.Offset)
	}
}

func TestLeakyQueueDrops(t *testing.T) {
	defer goleak.VerifyNone(t)
	e := &mock.Engine{Limit: 5}
	p, err := pipe.New(e, "videotestsrc ! appsink",
		pipe.WithTimeout(testTimeout),
		pipe.WithQueueSize(2),
		pipe.WithLeaky(),
	)
	require.NoError(t, err)
	require.NoError(t, p.Startup())
	defer p.Shutdown(false, testTimeout)

	require.Eventually(t, func() bool {
		return p.Dropped() == 3
	}, time.Second, time.Millisecond)

	for _, want := range []uint64{3, 4} {
		buf, err := p.Pop(testTimeout)
		require.NoError(t, err)
		require.NotNil(t, buf)
		assert.Equal(t, want, buf.Offset)
	}
}

func TestContextCancellation(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	e := &mock.Engine{}
	p, err := pipe.New(e, "appsink",
		pipe.WithTimeout(testTimeout),
		pipe.WithContext(ctx),
	)
	require.NoError(t, err)
	require.NoError(t, p.Startup())

	cancel()
	waitStopped(t, p)
	assert.Equal(t, engine.StateNull, e.Graphs()[0].State())
}

func TestInvalidOptions(t *testing.T) {
	e := &mock.Engine{}
	_, err := pipe.New(e, "appsink", pipe.WithQueueSize(0))
	assert.Error(t, err)
	_, err = pipe.New(e, "appsrc", pipe.WithSourceCaps(320, 240, "0/0", format.RGB))
	assert.Error(t, err)
}

func TestStringAndName(t *testing.T) {
	e := &mock.Engine{}
	p, err := pipe.New(e, "appsink", pipe.WithName("capture"))
	require.NoError(t, err)
	assert.Contains(t, p.String(), "capture")
}
