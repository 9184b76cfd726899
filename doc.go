/*
Package flume exchanges typed, shaped memory buffers with an external
streaming dataflow graph.

Concept

The graph itself - element wiring, scheduling, codecs, devices - is an
external engine. flume talks to it through two narrow endpoints:

    Sink   - the place where the graph hands produced buffers to the app;
    Source - the place where the app feeds buffers into the graph.

A graph is described by an opaque command string that the engine parses.
At most one sink and one source endpoint may appear in a single graph.

Buffers

Every buffer owns a contiguous byte region reinterpreted as an
N-dimensional array per its resolved format descriptor, plus timing
metadata: pts, dts, duration and offset as nanosecond-scale unsigned
integers. TimeNone marks an unset value.

Usage

The controller lives in the pipe package:

    p, err := pipe.New(gst.New(), "videotestsrc num-buffers=10 ! appsink")
    if err != nil {
        // handle
    }
    if err := p.Startup(); err != nil {
        // handle
    }
    defer p.Shutdown(false, time.Second)
    for p.More() {
        buf, err := p.Pop(100 * time.Millisecond)
        if err != nil || buf == nil {
            break
        }
        // use buf.Data
    }
*/
package flume
