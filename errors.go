package flume

import "errors"

var (
	// ErrNoSink is returned by pop when the graph has no sink endpoint.
	ErrNoSink = errors.New("no sink endpoint configured")

	// ErrNoSource is returned by push when the graph has no source endpoint.
	ErrNoSource = errors.New("no source endpoint configured")

	// ErrMultipleSinks is returned on startup when the graph description
	// contains more than one sink endpoint.
	ErrMultipleSinks = errors.New("more than one sink endpoint")

	// ErrMultipleSources is returned on startup when the graph description
	// contains more than one source endpoint.
	ErrMultipleSources = errors.New("more than one source endpoint")

	// ErrShapeMismatch is returned when an array does not match the
	// negotiated shape.
	ErrShapeMismatch = errors.New("array shape mismatch")
)
