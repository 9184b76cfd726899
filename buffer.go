package flume

import (
	"encoding/binary"
	"fmt"

	"github.com/go-audio/audio"
)

// TimeNone is the sentinel for unset timing metadata.
const TimeNone = ^uint64(0)

// SampleType identifies the element datatype of an array.
type SampleType int

// Supported element datatypes.
const (
	Uint8 SampleType = iota
	Int8
	Uint16
	Int16
)

// Size returns the element size in bytes.
func (t SampleType) Size() int {
	switch t {
	case Uint16, Int16:
		return 2
	}
	return 1
}

// Depth returns the element size in bits.
func (t SampleType) Depth() int {
	return t.Size() * 8
}

func (t SampleType) String() string {
	switch t {
	case Uint8:
		return "uint8"
	case Int8:
		return "int8"
	case Uint16:
		return "uint16"
	case Int16:
		return "int16"
	}
	return "unknown"
}

// Array is a contiguous byte region reinterpreted as an N-dimensional
// array of a fixed element datatype. Byte order is little-endian, matching
// the raw formats the engine negotiates.
type Array struct {
	data  []byte
	shape []int
	typ   SampleType
}

// NewArray wraps data into an array of the provided shape and type. The
// byte length must match the product of the shape times the element size.
func NewArray(data []byte, shape []int, typ SampleType) (Array, error) {
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return Array{}, fmt.Errorf("%w: dimension %d", ErrShapeMismatch, d)
		}
		n *= d
	}
	if len(data) != n*typ.Size() {
		return Array{}, fmt.Errorf("%w: %d bytes for shape %v of %v", ErrShapeMismatch, len(data), shape, typ)
	}
	return Array{data: data, shape: shape, typ: typ}, nil
}

// Bytes returns the raw backing bytes.
func (a Array) Bytes() []byte {
	return a.data
}

// Shape returns the array dimensions.
func (a Array) Shape() []int {
	return a.shape
}

// Type returns the element datatype.
func (a Array) Type() SampleType {
	return a.typ
}

// Len returns the number of elements.
func (a Array) Len() int {
	return len(a.data) / a.typ.Size()
}

// Size returns the number of bytes.
func (a Array) Size() int {
	return len(a.data)
}

// Squeeze drops a trailing singleton dimension.
func (a Array) Squeeze() Array {
	if n := len(a.shape); n > 1 && a.shape[n-1] == 1 {
		a.shape = a.shape[:n-1]
	}
	return a
}

// Uint8 returns the elements as uint8 values.
func (a Array) Uint8() []uint8 {
	return a.data
}

// Int8 returns the elements as int8 values.
func (a Array) Int8() []int8 {
	out := make([]int8, len(a.data))
	for i, b := range a.data {
		out[i] = int8(b)
	}
	return out
}

// Uint16 returns the elements as uint16 values.
func (a Array) Uint16() []uint16 {
	out := make([]uint16, len(a.data)/2)
	for i := range out {
		out[i] = binary.LittleEndian.Uint16(a.data[2*i:])
	}
	return out
}

// Int16 returns the elements as int16 values.
func (a Array) Int16() []int16 {
	out := make([]int16, len(a.data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(a.data[2*i:]))
	}
	return out
}

// AsIntBuffer converts an interleaved audio array of shape
// (samples, channels) into an audio.IntBuffer for use with the go-audio
// ecosystem.
func (a Array) AsIntBuffer(sampleRate int) *audio.IntBuffer {
	channels := 1
	if len(a.shape) > 1 {
		channels = a.shape[1]
	}
	data := make([]int, a.Len())
	switch a.typ {
	case Int16:
		for i, v := range a.Int16() {
			data[i] = int(v)
		}
	case Uint16:
		for i, v := range a.Uint16() {
			data[i] = int(v)
		}
	case Int8:
		for i, v := range a.Int8() {
			data[i] = int(v)
		}
	default:
		for i, v := range a.data {
			data[i] = int(v)
		}
	}
	return &audio.IntBuffer{
		Format: &audio.Format{
			NumChannels: channels,
			SampleRate:  sampleRate,
		},
		Data:           data,
		SourceBitDepth: a.typ.Depth(),
	}
}

// Buffer carries a decoded array together with its timing metadata.
// Buffers are read-only once created.
type Buffer struct {
	Data     Array
	Pts      uint64
	Dts      uint64
	Duration uint64
	Offset   uint64
}
