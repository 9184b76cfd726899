// Package format resolves negotiated capability strings into concrete
// shape and byte-layout descriptors for video and audio buffers.
package format

import (
	"errors"
	"fmt"

	"github.com/dudk/flume"
)

var (
	// ErrMalformed is returned when a caps string cannot be parsed.
	ErrMalformed = errors.New("malformed caps")

	// ErrUnsupported is returned for format tags without a known layout.
	ErrUnsupported = errors.New("unsupported format")
)

// Media identifies the descriptor variant.
type Media int

// Media variants.
const (
	MediaVideo Media = iota
	MediaAudio
)

func (m Media) String() string {
	if m == MediaAudio {
		return "audio"
	}
	return "video"
}

// Descriptor is a resolved description of a buffer's shape and element
// type. Descriptors are immutable once constructed.
type Descriptor interface {
	Media() Media
	Shape() []int
	Type() flume.SampleType
	Channels() int
	Caps() string
}

// PixelFormat is a symbolic video pixel format tag.
type PixelFormat string

// Supported packed pixel formats.
const (
	RGB      PixelFormat = "RGB"
	BGR      PixelFormat = "BGR"
	RGBA     PixelFormat = "RGBA"
	BGRA     PixelFormat = "BGRA"
	ARGB     PixelFormat = "ARGB"
	ABGR     PixelFormat = "ABGR"
	RGBx     PixelFormat = "RGBx"
	BGRx     PixelFormat = "BGRx"
	XRGB     PixelFormat = "xRGB"
	XBGR     PixelFormat = "xBGR"
	GRAY8    PixelFormat = "GRAY8"
	GRAY16LE PixelFormat = "GRAY16_LE"
)

// flags of a pixel format, used for channel count derivation.
type pixelFlags uint8

const (
	flagAlpha pixelFlags = 1 << iota
	flagRGB
	flagGray
)

type pixelInfo struct {
	bits  int
	flags pixelFlags
}

var pixelFormats = map[PixelFormat]pixelInfo{
	RGB:      {bits: 8, flags: flagRGB},
	BGR:      {bits: 8, flags: flagRGB},
	RGBA:     {bits: 8, flags: flagRGB | flagAlpha},
	BGRA:     {bits: 8, flags: flagRGB | flagAlpha},
	ARGB:     {bits: 8, flags: flagRGB | flagAlpha},
	ABGR:     {bits: 8, flags: flagRGB | flagAlpha},
	RGBx:     {bits: 8, flags: flagRGB},
	BGRx:     {bits: 8, flags: flagRGB},
	XRGB:     {bits: 8, flags: flagRGB},
	XBGR:     {bits: 8, flags: flagRGB},
	GRAY8:    {bits: 8, flags: flagGray},
	GRAY16LE: {bits: 16, flags: flagGray},
}

// channelTable maps pixel formats to channel counts. Built once at
// process initialization, read-only afterwards.
var channelTable = func() map[PixelFormat]int {
	t := make(map[PixelFormat]int, len(pixelFormats))
	for f, info := range pixelFormats {
		t[f] = deriveChannels(f, info.flags)
	}
	return t
}()

// deriveChannels resolves channel count from format flags in fixed
// priority order. BGRx packs four bytes without an alpha flag and is
// special-cased.
func deriveChannels(f PixelFormat, flags pixelFlags) int {
	if f == BGRx {
		return 4
	}
	switch {
	case flags&flagAlpha != 0:
		return 4
	case flags&flagRGB != 0:
		return 3
	case flags&flagGray != 0:
		return 1
	}
	return -1
}

// Channels returns the channel count for a pixel format.
func Channels(f PixelFormat) (int, error) {
	c, ok := channelTable[f]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnsupported, f)
	}
	return c, nil
}

func videoSampleType(f PixelFormat) flume.SampleType {
	if pixelFormats[f].bits == 16 {
		return flume.Uint16
	}
	return flume.Uint8
}

// SampleFormat is a symbolic audio sample format tag.
type SampleFormat string

// Supported audio sample formats.
const (
	S8    SampleFormat = "S8"
	U8    SampleFormat = "U8"
	S16LE SampleFormat = "S16LE"
	U16LE SampleFormat = "U16LE"
	S32LE SampleFormat = "S32LE"
	F32LE SampleFormat = "F32LE"
)

// depth in bits per sample.
var sampleFormats = map[SampleFormat]int{
	S8:    8,
	U8:    8,
	S16LE: 16,
	U16LE: 16,
	S32LE: 32,
	F32LE: 32,
}

func audioSampleType(f SampleFormat) flume.SampleType {
	switch sampleFormats[f] {
	case 8:
		return flume.Int8
	case 16:
		return flume.Int16
	}
	return flume.Uint8
}

// Video describes the shape and layout of raw video buffers.
type Video struct {
	Width     int
	Height    int
	Pixel     PixelFormat
	Framerate Fraction

	channels int
	typ      flume.SampleType
}

// NewVideo resolves a video descriptor from negotiated values.
func NewVideo(width, height int, pixel PixelFormat, framerate Fraction) (Video, error) {
	if width <= 0 || height <= 0 {
		return Video{}, fmt.Errorf("%w: dimensions %dx%d", ErrMalformed, width, height)
	}
	channels, err := Channels(pixel)
	if err != nil {
		return Video{}, err
	}
	return Video{
		Width:     width,
		Height:    height,
		Pixel:     pixel,
		Framerate: framerate,
		channels:  channels,
		typ:       videoSampleType(pixel),
	}, nil
}

// Media returns MediaVideo.
func (v Video) Media() Media {
	return MediaVideo
}

// Shape returns (height, width, channels).
func (v Video) Shape() []int {
	return []int{v.Height, v.Width, v.channels}
}

// Type returns the element datatype.
func (v Video) Type() flume.SampleType {
	return v.typ
}

// Channels returns the derived channel count.
func (v Video) Channels() int {
	return v.channels
}

// Caps returns the negotiation string for this descriptor.
func (v Video) Caps() string {
	return fmt.Sprintf("video/x-raw,width=%d,height=%d,framerate=%s,format=%s",
		v.Width, v.Height, v.Framerate, v.Pixel)
}

// Audio describes the shape and layout of raw audio buffers.
// SamplesPerChannel is derived from buffer byte length, not negotiated.
type Audio struct {
	Rate              int
	NumChannels       int
	Sample            SampleFormat
	SamplesPerChannel int

	typ flume.SampleType
}

// NewAudio resolves an audio descriptor from negotiated values and the
// byte length of the first observed buffer.
func NewAudio(rate, channels int, sample SampleFormat, byteLen int) (Audio, error) {
	if rate <= 0 || channels <= 0 {
		return Audio{}, fmt.Errorf("%w: rate %d channels %d", ErrMalformed, rate, channels)
	}
	if _, ok := sampleFormats[sample]; !ok {
		return Audio{}, fmt.Errorf("%w: %q", ErrUnsupported, sample)
	}
	typ := audioSampleType(sample)
	return Audio{
		Rate:              rate,
		NumChannels:       channels,
		Sample:            sample,
		SamplesPerChannel: byteLen / typ.Size() / channels,
		typ:               typ,
	}, nil
}

// Media returns MediaAudio.
func (a Audio) Media() Media {
	return MediaAudio
}

// Shape returns (samples per channel, channels).
func (a Audio) Shape() []int {
	return []int{a.SamplesPerChannel, a.NumChannels}
}

// Type returns the element datatype.
func (a Audio) Type() flume.SampleType {
	return a.typ
}

// Channels returns the channel count.
func (a Audio) Channels() int {
	return a.NumChannels
}

// Caps returns the negotiation string for this descriptor.
func (a Audio) Caps() string {
	return fmt.Sprintf("audio/x-raw,format=%s,rate=%d,channels=%d",
		a.Sample, a.Rate, a.NumChannels)
}
