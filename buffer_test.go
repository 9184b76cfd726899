package flume_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dudk/flume"
)

func TestNewArray(t *testing.T) {
	data := make([]byte, 240*320*3)
	arr, err := flume.NewArray(data, []int{240, 320, 3}, flume.Uint8)
	assert.Nil(t, err)
	assert.Equal(t, []int{240, 320, 3}, arr.Shape())
	assert.Equal(t, 240*320*3, arr.Len())
	assert.Equal(t, 240*320*3, arr.Size())

	_, err = flume.NewArray(data, []int{240, 320, 4}, flume.Uint8)
	assert.ErrorIs(t, err, flume.ErrShapeMismatch)

	_, err = flume.NewArray(data, []int{240, 320, 3}, flume.Uint16)
	assert.ErrorIs(t, err, flume.ErrShapeMismatch)

	_, err = flume.NewArray(nil, []int{0}, flume.Uint8)
	assert.ErrorIs(t, err, flume.ErrShapeMismatch)
}

func TestArraySqueeze(t *testing.T) {
	data := make([]byte, 4*6)
	arr, err := flume.NewArray(data, []int{4, 6, 1}, flume.Uint8)
	assert.Nil(t, err)
	assert.Equal(t, []int{4, 6}, arr.Squeeze().Shape())

	// only a trailing singleton dimension is squeezed
	arr, err = flume.NewArray(data, []int{4, 6}, flume.Uint8)
	assert.Nil(t, err)
	assert.Equal(t, []int{4, 6}, arr.Squeeze().Shape())
}

func TestArrayelements(t *testing.T) {
	arr, err := flume.NewArray([]byte{0x01, 0x02, 0xff, 0x7f}, []int{2, 1}, flume.Int16)
	assert.Nil(t, err)
	assert.Equal(t, []int16{0x0201, 0x7fff}, arr.Int16())
	assert.Equal(t, []uint16{0x0201, 0x7fff}, arr.Uint16())
	assert.Equal(t, 2, arr.Len())

	arr, err = flume.NewArray([]byte{0x00, 0x80, 0xff}, []int{3, 1}, flume.Int8)
	assert.Nil(t, err)
	assert.Equal(t, []int8{0, -128, -1}, arr.Int8())
	assert.Equal(t, []uint8{0x00, 0x80, 0xff}, arr.Uint8())
}

func TestSampleType(t *testing.T) {
	cases := []struct {
		typ   flume.SampleType
		size  int
		depth int
		str   string
	}{
		{flume.Uint8, 1, 8, "uint8"},
		{flume.Int8, 1, 8, "int8"},
		{flume.Uint16, 2, 16, "uint16"},
		{flume.Int16, 2, 16, "int16"},
	}
	for _, c := range cases {
		assert.Equal(t, c.size, c.typ.Size())
		assert.Equal(t, c.depth, c.typ.Depth())
		assert.Equal(t, c.str, c.typ.String())
	}
}

func TestAsIntBufferWavRoundTrip(t *testing.T) {
	// two channels, two samples per channel, interleaved int16
	raw := []byte{
		0x01, 0x00, 0x02, 0x00,
		0x03, 0x00, 0x04, 0x00,
	}
	arr, err := flume.NewArray(raw, []int{2, 2}, flume.Int16)
	require.Nil(t, err)

	buf := arr.AsIntBuffer(44100)
	assert.Equal(t, 2, buf.Format.NumChannels)
	assert.Equal(t, 44100, buf.Format.SampleRate)
	assert.Equal(t, 16, buf.SourceBitDepth)
	assert.Equal(t, []int{1, 2, 3, 4}, buf.Data)

	path := filepath.Join(t.TempDir(), "out.wav")
	f, err := os.Create(path)
	require.Nil(t, err)
	enc := wav.NewEncoder(f, buf.Format.SampleRate, buf.SourceBitDepth, buf.Format.NumChannels, 1)
	require.Nil(t, enc.Write(buf))
	require.Nil(t, enc.Close())
	require.Nil(t, f.Close())

	r, err := os.Open(path)
	require.Nil(t, err)
	defer r.Close()
	dec := wav.NewDecoder(r)
	decoded, err := dec.FullPCMBuffer()
	require.Nil(t, err)
	assert.Equal(t, buf.Data, decoded.Data)
}
