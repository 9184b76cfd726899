package format

import (
	"fmt"
	"strconv"
	"strings"
)

// Fraction is a reduced rational, used for framerates.
type Fraction struct {
	Num int
	Den int
}

// ParseFraction parses "30/1" or "30" into a reduced fraction.
func ParseFraction(s string) (Fraction, error) {
	num, den := 0, 1
	var err error
	if i := strings.IndexByte(s, '/'); i >= 0 {
		num, err = strconv.Atoi(strings.TrimSpace(s[:i]))
		if err == nil {
			den, err = strconv.Atoi(strings.TrimSpace(s[i+1:]))
		}
	} else {
		num, err = strconv.Atoi(strings.TrimSpace(s))
	}
	if err != nil {
		return Fraction{}, fmt.Errorf("%w: framerate %q", ErrMalformed, s)
	}
	if num < 0 || den <= 0 {
		return Fraction{}, fmt.Errorf("%w: framerate %q", ErrMalformed, s)
	}
	if g := gcd(num, den); g > 1 {
		num, den = num/g, den/g
	}
	return Fraction{Num: num, Den: den}, nil
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func (f Fraction) String() string {
	return fmt.Sprintf("%d/%d", f.Num, f.Den)
}

// Duration returns the per-frame duration in nanoseconds, 0 for a zero
// framerate. The single truncating division here is the only rounding in
// the push timing arithmetic.
func (f Fraction) Duration() uint64 {
	if f.Num == 0 {
		return 0
	}
	return uint64(1e9) * uint64(f.Den) / uint64(f.Num)
}

// VideoCaps builds the video negotiation string from its parts. The
// framerate is validated and reduced before graph construction.
func VideoCaps(width, height int, framerate string, pixel PixelFormat) (string, error) {
	fr, err := ParseFraction(framerate)
	if err != nil {
		return "", err
	}
	v, err := NewVideo(width, height, pixel, fr)
	if err != nil {
		return "", err
	}
	return v.Caps(), nil
}

// AudioCaps builds the audio negotiation string from its parts.
func AudioCaps(rate, channels int, sample SampleFormat) (string, error) {
	a, err := NewAudio(rate, channels, sample, 0)
	if err != nil {
		return "", err
	}
	return a.Caps(), nil
}

// ParseCaps resolves a negotiated caps string into a descriptor. Audio
// descriptors additionally need the byte length of the observed buffer to
// derive samples per channel. Both plain and type-annotated value syntax
// ("width=320" and "width=(int)320") are accepted.
func ParseCaps(caps string, byteLen int) (Descriptor, error) {
	name, fields, err := splitCaps(caps)
	if err != nil {
		return nil, err
	}
	switch {
	case strings.Contains(name, "video"):
		return parseVideo(fields)
	case strings.Contains(name, "audio"):
		return parseAudio(fields, byteLen)
	}
	return nil, fmt.Errorf("%w: media %q", ErrUnsupported, name)
}

func splitCaps(caps string) (string, map[string]string, error) {
	parts := strings.Split(caps, ",")
	if len(parts) < 2 {
		return "", nil, fmt.Errorf("%w: %q", ErrMalformed, caps)
	}
	name := strings.TrimSpace(parts[0])
	fields := make(map[string]string, len(parts)-1)
	for _, part := range parts[1:] {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return "", nil, fmt.Errorf("%w: field %q", ErrMalformed, part)
		}
		key := strings.TrimSpace(kv[0])
		value := strings.TrimSpace(kv[1])
		// strip the (type) annotation of serialized caps
		if strings.HasPrefix(value, "(") {
			if i := strings.IndexByte(value, ')'); i >= 0 {
				value = value[i+1:]
			}
		}
		fields[key] = value
	}
	return name, fields, nil
}

func intField(fields map[string]string, key string) (int, error) {
	s, ok := fields[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing %q", ErrMalformed, key)
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", ErrMalformed, key, s)
	}
	return v, nil
}

func parseVideo(fields map[string]string) (Descriptor, error) {
	width, err := intField(fields, "width")
	if err != nil {
		return nil, err
	}
	height, err := intField(fields, "height")
	if err != nil {
		return nil, err
	}
	pixel, ok := fields["format"]
	if !ok {
		return nil, fmt.Errorf("%w: missing %q", ErrMalformed, "format")
	}
	var framerate Fraction
	if s, ok := fields["framerate"]; ok {
		framerate, err = ParseFraction(s)
		if err != nil {
			return nil, err
		}
	}
	v, err := NewVideo(width, height, PixelFormat(pixel), framerate)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func parseAudio(fields map[string]string, byteLen int) (Descriptor, error) {
	rate, err := intField(fields, "rate")
	if err != nil {
		return nil, err
	}
	channels, err := intField(fields, "channels")
	if err != nil {
		return nil, err
	}
	sample, ok := fields["format"]
	if !ok {
		return nil, fmt.Errorf("%w: missing %q", ErrMalformed, "format")
	}
	a, err := NewAudio(rate, channels, SampleFormat(sample), byteLen)
	if err != nil {
		return nil, err
	}
	return a, nil
}
