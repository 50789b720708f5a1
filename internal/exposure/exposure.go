package exposure

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Encoding is the pixel layout of an exposure buffer.
type Encoding int

const (
	// EncodingRaw16 holds little-endian 16 bit pixels.
	EncodingRaw16 Encoding = iota
	// EncodingPreview8 holds one byte per pixel, used for live view only.
	EncodingPreview8
)

func (e Encoding) String() string {
	switch e {
	case EncodingRaw16:
		return "raw16"
	case EncodingPreview8:
		return "preview8"
	}
	return "unknown"
}

// BytesPerPixel of the encoding.
func (e Encoding) BytesPerPixel() int {
	if e == EncodingPreview8 {
		return 1
	}
	return 2
}

// MaxDimension is the largest accepted width or height.
const MaxDimension = 1 << 16

var (
	ErrAlreadyPreview = errors.New("exposure already converted to preview encoding")
	ErrBufferSize     = errors.New("buffer size does not match dimensions")
)

// Exposure is a rectangular pixel buffer with ordered header tags.
//
// Once MakePreview has run the exposure is frozen: the raw pixels are gone and
// tags can no longer be stamped.
type Exposure struct {
	Width    int
	Height   int
	encoding Encoding
	data     []byte
	tags     []Tag

	IntegrationEnd time.Time
	ReadoutStart   time.Time
	ReadoutEnd     time.Time
}

// New builds an exposure from an encoded byte buffer. The buffer is owned by
// the exposure from here on.
func New(data []byte, width, height int, enc Encoding, tags []Tag) (*Exposure, error) {
	if !validDimensions(width, height) {
		return nil, fmt.Errorf("invalid dimensions %dx%d", width, height)
	}
	if len(data) != width*height*enc.BytesPerPixel() {
		return nil, fmt.Errorf("%w: %d bytes for %dx%d %s", ErrBufferSize, len(data), width, height, enc)
	}
	return &Exposure{
		Width:    width,
		Height:   height,
		encoding: enc,
		data:     data,
		tags:     append([]Tag(nil), tags...),
	}, nil
}

// FromPixels builds a raw exposure from 16 bit pixel values.
func FromPixels(pixels []uint16, width, height int, tags []Tag) (*Exposure, error) {
	if !validDimensions(width, height) {
		return nil, fmt.Errorf("invalid dimensions %dx%d", width, height)
	}
	if len(pixels) != width*height {
		return nil, fmt.Errorf("%w: %d pixels for %dx%d", ErrBufferSize, len(pixels), width, height)
	}
	data := make([]byte, len(pixels)*2)
	for i, p := range pixels {
		binary.LittleEndian.PutUint16(data[i*2:], p)
	}
	return New(data, width, height, EncodingRaw16, tags)
}

func validDimensions(width, height int) bool {
	return width >= 0 && height >= 0 && width <= MaxDimension && height <= MaxDimension
}

func (e *Exposure) Encoding() Encoding {
	return e.encoding
}

// IsPreview reports whether the exposure holds 8 bit preview pixels.
func (e *Exposure) IsPreview() bool {
	return e.encoding == EncodingPreview8
}

// Bytes returns the encoded pixel buffer. Callers must not modify it.
func (e *Exposure) Bytes() []byte {
	return e.data
}

// Pixel returns the value of the i-th pixel in row-major order.
func (e *Exposure) Pixel(i int) uint16 {
	if e.encoding == EncodingPreview8 {
		return uint16(e.data[i])
	}
	return binary.LittleEndian.Uint16(e.data[i*2:])
}

// Len is the number of pixels.
func (e *Exposure) Len() int {
	return len(e.data) / e.encoding.BytesPerPixel()
}

// Pixels16 decodes the buffer into 16 bit values.
func (e *Exposure) Pixels16() []uint16 {
	out := make([]uint16, e.Len())
	for i := range out {
		out[i] = e.Pixel(i)
	}
	return out
}

// MakePreview reduces the exposure to 8 bits per pixel by keeping the high
// byte of each pixel. The conversion is destructive and can only happen once.
func (e *Exposure) MakePreview() error {
	if e.encoding == EncodingPreview8 {
		return ErrAlreadyPreview
	}
	n := e.Len()
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = byte(binary.LittleEndian.Uint16(e.data[i*2:]) >> 8)
	}
	e.data = out
	e.encoding = EncodingPreview8
	return nil
}

// Median of the pixel values, the background level used by auto exposure.
// An empty exposure has a median of zero.
func (e *Exposure) Median() float64 {
	n := e.Len()
	if n == 0 {
		return 0
	}
	values := e.Pixels16()
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	if n%2 == 1 {
		return float64(values[n/2])
	}
	return (float64(values[n/2-1]) + float64(values[n/2])) / 2
}

// Tags returns a copy of the header tags in insertion order.
func (e *Exposure) Tags() []Tag {
	return append([]Tag(nil), e.tags...)
}

// Tag returns the first tag with the given name.
func (e *Exposure) Tag(name string) (Tag, bool) {
	for _, t := range e.tags {
		if t.Name == name {
			return t, true
		}
	}
	return Tag{}, false
}

// AppendTag adds a tag at the end of the header, even if the name exists.
func (e *Exposure) AppendTag(t Tag) error {
	if e.encoding == EncodingPreview8 {
		return ErrAlreadyPreview
	}
	e.tags = append(e.tags, t)
	return nil
}

// SetTag sets the value of the first tag with the given name, or appends a
// new tag when none exists.
func (e *Exposure) SetTag(name string, value interface{}) error {
	if e.encoding == EncodingPreview8 {
		return ErrAlreadyPreview
	}
	e.tags = Tags(e.tags).With(name, value)
	return nil
}

// StampTimestamps records the phase timestamps on the exposure and in the
// header.
func (e *Exposure) StampTimestamps(integrationEnd, readoutStart, readoutEnd time.Time) error {
	if e.encoding == EncodingPreview8 {
		return ErrAlreadyPreview
	}
	e.IntegrationEnd = integrationEnd
	e.ReadoutStart = readoutStart
	e.ReadoutEnd = readoutEnd
	if !integrationEnd.IsZero() {
		e.tags = Tags(e.tags).With("DATE-END", integrationEnd.UTC().Format(DateTimeFormat))
	}
	return nil
}
