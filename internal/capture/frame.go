package capture

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"io"
	"time"
)

// Fixed output policy for receipt photos.
const (
	MIMEType = "image/jpeg"
	Quality  = 0.95
)

// CapturedImage is one frozen frame, JPEG encoded.
type CapturedImage struct {
	Name      string
	MIMEType  string
	Quality   float64
	Width     int
	Height    int
	Data      []byte
	CreatedAt time.Time
}

// Size returns the encoded payload length in bytes.
func (c *CapturedImage) Size() int {
	return len(c.Data)
}

// Encoder writes img as JPEG at the given 1..100 quality.
type Encoder func(w io.Writer, img image.Image, quality int) error

func encodeJPEG(w io.Writer, img image.Image, quality int) error {
	return jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
}

// FrameCapture freezes the current frame of a surface.
type FrameCapture struct {
	now    func() time.Time
	encode Encoder
}

// FrameOption configures a FrameCapture.
type FrameOption func(*FrameCapture)

// WithClock replaces time.Now for file naming.
func WithClock(now func() time.Time) FrameOption {
	return func(f *FrameCapture) {
		f.now = now
	}
}

// WithEncoder replaces the JPEG encoder.
func WithEncoder(enc Encoder) FrameOption {
	return func(f *FrameCapture) {
		f.encode = enc
	}
}

func NewFrameCapture(opts ...FrameOption) *FrameCapture {
	f := &FrameCapture{
		now:    time.Now,
		encode: encodeJPEG,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Capture draws the current frame into a buffer at the surface's native
// resolution and encodes it.
func (f *FrameCapture) Capture(surface Surface) (*CapturedImage, error) {
	if surface == nil {
		return nil, newError(KindNotReady, errors.New("no video surface"))
	}
	width, height := surface.VideoWidth(), surface.VideoHeight()
	if width <= 0 || height <= 0 {
		return nil, newError(KindNotReady, fmt.Errorf("surface size %dx%d", width, height))
	}
	frame := surface.CurrentFrame()
	if frame == nil {
		return nil, newError(KindNotReady, errors.New("no frame available"))
	}

	canvas := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(canvas, canvas.Bounds(), frame, frame.Bounds().Min, draw.Src)

	var buf bytes.Buffer
	if err := f.encode(&buf, canvas, int(Quality*100)); err != nil {
		return nil, newError(KindEncodeFailed, err)
	}
	if buf.Len() == 0 {
		return nil, newError(KindEncodeFailed, errors.New("encoder produced no output"))
	}

	createdAt := f.now()
	return &CapturedImage{
		Name:      FileName(createdAt),
		MIMEType:  MIMEType,
		Quality:   Quality,
		Width:     width,
		Height:    height,
		Data:      buf.Bytes(),
		CreatedAt: createdAt,
	}, nil
}

// FileName derives the receipt file name from the capture time.
func FileName(t time.Time) string {
	return fmt.Sprintf("receipt-%d.jpg", t.UnixMilli())
}
