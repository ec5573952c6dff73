package capture

import (
	"context"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// VirtualDevices is a synthetic camera rendering a test pattern. It is the
// default backend on hosts without a camera and in tests.
type VirtualDevices struct {
	// Width and Height of the produced frames; zero means use the constraints.
	Width  int
	Height int

	// WarmUp is how long the surface reports a zero size after opening.
	WarmUp time.Duration

	// Fail, when set, is returned by every GetUserMedia call.
	Fail error

	opened atomic.Int64
}

// Opened returns how many streams were handed out.
func (d *VirtualDevices) Opened() int64 {
	return d.opened.Load()
}

func (d *VirtualDevices) GetUserMedia(ctx context.Context, c Constraints) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.Fail != nil {
		return nil, d.Fail
	}
	width, height := d.Width, d.Height
	if width == 0 || height == 0 {
		width, height = c.Width, c.Height
	}
	if width <= 0 || height <= 0 {
		return nil, &PlatformError{Name: NameOverconstrained, Message: "no usable resolution"}
	}
	d.opened.Add(1)

	s := &virtualStream{
		id:    uuid.NewString(),
		track: &virtualTrack{},
		surface: &virtualSurface{
			width:   width,
			height:  height,
			readyAt: time.Now().Add(d.WarmUp),
		},
	}
	return s, nil
}

type virtualStream struct {
	id      string
	track   *virtualTrack
	surface *virtualSurface
}

func (s *virtualStream) ID() string       { return s.id }
func (s *virtualStream) Tracks() []Track  { return []Track{s.track} }
func (s *virtualStream) Surface() Surface { return s.surface }

type virtualTrack struct {
	stopped atomic.Bool
}

func (t *virtualTrack) Kind() string { return "video" }
func (t *virtualTrack) Stop()        { t.stopped.Store(true) }

type virtualSurface struct {
	width, height int
	readyAt       time.Time

	mu    sync.Mutex
	tick  uint8
	frame *image.RGBA
}

func (s *virtualSurface) ready() bool {
	return !time.Now().Before(s.readyAt)
}

func (s *virtualSurface) VideoWidth() int {
	if !s.ready() {
		return 0
	}
	return s.width
}

func (s *virtualSurface) VideoHeight() int {
	if !s.ready() {
		return 0
	}
	return s.height
}

// CurrentFrame renders a diagonal gradient that shifts on every call so
// consecutive captures differ.
func (s *virtualSurface) CurrentFrame() image.Image {
	if !s.ready() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frame == nil {
		s.frame = image.NewRGBA(image.Rect(0, 0, s.width, s.height))
	}
	s.tick++
	for y := 0; y < s.height; y++ {
		for x := 0; x < s.width; x++ {
			v := uint8((x + y + int(s.tick)*8) % 256)
			s.frame.SetRGBA(x, y, color.RGBA{R: v, G: 255 - v, B: s.tick, A: 255})
		}
	}
	out := image.NewRGBA(s.frame.Rect)
	copy(out.Pix, s.frame.Pix)
	return out
}
