//go:build opencv

// Package opencv provides a capture.MediaDevices backed by a local camera
// through OpenCV. Build with -tags opencv.
package opencv

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"gocv.io/x/gocv"

	"pettycash/internal/capture"
)

// Devices opens the camera with the given OpenCV device index.
type Devices struct {
	DeviceID int
}

func NewDevices(deviceID int) *Devices {
	return &Devices{DeviceID: deviceID}
}

func (d *Devices) GetUserMedia(ctx context.Context, c capture.Constraints) (capture.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vc, err := gocv.OpenVideoCapture(d.DeviceID)
	if err != nil {
		return nil, &capture.PlatformError{Name: capture.NameNotReadable, Message: err.Error()}
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, &capture.PlatformError{
			Name:    capture.NameNotFound,
			Message: fmt.Sprintf("camera %d not available", d.DeviceID),
		}
	}
	if c.Width > 0 && c.Height > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(c.Width))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(c.Height))
	}

	s := &stream{
		id:   uuid.NewString(),
		vc:   vc,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	s.track = &track{stream: s}
	go s.pump()
	return s, nil
}

// stream reads frames on its own goroutine; the surface always exposes the
// most recent decoded frame.
type stream struct {
	id    string
	vc    *gocv.VideoCapture
	track *track

	mu     sync.RWMutex
	latest image.Image

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func (s *stream) ID() string               { return s.id }
func (s *stream) Tracks() []capture.Track  { return []capture.Track{s.track} }
func (s *stream) Surface() capture.Surface { return s }

func (s *stream) VideoWidth() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil {
		return 0
	}
	return s.latest.Bounds().Dx()
}

func (s *stream) VideoHeight() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil {
		return 0
	}
	return s.latest.Bounds().Dy()
}

func (s *stream) CurrentFrame() image.Image {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

func (s *stream) pump() {
	defer close(s.done)
	defer s.vc.Close()

	mat := gocv.NewMat()
	defer mat.Close()

	for {
		select {
		case <-s.stop:
			return
		default:
		}

		if ok := s.vc.Read(&mat); !ok || mat.Empty() {
			time.Sleep(20 * time.Millisecond)
			continue
		}
		img, err := mat.ToImage()
		if err != nil {
			slog.Warn("Failed to convert camera frame", "stream_id", s.id, "error", err)
			continue
		}
		s.mu.Lock()
		s.latest = img
		s.mu.Unlock()
	}
}

type track struct {
	stream *stream
}

func (t *track) Kind() string { return "video" }

// Stop ends the read loop and releases the device.
func (t *track) Stop() {
	t.stream.stopOnce.Do(func() {
		close(t.stream.stop)
	})
	<-t.stream.done
}
