// Package capture implements the receipt photo workflow: acquiring a camera
// stream, freezing one frame into a JPEG and handing it to the expense form.
//
// The camera itself is an external collaborator behind MediaDevices. Two
// implementations exist: VirtualDevices in this package, and a gocv backed
// one in capture/opencv.
package capture

import (
	"context"
	"image"
)

// FacingMode selects which physical sensor a device should prefer.
type FacingMode string

const (
	FacingEnvironment FacingMode = "environment"
	FacingUser        FacingMode = "user"
)

// Constraints describe the stream a session asks for. Width and Height are
// ideal values, not hard requirements.
type Constraints struct {
	FacingMode FacingMode
	Width      int
	Height     int
}

// DefaultConstraints prefers the rear camera at up to 1920x1080.
func DefaultConstraints() Constraints {
	return Constraints{
		FacingMode: FacingEnvironment,
		Width:      1920,
		Height:     1080,
	}
}

// Track is one hardware-backed media track.
type Track interface {
	Kind() string
	Stop()
}

// Surface is a renderable video surface bound to a live stream.
// VideoWidth and VideoHeight report the intrinsic size and stay zero until
// the camera produced its first frame.
type Surface interface {
	VideoWidth() int
	VideoHeight() int
	CurrentFrame() image.Image
}

// Stream is a live camera stream.
type Stream interface {
	ID() string
	Tracks() []Track
	Surface() Surface
}

// MediaDevices is the platform camera API.
type MediaDevices interface {
	GetUserMedia(ctx context.Context, c Constraints) (Stream, error)
}
