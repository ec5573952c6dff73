package capture

import (
	"context"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
)

// Session owns at most one live camera stream.
type Session struct {
	devices     MediaDevices
	constraints Constraints
	origin      string

	mu     sync.Mutex
	stream Stream
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithConstraints overrides DefaultConstraints.
func WithConstraints(c Constraints) SessionOption {
	return func(s *Session) {
		s.constraints = c
	}
}

// WithOrigin sets the origin the UI is served from, used for the secure
// context check.
func WithOrigin(origin string) SessionOption {
	return func(s *Session) {
		s.origin = origin
	}
}

// NewSession creates a session over devices. A nil devices means the
// platform exposes no camera at all.
func NewSession(devices MediaDevices, opts ...SessionOption) *Session {
	s := &Session{
		devices:     devices,
		constraints: DefaultConstraints(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Check reports platform problems before a stream is requested. It returns
// an UnsupportedPlatform error, an InsecureContext warning, or nil.
func (s *Session) Check() *Error {
	if s.devices == nil {
		return newError(KindUnsupportedPlatform, nil)
	}
	if s.origin != "" && !isSecureOrigin(s.origin) {
		return newError(KindInsecureContext, nil)
	}
	return nil
}

// Open acquires a stream. A stream that arrives after ctx was canceled is
// stopped before Open returns.
func (s *Session) Open(ctx context.Context) (Stream, error) {
	if s.devices == nil {
		return nil, newError(KindUnsupportedPlatform, nil)
	}

	s.mu.Lock()
	active := s.stream != nil
	s.mu.Unlock()
	if active {
		return nil, ErrSessionActive
	}

	stream, err := s.devices.GetUserMedia(ctx, s.constraints)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrCanceled
		}
		return nil, classify(err)
	}
	if ctx.Err() != nil {
		stopTracks(stream)
		return nil, ErrCanceled
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream != nil {
		stopTracks(stream)
		return nil, ErrSessionActive
	}
	s.stream = stream

	slog.DebugContext(ctx, "Camera stream opened",
		"stream_id", stream.ID(),
		"facing_mode", string(s.constraints.FacingMode),
		"width", s.constraints.Width,
		"height", s.constraints.Height)

	return stream, nil
}

// Active reports whether a stream is held.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream != nil
}

// Close stops every track of the held stream. It is safe to call at any time.
func (s *Session) Close() {
	s.mu.Lock()
	stream := s.stream
	s.stream = nil
	s.mu.Unlock()

	if stream == nil {
		return
	}
	stopTracks(stream)
	slog.Debug("Camera stream closed", "stream_id", stream.ID())
}

func stopTracks(stream Stream) {
	for _, t := range stream.Tracks() {
		t.Stop()
	}
}

// isSecureOrigin mirrors the browser rule: https, or plain http on a loopback host.
func isSecureOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "https", "wss":
		return true
	case "http", "ws":
	default:
		return false
	}
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
