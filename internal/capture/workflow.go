package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
)

// State of a capture workflow.
type State int

const (
	StateIdle State = iota
	StateStreaming
	StateCaptured
	StateEmitted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateCaptured:
		return "captured"
	case StateEmitted:
		return "emitted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Handoff receives the captured image. It runs once per successful capture,
// after the camera session has been closed and outside the workflow lock.
type Handoff func(img *CapturedImage)

// Status is a snapshot of a workflow for rendering.
type Status struct {
	State      State
	Starting   bool
	PreviewRef string
	Image      *CapturedImage
	Warning    *Error
	Err        *Error
}

// Workflow drives idle -> streaming -> captured -> emitted, with retake
// looping back to streaming. The camera session is open only while
// streaming.
type Workflow struct {
	session   *Session
	frames    *FrameCapture
	previews  *PreviewStore
	onCapture Handoff
	onDiscard func()

	mu            sync.Mutex
	state         State
	starting      bool
	startCanceled bool
	cancelStart   context.CancelFunc
	stream        Stream
	image         *CapturedImage
	previewRef    string
	warning       *Error
	lastErr       *Error
	closed        bool
}

// Option configures a Workflow.
type Option func(*Workflow)

// OnCapture sets the handoff invoked after each successful capture.
func OnCapture(h Handoff) Option {
	return func(w *Workflow) {
		w.onCapture = h
	}
}

// OnDiscard sets a hook run when Retake throws the held image away, after
// the transition has been accepted and outside the workflow lock.
func OnDiscard(fn func()) Option {
	return func(w *Workflow) {
		w.onDiscard = fn
	}
}

// WithPreviews shares a preview store between workflows.
func WithPreviews(p *PreviewStore) Option {
	return func(w *Workflow) {
		w.previews = p
	}
}

// WithFrameCapture replaces the default frame capture.
func WithFrameCapture(f *FrameCapture) Option {
	return func(w *Workflow) {
		w.frames = f
	}
}

func NewWorkflow(session *Session, opts ...Option) *Workflow {
	w := &Workflow{
		session: session,
		state:   StateIdle,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.frames == nil {
		w.frames = NewFrameCapture()
	}
	if w.previews == nil {
		w.previews = NewPreviewStore()
	}
	return w
}

// Start opens the camera. On failure the workflow stays idle and the
// classified error is returned; an insecure context is recorded as a warning
// and does not stop the attempt.
func (w *Workflow) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	if w.starting {
		w.mu.Unlock()
		return ErrBusy
	}
	if w.state != StateIdle {
		err := w.transitionErr("start")
		w.mu.Unlock()
		return err
	}

	w.warning = nil
	w.lastErr = nil
	if cerr := w.session.Check(); cerr != nil {
		if !cerr.Kind.Warning() {
			w.lastErr = cerr
			w.mu.Unlock()
			slog.WarnContext(ctx, "Camera unavailable", "error_kind", cerr.Kind.String())
			return cerr
		}
		w.warning = cerr
		slog.WarnContext(ctx, "Camera requested from insecure context", "error_kind", cerr.Kind.String())
	}

	openCtx, cancel := context.WithCancel(ctx)
	w.starting = true
	w.startCanceled = false
	w.cancelStart = cancel
	w.mu.Unlock()

	stream, err := w.session.Open(openCtx)
	cancel()

	w.mu.Lock()
	defer w.mu.Unlock()
	w.starting = false
	w.cancelStart = nil

	if w.startCanceled || w.closed {
		// Cancel or Close ran while the platform was still answering.
		w.session.Close()
		slog.InfoContext(ctx, "Camera start canceled")
		return ErrCanceled
	}
	if err != nil {
		var cerr *Error
		if !errors.As(err, &cerr) && !errors.Is(err, ErrCanceled) {
			cerr = newError(KindUnknown, err)
		}
		kind := KindUnknown
		if cerr != nil {
			w.lastErr = cerr
			kind = cerr.Kind
		}
		slog.WarnContext(ctx, "Camera start failed", "error_kind", kind.String(), "error", err)
		return err
	}

	w.stream = stream
	w.state = StateStreaming
	slog.InfoContext(ctx, "Camera streaming", "capture_state", w.state.String(), "stream_id", stream.ID())
	return nil
}

// Capture freezes the current frame. On failure the workflow stays
// streaming with the session open. On success the session is closed, the
// image is kept for preview and the handoff runs exactly once.
func (w *Workflow) Capture(ctx context.Context) (*CapturedImage, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil, ErrClosed
	}
	if w.state != StateStreaming {
		err := w.transitionErr("capture")
		w.mu.Unlock()
		return nil, err
	}

	img, err := w.frames.Capture(w.stream.Surface())
	if err != nil {
		var cerr *Error
		if errors.As(err, &cerr) {
			w.lastErr = cerr
		}
		w.mu.Unlock()
		slog.WarnContext(ctx, "Frame capture failed", "error_kind", KindOf(err).String(), "error", err)
		return nil, err
	}

	w.session.Close()
	w.stream = nil
	w.lastErr = nil
	w.image = img
	w.previewRef = w.previews.Create(img)
	w.state = StateCaptured
	handoff := w.onCapture
	w.mu.Unlock()

	slog.InfoContext(ctx, "Receipt captured",
		"file_name", img.Name,
		"width", img.Width,
		"height", img.Height,
		"size_bytes", img.Size())

	if handoff != nil {
		handoff(img)
	}
	return img, nil
}

// Cancel stops streaming and returns to idle. A pending Start is aborted.
// Cancel in idle is a no-op.
func (w *Workflow) Cancel() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if w.starting {
		w.startCanceled = true
		w.cancelStart()
		return nil
	}
	switch w.state {
	case StateIdle:
		return nil
	case StateStreaming:
		w.session.Close()
		w.stream = nil
		w.state = StateIdle
		slog.Info("Camera canceled", "capture_state", w.state.String())
		return nil
	default:
		return w.transitionErr("cancel")
	}
}

// Retake discards the held image, revoking its preview, and reopens the camera.
func (w *Workflow) Retake(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	if w.state != StateCaptured {
		err := w.transitionErr("retake")
		w.mu.Unlock()
		return err
	}
	w.discardLocked()
	w.state = StateIdle
	discard := w.onDiscard
	w.mu.Unlock()

	if discard != nil {
		discard()
	}
	return w.Start(ctx)
}

// Finish marks the handed-off image as consumed and releases its preview.
func (w *Workflow) Finish() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if w.state != StateCaptured {
		return w.transitionErr("finish")
	}
	w.discardLocked()
	w.state = StateEmitted
	return nil
}

// Close tears the workflow down from any state. It is idempotent.
func (w *Workflow) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	if w.starting {
		w.startCanceled = true
		w.cancelStart()
	}
	w.stream = nil
	w.discardLocked()
	w.state = StateIdle
	w.mu.Unlock()

	w.session.Close()
}

// Status returns a snapshot of the workflow.
func (w *Workflow) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Status{
		State:      w.state,
		Starting:   w.starting,
		PreviewRef: w.previewRef,
		Image:      w.image,
		Warning:    w.warning,
		Err:        w.lastErr,
	}
}

// State returns the current state.
func (w *Workflow) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Previews returns the store holding this workflow's preview references.
func (w *Workflow) Previews() *PreviewStore {
	return w.previews
}

// LiveFrame returns the current camera frame while streaming.
func (w *Workflow) LiveFrame() (image.Image, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateStreaming || w.stream == nil {
		return nil, false
	}
	surface := w.stream.Surface()
	if surface == nil || surface.VideoWidth() == 0 || surface.VideoHeight() == 0 {
		return nil, false
	}
	frame := surface.CurrentFrame()
	return frame, frame != nil
}

func (w *Workflow) discardLocked() {
	if w.previewRef != "" {
		w.previews.Revoke(w.previewRef)
		w.previewRef = ""
	}
	w.image = nil
}

func (w *Workflow) transitionErr(op string) error {
	return fmt.Errorf("%w: %s while %s", ErrInvalidTransition, op, w.state)
}
