package http

import (
	"bytes"
	"errors"
	"image/jpeg"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"pettycash/internal/capture"
	applog "pettycash/internal/log"
)

const (
	liveFrameInterval = 100 * time.Millisecond
	liveJPEGQuality   = 70
	liveWriteWait     = 5 * time.Second
	livePongWait      = 60 * time.Second
	livePingPeriod    = livePongWait * 9 / 10
)

// CheckOrigin is left nil so gorilla enforces a same-origin handshake.
var liveUpgrader = websocket.Upgrader{
	ReadBufferSize:  512,
	WriteBufferSize: 64 << 10,
}

// captureView is what the capture widget template renders.
type captureView struct {
	WidgetID   string
	State      string
	Starting   bool
	PreviewURL string
	ImageName  string
	ImageSize  int
	Width      int
	Height     int
	HasReceipt bool
	Warning    string
	Error      string
	ErrorKind  string
}

func (v captureView) Streaming() bool { return v.State == capture.StateStreaming.String() }
func (v captureView) Captured() bool  { return v.State == capture.StateCaptured.String() }
func (v captureView) Emitted() bool   { return v.State == capture.StateEmitted.String() }

func (s *Server) captureViewFor(widgetID string) captureView {
	view := captureView{WidgetID: widgetID, State: capture.StateIdle.String()}
	if s.deps.Captures == nil {
		return view
	}
	if _, ok := s.deps.Drafts.Peek(widgetID); ok {
		view.HasReceipt = true
	}
	wf, ok := s.deps.Captures.Lookup(widgetID)
	if !ok {
		return view
	}
	st := wf.Status()
	view.State = st.State.String()
	view.Starting = st.Starting
	if st.PreviewRef != "" {
		view.PreviewURL = "/capture/preview/" + st.PreviewRef
	}
	if st.Image != nil {
		view.ImageName = st.Image.Name
		view.ImageSize = st.Image.Size()
		view.Width = st.Image.Width
		view.Height = st.Image.Height
	}
	if st.Warning != nil {
		view.Warning = st.Warning.Message
	}
	if st.Err != nil {
		view.Error = st.Err.Message
		view.ErrorKind = st.Err.Kind.String()
	}
	return view
}

// workflow returns the widget's existing workflow or writes a 409.
func (s *Server) workflow(w http.ResponseWriter, r *http.Request) (string, *capture.Workflow, bool) {
	id, ok := existingWidgetID(r)
	if ok && s.deps.Captures != nil {
		if wf, found := s.deps.Captures.Lookup(id); found {
			return id, wf, true
		}
	}
	ErrorResponse(http.StatusConflict, "The camera is not open. Start it first.").Write(w)
	return "", nil, false
}

func (s *Server) handleCaptureStart(w http.ResponseWriter, r *http.Request) {
	if s.deps.Captures == nil {
		ErrorResponse(http.StatusServiceUnavailable, "Camera capture is not configured").Write(w)
		return
	}
	id := s.widgetID(w, r)
	wf := s.deps.Captures.Get(id)
	if err := wf.Start(r.Context()); err != nil {
		s.captureFailed(w, r, id, err)
		return
	}
	s.captureOK(w, r, id, "")
}

func (s *Server) handleCaptureShot(w http.ResponseWriter, r *http.Request) {
	id, wf, ok := s.workflow(w, r)
	if !ok {
		return
	}
	if _, err := wf.Capture(r.Context()); err != nil {
		s.captureFailed(w, r, id, err)
		return
	}
	s.appMetrics.inc(&s.appMetrics.captures)
	s.captureOK(w, r, id, "Receipt captured. Review it, then use it or retake.")
}

func (s *Server) handleCaptureRetake(w http.ResponseWriter, r *http.Request) {
	id, wf, ok := s.workflow(w, r)
	if !ok {
		return
	}
	if err := wf.Retake(r.Context()); err != nil {
		s.captureFailed(w, r, id, err)
		return
	}
	s.captureOK(w, r, id, "")
}

func (s *Server) handleCaptureCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := existingWidgetID(r)
	if !ok || s.deps.Captures == nil {
		s.captureOK(w, r, id, "")
		return
	}
	if wf, found := s.deps.Captures.Lookup(id); found {
		if err := wf.Cancel(); err != nil {
			s.captureFailed(w, r, id, err)
			return
		}
	}
	s.captureOK(w, r, id, "")
}

// handleCaptureFinish accepts the captured photo as the expense receipt.
// The photo stays in the drafts until the expense is submitted.
func (s *Server) handleCaptureFinish(w http.ResponseWriter, r *http.Request) {
	id, wf, ok := s.workflow(w, r)
	if !ok {
		return
	}
	if err := wf.Finish(); err != nil {
		s.captureFailed(w, r, id, err)
		return
	}
	s.captureOK(w, r, id, "Receipt attached to the expense.")
}

func (s *Server) handleCaptureState(w http.ResponseWriter, r *http.Request) {
	id, _ := existingWidgetID(r)
	view := s.captureViewFor(id)
	writeJSON(w, http.StatusOK, map[string]any{
		"state":       view.State,
		"starting":    view.Starting,
		"preview_url": view.PreviewURL,
		"has_receipt": view.HasReceipt,
		"warning":     view.Warning,
		"error":       view.Error,
		"error_kind":  view.ErrorKind,
	})
}

// handleCapturePreview serves a captured photo by preview reference. Only the
// widget that owns the reference can read it.
func (s *Server) handleCapturePreview(w http.ResponseWriter, r *http.Request) {
	id, ok := existingWidgetID(r)
	if !ok || s.deps.Captures == nil {
		NotFoundError("Preview not found").Write(w)
		return
	}
	wf, found := s.deps.Captures.Lookup(id)
	if !found || wf.Status().PreviewRef != r.PathValue("ref") {
		NotFoundError("Preview not found").Write(w)
		return
	}
	img, found := wf.Previews().Lookup(r.PathValue("ref"))
	if !found {
		NotFoundError("Preview not found").Write(w)
		return
	}
	w.Header().Set("Content-Type", img.MIMEType)
	w.Header().Set("Cache-Control", "no-store")
	http.ServeContent(w, r, img.Name, img.CreatedAt, bytes.NewReader(img.Data))
}

// handleCaptureLive streams the camera as binary JPEG websocket messages
// while the widget is streaming. The socket closes when streaming ends.
func (s *Server) handleCaptureLive(w http.ResponseWriter, r *http.Request) {
	id, ok := existingWidgetID(r)
	if !ok || s.deps.Captures == nil {
		http.NotFound(w, r)
		return
	}
	wf, found := s.deps.Captures.Lookup(id)
	if !found {
		http.NotFound(w, r)
		return
	}

	conn, err := liveUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WarnContext(r.Context(), "Live preview upgrade failed", applog.FieldError, err)
		return
	}
	defer conn.Close()

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(livePongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(livePongWait))
	})

	// The viewer never sends anything; reading only notices the disconnect.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	frames := time.NewTicker(liveFrameInterval)
	defer frames.Stop()
	ping := time.NewTicker(livePingPeriod)
	defer ping.Stop()

	var buf bytes.Buffer
	sent := 0
	defer func() {
		s.logger.DebugContext(r.Context(), "Live preview closed",
			applog.FieldWidgetID, id,
			"frames_sent", sent)
	}()

	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(liveWriteWait)); err != nil {
				return
			}
		case <-frames.C:
			frame, ok := wf.LiveFrame()
			if !ok {
				if wf.State() != capture.StateStreaming {
					msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, wf.State().String())
					_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(liveWriteWait))
					return
				}
				continue
			}
			buf.Reset()
			if err := jpeg.Encode(&buf, frame, &jpeg.Options{Quality: liveJPEGQuality}); err != nil {
				s.logger.WarnContext(r.Context(), "Live frame encode failed", applog.FieldError, err)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, buf.Bytes()); err != nil {
				return
			}
			sent++
			s.deps.Captures.Touch(id)
		}
	}
}

// captureOK renders the widget after a successful transition. A warning
// recorded by the workflow, such as an insecure context, is surfaced once.
func (s *Server) captureOK(w http.ResponseWriter, r *http.Request, id, message string) {
	view := s.captureViewFor(id)
	s.events.LogCaptureTransition(r.Context(), id, view.State, nil, "")

	b := NewHTMXResponse().TriggerCaptureState(view.State)
	switch {
	case view.Warning != "" && view.Streaming():
		b.TriggerWarningNotification(view.Warning)
	case message != "":
		b.TriggerSuccessNotification(message)
	}
	s.renderPartial(w, r, b, "capture_widget", view)
}

// captureFailed maps workflow errors to responses. Camera failures render the
// widget with the remediation message so the user sees what to do next.
func (s *Server) captureFailed(w http.ResponseWriter, r *http.Request, id string, err error) {
	var cerr *capture.Error
	switch {
	case errors.Is(err, capture.ErrCanceled):
		view := s.captureViewFor(id)
		s.events.LogCaptureTransition(r.Context(), id, view.State, nil, "")
		b := NewHTMXResponse().
			TriggerCaptureState(view.State).
			TriggerNotification(NotificationInfo, "Camera start canceled.", 3000)
		s.renderPartial(w, r, b, "capture_widget", view)

	case errors.Is(err, capture.ErrBusy), errors.Is(err, capture.ErrInvalidTransition):
		s.events.LogCaptureTransition(r.Context(), id, s.captureViewFor(id).State, err, "")
		ErrorResponse(http.StatusConflict, "The camera is busy with another step. Wait and try again.").Write(w)

	case errors.Is(err, capture.ErrClosed):
		s.deps.Captures.Remove(id)
		ErrorResponse(http.StatusConflict, "The camera session expired. Start it again.").Write(w)

	case errors.As(err, &cerr):
		s.appMetrics.inc(&s.appMetrics.cameraErrors)
		view := s.captureViewFor(id)
		view.Error = cerr.Message
		view.ErrorKind = cerr.Kind.String()
		s.events.LogCaptureTransition(r.Context(), id, view.State, err, view.ErrorKind)

		b := NewHTMXResponse().TriggerCaptureState(view.State)
		if cerr.Kind.Warning() {
			b.TriggerWarningNotification(cerr.Message)
		} else {
			b.TriggerErrorNotification(cerr.Message)
		}
		s.renderPartial(w, r, b, "capture_widget", view)

	default:
		s.logger.ErrorContext(r.Context(), "Capture step failed",
			applog.FieldError, err,
			applog.FieldWidgetID, id,
			applog.FieldErrorType, applog.ErrorTypeInternal)
		InternalServerError(capture.UserMessage(err)).Write(w)
	}
}
