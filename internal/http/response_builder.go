package http

import (
	"encoding/json"
	"html/template"
	"log/slog"
	"net/http"
)

// Client-side events raised through the HX-Trigger header. Templates listen
// for them with hx-trigger="<event> from:body".
const (
	EventExpenseQueued    = "expense:queued"
	EventTransferQueued   = "transfer:queued"
	EventClientsChanged   = "clients:changed"
	EventCaptureState     = "capture:state"
	EventFormReset        = "form:reset"
	EventDashboardRefresh = "dashboard:refresh"
	EventNotification     = "show-notification"
)

// How long toasts stay on screen, in milliseconds.
const (
	successToastMs = 3000
	errorToastMs   = 5000
	warningToastMs = 6000
)

// HTMXResponseBuilder accumulates HX-Trigger events, headers and a body and
// writes them in one go.
type HTMXResponseBuilder struct {
	triggers   map[string]any
	statusCode int
	body       []byte
	headers    http.Header
}

// NewHTMXResponse starts a 200 response with no triggers.
func NewHTMXResponse() *HTMXResponseBuilder {
	return &HTMXResponseBuilder{
		triggers:   make(map[string]any),
		statusCode: http.StatusOK,
		headers:    make(http.Header),
	}
}

func (b *HTMXResponseBuilder) Status(code int) *HTMXResponseBuilder {
	b.statusCode = code
	return b
}

// Trigger raises a client event; a later call with the same name wins.
func (b *HTMXResponseBuilder) Trigger(name string, detail any) *HTMXResponseBuilder {
	b.triggers[name] = detail
	return b
}

type monthDetail struct {
	Year  int `json:"year"`
	Month int `json:"month"`
}

type stateDetail struct {
	State string `json:"state"`
}

// TriggerExpenseQueued tells the list for year/month to reload.
func (b *HTMXResponseBuilder) TriggerExpenseQueued(year, month int) *HTMXResponseBuilder {
	return b.Trigger(EventExpenseQueued, monthDetail{Year: year, Month: month})
}

func (b *HTMXResponseBuilder) TriggerTransferQueued() *HTMXResponseBuilder {
	return b.Trigger(EventTransferQueued, struct{}{})
}

// TriggerClientsChanged makes payee pickers reload.
func (b *HTMXResponseBuilder) TriggerClientsChanged() *HTMXResponseBuilder {
	return b.Trigger(EventClientsChanged, struct{}{})
}

// TriggerCaptureState publishes the capture widget state.
func (b *HTMXResponseBuilder) TriggerCaptureState(state string) *HTMXResponseBuilder {
	return b.Trigger(EventCaptureState, stateDetail{State: state})
}

func (b *HTMXResponseBuilder) TriggerFormReset() *HTMXResponseBuilder {
	return b.Trigger(EventFormReset, struct{}{})
}

func (b *HTMXResponseBuilder) TriggerDashboardRefresh() *HTMXResponseBuilder {
	return b.Trigger(EventDashboardRefresh, struct{}{})
}

// NotificationType selects the toast style.
type NotificationType string

const (
	NotificationSuccess NotificationType = "success"
	NotificationError   NotificationType = "error"
	NotificationWarning NotificationType = "warning"
	NotificationInfo    NotificationType = "info"
)

// notification is the show-notification payload read by capture.js.
type notification struct {
	Type     NotificationType `json:"type"`
	Message  string           `json:"message"`
	Duration int              `json:"duration"`
}

// TriggerNotification shows a toast for durationMs milliseconds. Only one
// toast is shown per response.
func (b *HTMXResponseBuilder) TriggerNotification(kind NotificationType, message string, durationMs int) *HTMXResponseBuilder {
	return b.Trigger(EventNotification, notification{Type: kind, Message: message, Duration: durationMs})
}

func (b *HTMXResponseBuilder) TriggerSuccessNotification(message string) *HTMXResponseBuilder {
	return b.TriggerNotification(NotificationSuccess, message, successToastMs)
}

func (b *HTMXResponseBuilder) TriggerErrorNotification(message string) *HTMXResponseBuilder {
	return b.TriggerNotification(NotificationError, message, errorToastMs)
}

// TriggerWarningNotification is for problems that do not stop the action,
// such as degraded backend reads or an insecure camera context.
func (b *HTMXResponseBuilder) TriggerWarningNotification(message string) *HTMXResponseBuilder {
	return b.TriggerNotification(NotificationWarning, message, warningToastMs)
}

func (b *HTMXResponseBuilder) Header(name, value string) *HTMXResponseBuilder {
	b.headers.Set(name, value)
	return b
}

// BodyHTML sets an HTML fragment as the body.
func (b *HTMXResponseBuilder) BodyHTML(html string) *HTMXResponseBuilder {
	b.headers.Set("Content-Type", "text/html; charset=utf-8")
	b.body = []byte(html)
	return b
}

// Write flushes headers, triggers, status and body to w.
func (b *HTMXResponseBuilder) Write(w http.ResponseWriter) {
	for name, values := range b.headers {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}

	if len(b.triggers) > 0 {
		encoded, err := json.Marshal(b.triggers)
		if err != nil {
			slog.Error("Dropping HX-Trigger header", "error", err)
		} else {
			w.Header().Set("HX-Trigger", string(encoded))
		}
	}

	w.WriteHeader(b.statusCode)
	if len(b.body) > 0 {
		_, _ = w.Write(b.body)
	}
}

// ErrorResponse renders message, escaped, in an error fragment.
func ErrorResponse(statusCode int, message string) *HTMXResponseBuilder {
	return NewHTMXResponse().
		Status(statusCode).
		BodyHTML(`<div class="error">` + template.HTMLEscapeString(message) + `</div>`)
}

func BadRequestError(message string) *HTMXResponseBuilder {
	return ErrorResponse(http.StatusBadRequest, message)
}

func UnprocessableEntityError(message string) *HTMXResponseBuilder {
	return ErrorResponse(http.StatusUnprocessableEntity, message)
}

func InternalServerError(message string) *HTMXResponseBuilder {
	return ErrorResponse(http.StatusInternalServerError, message)
}

func NotFoundError(message string) *HTMXResponseBuilder {
	return ErrorResponse(http.StatusNotFound, message)
}
