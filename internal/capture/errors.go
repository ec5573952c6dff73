package capture

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the closed set of failures the capture workflow reports.
type Kind int

const (
	KindUnknown Kind = iota
	KindUnsupportedPlatform
	KindInsecureContext
	KindPermissionDenied
	KindDeviceNotFound
	KindDeviceBusy
	KindConstraintsNotSatisfiable
	KindSecurityBlocked
	KindNotReady
	KindEncodeFailed
)

var kindNames = map[Kind]string{
	KindUnknown:                   "unknown",
	KindUnsupportedPlatform:       "unsupported_platform",
	KindInsecureContext:           "insecure_context",
	KindPermissionDenied:          "permission_denied",
	KindDeviceNotFound:            "device_not_found",
	KindDeviceBusy:                "device_busy",
	KindConstraintsNotSatisfiable: "constraints_not_satisfiable",
	KindSecurityBlocked:           "security_blocked",
	KindNotReady:                  "not_ready",
	KindEncodeFailed:              "encode_failed",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Warning reports whether the kind is advisory only and must not block the workflow.
func (k Kind) Warning() bool {
	return k == KindInsecureContext
}

// Remediation returns the message shown to the user for the kind.
func (k Kind) Remediation() string {
	switch k {
	case KindUnsupportedPlatform:
		return "Camera capture is not supported on this device. Upload a photo of the receipt instead."
	case KindInsecureContext:
		return "Camera access needs a secure connection. Open the app over HTTPS or from localhost if the camera does not start."
	case KindPermissionDenied:
		return "Camera access was denied. Allow camera permissions in the browser or system settings and try again."
	case KindDeviceNotFound:
		return "No camera was found. Connect a camera or upload a photo of the receipt instead."
	case KindDeviceBusy:
		return "The camera is in use by another application. Close it and try again."
	case KindConstraintsNotSatisfiable:
		return "The camera does not support the requested resolution. Try a different camera."
	case KindSecurityBlocked:
		return "Camera access is blocked by a security policy. Check the site settings and try again."
	case KindNotReady:
		return "The camera is still warming up. Wait a moment and capture again."
	case KindEncodeFailed:
		return "The photo could not be processed. Capture the receipt again."
	default:
		return "The camera could not be used. Try again or upload a photo of the receipt instead."
	}
}

// Error is a classified capture failure carrying a user-facing message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func newError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Message: kind.Remediation(), Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("capture %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("capture %s", e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind, so sentinel comparisons like
// errors.Is(err, &Error{Kind: KindNotReady}) work.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of a capture error, or KindUnknown.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

// UserMessage returns the remediation text for err.
func UserMessage(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Message
	}
	return KindUnknown.Remediation()
}

// PlatformError is what a MediaDevices implementation returns when the
// underlying camera API rejects a request. Name follows the DOMException
// names browsers use, so all backends share one taxonomy.
type PlatformError struct {
	Name    string
	Message string
}

func (e *PlatformError) Error() string {
	if e.Message == "" {
		return e.Name
	}
	return e.Name + ": " + e.Message
}

// Platform error names understood by classify.
const (
	NameNotAllowed             = "NotAllowedError"
	NamePermissionDenied       = "PermissionDeniedError"
	NameNotFound               = "NotFoundError"
	NameDevicesNotFound        = "DevicesNotFoundError"
	NameNotReadable            = "NotReadableError"
	NameTrackStart             = "TrackStartError"
	NameOverconstrained        = "OverconstrainedError"
	NameConstraintNotSatisfied = "ConstraintNotSatisfiedError"
	NameSecurity               = "SecurityError"
)

// classify maps a platform failure into the closed Kind set.
func classify(err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	var pe *PlatformError
	if !errors.As(err, &pe) {
		return newError(KindUnknown, err)
	}
	switch pe.Name {
	case NameNotAllowed, NamePermissionDenied:
		return newError(KindPermissionDenied, err)
	case NameNotFound, NameDevicesNotFound:
		return newError(KindDeviceNotFound, err)
	case NameNotReadable, NameTrackStart:
		return newError(KindDeviceBusy, err)
	case NameOverconstrained, NameConstraintNotSatisfied:
		return newError(KindConstraintsNotSatisfiable, err)
	case NameSecurity:
		return newError(KindSecurityBlocked, err)
	default:
		return newError(KindUnknown, err)
	}
}

var (
	// ErrBusy is returned when Start is called while another Start is pending.
	ErrBusy = errors.New("capture: start already in progress")

	// ErrInvalidTransition is returned when an operation is not allowed in the current state.
	ErrInvalidTransition = errors.New("capture: invalid state transition")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("capture: workflow closed")

	// ErrSessionActive is returned when Open is called on a session that already holds a stream.
	ErrSessionActive = errors.New("capture: session already open")

	// ErrCanceled is returned by Start when Cancel or Close aborted the pending open.
	ErrCanceled = fmt.Errorf("capture: start canceled: %w", context.Canceled)
)
