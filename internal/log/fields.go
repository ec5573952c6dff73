package log

// Attribute keys shared by every binary, so log queries work across them.
const (
	FieldComponent     = "component"
	FieldRequestID     = "request_id"
	FieldClientIP      = "client_ip"
	FieldMethod        = "method"
	FieldPath          = "path"
	FieldQuery         = "query"
	FieldStatusCode    = "status_code"
	FieldDuration      = "duration_ms"
	FieldDurationHuman = "duration_human"
	FieldUserAgent     = "user_agent"
	FieldSuccess       = "success"
	FieldError         = "error"
	FieldErrorKind     = "error_kind"
	FieldErrorType     = "error_type"
	FieldOperation     = "operation"
	FieldYear          = "year"
	FieldMonth         = "month"
	FieldExpenseDesc   = "expense_description"
	FieldAmountCents   = "amount_cents"
	FieldCategory      = "category"
	FieldAttachments   = "attachments"
	FieldOutboxKind    = "outbox_kind"
	FieldOutboxID      = "outbox_id"
	FieldWidgetID      = "widget_id"
	FieldCaptureState  = "capture_state"
)

const (
	ComponentApp       = "app"
	ComponentHTTP      = "http"
	ComponentExpense   = "expense"
	ComponentTransfer  = "transfer"
	ComponentCapture   = "capture"
	ComponentStorage   = "storage"
	ComponentAMQP      = "amqp"
	ComponentWorker    = "worker"
	ComponentSecurity  = "security"
	ComponentRateLimit = "rate_limit"
	ComponentBackend   = "backend"
)

const (
	OpCreate   = "create"
	OpRead     = "read"
	OpDelete   = "delete"
	OpList     = "list"
	OpEnqueue  = "enqueue"
	OpSync     = "sync"
	OpCapture  = "capture"
	OpValidate = "validate"
	OpRender   = "render"
	OpShutdown = "shutdown"
)

// Values for FieldErrorType.
const (
	ErrorTypeValidation    = "validation_error"
	ErrorTypeConfiguration = "configuration_error"
	ErrorTypeNetwork       = "network_error"
	ErrorTypeInternal      = "internal_error"
)

// LogFields is a key/value list in the order it was built, ready to pass to
// slog. Every With method returns a new list and leaves the receiver alone,
// so a base set can be branched.
type LogFields []any

func NewFields() LogFields {
	return nil
}

func (f LogFields) add(kv ...any) LogFields {
	return append(f[:len(f):len(f)], kv...)
}

// With appends one arbitrary attribute.
func (f LogFields) With(key string, value any) LogFields {
	return f.add(key, value)
}

// WithError records err.Error(); a nil err adds nothing.
func (f LogFields) WithError(err error) LogFields {
	if err == nil {
		return f
	}
	return f.add(FieldError, err.Error())
}

func (f LogFields) WithOperation(op string) LogFields {
	return f.add(FieldOperation, op)
}

func (f LogFields) WithExpense(desc string, amountCents int64, category string, attachments int) LogFields {
	return f.add(
		FieldExpenseDesc, desc,
		FieldAmountCents, amountCents,
		FieldCategory, category,
		FieldAttachments, attachments,
	)
}

// WithOutbox identifies an outbox row.
func (f LogFields) WithOutbox(kind string, id int64) LogFields {
	return f.add(FieldOutboxKind, kind, FieldOutboxID, id)
}

func (f LogFields) WithCapture(widgetID, state string) LogFields {
	return f.add(FieldWidgetID, widgetID, FieldCaptureState, state)
}

// WithErrorKind skips empty kinds.
func (f LogFields) WithErrorKind(kind string) LogFields {
	if kind == "" {
		return f
	}
	return f.add(FieldErrorKind, kind)
}

func (f LogFields) ToSlice() []any {
	return f
}
