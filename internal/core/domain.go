package core

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	StatusPending SyncStatus = "pending"
	StatusSynced  SyncStatus = "synced"
	StatusFailed  SyncStatus = "failed"
)

const (
	DirectionOut Direction = "out" // cash handed to a client
	DirectionIn  Direction = "in"  // cash returned or received from a client
)

const (
	KindExpense  OutboxKind = "expense"
	KindTransfer OutboxKind = "transfer"
)

type (
	// SyncStatus is the local outbox state of a submission. It says nothing
	// about approval, which the backend owns.
	SyncStatus string

	Direction string

	// OutboxKind tells the sync worker which table a queued item lives in.
	OutboxKind string

	Date struct {
		time.Time
	}

	// Attachment is a file-like object sent with an expense.
	Attachment struct {
		Name     string
		MIMEType string
		Data     []byte
	}

	Expense struct {
		ID          int64  // local outbox id
		RemoteID    string // backend id once synced
		Date        Date
		Description string
		Amount      Money
		Category    string
		ClientID    string // optional payee
		Attachments []Attachment
		Status      SyncStatus
		CreatedAt   time.Time
	}

	// Client is a payee in the petty-cash book.
	Client struct {
		ID    string
		Name  string
		Email string
		Phone string
		Notes string
	}

	Transfer struct {
		ID        int64
		RemoteID  string
		Date      Date
		ClientID  string
		Amount    Money
		Direction Direction
		Reference string
		Status    SyncStatus
		CreatedAt time.Time
	}
)

var (
	ErrInvalidDay        = errors.New("invalid day")
	ErrInvalidMonth      = errors.New("invalid month")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrEmptyDescription  = errors.New("empty description")
	ErrEmptyCategory     = errors.New("empty category")
	ErrEmptyClientName   = errors.New("empty client name")
	ErrInvalidEmail      = errors.New("invalid email address")
	ErrMissingClient     = errors.New("transfer requires a client")
	ErrInvalidDirection  = errors.New("invalid transfer direction")
	ErrDescriptionLength = errors.New("description too long (max 200 characters)")
)

// NewDate creates a Date from year, month, day
func NewDate(year, month, day int) Date {
	return Date{Time: time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)}
}

// ParseDate parses YYYY-MM-DD.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(time.DateOnly, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return Date{Time: t}, nil
}

// String formats the date as YYYY-MM-DD.
func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Format(time.DateOnly)
}

func (d Date) Validate() error {
	if d.IsZero() {
		return errors.New("date cannot be zero")
	}
	_, month, day := d.Date()
	if day < 1 || day > 31 {
		return ErrInvalidDay
	}
	if month < 1 || month > 12 {
		return ErrInvalidMonth
	}
	return nil
}

// Size returns the payload length in bytes.
func (a Attachment) Size() int {
	return len(a.Data)
}

func (e Expense) Validate() error {
	if err := e.Date.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(e.Description) == "" {
		return ErrEmptyDescription
	}
	if utf8.RuneCountInString(e.Description) > 200 {
		return ErrDescriptionLength
	}
	if err := e.Amount.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(e.Category) == "" {
		return ErrEmptyCategory
	}
	return nil
}

// HasReceipt reports whether any attachment is an image.
func (e Expense) HasReceipt() bool {
	for _, a := range e.Attachments {
		if strings.HasPrefix(a.MIMEType, "image/") {
			return true
		}
	}
	return false
}

func (c Client) Validate() error {
	name := strings.TrimSpace(c.Name)
	if name == "" {
		return ErrEmptyClientName
	}
	if utf8.RuneCountInString(name) > 100 {
		return errors.New("client name too long (max 100 characters)")
	}
	if c.Email != "" {
		if _, err := mail.ParseAddress(c.Email); err != nil {
			return ErrInvalidEmail
		}
	}
	return nil
}

func (d Direction) Valid() bool {
	return d == DirectionIn || d == DirectionOut
}

func (t Transfer) Validate() error {
	if err := t.Date.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(t.ClientID) == "" {
		return ErrMissingClient
	}
	if !t.Direction.Valid() {
		return ErrInvalidDirection
	}
	if err := t.Amount.Validate(); err != nil {
		return err
	}
	if utf8.RuneCountInString(t.Reference) > 200 {
		return errors.New("reference too long (max 200 characters)")
	}
	return nil
}

// Signed returns the transfer amount as seen from the cash box: outgoing
// transfers are negative.
func (t Transfer) Signed() Money {
	if t.Direction == DirectionOut {
		return Money{Cents: -t.Amount.Cents}
	}
	return t.Amount
}
