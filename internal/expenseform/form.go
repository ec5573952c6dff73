// Package expenseform collects the fields and attachments of an expense
// submission and encodes them as the multipart body the backend accepts.
// The captured receipt photo arrives here as one attachment among several.
package expenseform

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"pettycash/internal/capture"
	"pettycash/internal/core"
)

const (
	MaxAttachments    = 5
	MaxAttachmentSize = 10 << 20
)

var allowedTypes = map[string]bool{
	"image/jpeg":      true,
	"image/png":       true,
	"application/pdf": true,
}

var (
	ErrTooManyAttachments = fmt.Errorf("too many attachments (max %d)", MaxAttachments)
	ErrAttachmentTooLarge = fmt.Errorf("attachment too large (max %d MiB)", MaxAttachmentSize>>20)
	ErrAttachmentType     = errors.New("unsupported attachment type (jpeg, png or pdf)")
	ErrEmptyAttachment    = errors.New("empty attachment")
	ErrReceiptExpired     = errors.New("the receipt photo expired, take it again before saving")
)

// Form is one expense being filled in.
type Form struct {
	Date        core.Date
	Description string
	Amount      core.Money
	Category    string
	ClientID    string
	Attachments []core.Attachment
}

// FromValues reads the text fields of a submitted form. Missing dates default
// to today. The amount is parsed but validation is left to Validate.
func FromValues(values url.Values, now time.Time) (*Form, error) {
	f := &Form{
		Description: sanitize(values.Get("description")),
		Category:    sanitize(values.Get("category")),
		ClientID:    sanitize(values.Get("client_id")),
		Date:        core.NewDate(now.Year(), int(now.Month()), now.Day()),
	}

	if v := strings.TrimSpace(values.Get("date")); v != "" {
		d, err := core.ParseDate(v)
		if err != nil {
			return nil, err
		}
		f.Date = d
	}

	amount, err := core.ParseMoney(values.Get("amount"))
	if err != nil {
		return nil, fmt.Errorf("amount: %w", err)
	}
	f.Amount = amount
	return f, nil
}

// Attach adds a file after checking its type and size.
func (f *Form) Attach(a core.Attachment) error {
	if len(f.Attachments) >= MaxAttachments {
		return ErrTooManyAttachments
	}
	if len(a.Data) == 0 {
		return ErrEmptyAttachment
	}
	if len(a.Data) > MaxAttachmentSize {
		return ErrAttachmentTooLarge
	}
	if a.MIMEType == "" {
		a.MIMEType = http.DetectContentType(a.Data)
	}
	if !allowedTypes[baseType(a.MIMEType)] {
		return ErrAttachmentType
	}
	f.Attachments = append(f.Attachments, a)
	return nil
}

// AttachUpload reads an uploaded multipart file. The declared content type
// is ignored in favour of sniffing the payload.
func (f *Form) AttachUpload(fh *multipart.FileHeader) error {
	if fh.Size > MaxAttachmentSize {
		return ErrAttachmentTooLarge
	}
	file, err := fh.Open()
	if err != nil {
		return fmt.Errorf("open upload %s: %w", fh.Filename, err)
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, MaxAttachmentSize+1))
	if err != nil {
		return fmt.Errorf("read upload %s: %w", fh.Filename, err)
	}
	return f.Attach(core.Attachment{
		Name:     sanitizeFileName(fh.Filename),
		MIMEType: http.DetectContentType(data),
		Data:     data,
	})
}

// Receipt converts a captured photo into an attachment.
func Receipt(img *capture.CapturedImage) core.Attachment {
	return core.Attachment{
		Name:     img.Name,
		MIMEType: img.MIMEType,
		Data:     img.Data,
	}
}

func (f *Form) Validate() error {
	return f.Expense().Validate()
}

// Expense returns the domain expense described by the form.
func (f *Form) Expense() core.Expense {
	return core.Expense{
		Date:        f.Date,
		Description: f.Description,
		Amount:      f.Amount,
		Category:    f.Category,
		ClientID:    f.ClientID,
		Attachments: f.Attachments,
	}
}

// WriteMultipart encodes e as multipart/form-data and returns the content type.
func WriteMultipart(w io.Writer, e core.Expense) (string, error) {
	mw := multipart.NewWriter(w)

	fields := []struct{ name, value string }{
		{"date", e.Date.String()},
		{"description", e.Description},
		{"amount", e.Amount.Decimal()},
		{"category", e.Category},
		{"client_id", e.ClientID},
	}
	for _, field := range fields {
		if field.value == "" {
			continue
		}
		if err := mw.WriteField(field.name, field.value); err != nil {
			return "", fmt.Errorf("write field %s: %w", field.name, err)
		}
	}

	for i, a := range e.Attachments {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="attachments"; filename="%s"`, escapeQuotes(a.Name)))
		h.Set("Content-Type", a.MIMEType)
		part, err := mw.CreatePart(h)
		if err != nil {
			return "", fmt.Errorf("create part %d: %w", i, err)
		}
		if _, err := part.Write(a.Data); err != nil {
			return "", fmt.Errorf("write attachment %s: %w", a.Name, err)
		}
	}

	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart writer: %w", err)
	}
	return mw.FormDataContentType(), nil
}

func baseType(mimeType string) string {
	t, _, _ := strings.Cut(mimeType, ";")
	return strings.TrimSpace(strings.ToLower(t))
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 32 && r != '\t' && r != '\n' && r != '\r' {
			return -1
		}
		return r
	}, strings.TrimSpace(s))
}

func sanitizeFileName(name string) string {
	name = sanitize(name)
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	if name == "" {
		return "attachment"
	}
	return name
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
