package http

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pettycash/internal/expenseform"
)

// maxUploadBytes bounds a multipart expense body: every attachment at the
// size limit plus room for the text fields.
const maxUploadBytes = expenseform.MaxAttachments*expenseform.MaxAttachmentSize + 1<<20

// MonthParams holds parsed year/month values from request parameters.
type MonthParams struct {
	Year  int
	Month int
}

// ParseMonthParams extracts year and month from query parameters, using now
// as the default. Out-of-range months fall back to the current month.
func ParseMonthParams(query url.Values, now time.Time) MonthParams {
	params := MonthParams{
		Year:  now.Year(),
		Month: int(now.Month()),
	}

	if v := strings.TrimSpace(query.Get("year")); v != "" {
		if y, err := strconv.Atoi(v); err == nil && y > 0 {
			params.Year = y
		}
	}
	if v := strings.TrimSpace(query.Get("month")); v != "" {
		if m, err := strconv.Atoi(v); err == nil && m >= 1 && m <= 12 {
			params.Month = m
		}
	}

	return params
}

// ParseFormOrFail parses the request form and returns an error response on failure.
// Returns nil on success.
func ParseFormOrFail(r *http.Request) *HTMXResponseBuilder {
	if err := r.ParseForm(); err != nil {
		return BadRequestError("Invalid request format")
	}
	return nil
}

// ParseMultipartOrFail parses a multipart body, falling back to a plain
// form when the request is url-encoded.
func ParseMultipartOrFail(w http.ResponseWriter, r *http.Request) *HTMXResponseBuilder {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	err := r.ParseMultipartForm(expenseform.MaxAttachmentSize)
	if errors.Is(err, http.ErrNotMultipart) {
		return ParseFormOrFail(r)
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return ErrorResponse(http.StatusRequestEntityTooLarge, "Request too large")
		}
		return BadRequestError("Invalid request format")
	}
	return nil
}
