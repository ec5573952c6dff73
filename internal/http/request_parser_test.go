package http

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestParseMonthParams(t *testing.T) {
	now := time.Date(2025, time.March, 14, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name      string
		query     url.Values
		wantYear  int
		wantMonth int
	}{
		{"defaults", url.Values{}, 2025, 3},
		{"explicit", url.Values{"year": {"2024"}, "month": {"11"}}, 2024, 11},
		{"month out of range", url.Values{"month": {"13"}}, 2025, 3},
		{"month zero", url.Values{"month": {"0"}}, 2025, 3},
		{"garbage", url.Values{"year": {"abc"}, "month": {"x"}}, 2025, 3},
		{"whitespace", url.Values{"year": {" 2023 "}, "month": {" 7 "}}, 2023, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseMonthParams(tt.query, now)
			if got.Year != tt.wantYear || got.Month != tt.wantMonth {
				t.Errorf("ParseMonthParams = %+v, want %d-%d", got, tt.wantYear, tt.wantMonth)
			}
		})
	}
}

func TestParseFormOrFail(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("name=Acme"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if resp := ParseFormOrFail(req); resp != nil {
		t.Fatal("valid form rejected")
	}
	if req.FormValue("name") != "Acme" {
		t.Errorf("name = %q", req.FormValue("name"))
	}

	bad := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("%zz"))
	bad.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if ParseFormOrFail(bad) == nil {
		t.Error("malformed form accepted")
	}
}

func TestParseMultipartOrFail(t *testing.T) {
	t.Run("multipart", func(t *testing.T) {
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		_ = mw.WriteField("description", "Taxi")
		fw, _ := mw.CreateFormFile("attachments", "r.pdf")
		_, _ = fw.Write([]byte("%PDF-1.4"))
		_ = mw.Close()

		req := httptest.NewRequest(http.MethodPost, "/expenses", &body)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		if resp := ParseMultipartOrFail(httptest.NewRecorder(), req); resp != nil {
			t.Fatal("multipart rejected")
		}
		if req.FormValue("description") != "Taxi" {
			t.Errorf("description = %q", req.FormValue("description"))
		}
		if n := len(req.MultipartForm.File["attachments"]); n != 1 {
			t.Errorf("files = %d", n)
		}
	})

	t.Run("urlencoded fallback", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/expenses", strings.NewReader("description=Taxi"))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		if resp := ParseMultipartOrFail(httptest.NewRecorder(), req); resp != nil {
			t.Fatal("urlencoded rejected")
		}
		if req.FormValue("description") != "Taxi" {
			t.Errorf("description = %q", req.FormValue("description"))
		}
	})
}

func TestFormatEuros(t *testing.T) {
	tests := map[int64]string{
		0:       "€0,00",
		5:       "€0,05",
		1234:    "€12,34",
		-250:    "-€2,50",
		1000000: "€10000,00",
	}
	for cents, want := range tests {
		if got := formatEuros(cents); got != want {
			t.Errorf("formatEuros(%d) = %q, want %q", cents, got, want)
		}
	}
}

func TestSanitizeInput(t *testing.T) {
	if got := sanitizeInput("  Taxi\x00 ride\x07 "); got != "Taxi ride" {
		t.Errorf("sanitizeInput = %q", got)
	}
}
