package expenseform

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime"
	"mime/multipart"
	"net/url"
	"strings"
	"testing"
	"time"

	"pettycash/internal/capture"
	"pettycash/internal/core"
)

var jpegMagic = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.White)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png encode: %v", err)
	}
	return buf.Bytes()
}

func TestFromValues(t *testing.T) {
	now := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)

	t.Run("defaults date to today", func(t *testing.T) {
		f, err := FromValues(url.Values{
			"description": {"  Coffee beans\x00 "},
			"amount":      {"12,50"},
			"category":    {"Kitchen"},
		}, now)
		if err != nil {
			t.Fatalf("FromValues: %v", err)
		}
		if f.Date.String() != "2025-03-14" {
			t.Errorf("date = %s", f.Date)
		}
		if f.Description != "Coffee beans" {
			t.Errorf("description = %q", f.Description)
		}
		if f.Amount.Cents != 1250 {
			t.Errorf("amount = %d", f.Amount.Cents)
		}
		if err := f.Validate(); err != nil {
			t.Errorf("Validate: %v", err)
		}
	})

	t.Run("explicit date", func(t *testing.T) {
		f, err := FromValues(url.Values{"date": {"2025-01-02"}, "amount": {"1"}}, now)
		if err != nil {
			t.Fatalf("FromValues: %v", err)
		}
		if f.Date.String() != "2025-01-02" {
			t.Errorf("date = %s", f.Date)
		}
	})

	t.Run("bad amount", func(t *testing.T) {
		_, err := FromValues(url.Values{"amount": {"abc"}}, now)
		if !errors.Is(err, core.ErrInvalidAmount) {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("bad date", func(t *testing.T) {
		if _, err := FromValues(url.Values{"date": {"14/03/2025"}, "amount": {"1"}}, now); err == nil {
			t.Error("expected error")
		}
	})
}

func TestAttach(t *testing.T) {
	cases := []struct {
		name string
		a    core.Attachment
		want error
	}{
		{"jpeg sniffed", core.Attachment{Name: "r.jpg", Data: jpegMagic}, nil},
		{"png declared", core.Attachment{Name: "r.png", MIMEType: "image/png", Data: pngBytes(t)}, nil},
		{"pdf with params", core.Attachment{Name: "i.pdf", MIMEType: "application/pdf; charset=binary", Data: []byte("%PDF-1.7")}, nil},
		{"empty", core.Attachment{Name: "e.jpg", MIMEType: "image/jpeg"}, ErrEmptyAttachment},
		{"text", core.Attachment{Name: "notes.txt", Data: []byte("hello")}, ErrAttachmentType},
		{"too large", core.Attachment{Name: "big.jpg", MIMEType: "image/jpeg", Data: make([]byte, MaxAttachmentSize+1)}, ErrAttachmentTooLarge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var f Form
			if err := f.Attach(tc.a); !errors.Is(err, tc.want) {
				t.Fatalf("Attach() = %v, want %v", err, tc.want)
			}
			if tc.want == nil && len(f.Attachments) != 1 {
				t.Errorf("attachments = %d", len(f.Attachments))
			}
		})
	}
}

func TestAttachLimit(t *testing.T) {
	var f Form
	for i := 0; i < MaxAttachments; i++ {
		if err := f.Attach(core.Attachment{Name: "r.jpg", Data: jpegMagic}); err != nil {
			t.Fatalf("Attach %d: %v", i, err)
		}
	}
	if err := f.Attach(core.Attachment{Name: "r.jpg", Data: jpegMagic}); !errors.Is(err, ErrTooManyAttachments) {
		t.Errorf("Attach over limit = %v", err)
	}
}

func TestReceipt(t *testing.T) {
	img := &capture.CapturedImage{Name: "receipt-1700000000000.jpg", MIMEType: capture.MIMEType, Data: jpegMagic}
	a := Receipt(img)
	if a.Name != img.Name || a.MIMEType != "image/jpeg" || a.Size() != len(jpegMagic) {
		t.Errorf("Receipt = %+v", a)
	}
	var f Form
	if err := f.Attach(a); err != nil {
		t.Errorf("Attach receipt: %v", err)
	}
}

func TestWriteMultipart(t *testing.T) {
	e := core.Expense{
		Date:        core.NewDate(2025, 3, 14),
		Description: "Taxi",
		Amount:      core.Money{Cents: 1850},
		Category:    "Travel",
		Attachments: []core.Attachment{
			{Name: "receipt-1.jpg", MIMEType: "image/jpeg", Data: jpegMagic},
			{Name: `odd"name.pdf`, MIMEType: "application/pdf", Data: []byte("%PDF-1.7")},
		},
	}

	var buf bytes.Buffer
	contentType, err := WriteMultipart(&buf, e)
	if err != nil {
		t.Fatalf("WriteMultipart: %v", err)
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "multipart/form-data" {
		t.Fatalf("content type = %q (%v)", contentType, err)
	}

	r := multipart.NewReader(&buf, params["boundary"])
	fields := map[string]string{}
	var files []string
	for {
		p, err := r.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("NextPart: %v", err)
		}
		data, _ := io.ReadAll(p)
		if p.FileName() != "" {
			files = append(files, p.FileName()+"|"+p.Header.Get("Content-Type"))
			continue
		}
		fields[p.FormName()] = string(data)
	}

	want := map[string]string{"date": "2025-03-14", "description": "Taxi", "amount": "18.50", "category": "Travel"}
	for k, v := range want {
		if fields[k] != v {
			t.Errorf("field %s = %q, want %q", k, fields[k], v)
		}
	}
	if _, ok := fields["client_id"]; ok {
		t.Error("empty client_id should be omitted")
	}
	if len(files) != 2 || files[0] != "receipt-1.jpg|image/jpeg" || !strings.HasPrefix(files[1], `odd"name.pdf|`) {
		t.Errorf("files = %v", files)
	}
}

func TestDrafts(t *testing.T) {
	d := NewDrafts()
	if _, ok := d.Peek("w1"); ok {
		t.Fatal("unexpected draft")
	}
	d.Put("w1", core.Attachment{Name: "a.jpg"})
	d.Put("w1", core.Attachment{Name: "b.jpg"})
	if a, ok := d.Peek("w1"); !ok || a.Name != "b.jpg" {
		t.Errorf("Peek = %+v %v", a, ok)
	}
	if _, ok := d.Peek("w1"); !ok {
		t.Error("Peek should keep the draft")
	}
	d.Put("w2", core.Attachment{Name: "c.jpg"})
	d.Drop("w2")
	if _, ok := d.Peek("w2"); ok {
		t.Error("Drop should remove the draft")
	}
}
