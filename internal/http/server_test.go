package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/goleak"

	"pettycash/internal/capture"
	"pettycash/internal/core"
	"pettycash/internal/expenseform"
	applog "pettycash/internal/log"
	"pettycash/internal/services"
)

type fakeExpenses struct {
	mu  sync.Mutex
	got []core.Expense
	err error
}

func (f *fakeExpenses) Submit(_ context.Context, e core.Expense) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.got = append(f.got, e)
	return int64(len(f.got)), nil
}

func (f *fakeExpenses) submitted() []core.Expense {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.Expense(nil), f.got...)
}

type fakeDesk struct {
	mu        sync.Mutex
	clients   []core.Client
	transfers []core.Transfer
	removed   []string
	addErr    error
}

func (f *fakeDesk) Clients(context.Context) ([]core.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.Client(nil), f.clients...), nil
}

func (f *fakeDesk) AddClient(_ context.Context, c core.Client) (core.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return core.Client{}, f.addErr
	}
	c.ID = fmt.Sprintf("c%d", len(f.clients)+1)
	f.clients = append(f.clients, c)
	return c, nil
}

func (f *fakeDesk) RemoveClient(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeDesk) Record(_ context.Context, t core.Transfer) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.clients {
		if c.ID == t.ClientID {
			f.transfers = append(f.transfers, t)
			return int64(len(f.transfers)), nil
		}
	}
	return 0, fmt.Errorf("%w: %s", services.ErrUnknownClient, t.ClientID)
}

type fakeLedger struct {
	mu          sync.Mutex
	dashboard   core.Dashboard
	expenses    []core.Expense
	transfers   []core.Transfer
	err         error
	lastMonth   [2]int
	invalidated []string
}

func (f *fakeLedger) Dashboard(context.Context) (core.Dashboard, error) {
	return f.dashboard, f.err
}

func (f *fakeLedger) Expenses(_ context.Context, year, month int) ([]core.Expense, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastMonth = [2]int{year, month}
	return f.expenses, f.err
}

func (f *fakeLedger) Transfers(context.Context) ([]core.Transfer, error) {
	return f.transfers, f.err
}

func (f *fakeLedger) InvalidateExpenses(year, month int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, fmt.Sprintf("expenses:%d-%02d", year, month))
}

func (f *fakeLedger) InvalidateTransfers() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, "transfers")
}

func (f *fakeLedger) InvalidateAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, "all")
}

func (f *fakeLedger) CacheEntries() int { return 3 }

type testEnv struct {
	srv      *Server
	captures *capture.Manager
	drafts   *expenseform.Drafts
	devices  *capture.VirtualDevices
	expenses *fakeExpenses
	desk     *fakeDesk
	ledger   *fakeLedger
}

var testNow = time.Date(2025, time.March, 14, 9, 30, 0, 0, time.UTC)

func newTestEnv(t *testing.T, devices *capture.VirtualDevices) *testEnv {
	t.Helper()
	if devices == nil {
		devices = &capture.VirtualDevices{Width: 64, Height: 48}
	}
	env := &testEnv{
		drafts:   expenseform.NewDrafts(),
		devices:  devices,
		expenses: &fakeExpenses{},
		desk:     &fakeDesk{clients: []core.Client{{ID: "c1", Name: "Acme"}}},
		ledger: &fakeLedger{dashboard: core.Dashboard{
			Balance:    core.Money{Cents: 1234},
			MonthSpent: core.Money{Cents: 500},
			Year:       2025,
			Month:      3,
		}},
	}
	previews := capture.NewPreviewStore()
	env.captures = capture.NewManager(func(widgetID string) *capture.Workflow {
		return capture.NewWorkflow(capture.NewSession(devices),
			capture.WithPreviews(previews),
			capture.OnCapture(func(img *capture.CapturedImage) {
				env.drafts.Put(widgetID, expenseform.Receipt(img))
			}),
			capture.OnDiscard(func() { env.drafts.Drop(widgetID) }))
	}, 0)

	env.srv = NewServer(":0", Deps{
		Expenses:  env.expenses,
		Transfers: env.desk,
		Ledger:    env.ledger,
		Captures:  env.captures,
		Drafts:    env.drafts,
		Logger:    applog.New(applog.Config{Output: io.Discard}),
		Now:       func() time.Time { return testNow },
	})
	t.Cleanup(func() {
		env.captures.Close()
		_ = env.srv.Shutdown(context.Background())
	})
	return env
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.srv.Handler.ServeHTTP(rec, req)
	return rec
}

func withWidget(req *http.Request, id string) *http.Request {
	req.AddCookie(&http.Cookie{Name: widgetCookie, Value: id})
	return req
}

func postForm(path string, values url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func triggers(t *testing.T, rec *httptest.ResponseRecorder) map[string]json.RawMessage {
	t.Helper()
	raw := rec.Header().Get("HX-Trigger")
	if raw == "" {
		return nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("HX-Trigger %q: %v", raw, err)
	}
	return m
}

func notificationType(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var n struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	raw, ok := triggers(t, rec)["show-notification"]
	if !ok {
		return ""
	}
	if err := json.Unmarshal(raw, &n); err != nil {
		t.Fatalf("notification: %v", err)
	}
	return n.Type
}

func captureState(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var s struct {
		State string `json:"state"`
	}
	raw, ok := triggers(t, rec)["capture:state"]
	if !ok {
		return ""
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		t.Fatalf("capture:state: %v", err)
	}
	return s.State
}

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t, nil)

	if rec := env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil)); rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}

	rec := env.do(httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("readyz status = %d body=%s", rec.Code, rec.Body)
	}

	env.srv.deps.Checks = []ReadinessCheck{
		{Name: "sqlite", Check: func(context.Context) error { return nil }},
		{Name: "backend", Check: func(context.Context) error { return errors.New("connection refused") }},
	}
	rec = env.do(httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz status = %d", rec.Code)
	}
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "not_ready" || body.Checks["sqlite"] != "ok" || !strings.HasPrefix(body.Checks["backend"], "failed") {
		t.Errorf("readyz body = %+v", body)
	}
}

func TestDashboard(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}
	body := rec.Body.String()
	for _, want := range []string{"€12,34", "Take receipt photo", "Acme", `value="2025-03-14"`} {
		if !strings.Contains(body, want) {
			t.Errorf("page missing %q", want)
		}
	}
	if c := rec.Result().Cookies(); len(c) != 1 || c[0].Name != widgetCookie || !c[0].HttpOnly {
		t.Errorf("widget cookie = %+v", c)
	}

	env.ledger.err = errors.New("backend down")
	rec = env.do(httptest.NewRequest(http.MethodGet, "/ui/dashboard", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("degraded status = %d", rec.Code)
	}
	if got := notificationType(t, rec); got != string(NotificationWarning) {
		t.Errorf("notification = %q", got)
	}
	if !strings.Contains(rec.Body.String(), "local data only") {
		t.Error("degraded dashboard missing warning")
	}
}

func TestUnknownRouteAndMethod(t *testing.T) {
	env := newTestEnv(t, nil)

	if rec := env.do(httptest.NewRequest(http.MethodGet, "/nope", nil)); rec.Code != http.StatusNotFound {
		t.Errorf("unknown route status = %d", rec.Code)
	}
	if rec := env.do(httptest.NewRequest(http.MethodGet, "/capture/start", nil)); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /capture/start status = %d", rec.Code)
	}
}

func TestCaptureFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	widget := uuid.NewString()

	rec := env.do(withWidget(httptest.NewRequest(http.MethodPost, "/capture/start", nil), widget))
	if rec.Code != http.StatusOK {
		t.Fatalf("start status = %d body=%s", rec.Code, rec.Body)
	}
	if got := captureState(t, rec); got != "streaming" {
		t.Errorf("state after start = %q", got)
	}
	if !strings.Contains(rec.Body.String(), `id="capture-live"`) {
		t.Error("streaming widget missing viewfinder")
	}

	rec = env.do(withWidget(httptest.NewRequest(http.MethodPost, "/capture/shot", nil), widget))
	if rec.Code != http.StatusOK {
		t.Fatalf("shot status = %d body=%s", rec.Code, rec.Body)
	}
	if got := captureState(t, rec); got != "captured" {
		t.Errorf("state after shot = %q", got)
	}
	receipt, ok := env.drafts.Peek(widget)
	if !ok || receipt.MIMEType != capture.MIMEType {
		t.Fatalf("draft receipt = %+v, %v", receipt, ok)
	}

	wf, _ := env.captures.Lookup(widget)
	ref := wf.Status().PreviewRef
	rec = env.do(withWidget(httptest.NewRequest(http.MethodGet, "/capture/preview/"+ref, nil), widget))
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "image/jpeg" {
		t.Fatalf("preview status = %d type=%q", rec.Code, rec.Header().Get("Content-Type"))
	}
	if !bytes.Equal(rec.Body.Bytes(), receipt.Data) {
		t.Error("preview bytes differ from the handed-off receipt")
	}
	rec = env.do(withWidget(httptest.NewRequest(http.MethodGet, "/capture/preview/"+ref, nil), uuid.NewString()))
	if rec.Code != http.StatusNotFound {
		t.Errorf("foreign widget preview status = %d", rec.Code)
	}

	rec = env.do(withWidget(httptest.NewRequest(http.MethodPost, "/capture/finish", nil), widget))
	if got := captureState(t, rec); got != "emitted" {
		t.Errorf("state after finish = %q", got)
	}
	if wf.Previews().Len() != 0 {
		t.Error("preview not revoked after finish")
	}

	rec = env.do(withWidget(postForm("/expenses", url.Values{
		"date":        {"2025-03-10"},
		"description": {"Taxi to client"},
		"amount":      {"23,50"},
		"category":    {"Travel"},
	}), widget))
	if rec.Code != http.StatusOK {
		t.Fatalf("create status = %d body=%s", rec.Code, rec.Body)
	}
	got := env.expenses.submitted()
	if len(got) != 1 {
		t.Fatalf("submitted %d expenses", len(got))
	}
	if got[0].Amount.Cents != 2350 || len(got[0].Attachments) != 1 || !got[0].HasReceipt() {
		t.Errorf("expense = %+v", got[0])
	}
	if _, ok := env.drafts.Peek(widget); ok {
		t.Error("receipt still drafted after submit")
	}
	if env.captures.Len() != 0 {
		t.Errorf("widgets = %d after submit", env.captures.Len())
	}
	if _, ok := triggers(t, rec)["expense:queued"]; !ok {
		t.Error("missing expense:queued trigger")
	}
	if len(env.ledger.invalidated) != 1 || env.ledger.invalidated[0] != "expenses:2025-03" {
		t.Errorf("invalidated = %v", env.ledger.invalidated)
	}
}

func TestCaptureRetakeDropsDraft(t *testing.T) {
	env := newTestEnv(t, nil)
	widget := uuid.NewString()

	env.do(withWidget(httptest.NewRequest(http.MethodPost, "/capture/start", nil), widget))
	env.do(withWidget(httptest.NewRequest(http.MethodPost, "/capture/shot", nil), widget))
	wf, _ := env.captures.Lookup(widget)
	oldRef := wf.Status().PreviewRef

	rec := env.do(withWidget(httptest.NewRequest(http.MethodPost, "/capture/retake", nil), widget))
	if got := captureState(t, rec); got != "streaming" {
		t.Fatalf("state after retake = %q", got)
	}
	if _, ok := env.drafts.Peek(widget); ok {
		t.Error("retake kept the old receipt")
	}
	if _, ok := wf.Previews().Lookup(oldRef); ok {
		t.Error("old preview still resolvable")
	}

	rec = env.do(withWidget(httptest.NewRequest(http.MethodPost, "/capture/cancel", nil), widget))
	if got := captureState(t, rec); got != "idle" {
		t.Errorf("state after cancel = %q", got)
	}
	if env.devices.Opened() != 2 {
		t.Errorf("camera opened %d times", env.devices.Opened())
	}
}

func TestCaptureRetakeAfterFinishKeepsDraft(t *testing.T) {
	env := newTestEnv(t, nil)
	widget := uuid.NewString()

	for _, step := range []string{"/capture/start", "/capture/shot", "/capture/finish"} {
		if rec := env.do(withWidget(httptest.NewRequest(http.MethodPost, step, nil), widget)); rec.Code != http.StatusOK {
			t.Fatalf("%s status = %d body=%s", step, rec.Code, rec.Body)
		}
	}

	rec := env.do(withWidget(httptest.NewRequest(http.MethodPost, "/capture/retake", nil), widget))
	if rec.Code != http.StatusConflict {
		t.Errorf("retake after finish status = %d, want 409", rec.Code)
	}
	wf, _ := env.captures.Lookup(widget)
	if got := wf.State(); got != capture.StateEmitted {
		t.Errorf("state = %v, want emitted", got)
	}
	if _, ok := env.drafts.Peek(widget); !ok {
		t.Fatal("rejected retake dropped the attached receipt")
	}

	rec = env.do(withWidget(postForm("/expenses", url.Values{
		"date":        {"2025-03-10"},
		"description": {"Parking"},
		"amount":      {"4"},
		"category":    {"Travel"},
	}), widget))
	if rec.Code != http.StatusOK {
		t.Fatalf("create status = %d body=%s", rec.Code, rec.Body)
	}
	if got := env.expenses.submitted(); len(got) != 1 || !got[0].HasReceipt() {
		t.Errorf("submitted = %+v, want one expense with the receipt", got)
	}
}

func TestCreateExpense_ExpiredReceipt(t *testing.T) {
	env := newTestEnv(t, nil)
	widget := uuid.NewString()

	env.do(withWidget(httptest.NewRequest(http.MethodPost, "/capture/start", nil), widget))
	rec := env.do(withWidget(httptest.NewRequest(http.MethodPost, "/capture/shot", nil), widget))
	if !strings.Contains(rec.Body.String(), `name="receipt_expected"`) {
		t.Fatalf("captured widget does not announce its receipt: %s", rec.Body)
	}

	// The widget was reaped while the user was still typing.
	env.captures.Remove(widget)
	env.drafts.Drop(widget)

	rec = env.do(withWidget(postForm("/expenses", url.Values{
		"date":             {"2025-03-10"},
		"description":      {"Taxi"},
		"amount":           {"18,50"},
		"category":         {"Travel"},
		"receipt_expected": {"1"},
	}), widget))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "receipt photo expired") {
		t.Errorf("body = %s", rec.Body)
	}
	if got := env.expenses.submitted(); len(got) != 0 {
		t.Errorf("expense queued without its receipt: %+v", got)
	}
}

func TestCaptureErrors(t *testing.T) {
	t.Run("permission denied shows remediation", func(t *testing.T) {
		env := newTestEnv(t, &capture.VirtualDevices{Fail: &capture.PlatformError{Name: capture.NameNotAllowed}})
		rec := env.do(withWidget(httptest.NewRequest(http.MethodPost, "/capture/start", nil), uuid.NewString()))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		if got := notificationType(t, rec); got != string(NotificationError) {
			t.Errorf("notification = %q", got)
		}
		if !strings.Contains(rec.Body.String(), "Camera access was denied") {
			t.Errorf("body missing remediation: %s", rec.Body)
		}
		if !strings.Contains(rec.Body.String(), `data-kind="permission_denied"`) {
			t.Error("body missing error kind")
		}
	})

	t.Run("shot without start", func(t *testing.T) {
		env := newTestEnv(t, nil)
		rec := env.do(withWidget(httptest.NewRequest(http.MethodPost, "/capture/shot", nil), uuid.NewString()))
		if rec.Code != http.StatusConflict {
			t.Errorf("status = %d", rec.Code)
		}
	})

	t.Run("start while streaming", func(t *testing.T) {
		env := newTestEnv(t, nil)
		widget := uuid.NewString()
		env.do(withWidget(httptest.NewRequest(http.MethodPost, "/capture/start", nil), widget))
		rec := env.do(withWidget(httptest.NewRequest(http.MethodPost, "/capture/start", nil), widget))
		if rec.Code != http.StatusConflict {
			t.Errorf("status = %d", rec.Code)
		}
	})

	t.Run("camera still warming up", func(t *testing.T) {
		env := newTestEnv(t, &capture.VirtualDevices{Width: 64, Height: 48, WarmUp: time.Hour})
		widget := uuid.NewString()
		env.do(withWidget(httptest.NewRequest(http.MethodPost, "/capture/start", nil), widget))
		rec := env.do(withWidget(httptest.NewRequest(http.MethodPost, "/capture/shot", nil), widget))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		if got := captureState(t, rec); got != "streaming" {
			t.Errorf("state = %q, want streaming kept", got)
		}
		if !strings.Contains(rec.Body.String(), "warming up") {
			t.Error("body missing not-ready remediation")
		}
	})

	t.Run("no camera configured", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.srv.deps.Captures = nil
		rec := env.do(httptest.NewRequest(http.MethodPost, "/capture/start", nil))
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d", rec.Code)
		}
	})
}

func TestCaptureState(t *testing.T) {
	env := newTestEnv(t, nil)
	widget := uuid.NewString()
	env.do(withWidget(httptest.NewRequest(http.MethodPost, "/capture/start", nil), widget))

	rec := env.do(withWidget(httptest.NewRequest(http.MethodGet, "/capture/state", nil), widget))
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["state"] != "streaming" {
		t.Errorf("state = %v", body["state"])
	}

	rec = env.do(httptest.NewRequest(http.MethodGet, "/capture/state", nil))
	body = nil
	_ = json.NewDecoder(rec.Body).Decode(&body)
	if body["state"] != "idle" {
		t.Errorf("state without widget = %v", body["state"])
	}
}

func TestCaptureLive(t *testing.T) {
	env := newTestEnv(t, nil)
	ts := httptest.NewServer(env.srv.Handler)
	defer ts.Close()

	widget := uuid.NewString()
	wf := env.captures.Get(widget)
	if err := wf.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	header := http.Header{}
	header.Add("Cookie", (&http.Cookie{Name: widgetCookie, Value: widget}).String())
	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/capture/live", header)
	if err != nil {
		t.Fatalf("dial: %v (resp %v)", err, resp)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	kind, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if kind != websocket.BinaryMessage || len(frame) < 2 || frame[0] != 0xFF || frame[1] != 0xD8 {
		t.Fatalf("frame is not a JPEG (type %d, %d bytes)", kind, len(frame))
	}

	if err := wf.Cancel(); err != nil {
		t.Fatal(err)
	}
	for {
		if _, _, err = conn.ReadMessage(); err != nil {
			break
		}
	}
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("close = %v, want normal closure", err)
	}
}

func TestCaptureLive_NoWidget(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/capture/live", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestCreateExpense_Validation(t *testing.T) {
	valid := url.Values{
		"description": {"Lunch"},
		"amount":      {"12.00"},
		"category":    {"Food"},
	}
	with := func(key, value string) url.Values {
		v := url.Values{}
		for k, vs := range valid {
			v[k] = vs
		}
		v.Set(key, value)
		return v
	}

	tests := []struct {
		name      string
		values    url.Values
		submitErr error
		want      int
	}{
		{"valid", valid, nil, http.StatusOK},
		{"bad amount", with("amount", "abc"), nil, http.StatusUnprocessableEntity},
		{"zero amount", with("amount", "0"), nil, http.StatusUnprocessableEntity},
		{"missing description", with("description", "  "), nil, http.StatusUnprocessableEntity},
		{"missing category", with("category", ""), nil, http.StatusUnprocessableEntity},
		{"bad date", with("date", "14/03/2025"), nil, http.StatusUnprocessableEntity},
		{"storage failure", valid, errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			env.expenses.err = tt.submitErr
			rec := env.do(postForm("/expenses", tt.values))
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d body=%s", rec.Code, tt.want, rec.Body)
			}
			if tt.want == http.StatusUnprocessableEntity && notificationType(t, rec) != string(NotificationError) {
				t.Error("validation failure without error notification")
			}
		})
	}
}

func TestCreateExpense_Uploads(t *testing.T) {
	env := newTestEnv(t, nil)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("description", "Printer paper")
	_ = mw.WriteField("amount", "8.99")
	_ = mw.WriteField("category", "Office")
	_ = mw.WriteField("client_id", "c1")
	fw, _ := mw.CreateFormFile("attachments", "invoice.pdf")
	_, _ = fw.Write([]byte("%PDF-1.4\n1 0 obj\n<<>>\nendobj\n"))
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/expenses", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := env.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}
	got := env.expenses.submitted()
	if len(got) != 1 || len(got[0].Attachments) != 1 {
		t.Fatalf("submitted = %+v", got)
	}
	if a := got[0].Attachments[0]; a.Name != "invoice.pdf" || a.MIMEType != "application/pdf" {
		t.Errorf("attachment = %s %s", a.Name, a.MIMEType)
	}
	if got[0].ClientID != "c1" || !got[0].Date.Equal(core.NewDate(2025, 3, 14).Time) {
		t.Errorf("expense = %+v", got[0])
	}

	var bad bytes.Buffer
	mw = multipart.NewWriter(&bad)
	_ = mw.WriteField("description", "Script")
	_ = mw.WriteField("amount", "1")
	_ = mw.WriteField("category", "Office")
	fw, _ = mw.CreateFormFile("attachments", "run.sh")
	_, _ = fw.Write([]byte("#!/bin/sh\necho hi\n"))
	_ = mw.Close()
	req = httptest.NewRequest(http.MethodPost, "/expenses", &bad)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if rec := env.do(req); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("unsupported upload status = %d", rec.Code)
	}
}

func TestListExpenses(t *testing.T) {
	env := newTestEnv(t, nil)
	env.ledger.expenses = []core.Expense{
		{Date: core.NewDate(2025, 2, 3), Description: "Stamps", Amount: core.Money{Cents: 120}, Category: "Office", Status: core.StatusPending},
		{Date: core.NewDate(2025, 2, 1), Description: "Coffee", Amount: core.Money{Cents: 250}, Category: "Food", Status: core.StatusSynced},
	}

	rec := env.do(httptest.NewRequest(http.MethodGet, "/expenses?year=2025&month=2", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if env.ledger.lastMonth != [2]int{2025, 2} {
		t.Errorf("ledger asked for %v", env.ledger.lastMonth)
	}
	body := rec.Body.String()
	if strings.Index(body, "Stamps") > strings.Index(body, "Coffee") {
		t.Error("pending expense not listed first")
	}
	if strings.Count(body, `class="badge"`) != 1 {
		t.Error("expected exactly one pending badge")
	}

	env.ledger.expenses = nil
	rec = env.do(httptest.NewRequest(http.MethodGet, "/expenses?month=13", nil))
	if env.ledger.lastMonth != [2]int{2025, 3} {
		t.Errorf("invalid month fell back to %v", env.ledger.lastMonth)
	}
	if !strings.Contains(rec.Body.String(), "No expenses for 2025-03") {
		t.Errorf("empty list body = %s", rec.Body)
	}
}

func TestTransfers(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/transfers", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Record transfer") {
		t.Fatalf("page status = %d", rec.Code)
	}

	tests := []struct {
		name   string
		values url.Values
		want   int
	}{
		{"valid", url.Values{"client_id": {"c1"}, "amount": {"50"}, "direction": {"out"}}, http.StatusOK},
		{"unknown client", url.Values{"client_id": {"c9"}, "amount": {"50"}, "direction": {"out"}}, http.StatusUnprocessableEntity},
		{"bad direction", url.Values{"client_id": {"c1"}, "amount": {"50"}, "direction": {"sideways"}}, http.StatusUnprocessableEntity},
		{"bad amount", url.Values{"client_id": {"c1"}, "amount": {"-5"}, "direction": {"in"}}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := env.do(postForm("/transfers", tt.values)); rec.Code != tt.want {
				t.Errorf("status = %d, want %d body=%s", rec.Code, tt.want, rec.Body)
			}
		})
	}
	if len(env.desk.transfers) != 1 {
		t.Errorf("recorded %d transfers", len(env.desk.transfers))
	}
	if len(env.ledger.invalidated) != 1 || env.ledger.invalidated[0] != "transfers" {
		t.Errorf("invalidated = %v", env.ledger.invalidated)
	}
}

func TestClients(t *testing.T) {
	env := newTestEnv(t, nil)

	if rec := env.do(postForm("/clients", url.Values{"name": {""}})); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("empty name status = %d", rec.Code)
	}
	if rec := env.do(postForm("/clients", url.Values{"name": {"Globex"}, "email": {"not-an-email"}})); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("bad email status = %d", rec.Code)
	}

	rec := env.do(postForm("/clients", url.Values{"name": {"Globex"}, "email": {"ap@globex.test"}}))
	if rec.Code != http.StatusOK {
		t.Fatalf("create status = %d body=%s", rec.Code, rec.Body)
	}
	if _, ok := triggers(t, rec)["clients:changed"]; !ok {
		t.Error("missing clients:changed trigger")
	}

	env.desk.addErr = errors.New("backend down")
	if rec := env.do(postForm("/clients", url.Values{"name": {"Initech"}})); rec.Code != http.StatusBadGateway {
		t.Errorf("backend failure status = %d", rec.Code)
	}

	if rec := env.do(postForm("/clients/delete", url.Values{})); rec.Code != http.StatusBadRequest {
		t.Errorf("missing id status = %d", rec.Code)
	}
	if rec := env.do(postForm("/clients/delete", url.Values{"id": {"c1"}})); rec.Code != http.StatusOK {
		t.Errorf("delete status = %d", rec.Code)
	}
	if len(env.desk.removed) != 1 || env.desk.removed[0] != "c1" {
		t.Errorf("removed = %v", env.desk.removed)
	}
	if got := strings.Join(env.ledger.invalidated, ","); got != "all,all" {
		t.Errorf("invalidated = %q", got)
	}
}

func TestMetrics(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(postForm("/expenses", url.Values{"description": {"Tea"}, "amount": {"2"}, "category": {"Food"}}))

	rec := env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{"expenses_queued_total 1", "cache_entries 3", "http_requests_total"} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestSecurityHeadersApplied(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if got := rec.Header().Get("Permissions-Policy"); !strings.Contains(got, "camera=(self)") {
		t.Errorf("Permissions-Policy = %q", got)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing request id")
	}
}

func TestStaticAssets(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/static/capture.js", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "WebSocket") {
		t.Error("unexpected script body")
	}
}

func TestShutdownStopsBackgroundWork(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	srv := NewServer(":0", Deps{Logger: applog.New(applog.Config{Output: io.Discard})})
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
}
