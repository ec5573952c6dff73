// Package http serves the HTMX user interface, the capture widget endpoints
// and the live camera preview.
package http

import (
	"bytes"
	"context"
	"html/template"
	"net/http"
	"strings"
	"sync"
	"time"

	"pettycash/internal/capture"
	"pettycash/internal/core"
	"pettycash/internal/expenseform"
	applog "pettycash/internal/log"
	"pettycash/internal/middleware/ratelimit"
	"pettycash/internal/middleware/security"
	"pettycash/internal/middleware/trace"
	appweb "pettycash/web"
)

type (
	// ExpenseSubmitter accepts expenses into the local outbox.
	ExpenseSubmitter interface {
		Submit(ctx context.Context, e core.Expense) (int64, error)
	}

	// TransferDesk keeps the payee book and records fund transfers.
	TransferDesk interface {
		Clients(ctx context.Context) ([]core.Client, error)
		AddClient(ctx context.Context, c core.Client) (core.Client, error)
		RemoveClient(ctx context.Context, id string) error
		Record(ctx context.Context, t core.Transfer) (int64, error)
	}

	// Ledger serves the read side: backend data merged with local pending rows.
	Ledger interface {
		Dashboard(ctx context.Context) (core.Dashboard, error)
		Expenses(ctx context.Context, year, month int) ([]core.Expense, error)
		Transfers(ctx context.Context) ([]core.Transfer, error)
		InvalidateExpenses(year, month int)
		InvalidateTransfers()
		InvalidateAll()
		CacheEntries() int
	}

	// ReadinessCheck is one dependency probed by /readyz.
	ReadinessCheck struct {
		Name  string
		Check func(ctx context.Context) error
	}
)

// Deps are the collaborators the HTTP layer needs.
type Deps struct {
	Expenses  ExpenseSubmitter
	Transfers TransferDesk
	Ledger    Ledger
	Captures  *capture.Manager
	Drafts    *expenseform.Drafts
	Checks    []ReadinessCheck
	Logger    *applog.Logger

	// TrustedProxies lists CIDRs whose X-Forwarded-For header is believed.
	TrustedProxies []string

	// SecureCookies marks the capture widget cookie Secure; set behind TLS.
	SecureCookies bool
	Now           func() time.Time
}

type appMetrics struct {
	mu             sync.Mutex
	expensesQueued int64
	transfers      int64
	captures       int64
	cameraErrors   int64
	uptime         time.Time
}

func (m *appMetrics) inc(counter *int64) {
	m.mu.Lock()
	*counter++
	m.mu.Unlock()
}

type Server struct {
	http.Server
	templates *template.Template
	deps      Deps
	logger    *applog.Logger
	events    *applog.StructuredLogger
	now       func() time.Time

	rateLimiter      *ratelimit.Limiter
	securityDetector *security.Detector
	traceMiddleware  *trace.Middleware
	appMetrics       *appMetrics

	shutdownOnce sync.Once
}

var templateFuncs = template.FuncMap{
	"euros":    func(m core.Money) string { return formatEuros(m.Cents) },
	"date":     func(d core.Date) string { return d.String() },
	"pending":  func(s core.SyncStatus) bool { return s == core.StatusPending },
	"failed":   func(s core.SyncStatus) bool { return s == core.StatusFailed },
	"byteSize": formatBytes,
}

// NewServer configures routes, middleware and templates, returning a
// ready-to-run http.Server.
func NewServer(addr string, deps Deps) *Server {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = applog.New(applog.DefaultConfig())
	}
	if deps.Drafts == nil {
		deps.Drafts = expenseform.NewDrafts()
	}
	logger := deps.Logger.WithComponent(applog.ComponentHTTP)

	detector := security.NewDetector()
	for _, cidr := range deps.TrustedProxies {
		if err := detector.AddTrustedProxy(cidr); err != nil {
			logger.Warn("Ignoring trusted proxy", applog.FieldError, err)
		}
	}
	s := &Server{
		deps:             deps,
		logger:           logger,
		events:           applog.NewStructuredLogger(logger),
		now:              deps.Now,
		rateLimiter:      ratelimit.NewLimiter(limiterConfig()),
		securityDetector: detector,
		traceMiddleware:  trace.NewMiddleware(detector.ExtractClientIP),
		appMetrics:       &appMetrics{uptime: deps.Now()},
	}

	t, err := parseTemplates()
	if err != nil {
		logger.Error("Failed parsing templates",
			applog.FieldError, err,
			applog.FieldErrorType, applog.ErrorTypeConfiguration)
	} else {
		s.templates = t
	}

	mux := http.NewServeMux()
	s.routes(mux)

	var handler http.Handler = mux
	handler = applog.RequestIDMiddleware(func(r *http.Request) string {
		return trace.GetRequestID(r.Context())
	})(handler)
	handler = applog.Middleware(logger)(handler)
	handler = s.rateLimiter.Middleware(detector.ExtractClientIP, s.onRateLimit)(handler)
	handler = detector.Middleware(handler)
	handler = security.NewHeadersMiddleware(security.DefaultHeadersConfig()).Middleware(handler)
	handler = s.traceMiddleware.Middleware(handler)

	s.Server = http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// limiterConfig leaves probes and static assets out of the per-client budget.
func limiterConfig() ratelimit.Config {
	cfg := ratelimit.DefaultConfig()
	cfg.Exempt = func(r *http.Request) bool {
		switch r.URL.Path {
		case "/healthz", "/readyz", "/metrics":
			return true
		}
		return strings.HasPrefix(r.URL.Path, "/static/")
	}
	return cfg
}

func parseTemplates() (*template.Template, error) {
	files, err := appweb.Templates()
	if err != nil {
		return nil, err
	}
	return template.New("pettycash").Funcs(templateFuncs).ParseFS(files, "*.html")
}

func (s *Server) routes(mux *http.ServeMux) {
	if sub, err := appweb.Static(); err == nil {
		static := http.StripPrefix("/static/", http.FileServer(http.FS(sub)))
		mux.Handle("GET /static/", security.StaticAssetMiddleware(3600)(static))
	} else {
		s.logger.Warn("Failed to mount embedded static FS", applog.FieldError, err)
	}

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.HandleFunc("GET /metrics", s.handleMetrics)

	mux.HandleFunc("GET /{$}", s.handleDashboard)
	mux.HandleFunc("GET /ui/dashboard", s.handleDashboardPartial)

	mux.HandleFunc("GET /expenses/new", s.handleNewExpense)
	mux.HandleFunc("GET /expenses", s.handleListExpenses)
	mux.HandleFunc("POST /expenses", s.handleCreateExpense)

	mux.HandleFunc("POST /capture/start", s.handleCaptureStart)
	mux.HandleFunc("POST /capture/shot", s.handleCaptureShot)
	mux.HandleFunc("POST /capture/retake", s.handleCaptureRetake)
	mux.HandleFunc("POST /capture/cancel", s.handleCaptureCancel)
	mux.HandleFunc("POST /capture/finish", s.handleCaptureFinish)
	mux.HandleFunc("GET /capture/state", s.handleCaptureState)
	mux.HandleFunc("GET /capture/preview/{ref}", s.handleCapturePreview)
	mux.HandleFunc("GET /capture/live", s.handleCaptureLive)

	mux.HandleFunc("GET /transfers", s.handleTransfers)
	mux.HandleFunc("POST /transfers", s.handleCreateTransfer)
	mux.HandleFunc("POST /clients", s.handleCreateClient)
	mux.HandleFunc("POST /clients/delete", s.handleDeleteClient)
}

func (s *Server) onRateLimit(w http.ResponseWriter, r *http.Request) {
	NewHTMXResponse().
		Status(http.StatusTooManyRequests).
		TriggerErrorNotification("Too many requests. Wait a minute and try again.").
		BodyHTML(`<div class="error">Too many requests</div>`).
		Write(w)
}

// render executes a template into a buffer first so a failing template never
// leaves a half-written page.
func (s *Server) render(w http.ResponseWriter, r *http.Request, status int, name string, data any) {
	if s.templates == nil {
		s.logger.ErrorContext(r.Context(), "Templates not loaded",
			applog.FieldPath, r.URL.Path,
			applog.FieldErrorType, applog.ErrorTypeConfiguration)
		http.Error(w, "templates not loaded", http.StatusInternalServerError)
		return
	}
	var buf bytes.Buffer
	if err := s.templates.ExecuteTemplate(&buf, name, data); err != nil {
		s.logger.ErrorContext(r.Context(), "Template execution failed",
			applog.FieldError, err,
			applog.FieldOperation, applog.OpRender,
			"template", name)
		http.Error(w, "rendering failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

// renderPartial is render for HTMX responses that also carry triggers.
func (s *Server) renderPartial(w http.ResponseWriter, r *http.Request, b *HTMXResponseBuilder, name string, data any) {
	if s.templates == nil {
		s.render(w, r, 0, name, data)
		return
	}
	var buf bytes.Buffer
	if err := s.templates.ExecuteTemplate(&buf, name, data); err != nil {
		s.logger.ErrorContext(r.Context(), "Partial template execution failed",
			applog.FieldError, err,
			applog.FieldOperation, applog.OpRender,
			"template", name)
		InternalServerError("Rendering failed").Write(w)
		return
	}
	b.BodyHTML(buf.String()).Write(w)
}

// Shutdown stops background routines and the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		s.rateLimiter.Stop()
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}
