package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"pettycash/internal/core"
	applog "pettycash/internal/log"
)

// handleHealth reports liveness only.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": s.now().Format(time.RFC3339),
		"uptime":    s.now().Sub(s.appMetrics.uptime).String(),
	})
}

// handleReady runs every readiness check concurrently.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	results := make([]string, len(s.deps.Checks))
	g, gctx := errgroup.WithContext(ctx)
	for i, check := range s.deps.Checks {
		g.Go(func() error {
			if err := check.Check(gctx); err != nil {
				results[i] = "failed: " + err.Error()
				return nil
			}
			results[i] = "ok"
			return nil
		})
	}
	_ = g.Wait()

	status := "ready"
	httpStatus := http.StatusOK
	checks := map[string]string{"templates": "ok"}
	if s.templates == nil {
		checks["templates"] = "failed: templates not loaded"
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	}
	for i, check := range s.deps.Checks {
		checks[check.Name] = results[i]
		if results[i] != "ok" {
			status = "not_ready"
			httpStatus = http.StatusServiceUnavailable
		}
	}

	if httpStatus != http.StatusOK {
		s.logger.WarnContext(r.Context(), "Readiness check failed", "checks", checks)
	}
	writeJSON(w, httpStatus, map[string]any{
		"status":    status,
		"timestamp": s.now().Format(time.RFC3339),
		"checks":    checks,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	securityMetrics := s.securityDetector.GetMetrics()
	rateLimitMetrics := s.rateLimiter.GetMetrics()
	traceMetrics := s.traceMiddleware.GetMetrics()

	s.appMetrics.mu.Lock()
	queued := s.appMetrics.expensesQueued
	transfers := s.appMetrics.transfers
	captures := s.appMetrics.captures
	cameraErrors := s.appMetrics.cameraErrors
	s.appMetrics.mu.Unlock()

	widgets := 0
	if s.deps.Captures != nil {
		widgets = s.deps.Captures.Len()
	}
	cacheEntries := 0
	if s.deps.Ledger != nil {
		cacheEntries = s.deps.Ledger.CacheEntries()
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)

	metric := func(name, kind, help string, value int64) {
		fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE %s %s\n", name, kind)
		fmt.Fprintf(w, "%s %d\n\n", name, value)
	}
	metric("http_requests_total", "counter", "Total number of HTTP requests", traceMetrics.TotalRequests)
	metric("http_request_duration_avg_microseconds", "gauge", "Average response time", traceMetrics.AverageResponseTime)
	metric("expenses_queued_total", "counter", "Expenses accepted into the outbox", queued)
	metric("transfers_queued_total", "counter", "Transfers accepted into the outbox", transfers)
	metric("receipts_captured_total", "counter", "Receipt photos captured", captures)
	metric("camera_errors_total", "counter", "Camera start or capture failures", cameraErrors)
	metric("capture_widgets", "gauge", "Live capture widgets", int64(widgets))
	metric("cache_entries", "gauge", "Cached backend reads", int64(cacheEntries))
	metric("rate_limit_hits_total", "counter", "Total rate limit hits", rateLimitMetrics.TotalHits)
	metric("rate_limit_clients", "gauge", "Clients tracked by the rate limiter", rateLimitMetrics.ClientCount)
	metric("security_suspicious_requests_total", "counter", "Suspicious requests detected", securityMetrics.SuspiciousRequests)
	metric("security_invalid_ip_total", "counter", "Malformed client addresses seen", securityMetrics.InvalidIPAttempts)
	metric("uptime_seconds", "gauge", "Application uptime", int64(s.now().Sub(s.appMetrics.uptime).Seconds()))
}

type dashboardPage struct {
	Dashboard core.Dashboard
	Warning   string
	Form      expenseFormView
}

// handleDashboard renders the full page: dashboard, new expense form and
// capture widget.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	page := s.loadDashboard(r)
	page.Form = s.expenseForm(w, r)
	s.render(w, r, http.StatusOK, "index.html", page)
}

// handleDashboardPartial is refreshed by HTMX after every submission.
func (s *Server) handleDashboardPartial(w http.ResponseWriter, r *http.Request) {
	page := s.loadDashboard(r)
	b := NewHTMXResponse()
	if page.Warning != "" {
		b.TriggerWarningNotification(page.Warning)
	}
	s.renderPartial(w, r, b, "dashboard", page)
}

func (s *Server) loadDashboard(r *http.Request) dashboardPage {
	var page dashboardPage
	if s.deps.Ledger == nil {
		return page
	}
	d, err := s.deps.Ledger.Dashboard(r.Context())
	if err != nil {
		s.logger.WarnContext(r.Context(), "Dashboard degraded",
			applog.FieldError, err,
			applog.FieldOperation, applog.OpRead)
		page.Warning = "The backend is unreachable. Showing local data only."
	}
	page.Dashboard = d
	return page
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
