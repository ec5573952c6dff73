// Package ratelimit throttles requests per client address.
package ratelimit

import (
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	applog "pettycash/internal/log"
)

const window = time.Minute

// Config tunes a Limiter. Zero values take the defaults.
type Config struct {
	RequestsPerMinute int
	CleanupInterval   time.Duration

	// IdleAfter is how long a client may stay quiet before it is forgotten.
	IdleAfter time.Duration

	// Exempt requests are never counted, for probes and static assets.
	Exempt func(*http.Request) bool
}

// DefaultConfig leaves room for the capture widget, which polls its state
// and reconnects the live preview.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 120,
		CleanupInterval:   5 * time.Minute,
		IdleAfter:         10 * time.Minute,
	}
}

// Limiter counts requests per client in fixed one-minute windows.
type Limiter struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	clients map[string]*bucket

	rejected int64
	stop     chan struct{}
	stopOnce sync.Once
}

type bucket struct {
	opened   time.Time
	lastSeen time.Time
	count    int
}

// NewLimiter starts the background sweep of idle clients. Call Stop to end it.
func NewLimiter(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = def.RequestsPerMinute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.IdleAfter <= 0 {
		cfg.IdleAfter = def.IdleAfter
	}
	rl := &Limiter{
		cfg:     cfg,
		now:     time.Now,
		clients: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go rl.sweepLoop()
	return rl
}

// Allow counts one request for client and reports whether it fits.
func (rl *Limiter) Allow(client string) bool {
	ok, _ := rl.take(client)
	return ok
}

// take counts a request and, when it is over budget, how long until the
// client's window resets.
func (rl *Limiter) take(client string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, seen := rl.clients[client]
	if !seen || now.Sub(b.opened) >= window {
		rl.clients[client] = &bucket{opened: now, lastSeen: now, count: 1}
		return true, 0
	}
	b.count++
	b.lastSeen = now
	if b.count <= rl.cfg.RequestsPerMinute {
		return true, 0
	}
	atomic.AddInt64(&rl.rejected, 1)
	return false, window - now.Sub(b.opened)
}

func (rl *Limiter) sweepLoop() {
	ticker := time.NewTicker(rl.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.sweep()
		case <-rl.stop:
			return
		}
	}
}

// sweep forgets clients idle for longer than IdleAfter.
func (rl *Limiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-rl.cfg.IdleAfter)
	for client, b := range rl.clients {
		if b.lastSeen.Before(cutoff) {
			delete(rl.clients, client)
		}
	}
}

func (rl *Limiter) ActiveClients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// Stop ends the sweep goroutine. Safe to call more than once.
func (rl *Limiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

type Metrics struct {
	TotalHits   int64
	ClientCount int64
}

// GetMetrics reports rejected requests and tracked clients.
func (rl *Limiter) GetMetrics() Metrics {
	return Metrics{
		TotalHits:   atomic.LoadInt64(&rl.rejected),
		ClientCount: int64(rl.ActiveClients()),
	}
}

// Middleware rejects over-budget requests with Retry-After set. onLimit
// writes the body; nil falls back to a plain 429.
func (rl *Limiter) Middleware(extractIP func(*http.Request) string, onLimit func(http.ResponseWriter, *http.Request)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if rl.cfg.Exempt != nil && rl.cfg.Exempt(r) {
				next.ServeHTTP(w, r)
				return
			}
			client := extractIP(r)
			ok, wait := rl.take(client)
			if ok {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("Retry-After", strconv.Itoa(int(wait.Seconds())+1))
			slog.WarnContext(r.Context(), "Rate limit exceeded",
				applog.FieldComponent, applog.ComponentRateLimit,
				applog.FieldClientIP, client,
				applog.FieldPath, r.URL.Path)
			if onLimit != nil {
				onLimit(w, r)
				return
			}
			http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
		})
	}
}
