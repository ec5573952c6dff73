package security

import (
	"net/http"
	"strconv"
	"strings"
)

// HeadersConfig lists the response headers sent on every page. Empty values
// are skipped.
type HeadersConfig struct {
	// CSP directives, joined with "; ".
	CSP []string

	// HSTS is sent only on TLS requests.
	HSTSMaxAge            int
	HSTSIncludeSubdomains bool

	FrameOptions      string
	ReferrerPolicy    string
	PermissionsPolicy string
	CrossOrigin       string

	// NoStorePrefixes are paths whose responses must not be cached, such as
	// receipt previews.
	NoStorePrefixes []string
}

// DefaultHeadersConfig allows the camera for this origin only. Previews are
// blob: and data: images, and the live view connects over a websocket.
func DefaultHeadersConfig() HeadersConfig {
	return HeadersConfig{
		CSP: []string{
			"default-src 'self'",
			"script-src 'self' https://unpkg.com",
			"style-src 'self' 'unsafe-inline'",
			"img-src 'self' blob: data:",
			"media-src 'self' blob: mediastream:",
			"connect-src 'self' ws: wss:",
			"object-src 'none'",
			"frame-ancestors 'none'",
			"base-uri 'self'",
			"form-action 'self'",
		},
		HSTSMaxAge:            365 * 24 * 60 * 60,
		HSTSIncludeSubdomains: true,
		FrameOptions:          "DENY",
		ReferrerPolicy:        "strict-origin-when-cross-origin",
		PermissionsPolicy:     "camera=(self), geolocation=(), microphone=(), payment=()",
		CrossOrigin:           "same-origin",
		NoStorePrefixes:       []string{"/capture/"},
	}
}

// HeadersMiddleware writes a fixed header set computed once at construction.
type HeadersMiddleware struct {
	fixed   [][2]string
	hsts    string
	noStore []string
}

func NewHeadersMiddleware(config HeadersConfig) *HeadersMiddleware {
	h := &HeadersMiddleware{noStore: config.NoStorePrefixes}
	add := func(name, value string) {
		if value != "" {
			h.fixed = append(h.fixed, [2]string{name, value})
		}
	}
	add("X-Content-Type-Options", "nosniff")
	add("X-Frame-Options", config.FrameOptions)
	add("Content-Security-Policy", strings.Join(config.CSP, "; "))
	add("Referrer-Policy", config.ReferrerPolicy)
	add("Permissions-Policy", config.PermissionsPolicy)
	add("Cross-Origin-Opener-Policy", config.CrossOrigin)
	add("Cross-Origin-Resource-Policy", config.CrossOrigin)

	if config.HSTSMaxAge > 0 {
		h.hsts = "max-age=" + strconv.Itoa(config.HSTSMaxAge)
		if config.HSTSIncludeSubdomains {
			h.hsts += "; includeSubDomains"
		}
	}
	return h
}

func (h *HeadersMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers := w.Header()
		for _, kv := range h.fixed {
			headers.Set(kv[0], kv[1])
		}
		if r.TLS != nil && h.hsts != "" {
			headers.Set("Strict-Transport-Security", h.hsts)
		}
		for _, prefix := range h.noStore {
			if strings.HasPrefix(r.URL.Path, prefix) {
				headers.Set("Cache-Control", "no-store")
				break
			}
		}
		next.ServeHTTP(w, r)
	})
}

// StaticAssetMiddleware marks embedded assets cacheable for maxAge seconds.
func StaticAssetMiddleware(maxAge int) func(http.Handler) http.Handler {
	value := "public, max-age=" + strconv.Itoa(maxAge)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if maxAge > 0 {
				w.Header().Set("Cache-Control", value)
			}
			next.ServeHTTP(w, r)
		})
	}
}
