// Package web holds the templates and static assets compiled into the
// pettycash server.
package web

import (
	"embed"
	"io/fs"
)

//go:embed templates/*.html static
var content embed.FS

// Templates returns the HTML templates rooted at the templates directory.
func Templates() (fs.FS, error) {
	return fs.Sub(content, "templates")
}

// Static returns the CSS and scripts served under /static/.
func Static() (fs.FS, error) {
	return fs.Sub(content, "static")
}
