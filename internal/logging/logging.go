// Package logging is a small leveled logger over the standard log package,
// with litter dumps for debugging and a request logging middleware for mux.
package logging

import (
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sanity-io/litter"
)

var levels = map[string]int{"debug": 10, "info": 20, "warn": 30, "error": 40}

// Logger writes lines prefixed with their level. Messages below the
// configured level are dropped.
type Logger struct {
	level string
	base  *log.Logger
}

// New builds a logger writing to stdout. Unknown levels fall back to info.
func New(level string) *Logger {
	return NewWithWriter(level, os.Stdout)
}

// NewWithWriter builds a logger writing to w. Tests use it to capture output.
func NewWithWriter(level string, w io.Writer) *Logger {
	lv := strings.ToLower(strings.TrimSpace(level))
	if _, ok := levels[lv]; !ok {
		lv = "info"
	}
	return &Logger{level: lv, base: log.New(w, "", log.LstdFlags)}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return NewWithWriter("error", io.Discard)
}

func (l *Logger) enabled(level string) bool {
	return levels[level] >= levels[l.level]
}

func (l *Logger) Debugf(format string, args ...any) {
	if l.enabled("debug") {
		l.base.Printf("[DEBUG] "+format, args...)
	}
}

func (l *Logger) Infof(format string, args ...any) {
	if l.enabled("info") {
		l.base.Printf("[INFO] "+format, args...)
	}
}

func (l *Logger) Warnf(format string, args ...any) {
	if l.enabled("warn") {
		l.base.Printf("[WARN] "+format, args...)
	}
}

func (l *Logger) Errorf(format string, args ...any) {
	if l.enabled("error") {
		l.base.Printf("[ERROR] "+format, args...)
	}
}

// Dump pretty-prints values at debug level.
func (l *Logger) Dump(label string, values ...any) {
	if !l.enabled("debug") {
		return
	}
	l.base.Printf("[DEBUG] %s:\n%s", label, litter.Sdump(values...))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// RequestLogger logs one line per request at debug level, or at warn level
// for server errors.
func (l *Logger) RequestLogger() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// websocket upgrades need the raw writer for hijacking
			if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
				l.Debugf("%s %s upgrade", r.Method, r.URL.Path)
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			if rec.status >= 500 {
				l.Warnf("%s %s %d %s", r.Method, r.URL.Path, rec.status, time.Since(start))
				return
			}
			l.Debugf("%s %s %d %s", r.Method, r.URL.Path, rec.status, time.Since(start))
		})
	}
}
