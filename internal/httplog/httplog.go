// Package httplog is the access-log middleware for the public listener.
// Each request is logged through slog, counted in Prometheus under its
// hostname class, and recorded to the observability event log.
package httplog

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/WaveringAna/wisp-edge/internal/metrics"
	"github.com/WaveringAna/wisp-edge/internal/obslog"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
	class  string
}

func (r *statusRecorder) WriteHeader(code int) {
	// 1xx responses (103 Early Hints) are informational, not the final
	// status of the request.
	if code >= 200 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (r *statusRecorder) setClass(class string) {
	r.class = class
}

type classSetter interface {
	setClass(string)
}

// SetClass tags the in-flight request with the hostname class that ended
// up serving it. The dispatcher calls this once it has classified the
// Host header; requests that never get classified are counted under
// "unknown".
func SetClass(w http.ResponseWriter, class string) {
	for w != nil {
		if cs, ok := w.(classSetter); ok {
			cs.setClass(class)
			return
		}
		u, ok := w.(interface{ Unwrap() http.ResponseWriter })
		if !ok {
			return
		}
		w = u.Unwrap()
	}
}

// Wrap returns an http.Handler that logs each request with host, method,
// path, status code, and duration, and feeds the request into metrics and
// the event recorder. rec may be nil.
func Wrap(h http.Handler, rec *obslog.Recorder) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sr := &statusRecorder{ResponseWriter: w, status: 200, class: "unknown"}
		start := time.Now()
		h.ServeHTTP(sr, r)
		elapsed := time.Since(start)

		slog.Info("request",
			"host", r.Host,
			"method", r.Method,
			"path", r.URL.Path,
			"status", sr.status,
			"class", sr.class,
			"duration", elapsed)
		metrics.ObserveRequest(sr.class, sr.status, elapsed)
		if rec != nil {
			level := "info"
			if sr.status >= 500 {
				level = "error"
			} else if sr.status >= 400 {
				level = "warn"
			}
			rec.Record(obslog.Event{
				Level:      level,
				Source:     "http",
				EventType:  "request",
				Host:       r.Host,
				Path:       r.URL.Path,
				Status:     sr.status,
				DurationMS: elapsed.Milliseconds(),
			})
		}
	})
}
