package admin

import "net/http"

// health aggregates the edge's moving parts. Components that are not
// wired in this deployment report "disabled" and do not degrade the
// overall status.
func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	type checkResult struct {
		Stream string `json:"stream"`
		Events string `json:"events"`
		DNS    string `json:"dns"`
	}

	status := "ok"
	checks := checkResult{
		Stream: "disabled",
		Events: "disabled",
		DNS:    "disabled",
	}

	var stream *struct {
		Connected         bool   `json:"connected"`
		LastEvent         string `json:"last_event,omitempty"`
		TimeSinceLastNext string `json:"time_since_last_event,omitempty"`
	}
	if h.opts.Stream != nil {
		sh := h.opts.Stream.Health()
		checks.Stream = "ok"
		if !sh.Healthy {
			checks.Stream = "error"
			status = "degraded"
		}
		stream = &struct {
			Connected         bool   `json:"connected"`
			LastEvent         string `json:"last_event,omitempty"`
			TimeSinceLastNext string `json:"time_since_last_event,omitempty"`
		}{Connected: sh.Connected, TimeSinceLastNext: sh.TimeSinceLastEvent}
		if sh.LastEventTime != nil {
			stream.LastEvent = sh.LastEventTime.UTC().Format("2006-01-02T15:04:05Z")
		}
	}

	if h.opts.Recorder != nil {
		checks.Events = "ok"
		if err := h.opts.Recorder.Ping(); err != nil {
			checks.Events = "error"
			status = "degraded"
		}
	}

	var lastRun any
	if h.opts.Verifier != nil {
		checks.DNS = "ok"
		if last := h.opts.Verifier.Last(); last != nil {
			lastRun = last
		} else {
			checks.DNS = "pending"
		}
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":       status,
		"checks":       checks,
		"stream":       stream,
		"last_dns_run": lastRun,
	})
}
