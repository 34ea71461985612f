package admin

import (
	"net/http"
	"strconv"
	"time"

	"github.com/WaveringAna/wisp-edge/internal/obslog"
)

// logs lists recorded events, filtered by the query string: level, source,
// type, q (substring search), range (ISO 8601 duration), and limit.
func (h *handler) logs(w http.ResponseWriter, r *http.Request) {
	if h.opts.Recorder == nil {
		jsonError(w, http.StatusServiceUnavailable, "event recorder disabled")
		return
	}
	_, from, _ := parseRange(r)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := h.opts.Recorder.Events(obslog.Query{
		Level:     r.URL.Query().Get("level"),
		Source:    r.URL.Query().Get("source"),
		EventType: r.URL.Query().Get("type"),
		Search:    r.URL.Query().Get("q"),
		Since:     from,
		Limit:     limit,
	})
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// errors lists warn and error events from the requested range.
func (h *handler) errors(w http.ResponseWriter, r *http.Request) {
	if h.opts.Recorder == nil {
		jsonError(w, http.StatusServiceUnavailable, "event recorder disabled")
		return
	}
	_, from, _ := parseRange(r)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := h.opts.Recorder.Errors(from, limit)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// breakdown summarizes event volume by source and errors over time.
func (h *handler) breakdown(w http.ResponseWriter, r *http.Request) {
	if h.opts.Recorder == nil {
		jsonError(w, http.StatusServiceUnavailable, "event recorder disabled")
		return
	}
	rangeParam, from, to := parseRange(r)
	sources, err := h.opts.Recorder.SourceBreakdown(from)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	series, err := h.opts.Recorder.ErrorsOverTime(from, to)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"range":       rangeParam,
		"sources":     sources,
		"errors_over": series,
	})
}

// cacheStats reports the in-memory cache shapes.
func (h *handler) cacheStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{}
	if h.opts.Files != nil {
		stats["files"] = h.opts.Files.Stats()
	}
	if h.opts.HTML != nil {
		stats["html"] = h.opts.HTML.Stats()
	}
	for name, l := range h.opts.Lookups {
		stats[name] = map[string]int{"entries": l.Len()}
	}
	writeJSON(w, http.StatusOK, stats)
}

// verifyDNS triggers a verification sweep outside the schedule.
func (h *handler) verifyDNS(w http.ResponseWriter, r *http.Request) {
	if h.opts.Verifier == nil {
		jsonError(w, http.StatusServiceUnavailable, "dns verifier disabled")
		return
	}
	stats, err := h.opts.Verifier.Run(r.Context())
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func parseRange(r *http.Request) (rangeParam string, from, to time.Time) {
	rangeParam = r.URL.Query().Get("range")
	to = time.Now()
	if rangeParam == "all" {
		from = time.Time{}
		return
	}
	var ok bool
	from, ok = subtractISO8601(to, rangeParam)
	if !ok {
		rangeParam = "PT24H"
		from = to.Add(-24 * time.Hour)
	}
	return
}

// subtractISO8601 parses an ISO 8601 duration string (e.g. "P7D", "PT24H",
// "P1M") and returns now minus that duration. Returns false for invalid or
// zero-length durations.
func subtractISO8601(now time.Time, s string) (time.Time, bool) {
	if len(s) < 3 || s[0] != 'P' {
		return time.Time{}, false
	}
	rest := s[1:]
	var years, months, days, hours, minutes, seconds int
	inTime := false
	for len(rest) > 0 {
		if rest[0] == 'T' {
			inTime = true
			rest = rest[1:]
			continue
		}
		i := 0
		for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
			i++
		}
		if i == 0 || i >= len(rest) {
			return time.Time{}, false
		}
		n, _ := strconv.Atoi(rest[:i])
		unit := rest[i]
		rest = rest[i+1:]
		switch {
		case !inTime && unit == 'Y':
			years = n
		case !inTime && unit == 'M':
			months = n
		case !inTime && unit == 'W':
			days += n * 7
		case !inTime && unit == 'D':
			days += n
		case inTime && unit == 'H':
			hours = n
		case inTime && unit == 'M':
			minutes = n
		case inTime && unit == 'S':
			seconds = n
		default:
			return time.Time{}, false
		}
	}
	if years == 0 && months == 0 && days == 0 && hours == 0 && minutes == 0 && seconds == 0 {
		return time.Time{}, false
	}
	from := now.AddDate(-years, -months, -days).Add(
		-time.Duration(hours)*time.Hour -
			time.Duration(minutes)*time.Minute -
			time.Duration(seconds)*time.Second)
	return from, true
}
