package redirects

import (
	"net/http"
	"strings"
)

// Result is a matched rule with captures substituted into the target.
type Result struct {
	To     string
	Status int
	Force  bool
}

// Evaluate scans rules in file order and returns the first one whose
// pattern and conditions all match the request. The incoming query string
// is appended to 200/301/302 targets that carry no query of their own.
func Evaluate(rules []Rule, r *http.Request) (Result, bool) {
	for i := range rules {
		rule := &rules[i]
		caps, ok := rule.match(r.URL.Path)
		if !ok {
			continue
		}
		if !rule.conditionsMet(r) {
			continue
		}
		to := rule.substitute(caps)
		if rule.Status != 404 && !strings.Contains(to, "?") && r.URL.RawQuery != "" {
			to += "?" + r.URL.RawQuery
		}
		return Result{To: to, Status: rule.Status, Force: rule.Force}, true
	}
	return Result{}, false
}

// match applies the compiled pattern and returns named captures.
func (r *Rule) match(path string) (map[string]string, bool) {
	m := r.re.FindStringSubmatch(path)
	if m == nil {
		return nil, false
	}
	if len(r.names) == 0 {
		return nil, true
	}
	caps := make(map[string]string, len(r.names))
	for i, name := range r.names {
		caps[name] = m[i+1]
	}
	return caps, true
}

func (r *Rule) conditionsMet(req *http.Request) bool {
	// Role conditions are carried for file compatibility but have no
	// evaluation backend here; rules that require one never apply.
	if r.HasRole {
		return false
	}
	for k, v := range r.Query {
		if req.URL.Query().Get(k) != v {
			return false
		}
	}
	if len(r.Country) > 0 && !countryMatches(req, r.Country) {
		return false
	}
	if len(r.Language) > 0 && !languageMatches(req.Header.Get("Accept-Language"), r.Language) {
		return false
	}
	if len(r.Cookie) > 0 && !cookieMatches(req, r.Cookie) {
		return false
	}
	return true
}

func countryMatches(req *http.Request, want []string) bool {
	got := req.Header.Get("cf-ipcountry")
	if got == "" {
		got = req.Header.Get("x-country")
	}
	if got == "" {
		return false
	}
	for _, c := range want {
		if strings.EqualFold(strings.TrimSpace(c), got) {
			return true
		}
	}
	return false
}

// languageMatches reports whether any Accept-Language tag prefix-matches
// one of the wanted languages ("en" matches "en-US").
func languageMatches(acceptLanguage string, want []string) bool {
	if acceptLanguage == "" {
		return false
	}
	for _, part := range strings.Split(acceptLanguage, ",") {
		tag, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		for _, w := range want {
			w = strings.ToLower(strings.TrimSpace(w))
			if w != "" && strings.HasPrefix(tag, w) {
				return true
			}
		}
	}
	return false
}

func cookieMatches(req *http.Request, want []string) bool {
	for _, name := range want {
		if _, err := req.Cookie(strings.TrimSpace(name)); err == nil {
			return true
		}
	}
	return false
}

// substitute replaces :name and :splat references in the target with the
// captured values. Longer names are replaced first so ":year" never clips
// ":yearly".
func (r *Rule) substitute(caps map[string]string) string {
	if len(caps) == 0 {
		return r.To
	}
	names := make([]string, 0, len(caps))
	for name := range caps {
		names = append(names, name)
	}
	for i := 0; i < len(names); i++ {
		for j := i + 1; j < len(names); j++ {
			if len(names[j]) > len(names[i]) {
				names[i], names[j] = names[j], names[i]
			}
		}
	}
	to := r.To
	for _, name := range names {
		to = strings.ReplaceAll(to, ":"+name, caps[name])
	}
	return to
}
