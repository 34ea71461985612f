// Package redirects parses and evaluates a site's _redirects file.
//
// The file is line-oriented: blank lines and # comments are skipped, tokens
// are whitespace-separated. A rule is a source pattern, optional key=value
// query constraints, a destination, an optional status (with a trailing "!"
// meaning force), and optional Country=/Language=/Cookie=/Role= conditions.
// A malformed line is logged and skipped; the rest of the file is kept.
package redirects

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
)

// Statuses a rule may carry. 200 is an internal rewrite, 301/302 are
// Location redirects, 404 serves the target body with a 404 status.
var validStatuses = map[int]bool{200: true, 301: true, 302: true, 404: true}

// Rule is one compiled redirect.
type Rule struct {
	From   string
	To     string
	Status int
	Force  bool

	// Query constraints that must be present on the request for the rule
	// to match.
	Query map[string]string

	// Conditions. Role is parsed for compatibility but never evaluated; a
	// rule carrying one never matches.
	Country  []string
	Language []string
	Cookie   []string
	HasRole  bool

	re    *regexp.Regexp
	names []string
}

// Parse reads a _redirects file. Lines that cannot be parsed are skipped
// with a warning; parsing always produces the rules of every valid line.
func Parse(r io.Reader) []Rule {
	var rules []Rule
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rule, err := parseLine(line)
		if err != nil {
			slog.Warn("skipping malformed redirect rule", "line", lineNo, "err", err)
			continue
		}
		rules = append(rules, rule)
	}
	return rules
}

func isDestination(tok string) bool {
	return strings.HasPrefix(tok, "/") ||
		strings.HasPrefix(tok, "http://") ||
		strings.HasPrefix(tok, "https://")
}

func parseLine(line string) (Rule, error) {
	tokens := strings.Fields(line)
	if len(tokens) < 2 {
		return Rule{}, fmt.Errorf("need a source and a destination")
	}

	rule := Rule{From: tokens[0], Status: 301}
	rest := tokens[1:]

	// Query constraints sit between the source and the destination.
	for len(rest) > 0 && !isDestination(rest[0]) {
		k, v, ok := strings.Cut(rest[0], "=")
		if !ok || k == "" {
			return Rule{}, fmt.Errorf("expected key=value or destination, got %q", rest[0])
		}
		if rule.Query == nil {
			rule.Query = make(map[string]string)
		}
		rule.Query[k] = v
		rest = rest[1:]
	}
	if len(rest) == 0 {
		return Rule{}, fmt.Errorf("missing destination")
	}
	rule.To = rest[0]
	rest = rest[1:]

	// Status and condition tokens in any order after the destination.
	for _, tok := range rest {
		if status, force, ok := parseStatus(tok); ok {
			if !validStatuses[status] {
				return Rule{}, fmt.Errorf("unsupported status %d", status)
			}
			rule.Status = status
			rule.Force = force
			continue
		}
		k, v, ok := strings.Cut(tok, "=")
		if !ok {
			return Rule{}, fmt.Errorf("unrecognized token %q", tok)
		}
		vals := strings.Split(v, ",")
		switch strings.ToLower(k) {
		case "country":
			rule.Country = vals
		case "language":
			rule.Language = vals
		case "cookie":
			rule.Cookie = vals
		case "role":
			rule.HasRole = true
		default:
			return Rule{}, fmt.Errorf("unrecognized condition %q", k)
		}
	}

	re, names, err := compilePattern(rule.From)
	if err != nil {
		return Rule{}, fmt.Errorf("pattern %q: %w", rule.From, err)
	}
	rule.re = re
	rule.names = names
	return rule, nil
}

func parseStatus(tok string) (status int, force, ok bool) {
	if s, found := strings.CutSuffix(tok, "!"); found {
		force = true
		tok = s
	}
	if tok == "" {
		return 0, false, false
	}
	for i := 0; i < len(tok); i++ {
		if tok[i] < '0' || tok[i] > '9' {
			return 0, false, false
		}
		status = status*10 + int(tok[i]-'0')
	}
	return status, force, true
}

func isNameByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_'
}

// compilePattern turns a source pattern into an anchored regexp. ":name"
// segments capture one path segment, a "*" captures the remainder into
// "splat", and a trailing slash on the request is tolerated.
func compilePattern(from string) (*regexp.Regexp, []string, error) {
	var b strings.Builder
	var names []string
	b.WriteString("^")
	for i := 0; i < len(from); {
		switch c := from[i]; c {
		case ':':
			j := i + 1
			for j < len(from) && isNameByte(from[j]) {
				j++
			}
			if j == i+1 {
				return nil, nil, fmt.Errorf("empty capture name at offset %d", i)
			}
			names = append(names, from[i+1:j])
			b.WriteString(`([^/?]+)`)
			i = j
		case '*':
			names = append(names, "splat")
			b.WriteString(`(.*)`)
			i++
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
			i++
		}
	}
	b.WriteString(`/?$`)
	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, nil, err
	}
	return re, names, nil
}
