package manifest

import (
	"errors"
)

// ErrConflictingModes is returned when more than one of the mutually
// exclusive routing modes is configured.
var ErrConflictingModes = errors.New("manifest: only one of spaMode, directoryListing, custom404 may be set")

// DefaultIndexFiles is the fallback index lookup order for directory requests.
var DefaultIndexFiles = []string{"index.html", "index.htm"}

// Settings holds the optional per-site routing configuration.
type Settings struct {
	IndexFiles       []string `json:"indexFiles,omitempty"`
	CleanURLs        bool     `json:"cleanUrls,omitempty"`
	DirectoryListing bool     `json:"directoryListing,omitempty"`
	SPAMode          string   `json:"spaMode,omitempty"`
	Custom404        string   `json:"custom404,omitempty"`
	Headers          []Header `json:"headers,omitempty"`
}

// Header is a custom response header, optionally scoped to a request-path
// glob ("*" and "?" wildcards).
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	Path  string `json:"path,omitempty"`
}

// Validate enforces the write-time settings invariants. The three unmatched-
// path modes are mutually exclusive.
func (s *Settings) Validate() error {
	n := 0
	if s.SPAMode != "" {
		n++
	}
	if s.DirectoryListing {
		n++
	}
	if s.Custom404 != "" {
		n++
	}
	if n > 1 {
		return ErrConflictingModes
	}
	return nil
}

// Indexes returns the configured index file order, or the default when the
// settings are nil or carry no explicit list.
func (s *Settings) Indexes() []string {
	if s == nil || len(s.IndexFiles) == 0 {
		return DefaultIndexFiles
	}
	return s.IndexFiles
}
