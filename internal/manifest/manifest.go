// Package manifest defines the site record: the user-owned document that
// names a site and describes its file tree. Records arrive as JSON from a
// personal data server; every file leaf references a content-addressed blob.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/WaveringAna/wisp-edge/internal/blob"
)

// Collection is the repo collection that site records live in.
const Collection = "place.wisp.site"

var (
	ErrNoRoot      = errors.New("manifest: record has no root directory")
	ErrBadSiteName = errors.New("manifest: invalid site display name")
)

// Site is the root manifest record for one site.
type Site struct {
	Type      string     `json:"$type,omitempty"`
	Site      string     `json:"site"`
	Root      *Directory `json:"root"`
	CreatedAt string     `json:"createdAt"`
	FileCount *int       `json:"fileCount,omitempty"`
	Settings  *Settings  `json:"settings,omitempty"`
}

// Directory is an ordered list of named child nodes.
type Directory struct {
	Entries []Entry `json:"entries"`
}

// Entry binds a name to a child node within a directory.
type Entry struct {
	Name string `json:"name"`
	Node Node   `json:"node"`
}

// NodeKind discriminates the two node variants.
type NodeKind int

const (
	KindFile NodeKind = iota
	KindDirectory
)

// Node is a tagged union of file and directory. Exactly one of File and Dir
// is non-nil, matching Kind.
type Node struct {
	Kind NodeKind
	File *File
	Dir  *Directory
}

// File is a leaf node referencing a content-addressed blob.
type File struct {
	Blob     map[string]any `json:"blob"`
	Encoding string         `json:"encoding,omitempty"`
	MimeType string         `json:"mimeType,omitempty"`
	Base64   bool           `json:"base64,omitempty"`
}

// CID returns the content identifier declared by the file's blob reference,
// or "" when the reference carries none.
func (f *File) CID() string {
	return blob.ExtractContentID(f.Blob)
}

// BlobMimeType returns the effective MIME type for the file: the explicit
// override when present, the blob's declared type otherwise.
func (f *File) BlobMimeType() string {
	if f.MimeType != "" {
		return f.MimeType
	}
	if mt, ok := f.Blob["mimeType"].(string); ok {
		return mt
	}
	return ""
}

// UnmarshalJSON decodes a node by shape: an object with an "entries" key is
// a directory, anything else must be a file with a blob reference.
func (n *Node) UnmarshalJSON(data []byte) error {
	var probe struct {
		Type    string          `json:"$type"`
		Entries json.RawMessage `json:"entries"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	isDir := probe.Entries != nil || strings.HasSuffix(probe.Type, "#directory")
	if isDir {
		var d Directory
		if err := json.Unmarshal(data, &d); err != nil {
			return err
		}
		n.Kind = KindDirectory
		n.Dir = &d
		n.File = nil
		return nil
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	n.Kind = KindFile
	n.File = &f
	n.Dir = nil
	return nil
}

// MarshalJSON renders the active variant.
func (n Node) MarshalJSON() ([]byte, error) {
	switch n.Kind {
	case KindDirectory:
		return json.Marshal(n.Dir)
	default:
		return json.Marshal(n.File)
	}
}

// Decode parses a site record from raw JSON and validates it.
func Decode(data []byte) (*Site, error) {
	var s Site
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("manifest: decoding record: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks the record against the manifest invariants: a non-empty
// display name up to 512 bytes, a root directory, safe entry names, exactly
// one leaf per path, and a parseable content id on every file.
func (s *Site) Validate() error {
	if s.Site == "" || len(s.Site) > 512 {
		return ErrBadSiteName
	}
	if s.Root == nil {
		return ErrNoRoot
	}
	if s.Settings != nil {
		if err := s.Settings.Validate(); err != nil {
			return err
		}
	}
	seen := make(map[string]bool)
	return validateDir(s.Root, "", seen)
}

func validateDir(d *Directory, prefix string, seen map[string]bool) error {
	for _, e := range d.Entries {
		if err := validEntryName(e.Name); err != nil {
			return fmt.Errorf("manifest: entry %q under %q: %w", e.Name, prefix, err)
		}
		p := e.Name
		if prefix != "" {
			p = prefix + "/" + e.Name
		}
		if seen[p] {
			return fmt.Errorf("manifest: duplicate path %q", p)
		}
		seen[p] = true
		switch e.Node.Kind {
		case KindDirectory:
			if err := validateDir(e.Node.Dir, p, seen); err != nil {
				return err
			}
		case KindFile:
			id := e.Node.File.CID()
			if id == "" {
				return fmt.Errorf("manifest: file %q has no blob reference", p)
			}
			if _, err := blob.Parse(id); err != nil {
				return fmt.Errorf("manifest: file %q: bad content id %q: %w", p, id, err)
			}
		}
	}
	return nil
}

func validEntryName(name string) error {
	if name == "" {
		return errors.New("empty name")
	}
	if strings.ContainsAny(name, "/\\") || strings.ContainsRune(name, 0) {
		return errors.New("name contains path separator or NUL")
	}
	return nil
}

// FileRef is one leaf in the flattened tree.
type FileRef struct {
	File *File
	CID  string
}

// BlobMap flattens the directory tree into path → file reference, with
// paths joined by "/". The tree is finite by construction (records decode
// into a tree, never a graph), so no cycle handling is needed.
func (s *Site) BlobMap() map[string]FileRef {
	out := make(map[string]FileRef)
	if s.Root != nil {
		walkDir(s.Root, "", out)
	}
	return out
}

func walkDir(d *Directory, prefix string, out map[string]FileRef) {
	for _, e := range d.Entries {
		p := e.Name
		if prefix != "" {
			p = prefix + "/" + e.Name
		}
		switch e.Node.Kind {
		case KindDirectory:
			walkDir(e.Node.Dir, p, out)
		case KindFile:
			out[p] = FileRef{File: e.Node.File, CID: e.Node.File.CID()}
		}
	}
}
