// Package models holds the shared data types that flow between
// ingestion, the root detector, the caches, and the engine (spec §3).
package models

import "sort"

// FileKind tags which of the three FileContent variants is present.
type FileKind int

const (
	// KindText is UTF-8 source content (.tex, .sty, .cls, .bib, ...).
	KindText FileKind = iota
	// KindBinary is raw bytes (images, fonts, ...).
	KindBinary
	// KindHashRef is a reference to a blob in the owning session's
	// BlobStore. Only valid inside a streaming session.
	KindHashRef
)

// FileContent is the tagged variant described in spec §3: Text(bytes),
// Binary(bytes), or HashRef(hash).
type FileContent struct {
	Kind FileKind
	Text []byte // valid when Kind == KindText
	Bin  []byte // valid when Kind == KindBinary
	Hash string // valid when Kind == KindHashRef
}

// TextContent constructs a Text-variant FileContent.
func TextContent(b []byte) FileContent { return FileContent{Kind: KindText, Text: b} }

// BinaryContent constructs a Binary-variant FileContent.
func BinaryContent(b []byte) FileContent { return FileContent{Kind: KindBinary, Bin: b} }

// HashRefContent constructs a HashRef-variant FileContent.
func HashRefContent(hash string) FileContent { return FileContent{Kind: KindHashRef, Hash: hash} }

// Bytes returns the content's bytes directly, for Text and Binary
// variants. HashRef has no direct bytes; callers must resolve it
// through the owning BlobStore first.
func (fc FileContent) Bytes() ([]byte, bool) {
	switch fc.Kind {
	case KindText:
		return fc.Text, true
	case KindBinary:
		return fc.Bin, true
	default:
		return nil, false
	}
}

// IsText reports whether the variant is Text. It checks only the tag:
// a HashRef reports false whatever its referenced blob holds.
func (fc FileContent) IsText() bool { return fc.Kind == KindText }

// Project is a canonical, immutable submission unit (spec §3).
type Project struct {
	RootName string
	Files    map[string]FileContent
}

// NewProject creates an empty Project.
func NewProject() *Project {
	return &Project{Files: make(map[string]FileContent)}
}

// SortedNames returns the project's filenames in byte-wise lexical
// order, the iteration order required by Fingerprint (spec §4.1).
func (p *Project) SortedNames() []string {
	names := make([]string, 0, len(p.Files))
	for name := range p.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasTextFile reports whether at least one Text file exists, the
// invariant spec §3 requires of every Project.
func (p *Project) HasTextFile() bool {
	for _, f := range p.Files {
		if f.Kind == KindText {
			return true
		}
	}
	return false
}
