// Package bundle holds the shared, immutable TeX-package bundle loaded
// once at startup (spec §4.4). It is never cloned per request; every
// compile borrows the same reference. Cold downloads mid-request are
// not supported by design — the bundle is authoritative.
package bundle

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/zeebo/blake3"
)

// Package is one entry in the shared bundle: a style/class file and
// its raw bytes, addressed by name (e.g. "graphicx.sty").
type Package struct {
	Name  string
	Bytes []byte
}

// Bundle is the immutable, shared package index. Once built it is
// never mutated; concurrent reads need no locking.
type Bundle struct {
	packages map[string]*Package
	checksum string
	warm     bool
}

// Load builds a Bundle from a name->bytes manifest, in the shape the
// process would read out of its embedded or on-disk package archive
// at boot. The checksum covers the whole manifest so a corrupted or
// mismatched bundle is detectable at startup rather than mid-compile.
func Load(files map[string][]byte) *Bundle {
	b := &Bundle{packages: make(map[string]*Package, len(files))}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
		b.packages[name] = &Package{Name: name, Bytes: files[name]}
	}
	sort.Strings(names)

	h := blake3.New()
	for _, name := range names {
		h.Write([]byte(name))
		h.Write([]byte{0x00})
		h.Write(files[name])
		h.Write([]byte{0x00})
	}
	b.checksum = fmt.Sprintf("%x", h.Sum(nil))

	return b
}

// LoadFromDir walks dir for .sty/.cls/.tex package files and builds a
// Bundle from them, the on-disk shape the pre-shipped archive takes in
// a real deployment (spec §4.4: "a pre-shipped TeX package bundle").
func LoadFromDir(dir string) (*Bundle, error) {
	files := make(map[string][]byte)

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch filepath.Ext(path) {
		case ".sty", ".cls", ".tex", ".fd":
		default:
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			rel = filepath.Base(path)
		}
		files[filepath.ToSlash(rel)] = data
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bundle: load from %s: %w", dir, err)
	}

	return Load(files), nil
}

// Get looks up a package by name. The returned Package is shared and
// must not be mutated by callers.
func (b *Bundle) Get(name string) (*Package, bool) {
	pkg, ok := b.packages[name]
	return pkg, ok
}

// Len reports how many packages the bundle carries.
func (b *Bundle) Len() int { return len(b.packages) }

// Names returns the bundle's package names in sorted order.
func (b *Bundle) Names() []string {
	names := make([]string, 0, len(b.packages))
	for name := range b.packages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Checksum returns the bundle's blake3 digest, logged at startup so an
// operator can confirm which package set a deployment is serving.
func (b *Bundle) Checksum() string { return b.checksum }

// Warmup marks the bundle as warmed. It only sets the flag that Warmed
// reports; it runs no compile and reads no package data.
func (b *Bundle) Warmup() { b.warm = true }

// Warmed reports whether Warmup has run.
func (b *Bundle) Warmed() bool { return b.warm }
