// Package fingerprint computes the two content-addressed keys the
// cache fabric is built on: the whole-Project Fingerprint (PDF Cache
// key, spec §4.1) and the PreambleHash (Format Cache key, spec §3).
package fingerprint

import (
	"bytes"

	"github.com/tachyontex/service/internal/apperr"
	"github.com/tachyontex/service/internal/models"
	"github.com/tachyontex/service/internal/xhash"
)

// BeginDocumentMarker is the LaTeX document-begin marker that both the
// Root Detector and PreambleHash key off.
const BeginDocumentMarker = `\begin{document}`

// BlobResolver resolves a HashRef's hash to its bytes. The project's
// owning BlobStore satisfies this interface.
type BlobResolver interface {
	Get(hash string) ([]byte, bool)
}

// Fingerprint computes the 64-bit content fingerprint over a Project:
// for each filename in sorted order, feed name bytes, a separator, the
// little-endian content hash, and another separator. HashRef entries
// are resolved through resolver; an absent blob fails with
// UnresolvedBlob (spec §4.1).
func Fingerprint(p *models.Project, resolver BlobResolver) (uint64, error) {
	h := xhash.New()

	for _, name := range p.SortedNames() {
		file := p.Files[name]

		contentHash, err := contentHash(name, file, resolver)
		if err != nil {
			return 0, err
		}

		h.Write([]byte(name))
		h.WriteByte(0x00)
		h.WriteUint64LE(contentHash)
		h.WriteByte(0x00)
	}

	return h.Sum64(), nil
}

func contentHash(name string, file models.FileContent, resolver BlobResolver) (uint64, error) {
	if b, ok := file.Bytes(); ok {
		return xhash.Sum64(b), nil
	}

	// HashRef: resolve through the owning BlobStore.
	blob, ok := resolver.Get(file.Hash)
	if !ok {
		return 0, apperr.New(apperr.KindUnresolvedBlob, "no blob for hash ref in file "+name)
	}
	return xhash.Sum64(blob), nil
}

// ExtractPreamble returns the root file's bytes from position 0 up to
// and including the document-begin marker, and whether the marker was
// found at all.
func ExtractPreamble(rootContent []byte) ([]byte, bool) {
	idx := bytes.Index(rootContent, []byte(BeginDocumentMarker))
	if idx < 0 {
		return nil, false
	}
	end := idx + len(BeginDocumentMarker)
	return rootContent[:end], true
}

// PreambleHash hashes the root file's preamble prefix (spec §3). Two
// roots sharing the exact same preamble bytes produce the same hash,
// regardless of anything that follows.
func PreambleHash(preamble []byte) uint64 {
	return xhash.Sum64(preamble)
}
