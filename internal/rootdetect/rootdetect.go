// Package rootdetect picks a Project's main file (spec §4.9 / C9): the
// preferred root_name if it qualifies, else a text file containing the
// document-begin marker, else NoRootFound.
package rootdetect

import (
	"strings"

	"github.com/tachyontex/service/internal/apperr"
	"github.com/tachyontex/service/internal/fingerprint"
	"github.com/tachyontex/service/internal/models"
)

// Detect resolves a Project's root filename. If RootName is set and
// names a qualifying text file it wins outright; otherwise every text
// file is scanned for the document-begin marker. When several files
// qualify, a conventional main-file name (main.tex, paper.tex,
// document.tex) wins; failing that, the first qualifying name in
// sorted order is used.
func Detect(p *models.Project) (string, error) {
	if p.RootName != "" {
		if f, ok := p.Files[p.RootName]; ok && qualifies(f) {
			return p.RootName, nil
		}
	}

	var candidates []string
	for _, name := range p.SortedNames() {
		f := p.Files[name]
		if qualifies(f) {
			candidates = append(candidates, name)
		}
	}

	switch len(candidates) {
	case 0:
		return "", apperr.New(apperr.KindNoRootFound, "no file contains \\begin{document}")
	case 1:
		return candidates[0], nil
	default:
		if best := preferByName(candidates); best != "" {
			return best, nil
		}
		return candidates[0], nil
	}
}

func qualifies(f models.FileContent) bool {
	if f.Kind != models.KindText {
		return false
	}
	return strings.Contains(string(f.Text), fingerprint.BeginDocumentMarker)
}

// preferByName breaks ties among several qualifying candidates by
// favoring conventional main-file names.
func preferByName(candidates []string) string {
	for _, preferred := range []string{"main.tex", "paper.tex", "document.tex"} {
		for _, c := range candidates {
			if strings.EqualFold(c, preferred) {
				return c
			}
		}
	}
	return ""
}
