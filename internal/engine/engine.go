// Package engine defines the compile engine collaborator interface
// the Orchestrator drives (spec §4.3, §4.9): given a VFS rooted at a
// resolved main file, an optional format dump, and a shared Bundle, it
// produces a PDF plus a capture log, or an error the orchestrator maps
// to EngineError. A deterministic in-process stub implementation
// stands in for the real TeX engine, producing a minimal valid PDF
// from the resolved project's text so every higher layer — caching,
// retries, self-healing, sessions — has a real, observable artifact to
// exercise without vendoring an actual TeX distribution.
package engine

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/tachyontex/service/internal/bundle"
	"github.com/tachyontex/service/internal/vfs"
)

// OutputPDFName and OutputLogName are the VFS's well-known output
// filenames the orchestrator retrieves after a run (spec §4.3).
const (
	OutputPDFName = "output.pdf"
	OutputLogName = "output.log"
)

// Result is what a compile run produces.
type Result struct {
	PDF []byte
	Log string
}

// Engine compiles a root file's content within a VFS.
type Engine interface {
	// Compile runs one compile pass. root is the resolved main
	// filename; formatDump, if non-nil, lets the engine skip preamble
	// processing and adopt the dumped format state (spec §4.6).
	Compile(ctx context.Context, v *vfs.VFS, b *bundle.Bundle, root string, formatDump []byte) (Result, error)

	// Dump produces a format dump from a preamble alone, used to
	// populate the Format Cache on a miss (spec §4.6).
	Dump(ctx context.Context, preamble []byte, b *bundle.Bundle) ([]byte, error)
}

// StubEngine is a deterministic substitute for a real TeX engine. It
// never shells out and never touches a filesystem; it renders the
// resolved document's text content into a minimal, valid single-page
// PDF, exercising the full VFS/Bundle/FormatDump contract.
type StubEngine struct{}

// NewStub returns a StubEngine.
func NewStub() *StubEngine { return &StubEngine{} }

// Compile implements Engine.
func (e *StubEngine) Compile(ctx context.Context, v *vfs.VFS, b *bundle.Bundle, root string, formatDump []byte) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	default:
	}

	src, err := v.OpenRead(root)
	if err != nil {
		return Result{}, fmt.Errorf("engine: %w", err)
	}

	if err := checkUndefinedEnvironments(string(src), b); err != nil {
		return Result{}, err
	}

	var log strings.Builder
	fmt.Fprintf(&log, "This is a stub engine compiling %s\n", root)
	if formatDump != nil {
		fmt.Fprintf(&log, "Loaded format dump (%d bytes), skipping preamble\n", len(formatDump))
	}
	fmt.Fprintf(&log, "Output written on %s\n", OutputPDFName)

	pdf := renderMinimalPDF(src)
	v.CreateWrite(OutputPDFName, pdf)
	v.CreateWrite(OutputLogName, []byte(log.String()))

	return Result{PDF: pdf, Log: log.String()}, nil
}

// Dump implements Engine. The stub's "format" is simply the preamble
// bytes themselves; a real engine would instead capture loaded-macro
// state after running the preamble once.
func (e *StubEngine) Dump(ctx context.Context, preamble []byte, b *bundle.Bundle) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	dump := make([]byte, len(preamble))
	copy(dump, preamble)
	return dump, nil
}

// checkUndefinedEnvironments is the stub's stand-in for a real
// engine's package resolution: any \usepackage naming something
// absent from the bundle fails the compile, exercising the bundle
// lookup path the way a real engine's package loader would.
func checkUndefinedEnvironments(src string, b *bundle.Bundle) error {
	for _, pkg := range extractUsePackages(src) {
		if _, ok := b.Get(pkg + ".sty"); !ok {
			return fmt.Errorf("engine: package not found in bundle: %s", pkg)
		}
	}
	return nil
}

func extractUsePackages(src string) []string {
	const marker = `\usepackage`
	var pkgs []string
	for {
		idx := strings.Index(src, marker)
		if idx < 0 {
			break
		}
		rest := src[idx+len(marker):]
		if i := strings.IndexByte(rest, '['); i >= 0 && i < 3 {
			if j := strings.IndexByte(rest, ']'); j >= 0 {
				rest = rest[j+1:]
			}
		}
		if len(rest) == 0 || rest[0] != '{' {
			src = src[idx+len(marker):]
			continue
		}
		end := strings.IndexByte(rest, '}')
		if end < 0 {
			break
		}
		for _, name := range strings.Split(rest[1:end], ",") {
			pkgs = append(pkgs, strings.TrimSpace(name))
		}
		src = rest[end+1:]
	}
	return pkgs
}

// renderMinimalPDF produces a tiny, syntactically valid single-page
// PDF whose content stream text shows how many source bytes were
// compiled — enough for callers to distinguish distinct compiles
// without a real typesetting engine.
func renderMinimalPDF(src []byte) []byte {
	content := fmt.Sprintf("BT /F1 12 Tf 72 712 Td (compiled %d bytes) Tj ET", len(src))

	var buf bytes.Buffer
	offsets := make([]int, 0, 5)

	buf.WriteString("%PDF-1.4\n")

	offsets = append(offsets, buf.Len())
	buf.WriteString("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")

	offsets = append(offsets, buf.Len())
	buf.WriteString("2 0 obj\n<< /Type /Pages /Kids [3 0 R] /Count 1 >>\nendobj\n")

	offsets = append(offsets, buf.Len())
	buf.WriteString("3 0 obj\n<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 5 0 R >> >> /Contents 4 0 R >>\nendobj\n")

	offsets = append(offsets, buf.Len())
	fmt.Fprintf(&buf, "4 0 obj\n<< /Length %d >>\nstream\n%s\nendstream\nendobj\n", len(content), content)

	offsets = append(offsets, buf.Len())
	buf.WriteString("5 0 obj\n<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>\nendobj\n")

	xrefStart := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(offsets)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF", len(offsets)+1, xrefStart)

	return buf.Bytes()
}
