// Package healer retries a failed compile once with a small set of
// safe, mechanical source patches: a missing \end{document}, a line
// undefined-control-sequence stub, or an unbalanced closing brace.
// Ported from the original self-healing pass, adapted to Go idiom.
package healer

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// protectedCommands are never patched even if the engine log reports
// them undefined — that almost always points at a deeper problem.
var protectedCommands = map[string]bool{
	"begin": true, "end": true, "documentclass": true, "usepackage": true,
	"input": true, "include": true, "newcommand": true, "renewcommand": true,
	"providecommand": true, "def": true, "let": true,
	"section": true, "subsection": true, "subsubsection": true, "paragraph": true, "chapter": true,
	"textbf": true, "textit": true, "emph": true, "underline": true, "texttt": true, "textrm": true, "textsf": true,
	"item": true, "label": true, "ref": true, "cite": true, "bibliography": true, "bibliographystyle": true,
	"caption": true, "title": true, "author": true, "date": true, "maketitle": true,
	"hspace": true, "vspace": true, "hfill": true, "vfill": true, "newline": true, "linebreak": true, "pagebreak": true,
	"footnote": true, "marginpar": true, "centering": true, "raggedleft": true, "raggedright": true,
	"frac": true, "sqrt": true, "sum": true, "prod": true, "int": true, "lim": true, "sin": true, "cos": true, "tan": true, "log": true, "exp": true,
	"alpha": true, "beta": true, "gamma": true, "delta": true, "epsilon": true, "theta": true, "lambda": true, "mu": true, "pi": true, "sigma": true, "omega": true,
	"left": true, "right": true, "big": true, "Big": true, "bigg": true, "Bigg": true,
	"text": true, "mathrm": true, "mathbf": true, "mathit": true, "mathsf": true, "mathtt": true, "mathcal": true, "mathbb": true,
	"quad": true, "qquad": true, "ldots": true, "cdots": true, "dots": true, "infty": true, "partial": true, "nabla": true,
	"over": true, "atop": true, "choose": true, "brace": true, "brack": true,
	"if": true, "else": true, "fi": true, "ifx": true, "ifnum": true, "ifdim": true, "ifcase": true, "or": true,
	"relax": true, "expandafter": true, "noexpand": true, "csname": true, "endcsname": true,
	"the": true, "number": true, "romannumeral": true, "string": true, "meaning": true,
	"par": true, "indent": true, "noindent": true, "smallskip": true, "medskip": true, "bigskip": true,
	"tiny": true, "scriptsize": true, "footnotesize": true, "small": true, "normalsize": true,
	"large": true, "Large": true, "LARGE": true, "huge": true, "Huge": true,
}

var (
	undefinedControlSeqRe = regexp.MustCompile(`\[Error\] [^:]+:(\d+): Undefined control sequence`)
	commandRe             = regexp.MustCompile(`\\([a-zA-Z@]+)`)
)

// Attempt tries to heal a failed compile's source given its engine
// log, returning the patched content and the names of the fixes
// applied. ok is false if no applicable fix was found.
func Attempt(content, logs string) (healed string, fixes []string, ok bool) {
	healed = content

	if !strings.Contains(healed, `\end{document}`) && strings.Contains(healed, `\begin{document}`) {
		healed += "\n\\end{document}\n"
		fixes = append(fixes, "missing_end_document")
	}

	if patched, applied := healUndefinedCommand(content, healed, logs); applied {
		healed = patched
		fixes = append(fixes, "undefined_command")
	}

	if strings.Contains(logs, "Runaway argument") || strings.Contains(logs, "File ended while scanning") {
		healed = closeRunawayBrace(healed)
		fixes = append(fixes, "unbalanced_brace")
	}

	return healed, fixes, len(fixes) > 0
}

// healUndefinedCommand inspects the *original* source line the log
// points at (the log's line numbers refer to the pre-heal content),
// finds every non-protected command on that line, and stubs each with
// a \providecommand definition inserted before \begin{document}.
func healUndefinedCommand(original, healed, logs string) (string, bool) {
	m := undefinedControlSeqRe.FindStringSubmatch(logs)
	if m == nil {
		return healed, false
	}
	lineNum, err := strconv.Atoi(m[1])
	if err != nil || lineNum < 1 {
		return healed, false
	}

	lines := strings.Split(original, "\n")
	if lineNum > len(lines) {
		return healed, false
	}
	lineStr := lines[lineNum-1]

	var patches strings.Builder
	seen := make(map[string]bool)
	for _, cm := range commandRe.FindAllStringSubmatch(lineStr, -1) {
		cmd := cm[1]
		if protectedCommands[cmd] || seen[cmd] {
			continue
		}
		seen[cmd] = true
		fmt.Fprintf(&patches, "\n\\providecommand{\\%s}[1][]{[?%s]}", cmd, cmd)
	}
	if patches.Len() == 0 {
		return healed, false
	}

	if pos := strings.Index(healed, `\begin{document}`); pos >= 0 {
		return healed[:pos] + patches.String() + healed[pos:], true
	}
	if pos := strings.Index(healed, "\n"); pos >= 0 {
		return healed[:pos] + patches.String() + healed[pos:], true
	}
	return patches.String() + healed, true
}

// closeRunawayBrace appends a closing brace before \end{document} (or
// at the very end if there is none), a safe guess at patching an
// unbalanced group.
func closeRunawayBrace(content string) string {
	if pos := strings.LastIndex(content, `\end{document}`); pos >= 0 {
		return content[:pos] + "\n}\n" + content[pos:]
	}
	return content + "\n}\n"
}
