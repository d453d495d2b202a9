// Package validator implements the structural lint pass (spec §4.7):
// pure and syntactic, never invoking the engine. It checks brace
// balance, environment nesting, and flags a handful of deprecated
// LaTeX idioms.
package validator

import (
	"fmt"
	"regexp"
	"strings"
)

// Severity distinguishes a hard error from an advisory warning.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validator finding.
type Issue struct {
	Line     int
	Column   int // 0 when not applicable
	Message  string
	Severity Severity
}

// Result is the validator's full report (spec §4.7).
type Result struct {
	Valid    bool
	Errors   []Issue
	Warnings []string
}

var (
	docClassRe  = regexp.MustCompile(`\\documentclass(\[[^\]]*\])?\{[^}]+\}`)
	docBeginRe  = regexp.MustCompile(`\\begin\{document\}`)
	docEndRe    = regexp.MustCompile(`\\end\{document\}`)
	dollarMathRe = regexp.MustCompile(`\$\$`)
	bareFontRe  = regexp.MustCompile(`\\(bf|it|rm|sf|tt)\b`)

	fontSuggestion = map[string]string{
		"bf": `\textbf{}`,
		"it": `\textit{}`,
		"rm": `\textrm{}`,
		"sf": `\textsf{}`,
		"tt": `\texttt{}`,
	}
)

// Validate lints a root file's text content and returns a full report.
func Validate(text string) Result {
	var errs []Issue
	var warns []string

	if !docClassRe.MatchString(text) {
		errs = append(errs, Issue{Message: "missing \\documentclass directive", Severity: SeverityError})
	}
	// Effectively-empty input already failed the documentclass check
	// above; reporting a second, redundant missing-pair error on top of
	// it would contradict the single-error boundary case (spec §8).
	if strings.TrimSpace(text) != "" && (!docBeginRe.MatchString(text) || !docEndRe.MatchString(text)) {
		errs = append(errs, Issue{Message: "missing matching \\begin{document}/\\end{document} pair", Severity: SeverityError})
	}

	if issue, ok := checkBalancedBraces(text); !ok {
		errs = append(errs, issue)
	}

	errs = append(errs, checkEnvironmentBalance(text)...)

	warns = append(warns, checkDeprecations(text)...)

	return Result{
		Valid:    len(errs) == 0,
		Errors:   errs,
		Warnings: warns,
	}
}

// checkBalancedBraces scans tracking `{`/`}` with escape awareness: a
// brace preceded by an odd run of backslashes is literal, not a group
// delimiter (spec §4.7).
func checkBalancedBraces(text string) (Issue, bool) {
	depth := 0
	line := 1

	for i := 0; i < len(text); i++ {
		c := text[i]
		if c == '\n' {
			line++
			continue
		}
		if c != '{' && c != '}' {
			continue
		}
		if escaped(text, i) {
			continue
		}
		if c == '{' {
			depth++
		} else {
			depth--
			if depth < 0 {
				return Issue{
					Line:     line,
					Message:  fmt.Sprintf("unmatched closing brace, running count %d", depth),
					Severity: SeverityError,
				}, false
			}
		}
	}

	if depth != 0 {
		return Issue{
			Line:     line,
			Message:  fmt.Sprintf("unbalanced braces, final running count %d", depth),
			Severity: SeverityError,
		}, false
	}
	return Issue{}, true
}

// escaped reports whether the byte at i is preceded by an odd run of
// backslashes, making it a literal character rather than a control
// character.
func escaped(text string, i int) bool {
	n := 0
	for j := i - 1; j >= 0 && text[j] == '\\'; j-- {
		n++
	}
	return n%2 == 1
}

var envRe = regexp.MustCompile(`\\(begin|end)\{([^}]+)\}`)

// checkEnvironmentBalance stack-matches \begin{X}/\end{X} pairs and
// reports the line and names of any mismatch (spec §4.7).
func checkEnvironmentBalance(text string) []Issue {
	var issues []Issue
	var stack []string

	lineOf := lineIndexer(text)

	for _, m := range envRe.FindAllStringSubmatchIndex(text, -1) {
		kind := text[m[2]:m[3]]
		name := text[m[4]:m[5]]
		line := lineOf(m[0])

		if kind == "begin" {
			stack = append(stack, name)
			continue
		}

		if len(stack) == 0 {
			issues = append(issues, Issue{
				Line:     line,
				Message:  fmt.Sprintf("\\end{%s} with no matching \\begin", name),
				Severity: SeverityError,
			})
			continue
		}
		top := stack[len(stack)-1]
		if top != name {
			issues = append(issues, Issue{
				Line:     line,
				Message:  fmt.Sprintf("environment mismatch: expected \\end{%s}, found \\end{%s}", top, name),
				Severity: SeverityError,
			})
		}
		stack = stack[:len(stack)-1]
	}

	for _, name := range stack {
		issues = append(issues, Issue{
			Message:  fmt.Sprintf("\\begin{%s} never closed", name),
			Severity: SeverityError,
		})
	}

	return issues
}

// checkDeprecations flags $$...$$ display math and bare font-switch
// commands, suggesting their modern replacements (spec §4.7).
func checkDeprecations(text string) []string {
	var warns []string

	if dollarMathRe.MatchString(text) {
		warns = append(warns, `use \[ ... \] instead of $$ ... $$ for display math`)
	}

	seen := make(map[string]bool)
	for _, m := range bareFontRe.FindAllStringSubmatch(text, -1) {
		cmd := m[1]
		if seen[cmd] {
			continue
		}
		seen[cmd] = true
		warns = append(warns, fmt.Sprintf(`use %s instead of bare \%s`, fontSuggestion[cmd], cmd))
	}

	return warns
}

// lineIndexer returns a function mapping a byte offset in text to its
// 1-based line number, computed once up front.
func lineIndexer(text string) func(offset int) int {
	lineStarts := []int{0}
	for i, c := range text {
		if c == '\n' {
			lineStarts = append(lineStarts, i+1)
		}
	}
	return func(offset int) int {
		lo, hi := 0, len(lineStarts)-1
		for lo < hi {
			mid := (lo + hi + 1) / 2
			if lineStarts[mid] <= offset {
				lo = mid
			} else {
				hi = mid - 1
			}
		}
		return lo + 1
	}
}
