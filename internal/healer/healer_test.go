package healer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAttempt_MissingEndDocument(t *testing.T) {
	src := `\documentclass{article}
\begin{document}
hello`

	healed, fixes, ok := Attempt(src, "")
	assert.True(t, ok)
	assert.Contains(t, fixes, "missing_end_document")
	assert.Contains(t, healed, `\end{document}`)
}

func TestAttempt_UndefinedCommandStubbed(t *testing.T) {
	src := `\documentclass{article}
\begin{document}
\mycustommacro{x}
\end{document}`
	log := `[Error] main.tex:3: Undefined control sequence`

	healed, fixes, ok := Attempt(src, log)
	assert.True(t, ok)
	assert.Contains(t, fixes, "undefined_command")
	assert.Contains(t, healed, `\providecommand{\mycustommacro}`)
}

func TestAttempt_ProtectedCommandNeverStubbed(t *testing.T) {
	src := `\documentclass{article}
\begin{document}
\textbf{bold}
\end{document}`
	log := `[Error] main.tex:3: Undefined control sequence`

	healed, _, _ := Attempt(src, log)
	assert.NotContains(t, healed, `\providecommand{\textbf}`)
}

func TestAttempt_RunawayBraceClosed(t *testing.T) {
	src := `\documentclass{article}
\begin{document}
\textbf{unclosed
\end{document}`
	log := "Runaway argument"

	healed, fixes, ok := Attempt(src, log)
	assert.True(t, ok)
	assert.Contains(t, fixes, "unbalanced_brace")
	assert.Contains(t, healed, "}\n\\end{document}")
}

func TestAttempt_NoApplicableFix(t *testing.T) {
	src := `\documentclass{article}
\begin{document}
\end{document}`

	_, fixes, ok := Attempt(src, "")
	assert.False(t, ok)
	assert.Empty(t, fixes)
}
