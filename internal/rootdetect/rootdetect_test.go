package rootdetect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tachyontex/service/internal/apperr"
	"github.com/tachyontex/service/internal/models"
)

func TestDetect_PrefersExplicitRootName(t *testing.T) {
	p := models.NewProject()
	p.RootName = "entry.tex"
	p.Files["entry.tex"] = models.TextContent([]byte(`\begin{document}\end{document}`))
	p.Files["main.tex"] = models.TextContent([]byte(`\begin{document}\end{document}`))

	root, err := Detect(p)
	require.NoError(t, err)
	assert.Equal(t, "entry.tex", root)
}

func TestDetect_SingleCandidate(t *testing.T) {
	p := models.NewProject()
	p.Files["paper.tex"] = models.TextContent([]byte(`\begin{document}\end{document}`))
	p.Files["notes.tex"] = models.TextContent([]byte(`no marker here`))

	root, err := Detect(p)
	require.NoError(t, err)
	assert.Equal(t, "paper.tex", root)
}

func TestDetect_NoCandidates(t *testing.T) {
	p := models.NewProject()
	p.Files["notes.tex"] = models.TextContent([]byte(`no marker here`))

	_, err := Detect(p)
	require.Error(t, err)
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindNoRootFound, appErr.Kind)
}

func TestDetect_TiebreakByConventionalName(t *testing.T) {
	p := models.NewProject()
	p.Files["chapter1.tex"] = models.TextContent([]byte(`\begin{document}\end{document}`))
	p.Files["main.tex"] = models.TextContent([]byte(`\begin{document}\end{document}`))

	root, err := Detect(p)
	require.NoError(t, err)
	assert.Equal(t, "main.tex", root)
}

func TestDetect_BinaryFilesIgnored(t *testing.T) {
	p := models.NewProject()
	p.Files["image.png"] = models.BinaryContent([]byte(`\begin{document}`))
	p.Files["main.tex"] = models.TextContent([]byte(`\begin{document}\end{document}`))

	root, err := Detect(p)
	require.NoError(t, err)
	assert.Equal(t, "main.tex", root)
}
