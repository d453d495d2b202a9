package engine

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tachyontex/service/internal/bundle"
	"github.com/tachyontex/service/internal/vfs"
)

func TestStubEngine_CompileProducesPDF(t *testing.T) {
	e := NewStub()
	b := bundle.Load(map[string][]byte{"graphicx.sty": []byte("x")})
	v := vfs.New(map[string][]byte{
		"main.tex": []byte(`\documentclass{article}\usepackage{graphicx}\begin{document}hi\end{document}`),
	})

	res, err := e.Compile(context.Background(), v, b, "main.tex", nil)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(res.PDF, []byte("%PDF-1.4")))
	assert.NotEmpty(t, res.Log)

	pdfOut, ok := v.OutputFile(OutputPDFName)
	require.True(t, ok)
	assert.Equal(t, res.PDF, pdfOut)
}

func TestStubEngine_MissingPackageFails(t *testing.T) {
	e := NewStub()
	b := bundle.Load(map[string][]byte{})
	v := vfs.New(map[string][]byte{
		"main.tex": []byte(`\documentclass{article}\usepackage{nonexistent}\begin{document}\end{document}`),
	})

	_, err := e.Compile(context.Background(), v, b, "main.tex", nil)
	assert.Error(t, err)
}

func TestStubEngine_FormatDumpNotedInLog(t *testing.T) {
	e := NewStub()
	b := bundle.Load(map[string][]byte{})
	v := vfs.New(map[string][]byte{
		"main.tex": []byte(`\begin{document}\end{document}`),
	})

	res, err := e.Compile(context.Background(), v, b, "main.tex", []byte("cached-preamble-state"))
	require.NoError(t, err)
	assert.Contains(t, res.Log, "Loaded format dump")
}

func TestStubEngine_Dump(t *testing.T) {
	e := NewStub()
	b := bundle.Load(map[string][]byte{})

	dump, err := e.Dump(context.Background(), []byte("preamble bytes"), b)
	require.NoError(t, err)
	assert.Equal(t, "preamble bytes", string(dump))
}

func TestStubEngine_RespectsCancelledContext(t *testing.T) {
	e := NewStub()
	b := bundle.Load(map[string][]byte{})
	v := vfs.New(map[string][]byte{"main.tex": []byte(`\begin{document}\end{document}`)})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Compile(ctx, v, b, "main.tex", nil)
	assert.ErrorIs(t, err, context.Canceled)
}
