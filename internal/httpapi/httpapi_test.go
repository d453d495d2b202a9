package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tachyontex/service/internal/apperr"
	"github.com/tachyontex/service/internal/blobstore"
	"github.com/tachyontex/service/internal/bundle"
	"github.com/tachyontex/service/internal/engine"
	"github.com/tachyontex/service/internal/formatcache"
	"github.com/tachyontex/service/internal/ingestion"
	"github.com/tachyontex/service/internal/logger"
	"github.com/tachyontex/service/internal/orchestrator"
	"github.com/tachyontex/service/internal/pdfcache"
	"github.com/tachyontex/service/internal/webhook"
)

func testLogger() *logger.Logger { return logger.New("error", "text") }

func newTestHandler(t *testing.T) *Handler {
	b := bundle.Load(map[string][]byte{"graphicx.sty": []byte("x")})
	pdfC := pdfcache.New(true, 1<<20, time.Hour, testLogger())
	t.Cleanup(pdfC.Close)
	fmtC := formatcache.New(true, 1<<20, time.Hour, testLogger())
	t.Cleanup(fmtC.Close)
	blobs := blobstore.NewStore(1 << 20)

	orch := orchestrator.New(b, pdfC, fmtC, blobs, engine.NewStub(), orchestrator.Config{
		CompileTimeout:   time.Second,
		BlockingPoolSize: 4,
		OverloadFactor:   2,
	}, nil, nil, testLogger())

	dispatcher, err := webhook.New(4, testLogger())
	require.NoError(t, err)
	t.Cleanup(dispatcher.Close)

	return New(orch, b, dispatcher, ingestion.DefaultLimits(), 1<<20, nil, 0, testLogger())
}

func newContext(method, target, body, contentType string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestIndex_ReturnsHTML(t *testing.T) {
	h := newTestHandler(t)
	c, rec := newContext(http.MethodGet, "/", "", "")

	require.NoError(t, h.Index(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Tachyon-Tex")
}

func TestPackages_ListsBundleNames(t *testing.T) {
	h := newTestHandler(t)
	c, rec := newContext(http.MethodGet, "/packages", "", "")

	require.NoError(t, h.Packages(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "graphicx.sty")
}

func TestValidate_ReturnsReportEvenForInvalidInput(t *testing.T) {
	h := newTestHandler(t)
	c, rec := newContext(http.MethodPost, "/validate", `\begin{document}`, "text/plain")

	require.NoError(t, h.Validate(c))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCompile_JSONStreamSuccess(t *testing.T) {
	h := newTestHandler(t)
	body := `{"main":"main.tex","files":{"main.tex":"\\documentclass{article}\\begin{document}hi\\end{document}"}}`
	c, rec := newContext(http.MethodPost, "/compile", body, "application/json")

	require.NoError(t, h.Compile(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("X-Compile-Time-Ms"))
}

func TestCompile_EmptySubmissionReturns400(t *testing.T) {
	h := newTestHandler(t)
	c, rec := newContext(http.MethodPost, "/compile", `{"files":{}}`, "application/json")

	require.NoError(t, h.Compile(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "NoFiles")
}

func TestCompile_NoRootFoundReturns400(t *testing.T) {
	h := newTestHandler(t)
	body := `{"files":{"notes.tex":"no document marker here"}}`
	c, rec := newContext(http.MethodPost, "/compile", body, "application/json")

	require.NoError(t, h.Compile(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubscribeWebhook_ValidRequestReturns201(t *testing.T) {
	h := newTestHandler(t)
	body := `{"url":"http://example.com/hook","events":["compile.success"]}`
	c, rec := newContext(http.MethodPost, "/webhooks", body, "application/json")

	require.NoError(t, h.SubscribeWebhook(c))
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), "id")
}

func TestSubscribeWebhook_InvalidFilterReturns400(t *testing.T) {
	h := newTestHandler(t)
	body := `{"url":"http://example.com/hook","events":["compile.success"],"filter":"not a valid ("}`
	c, rec := newContext(http.MethodPost, "/webhooks", body, "application/json")

	require.NoError(t, h.SubscribeWebhook(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnsubscribeWebhook_ReturnsNoContent(t *testing.T) {
	h := newTestHandler(t)

	sub, rec := newContext(http.MethodPost, "/webhooks", `{"url":"http://example.com/hook","events":["compile.success"]}`, "application/json")
	require.NoError(t, h.SubscribeWebhook(sub))
	require.Equal(t, http.StatusCreated, rec.Code)

	c, rec2 := newContext(http.MethodDelete, "/webhooks/anything", "", "")
	c.SetParamNames("id")
	c.SetParamValues("anything")

	require.NoError(t, h.UnsubscribeWebhook(c))
	assert.Equal(t, http.StatusNoContent, rec2.Code)
}

func TestWriteErr_MapsAppErrKindToStatus(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := writeErr(c, apperr.New(apperr.KindOverloaded, "pool exhausted"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "Overloaded")
}

func TestWriteErr_UnrecognizedErrorMapsTo500(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := writeErr(c, assertAnError{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

type assertAnError struct{}

func (assertAnError) Error() string { return "boom" }
