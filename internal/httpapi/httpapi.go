// Package httpapi exposes the service's external HTTP surface (spec
// §6) over labstack/echo: the editor asset, package listing,
// validator, compile, webhook subscription, and stream-session
// upgrade endpoints. Handler shape follows the teacher's
// cmd/orchestrator/handlers convention: one struct per concern,
// constructed with its dependencies, methods matching echo.HandlerFunc.
package httpapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/tachyontex/service/internal/apperr"
	"github.com/tachyontex/service/internal/bundle"
	"github.com/tachyontex/service/internal/ingestion"
	"github.com/tachyontex/service/internal/logger"
	"github.com/tachyontex/service/internal/models"
	"github.com/tachyontex/service/internal/orchestrator"
	"github.com/tachyontex/service/internal/ratelimit"
	"github.com/tachyontex/service/internal/session"
	"github.com/tachyontex/service/internal/validator"
	"github.com/tachyontex/service/internal/webhook"
)

// Handler holds every dependency the HTTP surface needs.
type Handler struct {
	orch            *orchestrator.Orchestrator
	bundle          *bundle.Bundle
	dispatcher      *webhook.Dispatcher
	limits          ingestion.Limits
	sessionCap      int64
	rateLimit       *ratelimit.Limiter
	rateLimitPerMin int64
	log             *logger.Logger
	upgrader        websocket.Upgrader
}

// PackageInfo describes one bundled TeX package (spec §6 /packages).
type PackageInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// New builds a Handler. rateLimit may be nil, in which case the global
// rate limit is never consulted.
func New(orch *orchestrator.Orchestrator, b *bundle.Bundle, dispatcher *webhook.Dispatcher, limits ingestion.Limits, sessionCapBytes int64, rateLimit *ratelimit.Limiter, rateLimitPerMin int64, log *logger.Logger) *Handler {
	return &Handler{
		orch:            orch,
		bundle:          b,
		dispatcher:      dispatcher,
		limits:          limits,
		sessionCap:      sessionCapBytes,
		rateLimit:       rateLimit,
		rateLimitPerMin: rateLimitPerMin,
		log:             log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Index serves the editor asset (spec §6 GET /).
func (h *Handler) Index(c echo.Context) error {
	return c.HTML(http.StatusOK, editorHTML)
}

// Packages lists the bundle's loaded TeX packages (spec §6 GET /packages).
func (h *Handler) Packages(c echo.Context) error {
	pkgs := h.bundle.Names()
	out := make([]PackageInfo, 0, len(pkgs))
	for _, name := range pkgs {
		out = append(out, PackageInfo{Name: name, Description: "", Category: "bundle"})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"count":    len(out),
		"packages": out,
	})
}

// Validate runs the structural lint pass and always returns 200 with
// the validator's JSON report, even for invalid input (spec §6,
// §7 ValidationFailed note).
func (h *Handler) Validate(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "could not read request body"})
	}
	result := validator.Validate(string(body))
	return c.JSON(http.StatusOK, result)
}

// Compile ingests a submission, drives the orchestrator, and responds
// with the PDF on success or the appropriate error status (spec §6
// POST /compile).
func (h *Handler) Compile(c echo.Context) error {
	req := c.Request()

	if h.rateLimit != nil {
		limit, limitErr := h.rateLimit.CheckGlobal(req.Context(), h.rateLimitPerMin)
		if limitErr != nil {
			h.log.Warn("ratelimit: check failed, allowing request", "error", limitErr)
		} else if !limit.Allowed {
			c.Response().Header().Set("Retry-After", strconv.FormatInt(limit.RetryAfterSeconds, 10))
			return writeErr(c, apperr.New(apperr.KindOverloaded, "global compile rate limit exceeded"))
		}
	}

	contentType := req.Header.Get("Content-Type")

	var proj *models.Project
	var err error

	if err = req.ParseMultipartForm(h.limits.MaxProjectBytes + (1 << 20)); err == nil && req.MultipartForm != nil {
		proj, err = ingestion.FromMultipart(req.MultipartForm, h.limits)
	} else if isZipContentType(contentType) {
		var data []byte
		data, err = io.ReadAll(req.Body)
		if err == nil {
			proj, err = ingestion.FromZip(data, h.limits)
		}
	} else {
		var data []byte
		data, err = io.ReadAll(req.Body)
		if err == nil {
			proj, err = ingestion.FromJSONStream(data, h.limits, false)
		}
	}

	if err != nil {
		return writeErr(c, err)
	}
	if proj == nil || len(proj.Files) == 0 {
		return writeErr(c, apperr.New(apperr.KindNoFiles, "empty submission"))
	}

	result, err := h.orch.Compile(req.Context(), proj, nil)
	if err != nil {
		return writeErr(c, err)
	}

	c.Response().Header().Set("X-Compile-Time-Ms", strconv.FormatInt(result.CompileTimeMs, 10))
	c.Response().Header().Set("X-Cache", string(result.PdfCacheStatus))
	c.Response().Header().Set("X-Files-Received", strconv.Itoa(result.FilesReceived))
	if result.PdfCacheStatus == orchestrator.CacheHit {
		c.Response().Header().Set("X-Original-Compile-Time-Ms", strconv.FormatInt(result.OriginalCompileTimeMs, 10))
	}
	if result.FormatCacheConsulted {
		c.Response().Header().Set("X-Preamble-Hash", fmt.Sprintf("%016x", result.PreambleHash))
		c.Response().Header().Set("X-HMR", string(result.FormatCacheStatus))
	}

	return c.Blob(http.StatusOK, "application/pdf", result.PDF)
}

// SubscribeWebhook registers a webhook subscription (spec §6 POST /webhooks).
func (h *Handler) SubscribeWebhook(c echo.Context) error {
	var req struct {
		URL    string   `json:"url"`
		Events []string `json:"events"`
		Filter string   `json:"filter,omitempty"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed subscription request"})
	}

	id, err := h.dispatcher.Subscribe(req.URL, req.Events, req.Filter)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusCreated, map[string]string{"id": id})
}

// UnsubscribeWebhook removes a subscription (spec §6 DELETE /webhooks/{id}).
func (h *Handler) UnsubscribeWebhook(c echo.Context) error {
	h.dispatcher.Unsubscribe(c.Param("id"))
	return c.NoContent(http.StatusNoContent)
}

// Stream upgrades the connection to the persistent bidirectional
// session protocol (spec §4.11, §6 GET /ws).
func (h *Handler) Stream(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	sess := session.New(conn, h.orch, h.sessionCap, h.log)
	go sess.Serve(context.Background())
	return nil
}

func isZipContentType(ct string) bool {
	return ct == "application/zip" || ct == "application/x-zip-compressed"
}

func writeErr(c echo.Context, err error) error {
	if appErr, ok := apperr.As(err); ok {
		body := map[string]string{
			"error":   string(appErr.Kind),
			"message": appErr.Message,
		}
		if appErr.Log != "" {
			body["log"] = appErr.Log
		}
		return c.JSON(appErr.Kind.HTTPStatus(), body)
	}
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

const editorHTML = `<!DOCTYPE html>
<html>
<head><title>Tachyon-Tex</title></head>
<body>
<h1>Tachyon-Tex</h1>
<p>POST a project to /compile to receive a PDF.</p>
</body>
</html>`
