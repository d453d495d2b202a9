// Command tachyontex runs the LaTeX compilation service: it bootstraps
// the shared bundle, caches, and orchestrator, registers the HTTP
// surface, and serves until shut down. Adapted from the teacher's
// cmd/orchestrator/main.go: bootstrap.Setup, echo middleware, route
// registration, graceful server start, in the same order.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/tachyontex/service/internal/bootstrap"
	"github.com/tachyontex/service/internal/httpapi"
	"github.com/tachyontex/service/internal/ingestion"
	"github.com/tachyontex/service/internal/server"
)

func main() {
	ctx := context.Background()

	components, err := bootstrap.Setup(ctx, "tachyontex")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to bootstrap tachyontex: %v\n", err)
		if strings.Contains(err.Error(), "failed to load config") {
			os.Exit(2)
		}
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	e := setupEcho()
	setupMiddleware(e)
	setupHealthCheck(e)

	h := httpapi.New(components.Orchestrator, components.Bundle, components.Webhook,
		ingestionLimits(components), sessionBlobCapBytes,
		components.RateLimit, components.Config.RateLimit.GlobalLimit, components.Logger)
	httpapi.Register(e, h)

	srv := server.New("tachyontex", components.Config.Service.Port, e, components.Logger)
	if err := srv.Start(); err != nil {
		components.Logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	return e
}

func setupMiddleware(e *echo.Echo) {
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())
	e.Use(httpapi.Compression())
}

func setupHealthCheck(e *echo.Echo) {
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(200, map[string]string{"status": "ok", "service": "tachyontex"})
	})
}

func ingestionLimits(c *bootstrap.Components) ingestion.Limits {
	return ingestion.Limits{
		MaxProjectBytes: int64(c.Config.Ingestion.MaxProjectSizeMB) << 20,
		MaxZipExpansion: int64(c.Config.Ingestion.MaxZipExpansion),
	}
}

// sessionBlobCapBytes bounds each stream session's own BlobStore; the
// process-wide store is sized from BLOB_STORE_CAP_MB in bootstrap.Setup.
const sessionBlobCapBytes int64 = 64 << 20
