package httpapi

import (
	"github.com/labstack/echo/v4"
)

// Register wires every route spec §6 names onto e, following the
// teacher's RegisterXRoutes(e, ...) convention of one function per
// handler group with an inline route table.
func Register(e *echo.Echo, h *Handler) {
	e.GET("/", h.Index)
	e.GET("/packages", h.Packages)
	e.POST("/validate", h.Validate)
	e.POST("/compile", h.Compile)

	webhooks := e.Group("/webhooks")
	{
		webhooks.POST("", h.SubscribeWebhook)
		webhooks.DELETE("/:id", h.UnsubscribeWebhook)
	}

	e.GET("/ws", h.Stream)
}
