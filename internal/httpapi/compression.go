package httpapi

import (
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/labstack/echo/v4"
)

// zstdResponseWriter wraps echo's response writer, transparently
// zstd-compressing the body for clients that advertise support. The
// direct analogue of the original Rust service's
// tower_http::compression::CompressionLayer.
type zstdResponseWriter struct {
	io.Writer
	http.ResponseWriter
}

func (w *zstdResponseWriter) Write(b []byte) (int, error) {
	return w.Writer.Write(b)
}

// Compression returns middleware that zstd-encodes responses when the
// client's Accept-Encoding header lists it.
func Compression() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !strings.Contains(c.Request().Header.Get(echo.HeaderAcceptEncoding), "zstd") {
				return next(c)
			}
			res := c.Response()
			enc, err := zstd.NewWriter(res.Writer)
			if err != nil {
				return next(c)
			}
			defer enc.Close()

			res.Header().Set(echo.HeaderContentEncoding, "zstd")
			res.Writer = &zstdResponseWriter{Writer: enc, ResponseWriter: res.Writer}
			return next(c)
		}
	}
}
