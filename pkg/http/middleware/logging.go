package middleware

import (
	"time"

	applogger "github.com/obertruper/BOT-AI-V3-sub001/pkg/logger"

	"github.com/labstack/echo/v4"
)

// RequestLogging emits one debug line per request. Errors and slow
// requests get their own entries from the metrics middleware.
func RequestLogging(log *applogger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			log.Debug("http request",
				applogger.String("method", c.Request().Method),
				applogger.String("uri", c.Request().RequestURI),
				applogger.String("remote", c.Request().RemoteAddr),
				applogger.Int("status", c.Response().Status),
				applogger.Duration("duration_ms", time.Since(start)))
			return err
		}
	}
}
