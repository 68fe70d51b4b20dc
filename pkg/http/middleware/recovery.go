package middleware

import (
	"net/http"
	"runtime/debug"

	applogger "github.com/obertruper/BOT-AI-V3-sub001/pkg/logger"

	"github.com/labstack/echo/v4"
)

// Recover converts handler panics into a 500 envelope response instead of
// tearing down the connection.
func Recover(log *applogger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				log.Error("panic in http handler",
					applogger.String("uri", c.Request().RequestURI),
					applogger.Any("panic", r),
					applogger.String("stack", string(debug.Stack())))
				err = c.JSON(http.StatusInternalServerError, map[string]interface{}{
					"status":  http.StatusInternalServerError,
					"message": http.StatusText(http.StatusInternalServerError),
				})
			}()
			return next(c)
		}
	}
}
