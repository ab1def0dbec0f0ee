package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/bhyt/costdash/internal/platform/auth"
)

// Recovery turns a handler panic into a 500 and logs it with the caller and
// the import session it touched. The response carries the request id so a
// report from the client can be matched to the log line.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				req := c.Request()
				rid, _ := c.Get("request_id").(string)
				ev := logger.Error().
					Str("request_id", rid).
					Str("method", req.Method).
					Str("route", c.Path()).
					Str("user_id", auth.UserIDFromContext(req.Context())).
					Str("panic", fmt.Sprint(r)).
					Bytes("stack", debug.Stack())
				if id := c.Param("id"); id != "" {
					ev = ev.Str("session_id", id)
				}
				ev.Msg("panic recovered")

				msg := "internal server error"
				if rid != "" {
					msg = fmt.Sprintf("internal server error (request %s)", rid)
				}
				err = echo.NewHTTPError(http.StatusInternalServerError, msg)
			}()
			return next(c)
		}
	}
}
