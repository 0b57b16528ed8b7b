package middleware

import (
	"github.com/aidarkhanov/nanoid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

const requestIDAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// RequestID returns Echo's request ID middleware with short lowercase nanoid
// identifiers. A caller-supplied X-Request-Id is kept.
func RequestID() echo.MiddlewareFunc {
	return echomw.RequestIDWithConfig(echomw.RequestIDConfig{
		Generator: newRequestID,
	})
}

func newRequestID() string {
	id, _ := nanoid.Generate(requestIDAlphabet, 20)
	return id
}
