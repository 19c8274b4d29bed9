package api

import (
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-ID"

// requestLogger tags each request with an ID and writes one access line.
func requestLogger(logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		reqID := c.Get(requestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Set(requestIDHeader, reqID)

		err := c.Next()

		route := ""
		if c.Route() != nil {
			route = c.Route().Path
		}
		status := c.Response().StatusCode()
		if err != nil {
			// The error handler has not run yet.
			status = statusFor(err)
		}
		level := slog.LevelInfo
		if status >= fiber.StatusInternalServerError {
			level = slog.LevelError
		}
		logger.Log(c.UserContext(), level, "http_access",
			"method", c.Method(),
			"path", c.Path(),
			"route", route,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.IP(),
			"request_id", reqID,
		)
		return err
	}
}

// errorHandler renders every returned error as an ErrorResponse.
func errorHandler(logger *slog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := statusFor(err)
		if code >= fiber.StatusInternalServerError && code != fiber.StatusServiceUnavailable {
			logger.Error("request failed", "path", c.Path(), "err", err)
		}
		return c.Status(code).JSON(ErrorResponse{Error: err.Error()})
	}
}
