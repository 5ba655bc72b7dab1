package api

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/patchpanel/remotefs/pkg/backend"
	"github.com/patchpanel/remotefs/pkg/engine"
	"github.com/patchpanel/remotefs/pkg/jobs"
)

// errorBody is the JSON envelope for every error response.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// errorHandler maps engine and backend errors onto HTTP statuses. The
// mapping is part of the API contract: traversal attempts are client
// errors, unreachable backends are 503, and backend-side failures are
// 502 so callers can tell remotefs problems from remote ones.
func errorHandler(c *fiber.Ctx, err error) error {
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return respondError(c, fiberErr.Code, "invalid_request", fiberErr.Message)
	}

	switch {
	case errors.Is(err, engine.ErrInvalidRequest):
		return respondError(c, fiber.StatusBadRequest, "invalid_request", err.Error())

	case errors.Is(err, engine.ErrPathTraversal):
		return respondError(c, fiber.StatusBadRequest, "path_traversal", err.Error())

	case errors.Is(err, engine.ErrConnectionUnavailable):
		return respondError(c, fiber.StatusServiceUnavailable, "connection_unavailable", err.Error())

	case errors.Is(err, backend.ErrNotFound), errors.Is(err, jobs.ErrNotFound):
		return respondError(c, fiber.StatusNotFound, "not_found", err.Error())

	case errors.Is(err, engine.ErrCancelled):
		return respondError(c, fiber.StatusConflict, "cancelled", err.Error())
	}

	var opErr *engine.BackendOperationError
	if errors.As(err, &opErr) {
		return respondError(c, fiber.StatusBadGateway, "backend_operation_failed", err.Error())
	}

	// Registry lookups return plain errors; their not-found shape is
	// stable.
	if strings.Contains(err.Error(), "not found") {
		return respondError(c, fiber.StatusNotFound, "not_found", err.Error())
	}

	return respondError(c, fiber.StatusInternalServerError, "internal", err.Error())
}

func respondError(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(errorBody{Error: errorDetail{Code: code, Message: message}})
}

// badRequest is a convenience for handler-level validation failures.
func badRequest(c *fiber.Ctx, message string) error {
	return respondError(c, fiber.StatusBadRequest, "invalid_request", message)
}
