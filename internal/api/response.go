// Package api provides HTTP handlers and routing for the jobqueue REST API.
package api

import (
	"github.com/gofiber/fiber/v2"
)

// APIResponse wraps every JSON body. Exactly one of Data and Error is set.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *APIError   `json:"error,omitempty"`
}

// APIError describes a failed request.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes.
const (
	ErrCodeBadRequest       = "BAD_REQUEST"
	ErrCodeValidationFailed = "VALIDATION_FAILED"
	ErrCodeForbidden        = "FORBIDDEN"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeInternalError    = "INTERNAL_ERROR"
	ErrCodeUnavailable      = "SERVICE_UNAVAILABLE"
)

var statusCodes = map[int]string{
	fiber.StatusBadRequest:          ErrCodeBadRequest,
	fiber.StatusForbidden:           ErrCodeForbidden,
	fiber.StatusNotFound:            ErrCodeNotFound,
	fiber.StatusConflict:            ErrCodeConflict,
	fiber.StatusServiceUnavailable:  ErrCodeUnavailable,
	fiber.StatusInternalServerError: ErrCodeInternalError,
}

// Success sends data with status 200.
func Success(c *fiber.Ctx, data interface{}) error {
	return c.JSON(APIResponse{Success: true, Data: data})
}

// Created sends data with status 201.
func Created(c *fiber.Ctx, data interface{}) error {
	return c.Status(fiber.StatusCreated).JSON(APIResponse{Success: true, Data: data})
}

// NoContent sends an empty 204 response.
func NoContent(c *fiber.Ctx) error {
	return c.SendStatus(fiber.StatusNoContent)
}

// Fail sends an error response. The error code follows from status;
// unknown client errors become BAD_REQUEST and everything else
// INTERNAL_ERROR.
func Fail(c *fiber.Ctx, status int, message string) error {
	code, ok := statusCodes[status]
	if !ok {
		code = ErrCodeInternalError
		if status < fiber.StatusInternalServerError {
			code = ErrCodeBadRequest
		}
	}
	return failWithCode(c, status, code, message)
}

// ValidationError sends a 400 for request parameters that fail validation.
func ValidationError(c *fiber.Ctx, message string) error {
	return failWithCode(c, fiber.StatusBadRequest, ErrCodeValidationFailed, message)
}

func failWithCode(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(APIResponse{
		Error: &APIError{Code: code, Message: message},
	})
}
