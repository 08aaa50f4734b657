package apiv1

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// HttpServerBaseRoute prefixes every gateway API route.
const HttpServerBaseRoute string = "/api/v1"

// Response is the envelope every handler returns. Error paths use the same
// shape so the CLI client decodes one structure for all status codes.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func SuccessResponse(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, Response{Success: true, Data: data})
}

func ErrorResponse(c echo.Context, code int, message string) error {
	return c.JSON(code, Response{Success: false, Error: message})
}

// apiError aborts a handler; echo's error handler renders the envelope.
func apiError(code int, message string) error {
	return echo.NewHTTPError(code, Response{Success: false, Error: message})
}

func HTTPBadRequest(message string) error {
	return apiError(http.StatusBadRequest, message)
}

func HTTPUnauthorized(message string) error {
	return apiError(http.StatusUnauthorized, message)
}

func HTTPNotFound() error {
	return apiError(http.StatusNotFound, "not found")
}

func HTTPInternalServerError(message string) error {
	return apiError(http.StatusInternalServerError, message)
}
