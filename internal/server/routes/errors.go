package routes

import (
	"errors"
	"io/fs"
	"net/http"

	"github.com/OFFIS-RIT/ipdr/internal/jobs"
	"github.com/OFFIS-RIT/ipdr/internal/server/middleware"
	"github.com/OFFIS-RIT/ipdr/internal/storage"
	"github.com/OFFIS-RIT/ipdr/pkg/dataset"
	"github.com/OFFIS-RIT/ipdr/pkg/logger"
	"github.com/OFFIS-RIT/ipdr/pkg/record"

	"github.com/labstack/echo/v4"
)

type errorResponse struct {
	Error string `json:"error"`
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, dataset.ErrEntityNotFound),
		errors.Is(err, jobs.ErrJobNotFound),
		errors.Is(err, storage.ErrNotFound),
		errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, dataset.ErrNoActiveDataset),
		errors.Is(err, jobs.ErrJobNotReady),
		errors.Is(err, jobs.ErrJobNotCancellable):
		return http.StatusConflict
	case errors.Is(err, dataset.ErrInvalidFilter),
		errors.Is(err, jobs.ErrInvalidParams),
		errors.Is(err, jobs.ErrUnknownJobType):
		return http.StatusBadRequest
	case errors.Is(err, record.ErrInvalidDataset):
		return http.StatusUnprocessableEntity
	case errors.Is(err, jobs.ErrQueueFull),
		errors.Is(err, jobs.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// fail writes err with the matching status code. Internal errors are logged
// and not exposed.
func fail(c echo.Context, err error) error {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		logger.Error("[Server] Request failed", "path", c.Path(), "err", err)
		return c.JSON(status, errorResponse{Error: "Internal server error"})
	}
	return c.JSON(status, errorResponse{Error: err.Error()})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, errorResponse{Error: msg})
}

// bind binds and validates request parameters into params. The returned
// message is meant for the client.
func bind(c echo.Context, params any) (string, bool) {
	if err := c.Bind(params); err != nil {
		return "Invalid request params", false
	}
	if err := c.Validate(params); err != nil {
		return "Invalid request params: " + err.Error(), false
	}
	return "", true
}

// bindQuery is bind for requests whose body is not a parameter document,
// such as uploads. Only query parameters are read.
func bindQuery(c echo.Context, params any) (string, bool) {
	if err := (&echo.DefaultBinder{}).BindQueryParams(c, params); err != nil {
		return "Invalid request params", false
	}
	if err := c.Validate(params); err != nil {
		return "Invalid request params: " + err.Error(), false
	}
	return "", true
}

func app(c echo.Context) *middleware.App {
	return c.(*middleware.AppContext).App
}
