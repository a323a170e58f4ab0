package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/plotter-api/internal/api/dto"
	"github.com/cuongbtq/plotter-api/internal/controller"
	"github.com/cuongbtq/plotter-api/internal/domain"
	"github.com/cuongbtq/plotter-api/internal/settings"
	"github.com/gin-gonic/gin"
)

// retryAfterSeconds is sent with 503 QueueFull responses
const retryAfterSeconds = "30"

var errorCodes = []struct {
	err    error
	status int
	code   string
}{
	{domain.ErrBusy, http.StatusConflict, "busy"},
	{domain.ErrInvalidState, http.StatusConflict, "invalid_state"},
	{domain.ErrProjectNotReady, http.StatusConflict, "project_not_ready"},
	{domain.ErrQueueFull, http.StatusServiceUnavailable, "queue_full"},
	{domain.ErrJobNotFound, http.StatusNotFound, "job_not_found"},
	{domain.ErrNoActiveProject, http.StatusNotFound, "no_active_project"},
	{domain.ErrNoValidArtifact, http.StatusBadRequest, "no_valid_artifact"},
	{domain.ErrIncompleteSession, http.StatusBadRequest, "incomplete_session"},
	{domain.ErrChunkMismatch, http.StatusBadRequest, "chunk_mismatch"},
	{domain.ErrInvalidSession, http.StatusBadRequest, "invalid_session"},
	{domain.ErrInvalidLayer, http.StatusBadRequest, "invalid_layer"},
	{domain.ErrInvalidJob, http.StatusBadRequest, "invalid_job"},
	{settings.ErrInvalidSetting, http.StatusBadRequest, "invalid_setting"},
	{controller.ErrUnknownCommand, http.StatusBadRequest, "unknown_command"},
}

// classify maps an error to its HTTP status and machine readable code
func classify(err error) (int, string) {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.status, ec.code
		}
	}

	var drvErr *domain.DriverError
	if errors.As(err, &drvErr) {
		return http.StatusBadGateway, "driver_failure"
	}
	var ioErr *domain.IOError
	if errors.As(err, &ioErr) {
		return http.StatusInternalServerError, "io_failure"
	}
	return http.StatusInternalServerError, "internal"
}

// respondError writes err as a JSON error body with the mapped status
func respondError(c *gin.Context, logger *slog.Logger, err error) {
	status, code := classify(err)

	if status == http.StatusServiceUnavailable {
		c.Header("Retry-After", retryAfterSeconds)
	}

	if status >= http.StatusInternalServerError {
		logger.Error("Request failed",
			slog.String("path", c.Request.URL.Path),
			slog.String("error", err.Error()),
		)
	} else {
		logger.Debug("Request rejected",
			slog.String("path", c.Request.URL.Path),
			slog.String("code", code),
			slog.String("error", err.Error()),
		)
	}

	c.JSON(status, dto.ErrorResponse{Error: err.Error(), Code: code})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: msg, Code: "bad_request"})
}

// warning returns the message of a persistence warning, "" for nil. Any
// other error is reported through ok=false.
func warning(err error) (msg string, ok bool) {
	if err == nil {
		return "", true
	}
	if domain.IsPersistenceWarning(err) {
		return "changes applied but not saved to disk: " + err.Error(), true
	}
	return "", false
}
