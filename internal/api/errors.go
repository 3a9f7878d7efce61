package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"faceattend/internal/attendance"
	"faceattend/internal/faceclient"
	"faceattend/internal/facestore"
	"faceattend/internal/recognition"
)

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var apiErr *faceclient.APIError
	switch {
	case errors.Is(err, recognition.ErrInvalidInput), errors.Is(err, recognition.ErrInvalidImage),
		errors.Is(err, faceclient.ErrBadImage), errors.Is(err, faceclient.ErrInvalidID):
		return http.StatusBadRequest
	case errors.Is(err, attendance.ErrNotMarkable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, faceclient.ErrNotConfigured):
		return http.StatusServiceUnavailable
	case errors.Is(err, faceclient.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, facestore.ErrPersistence):
		return http.StatusInternalServerError
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, faceclient.ErrMalformedResponse), errors.As(err, &apiErr):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	entry := log.WithError(err).WithFields(log.Fields{"path": c.FullPath(), "status": status})
	if status >= http.StatusInternalServerError {
		entry.Error("request failed")
	} else {
		entry.Info("request rejected")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
