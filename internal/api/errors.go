package api

import (
	"errors"
	"net/http"

	"zapflow/internal/automation"
	"zapflow/internal/campaign"
	"zapflow/internal/sender"
	"zapflow/internal/store"

	"github.com/gin-gonic/gin"
)

// errorStatus maps domain errors onto HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, campaign.ErrInvalidState),
		errors.Is(err, store.ErrConflict),
		errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, campaign.ErrTargetResolutionEmpty):
		return http.StatusUnprocessableEntity
	case errors.Is(err, automation.ErrInvalidRule):
		return http.StatusBadRequest
	case errors.Is(err, sender.ErrSendFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	c.JSON(errorStatus(err), gin.H{"error": err.Error()})
}
