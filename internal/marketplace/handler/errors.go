package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/WasteLedger/internal/marketplace/model"
	"github.com/jmerrifield20/WasteLedger/internal/marketplace/repository"
	"github.com/jmerrifield20/WasteLedger/internal/marketplace/service"
	"github.com/jmerrifield20/WasteLedger/internal/provenance"
)

// writeError translates a service error into an HTTP response. Every body
// carries a machine-readable code.
func writeError(c *gin.Context, logger *zap.Logger, err error) {
	var te *service.TransitionError
	switch {
	case errors.As(err, &te):
		body := gin.H{"code": "invalid_transition", "error": err.Error(), "event": te.Event}
		if te.CurrentStatus != "" {
			body["current_status"] = te.CurrentStatus
			body["allowed_events"] = orEmpty(te.AllowedEvents)
		}
		c.JSON(http.StatusConflict, body)
	case errors.Is(err, service.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"code": "forbidden", "error": err.Error()})
	case errors.Is(err, service.ErrChainBroken):
		c.JSON(http.StatusConflict, gin.H{"code": "chain_broken", "error": err.Error()})
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": err.Error()})
	case errors.Is(err, repository.ErrDuplicate):
		c.JSON(http.StatusConflict, gin.H{"code": "duplicate", "error": err.Error()})
	case errors.Is(err, model.ErrValidation),
		errors.Is(err, provenance.ErrInvalidMetadata),
		errors.Is(err, provenance.ErrInvalidRecord):
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_failed", "error": err.Error()})
	case errors.Is(err, provenance.ErrStoreUnavailable), errors.Is(err, provenance.ErrChainConflict):
		logger.Error("store unavailable", zap.String("path", c.FullPath()), zap.Error(err))
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "store_unavailable", "error": "ledger store unavailable, retry later"})
	default:
		logger.Error("unhandled error", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"code": "internal", "error": "internal error"})
	}
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"code": "validation_failed", "error": msg})
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
