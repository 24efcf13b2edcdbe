package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/WasteLedger/internal/provenance"
)

// chainReader is the read side of *provenance.Service.
type chainReader interface {
	GetChain(ctx context.Context, subjectID string) (*provenance.Chain, error)
	VerifyChain(ctx context.Context, subjectID string) (*provenance.VerificationResult, error)
	ListRecent(ctx context.Context, limit int) ([]*provenance.Record, error)
}

// ProvenanceHandler exposes read-only timeline endpoints for provenance chains.
type ProvenanceHandler struct {
	ledger chainReader
	logger *zap.Logger
}

// NewProvenanceHandler creates a new ProvenanceHandler.
func NewProvenanceHandler(ledger chainReader, logger *zap.Logger) *ProvenanceHandler {
	return &ProvenanceHandler{ledger: ledger, logger: logger}
}

// Register mounts the provenance routes on the given router group.
func (h *ProvenanceHandler) Register(rg *gin.RouterGroup) {
	p := rg.Group("/provenance")
	{
		p.GET("", h.ListRecent)
		p.GET("/:subjectId", h.GetChain)
		p.GET("/:subjectId/verify", h.Verify)
	}
}

// ListRecent handles GET /provenance?limit=, the public activity feed.
func (h *ProvenanceHandler) ListRecent(c *gin.Context) {
	limit, err := queryInt(c, "limit", 50)
	if err != nil || limit < 1 || limit > 200 {
		badRequest(c, "limit must be between 1 and 200")
		return
	}
	recs, err := h.ledger.ListRecent(c.Request.Context(), limit)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	if recs == nil {
		recs = []*provenance.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"records": recs, "count": len(recs)})
}

// GetChain handles GET /provenance/:subjectId and returns the timeline with its
// verification state. An unknown subject yields an empty, verified chain.
func (h *ProvenanceHandler) GetChain(c *gin.Context) {
	chain, err := h.ledger.GetChain(c.Request.Context(), c.Param("subjectId"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	if chain.Records == nil {
		chain.Records = []*provenance.Record{}
	}
	c.JSON(http.StatusOK, chain)
}

// Verify handles GET /provenance/:subjectId/verify. A broken chain is a
// successful response with valid=false.
func (h *ProvenanceHandler) Verify(c *gin.Context) {
	res, err := h.ledger.VerifyChain(c.Request.Context(), c.Param("subjectId"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
