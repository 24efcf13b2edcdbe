package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/WasteLedger/internal/identity"
	"github.com/jmerrifield20/WasteLedger/internal/marketplace/model"
	"github.com/jmerrifield20/WasteLedger/internal/marketplace/service"
	"github.com/jmerrifield20/WasteLedger/internal/provenance"
)

// controller is the subset of *service.LifecycleController the handler drives.
type controller interface {
	CreateItem(ctx context.Context, actor model.Actor, req model.CreateItemRequest) (*model.Item, *provenance.Record, error)
	RequestTransition(ctx context.Context, req service.TransitionRequest) (*service.TransitionResult, error)
	GetItem(ctx context.Context, id uuid.UUID) (*model.Item, error)
	GetContract(ctx context.Context, actor model.Actor, id uuid.UUID) (*model.Contract, error)
	ListContracts(ctx context.Context, actor model.Actor, limit, offset int) ([]*model.Contract, error)
	ListItems(ctx context.Context, actor model.Actor, sellerID string, status model.ItemStatus, limit, offset int) ([]*model.Item, error)
	Reconcile(ctx context.Context, itemID uuid.UUID) (*service.ReconcileResult, error)
}

// MarketplaceHandler exposes items, contracts and lifecycle transitions.
// Every route requires a user token; the actor of a transition is always
// taken from the token, never from the request body.
type MarketplaceHandler struct {
	ctrl   controller
	tokens *identity.TokenIssuer
	logger *zap.Logger
}

// NewMarketplaceHandler creates a new MarketplaceHandler.
func NewMarketplaceHandler(ctrl controller, tokens *identity.TokenIssuer, logger *zap.Logger) *MarketplaceHandler {
	return &MarketplaceHandler{ctrl: ctrl, tokens: tokens, logger: logger}
}

// Register mounts the marketplace routes on the given router group.
func (h *MarketplaceHandler) Register(rg *gin.RouterGroup) {
	auth := identity.RequireUserToken(h.tokens)

	items := rg.Group("/items", auth)
	{
		items.POST("", identity.RequireRole(string(model.RoleSeller)), h.CreateItem)
		items.GET("", h.ListItems)
		items.GET("/:id", h.GetItem)
		items.POST("/:id/reconcile", identity.RequireRole(string(model.RoleAdmin)), h.Reconcile)
	}

	contracts := rg.Group("/contracts", auth)
	{
		contracts.GET("/mine", h.ListMyContracts)
		contracts.GET("/:id", h.GetContract)
	}
	rg.POST("/transitions", auth, h.Transition)
	rg.GET("/transitions/events", h.ListEvents)
}

// CreateItem handles POST /items.
func (h *MarketplaceHandler) CreateItem(c *gin.Context) {
	var req model.CreateItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	item, rec, err := h.ctrl.CreateItem(c.Request.Context(), actorFromCtx(c), req)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"item": item, "record": rec})
}

// ListItems handles GET /items?seller_id=&status=&limit=&offset=.
func (h *MarketplaceHandler) ListItems(c *gin.Context) {
	limit, offset, ok := page(c)
	if !ok {
		return
	}
	items, err := h.ctrl.ListItems(c.Request.Context(), actorFromCtx(c), c.Query("seller_id"), model.ItemStatus(c.Query("status")), limit, offset)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	if items == nil {
		items = []*model.Item{}
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "count": len(items)})
}

// GetItem handles GET /items/:id.
func (h *MarketplaceHandler) GetItem(c *gin.Context) {
	id, ok := pathUUID(c)
	if !ok {
		return
	}
	item, err := h.ctrl.GetItem(c.Request.Context(), id)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

// Reconcile handles POST /items/:id/reconcile.
func (h *MarketplaceHandler) Reconcile(c *gin.Context) {
	id, ok := pathUUID(c)
	if !ok {
		return
	}
	res, err := h.ctrl.Reconcile(c.Request.Context(), id)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	if len(res.Changes) > 0 {
		h.logger.Info("item reconciled",
			zap.String("item_id", id.String()),
			zap.Strings("changes", res.Changes),
		)
	}
	c.JSON(http.StatusOK, res)
}

// GetContract handles GET /contracts/:id.
func (h *MarketplaceHandler) GetContract(c *gin.Context) {
	id, ok := pathUUID(c)
	if !ok {
		return
	}
	contract, err := h.ctrl.GetContract(c.Request.Context(), actorFromCtx(c), id)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, contract)
}

// ListMyContracts handles GET /contracts/mine, the caller's purchases.
func (h *MarketplaceHandler) ListMyContracts(c *gin.Context) {
	limit, offset, ok := page(c)
	if !ok {
		return
	}
	contracts, err := h.ctrl.ListContracts(c.Request.Context(), actorFromCtx(c), limit, offset)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	if contracts == nil {
		contracts = []*model.Contract{}
	}
	c.JSON(http.StatusOK, gin.H{"contracts": contracts, "count": len(contracts)})
}

// Transition handles POST /transitions.
func (h *MarketplaceHandler) Transition(c *gin.Context) {
	// Metadata numbers are hashed by their literal text.
	var req service.TransitionRequest
	dec := json.NewDecoder(c.Request.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := binding.Validator.ValidateStruct(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	actor := actorFromCtx(c)
	req.ActorID = actor.ID
	req.ActorRole = string(actor.Role)

	res, err := h.ctrl.RequestTransition(c.Request.Context(), req)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ListEvents handles GET /transitions/events.
func (h *MarketplaceHandler) ListEvents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"events": service.Events()})
}

func actorFromCtx(c *gin.Context) model.Actor {
	claims := identity.UserClaimsFromCtx(c)
	if claims == nil {
		return model.Actor{}
	}
	return model.Actor{ID: claims.UserID, Role: model.Role(claims.Role)}
}

func pathUUID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "id must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

// page reads limit and offset, writing a 400 when either is out of range.
func page(c *gin.Context) (limit, offset int, ok bool) {
	limit, err := queryInt(c, "limit", 50)
	if err != nil || limit < 1 || limit > 200 {
		badRequest(c, "limit must be between 1 and 200")
		return 0, 0, false
	}
	offset, err = queryInt(c, "offset", 0)
	if err != nil || offset < 0 {
		badRequest(c, "offset must be a non-negative integer")
		return 0, 0, false
	}
	return limit, offset, true
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	v := c.Query(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
