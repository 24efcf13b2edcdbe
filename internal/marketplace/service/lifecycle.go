package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/jmerrifield20/WasteLedger/internal/events"
	"github.com/jmerrifield20/WasteLedger/internal/keylock"
	"github.com/jmerrifield20/WasteLedger/internal/marketplace/model"
	"github.com/jmerrifield20/WasteLedger/internal/marketplace/repository"
	"github.com/jmerrifield20/WasteLedger/internal/metrics"
	"github.com/jmerrifield20/WasteLedger/internal/provenance"
)

// ItemRepo is the persistence interface for items.
// *repository.ItemRepository and *repository.MemoryItemRepository satisfy it.
type ItemRepo interface {
	Create(ctx context.Context, item *model.Item) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.Item, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status model.ItemStatus) error
	List(ctx context.Context, sellerID string, status model.ItemStatus, limit, offset int) ([]*model.Item, error)
}

// ContractRepo is the persistence interface for purchase contracts.
type ContractRepo interface {
	Create(ctx context.Context, c *model.Contract) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.Contract, error)
	GetByItemID(ctx context.Context, itemID uuid.UUID) (*model.Contract, error)
	UpdateState(ctx context.Context, id uuid.UUID, status model.ContractStatus, recycled bool) error
	ListByBuyer(ctx context.Context, buyerID string, limit, offset int) ([]*model.Contract, error)
}

// ledger is the subset of *provenance.Service the controller needs.
type ledger interface {
	Append(ctx context.Context, subjectID string, action provenance.Action, actorID, actorRole string, metadata provenance.Metadata) (*provenance.Record, error)
	ListBySubject(ctx context.Context, subjectID string) ([]*provenance.Record, error)
	VerifyChain(ctx context.Context, subjectID string) (*provenance.VerificationResult, error)
}

// TransitionRequest asks the controller to apply one lifecycle event.
// TargetID is an item ID for item events and a contract ID (or the ID of
// the contract's item) for contract events.
type TransitionRequest struct {
	TargetID  string              `json:"target_id"  binding:"required"`
	Event     string              `json:"event"      binding:"required"`
	ActorID   string              `json:"-"`
	ActorRole string              `json:"-"`
	Metadata  provenance.Metadata `json:"metadata"`
}

// TransitionResult is returned by a successful transition. Record is nil for
// transitions that are not recorded on the ledger.
type TransitionResult struct {
	NewStatus string             `json:"new_status"`
	Record    *provenance.Record `json:"record,omitempty"`
	Item      *model.Item        `json:"item,omitempty"`
	Contract  *model.Contract    `json:"contract,omitempty"`
}

// ReconcileResult reports what Reconcile repaired.
type ReconcileResult struct {
	Item     *model.Item     `json:"item"`
	Contract *model.Contract `json:"contract,omitempty"`
	Changes  []string        `json:"changes"`
}

// LifecycleController is the only component that mutates item and contract
// status. Every recorded transition appends to the ledger before the status
// write, so the chain never lags behind the stored state. When stored state
// lags the chain, the next transition on the item completes the lost write
// before evaluating its own edge.
type LifecycleController struct {
	items     ItemRepo
	contracts ContractRepo
	ledger    ledger
	publisher events.Publisher // nil = no domain events
	logger    *zap.Logger
	tracer    trace.Tracer
	locks     keylock.Map
	timeout   time.Duration
}

// NewLifecycleController creates a LifecycleController.
func NewLifecycleController(items ItemRepo, contracts ContractRepo, ledger ledger, logger *zap.Logger) *LifecycleController {
	return &LifecycleController{
		items:     items,
		contracts: contracts,
		ledger:    ledger,
		logger:    logger,
		tracer:    otel.Tracer("github.com/jmerrifield20/WasteLedger/internal/marketplace/service"),
		timeout:   provenance.DefaultStoreTimeout,
	}
}

// SetPublisher configures where domain events are sent.
func (s *LifecycleController) SetPublisher(p events.Publisher) {
	s.publisher = p
}

// SetStoreTimeout bounds each item and contract repository call.
func (s *LifecycleController) SetStoreTimeout(d time.Duration) {
	if d > 0 {
		s.timeout = d
	}
}

// CreateItem lists a new item for a seller and writes its genesis record.
func (s *LifecycleController) CreateItem(ctx context.Context, actor model.Actor, req model.CreateItemRequest) (*model.Item, *provenance.Record, error) {
	if actor.Role != model.RoleSeller {
		return nil, nil, forbidden("role %q may not create listings", actor.Role)
	}
	if actor.ID == "" {
		return nil, nil, forbidden("actor id is required")
	}
	if err := req.Validate(); err != nil {
		return nil, nil, err
	}

	item := &model.Item{
		ID:          uuid.New(),
		SellerID:    actor.ID,
		Title:       req.Title,
		Description: req.Description,
		Category:    req.Category,
		Quantity:    req.Quantity,
		Unit:        req.Unit,
		Price:       req.Price,
		Location:    req.Location,
		Status:      model.ItemStatusPending,
	}

	unlock := s.locks.Lock(item.SubjectID())
	defer unlock()

	rec, err := s.ledger.Append(ctx, item.SubjectID(), provenance.ActionCreated, actor.ID, string(actor.Role), provenance.Metadata{
		"title":       item.Title,
		"description": item.Description,
		"category":    item.Category,
		"quantity":    item.Quantity,
		"unit":        item.Unit,
		"price":       item.Price,
		"location":    item.Location,
	})
	if err != nil {
		return nil, nil, err
	}

	if err := s.withTimeout(ctx, func(ctx context.Context) error { return s.items.Create(ctx, item) }); err != nil {
		s.logger.Error("item write failed after genesis record; reconcile required",
			zap.String("item_id", item.SubjectID()),
			zap.Error(err),
		)
		return nil, rec, storeFailure("create item", err)
	}

	s.logger.Info("item listed",
		zap.String("item_id", item.SubjectID()),
		zap.String("seller_id", actor.ID),
		zap.String("category", item.Category),
	)
	return item, rec, nil
}

// RequestTransition validates and applies one lifecycle event.
// A rejected request neither appends a record nor changes any status.
func (s *LifecycleController) RequestTransition(ctx context.Context, req TransitionRequest) (*TransitionResult, error) {
	ctx, span := s.tracer.Start(ctx, "lifecycle.RequestTransition", trace.WithAttributes(
		attribute.String("target_id", req.TargetID),
		attribute.String("event", req.Event),
		attribute.String("actor_role", req.ActorRole),
	))
	defer span.End()

	res, err := s.requestTransition(ctx, req)
	label := req.Event
	if _, known := lookupEdge(Event(label)); !known {
		label = "unknown"
	}
	metrics.RecordTransition(label, outcome(err))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return res, nil
}

func (s *LifecycleController) requestTransition(ctx context.Context, req TransitionRequest) (*TransitionResult, error) {
	e, ok := lookupEdge(Event(req.Event))
	if !ok {
		return nil, &TransitionError{Event: req.Event}
	}
	actor := model.Actor{ID: req.ActorID, Role: model.Role(req.ActorRole)}
	if actor.ID == "" || !actor.Role.Valid() {
		return nil, forbidden("unknown actor")
	}
	targetID, err := uuid.Parse(req.TargetID)
	if err != nil {
		return nil, fmt.Errorf("%w: target id %q is not a UUID", model.ErrValidation, req.TargetID)
	}

	if e.kind == targetItem {
		return s.transitionItem(ctx, e, actor, targetID, req.Metadata)
	}
	return s.transitionContract(ctx, e, actor, targetID, req.Metadata)
}

func (s *LifecycleController) transitionItem(ctx context.Context, e edge, actor model.Actor, itemID uuid.UUID, md provenance.Metadata) (*TransitionResult, error) {
	unlock := s.locks.Lock(itemID.String())
	defer unlock()

	item, err := s.getItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if !e.allows(actor.Role) {
		return nil, forbidden("role %q may not %s", actor.Role, e.event)
	}
	if !ownsTarget(e.event, actor, item, nil) {
		return nil, forbidden("actor %s may not %s item %s", actor.ID, e.event, item.ID)
	}

	tail, c, err := s.catchUp(ctx, item)
	if err != nil {
		return nil, err
	}
	if repeats(tail, e, actor) {
		s.logger.Info("item transition completed from ledger",
			zap.String("item_id", item.SubjectID()),
			zap.String("event", string(e.event)),
			zap.String("status", string(item.Status)),
		)
		if e.action == provenance.ActionApproved {
			s.publishApproved(ctx, item, actor, tail)
		}
		return &TransitionResult{NewStatus: string(item.Status), Record: tail, Item: item, Contract: c}, nil
	}

	if !e.enabled(string(item.Status), nil) {
		return nil, &TransitionError{
			Event:         string(e.event),
			CurrentStatus: string(item.Status),
			AllowedEvents: allowedEvents(targetItem, string(item.Status), nil),
		}
	}

	if e.event == EventSell {
		return s.sell(ctx, e, actor, item, md)
	}

	rec, err := s.ledger.Append(ctx, item.SubjectID(), e.action, actor.ID, string(actor.Role), md)
	if err != nil {
		return nil, err
	}

	next := model.ItemStatus(e.to)
	if next != item.Status {
		if err := s.withTimeout(ctx, func(ctx context.Context) error { return s.items.UpdateStatus(ctx, item.ID, next) }); err != nil {
			s.statusWriteFailed(item.SubjectID(), e.event, err)
			return nil, storeFailure("update item status", err)
		}
		item.Status = next
	}

	s.logger.Info("item transition applied",
		zap.String("item_id", item.SubjectID()),
		zap.String("event", string(e.event)),
		zap.String("status", string(item.Status)),
		zap.String("actor_id", actor.ID),
	)

	if e.action == provenance.ActionApproved {
		s.publishApproved(ctx, item, actor, rec)
	}
	return &TransitionResult{NewStatus: string(item.Status), Record: rec, Item: item}, nil
}

func (s *LifecycleController) publishApproved(ctx context.Context, item *model.Item, actor model.Actor, rec *provenance.Record) {
	s.publish(ctx, events.Event{
		Type:       events.TypeListingApproved,
		SubjectID:  item.SubjectID(),
		Action:     string(rec.Action),
		ActorID:    actor.ID,
		RecordHash: rec.Hash,
		OccurredAt: rec.Timestamp,
		Data:       map[string]any{"seller_id": item.SellerID, "title": item.Title},
	})
}

// repeats reports whether tail already records e by actor, which is the case
// when a caller retries a transition whose status write was lost.
func repeats(tail *provenance.Record, e edge, actor model.Actor) bool {
	return tail != nil && e.action != "" && tail.Action == e.action && tail.ActorID == actor.ID
}

// sell records the sale, opens the purchase contract and marks the item sold.
// The contract ID is chosen before the append so the SOLD record names it.
func (s *LifecycleController) sell(ctx context.Context, e edge, actor model.Actor, item *model.Item, md provenance.Metadata) (*TransitionResult, error) {
	qty := item.Quantity
	if v, ok := md["quantity"]; ok {
		q, ok := number(v)
		if !ok || q <= 0 || q > item.Quantity {
			return nil, fmt.Errorf("%w: quantity must be in (0, %g]", model.ErrValidation, item.Quantity)
		}
		qty = q
	}

	existing, err := s.contractForItem(ctx, item.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: item %s already has contract %s", repository.ErrDuplicate, item.ID, existing.ID)
	}

	contract := &model.Contract{
		ID:         uuid.New(),
		ItemID:     item.ID,
		BuyerID:    actor.ID,
		SellerID:   item.SellerID,
		Quantity:   qty,
		TotalPrice: item.UnitPrice() * qty,
		Status:     model.ContractStatusPending,
	}

	meta := provenance.Metadata{}
	for k, v := range md {
		meta[k] = v
	}
	meta["contract_id"] = contract.ID.String()
	meta["buyer_id"] = contract.BuyerID
	meta["quantity"] = contract.Quantity
	meta["total_price"] = contract.TotalPrice

	rec, err := s.ledger.Append(ctx, item.SubjectID(), e.action, actor.ID, string(actor.Role), meta)
	if err != nil {
		return nil, err
	}

	if err := s.withTimeout(ctx, func(ctx context.Context) error { return s.contracts.Create(ctx, contract) }); err != nil {
		s.statusWriteFailed(item.SubjectID(), e.event, err)
		return nil, storeFailure("create contract", err)
	}
	if err := s.withTimeout(ctx, func(ctx context.Context) error { return s.items.UpdateStatus(ctx, item.ID, model.ItemStatusSold) }); err != nil {
		s.statusWriteFailed(item.SubjectID(), e.event, err)
		return nil, storeFailure("update item status", err)
	}
	item.Status = model.ItemStatusSold

	s.logger.Info("item sold",
		zap.String("item_id", item.SubjectID()),
		zap.String("contract_id", contract.ID.String()),
		zap.String("buyer_id", actor.ID),
		zap.Float64("quantity", qty),
		zap.Float64("total_price", contract.TotalPrice),
	)
	return &TransitionResult{NewStatus: string(item.Status), Record: rec, Item: item, Contract: contract}, nil
}

func (s *LifecycleController) transitionContract(ctx context.Context, e edge, actor model.Actor, targetID uuid.UUID, md provenance.Metadata) (*TransitionResult, error) {
	c, err := s.resolveContract(ctx, targetID)
	if errors.Is(err, repository.ErrNotFound) {
		c, err = s.recoverContract(ctx, targetID)
	}
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(c.ItemID.String())
	defer unlock()

	// Re-read under the item lock.
	c, err = s.getContract(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	if !e.allows(actor.Role) {
		return nil, forbidden("role %q may not %s", actor.Role, e.event)
	}
	if !ownsTarget(e.event, actor, nil, c) {
		return nil, forbidden("actor %s is not a party to contract %s", actor.ID, c.ID)
	}

	item, err := s.getItem(ctx, c.ItemID)
	if err != nil {
		return nil, err
	}
	tail, caught, err := s.catchUp(ctx, item)
	if err != nil {
		return nil, err
	}
	if caught != nil {
		c = caught
	}
	if repeats(tail, e, actor) {
		s.logger.Info("contract transition completed from ledger",
			zap.String("contract_id", c.ID.String()),
			zap.String("event", string(e.event)),
			zap.String("status", string(c.Status)),
		)
		return &TransitionResult{NewStatus: string(c.Status), Record: tail, Contract: c}, nil
	}
	if !e.enabled(string(c.Status), c) {
		return nil, &TransitionError{
			Event:         string(e.event),
			CurrentStatus: contractState(c),
			AllowedEvents: allowedEvents(targetContract, string(c.Status), c),
		}
	}

	var rec *provenance.Record
	if e.action != "" {
		meta := provenance.Metadata{}
		for k, v := range md {
			meta[k] = v
		}
		meta["contract_id"] = c.ID.String()
		rec, err = s.ledger.Append(ctx, c.ItemID.String(), e.action, actor.ID, string(actor.Role), meta)
		if err != nil {
			return nil, err
		}
	}

	next := model.ContractStatus(e.to)
	recycled := c.Recycled || e.recycled
	if err := s.withTimeout(ctx, func(ctx context.Context) error { return s.contracts.UpdateState(ctx, c.ID, next, recycled) }); err != nil {
		s.statusWriteFailed(c.ItemID.String(), e.event, err)
		return nil, storeFailure("update contract", err)
	}
	c.Status = next
	c.Recycled = recycled

	s.logger.Info("contract transition applied",
		zap.String("contract_id", c.ID.String()),
		zap.String("item_id", c.ItemID.String()),
		zap.String("event", string(e.event)),
		zap.String("status", string(c.Status)),
		zap.String("actor_id", actor.ID),
	)
	return &TransitionResult{NewStatus: string(c.Status), Record: rec, Contract: c}, nil
}

// resolveContract accepts either a contract ID or the ID of the item the
// contract was opened for.
func (s *LifecycleController) resolveContract(ctx context.Context, id uuid.UUID) (*model.Contract, error) {
	c, err := s.getContract(ctx, id)
	if err == nil || !errors.Is(err, repository.ErrNotFound) {
		return c, err
	}
	var byItem *model.Contract
	err = s.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		byItem, err = s.contracts.GetByItemID(ctx, id)
		return err
	})
	if err != nil {
		return nil, storeFailure("get contract by item", err)
	}
	return byItem, nil
}

// recoverContract handles a contract event aimed at an item whose SOLD record
// was appended but whose contract row was never written.
func (s *LifecycleController) recoverContract(ctx context.Context, itemID uuid.UUID) (*model.Contract, error) {
	unlock := s.locks.Lock(itemID.String())
	defer unlock()

	item, err := s.getItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if _, c, err := s.catchUp(ctx, item); err != nil || c != nil {
		return c, err
	}
	return nil, repository.ErrNotFound
}

// GetItem returns an item by ID.
func (s *LifecycleController) GetItem(ctx context.Context, id uuid.UUID) (*model.Item, error) {
	return s.getItem(ctx, id)
}

// GetContract returns a contract by ID. Only the contract's buyer and seller
// and admins may read it.
func (s *LifecycleController) GetContract(ctx context.Context, actor model.Actor, id uuid.UUID) (*model.Contract, error) {
	c, err := s.getContract(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.Role != model.RoleAdmin && actor.ID != c.BuyerID && actor.ID != c.SellerID {
		return nil, forbidden("actor %s is not a party to contract %s", actor.ID, c.ID)
	}
	return c, nil
}

// ListContracts returns the contracts the actor bought, newest first.
func (s *LifecycleController) ListContracts(ctx context.Context, actor model.Actor, limit, offset int) ([]*model.Contract, error) {
	if actor.ID == "" {
		return nil, forbidden("actor id is required")
	}
	var out []*model.Contract
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.contracts.ListByBuyer(ctx, actor.ID, limit, offset)
		return err
	})
	if err != nil {
		return nil, storeFailure("list contracts", err)
	}
	return out, nil
}

// ListItems returns items filtered by seller and status. The pending review
// queue is visible to admins, and to a seller for their own listings.
func (s *LifecycleController) ListItems(ctx context.Context, actor model.Actor, sellerID string, status model.ItemStatus, limit, offset int) ([]*model.Item, error) {
	if status == model.ItemStatusPending && actor.Role != model.RoleAdmin &&
		(actor.Role != model.RoleSeller || sellerID != actor.ID) {
		return nil, forbidden("role %q may not list pending items", actor.Role)
	}
	var out []*model.Item
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.items.List(ctx, sellerID, status, limit, offset)
		return err
	})
	if err != nil {
		return nil, storeFailure("list items", err)
	}
	return out, nil
}

func (s *LifecycleController) getItem(ctx context.Context, id uuid.UUID) (*model.Item, error) {
	var item *model.Item
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		item, err = s.items.GetByID(ctx, id)
		return err
	})
	if err != nil {
		return nil, storeFailure("get item", err)
	}
	return item, nil
}

func (s *LifecycleController) getContract(ctx context.Context, id uuid.UUID) (*model.Contract, error) {
	var c *model.Contract
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		c, err = s.contracts.GetByID(ctx, id)
		return err
	})
	if err != nil {
		return nil, storeFailure("get contract", err)
	}
	return c, nil
}

func (s *LifecycleController) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	tctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return fn(tctx)
}

func (s *LifecycleController) publish(ctx context.Context, ev events.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Warn("domain event publish failed",
			zap.String("type", ev.Type),
			zap.String("subject_id", ev.SubjectID),
			zap.Error(err),
		)
	}
}

func (s *LifecycleController) statusWriteFailed(subjectID string, ev Event, err error) {
	s.logger.Error("status write failed after ledger append; reconcile required",
		zap.String("item_id", subjectID),
		zap.String("event", string(ev)),
		zap.Error(err),
	)
}

// storeFailure passes through errors callers branch on and wraps everything
// else as ErrStoreUnavailable.
func storeFailure(op string, err error) error {
	switch {
	case errors.Is(err, repository.ErrNotFound),
		errors.Is(err, repository.ErrDuplicate),
		errors.Is(err, model.ErrValidation),
		errors.Is(err, provenance.ErrStoreUnavailable):
		return err
	}
	return fmt.Errorf("%w: %s: %w", provenance.ErrStoreUnavailable, op, err)
}

func contractState(c *model.Contract) string {
	if c.Status == model.ContractStatusDelivered && c.Recycled {
		return "delivered (recycled)"
	}
	return string(c.Status)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid"
	case errors.Is(err, repository.ErrNotFound):
		return "not_found"
	case errors.Is(err, model.ErrValidation):
		return "invalid"
	default:
		return "error"
	}
}

// number converts a decoded JSON number to float64.
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
