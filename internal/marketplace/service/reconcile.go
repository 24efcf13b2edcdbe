package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/WasteLedger/internal/marketplace/model"
	"github.com/jmerrifield20/WasteLedger/internal/marketplace/repository"
	"github.com/jmerrifield20/WasteLedger/internal/provenance"
)

var itemRank = map[model.ItemStatus]int{
	model.ItemStatusPending:  0,
	model.ItemStatusApproved: 1,
	model.ItemStatusRejected: 1,
	model.ItemStatusSold:     2,
}

// chainState is the item and contract state implied by a verified chain.
type chainState struct {
	genesis        *provenance.Record
	sold           *provenance.Record
	itemStatus     model.ItemStatus
	contractStatus model.ContractStatus
	recycled       bool
}

func replay(recs []*provenance.Record) chainState {
	st := chainState{itemStatus: model.ItemStatusPending}
	for _, r := range recs {
		switch r.Action {
		case provenance.ActionCreated:
			st.genesis = r
		case provenance.ActionApproved:
			st.itemStatus = model.ItemStatusApproved
		case provenance.ActionRejected:
			st.itemStatus = model.ItemStatusRejected
		case provenance.ActionSold:
			st.itemStatus = model.ItemStatusSold
			st.sold = r
			st.contractStatus = model.ContractStatusPending
		case provenance.ActionCollected:
			st.contractStatus = model.ContractStatusCollected
		case provenance.ActionInTransit:
			st.contractStatus = model.ContractStatusInTransit
		case provenance.ActionDelivered:
			st.contractStatus = model.ContractStatusDelivered
		case provenance.ActionRecycled:
			st.recycled = true
		case provenance.ActionRemanufactured:
			st.contractStatus = model.ContractStatusCompleted
		}
	}
	return st
}

// Reconcile repairs stored status that fell behind the ledger because a
// status write failed after its record was appended. The chain is verified
// first; status only ever moves forward. A missing item or contract row is
// rebuilt from the CREATED or SOLD record.
func (s *LifecycleController) Reconcile(ctx context.Context, itemID uuid.UUID) (*ReconcileResult, error) {
	subject := itemID.String()
	unlock := s.locks.Lock(subject)
	defer unlock()

	vr, err := s.ledger.VerifyChain(ctx, subject)
	if err != nil {
		return nil, err
	}
	if !vr.Valid {
		return nil, fmt.Errorf("%w: item %s at index %d: %s", ErrChainBroken, subject, *vr.BrokenAtIndex, vr.Reason)
	}
	recs, err := s.ledger.ListBySubject(ctx, subject)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, repository.ErrNotFound
	}
	st := replay(recs)
	res := &ReconcileResult{Changes: []string{}}

	item, err := s.getItem(ctx, itemID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		if st.genesis == nil {
			return nil, repository.ErrNotFound
		}
		item = itemFromGenesis(itemID, st.genesis)
		item.Status = st.itemStatus
		if err := s.withTimeout(ctx, func(ctx context.Context) error { return s.items.Create(ctx, item) }); err != nil {
			return nil, storeFailure("recreate item", err)
		}
		res.Changes = append(res.Changes, "item recreated from genesis record")
	case err != nil:
		return nil, err
	}
	res.Item = item

	if res.Contract, err = s.advance(ctx, item, st, res); err != nil {
		return nil, err
	}

	if len(res.Changes) > 0 {
		s.logger.Warn("stored status reconciled with ledger",
			zap.String("item_id", subject),
			zap.Strings("changes", res.Changes),
		)
	}
	return res, nil
}

// advance moves stored item and contract state forward to st.
func (s *LifecycleController) advance(ctx context.Context, item *model.Item, st chainState, res *ReconcileResult) (*model.Contract, error) {
	if itemRank[st.itemStatus] > itemRank[item.Status] {
		if err := s.withTimeout(ctx, func(ctx context.Context) error { return s.items.UpdateStatus(ctx, item.ID, st.itemStatus) }); err != nil {
			return nil, storeFailure("update item status", err)
		}
		res.Changes = append(res.Changes, fmt.Sprintf("item status %s -> %s", item.Status, st.itemStatus))
		item.Status = st.itemStatus
	}
	if st.sold == nil {
		return nil, nil
	}
	return s.reconcileContract(ctx, item, st, res)
}

// lagging reports whether stored state is behind what the chain implies.
func lagging(item *model.Item, c *model.Contract, st chainState) bool {
	if itemRank[st.itemStatus] > itemRank[item.Status] {
		return true
	}
	if st.sold == nil {
		return false
	}
	if c == nil {
		return true
	}
	return c.Status.Before(st.contractStatus) || (st.recycled && !c.Recycled)
}

// catchUp finishes a transition whose record reached the ledger but whose
// status write did not. Stored state is advanced to what the chain implies
// and the chain tail is returned. A nil tail means stored state was current.
// The caller holds the item lock.
func (s *LifecycleController) catchUp(ctx context.Context, item *model.Item) (*provenance.Record, *model.Contract, error) {
	subject := item.SubjectID()
	recs, err := s.ledger.ListBySubject(ctx, subject)
	if err != nil {
		return nil, nil, err
	}
	if len(recs) == 0 {
		return nil, nil, nil
	}
	st := replay(recs)

	var c *model.Contract
	if st.sold != nil {
		if c, err = s.contractForItem(ctx, item.ID); err != nil {
			return nil, nil, err
		}
	}
	if !lagging(item, c, st) {
		return nil, nil, nil
	}

	vr, err := s.ledger.VerifyChain(ctx, subject)
	if err != nil {
		return nil, nil, err
	}
	if !vr.Valid {
		return nil, nil, fmt.Errorf("%w: item %s at index %d: %s", ErrChainBroken, subject, *vr.BrokenAtIndex, vr.Reason)
	}

	res := &ReconcileResult{Item: item}
	if c, err = s.advance(ctx, item, st, res); err != nil {
		return nil, nil, err
	}
	s.logger.Warn("stored status caught up with ledger",
		zap.String("item_id", subject),
		zap.Strings("changes", res.Changes),
	)
	return recs[len(recs)-1], c, nil
}

// contractForItem returns the item's contract, or nil when it has none.
func (s *LifecycleController) contractForItem(ctx context.Context, itemID uuid.UUID) (*model.Contract, error) {
	var c *model.Contract
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		c, err = s.contracts.GetByItemID(ctx, itemID)
		return err
	})
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return nil, nil
	case err != nil:
		return nil, storeFailure("get contract by item", err)
	}
	return c, nil
}

func (s *LifecycleController) reconcileContract(ctx context.Context, item *model.Item, st chainState, res *ReconcileResult) (*model.Contract, error) {
	var c *model.Contract
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		c, err = s.contracts.GetByItemID(ctx, item.ID)
		return err
	})
	if errors.Is(err, repository.ErrNotFound) {
		c = contractFromSale(item, st.sold)
		c.Status = st.contractStatus
		c.Recycled = st.recycled
		if err := s.withTimeout(ctx, func(ctx context.Context) error { return s.contracts.Create(ctx, c) }); err != nil {
			return nil, storeFailure("recreate contract", err)
		}
		res.Changes = append(res.Changes, "contract recreated from sale record")
		return c, nil
	}
	if err != nil {
		return nil, storeFailure("get contract by item", err)
	}

	status, recycled := c.Status, c.Recycled || st.recycled
	if c.Status.Before(st.contractStatus) {
		status = st.contractStatus
	}
	if status == c.Status && recycled == c.Recycled {
		return c, nil
	}
	if err := s.withTimeout(ctx, func(ctx context.Context) error { return s.contracts.UpdateState(ctx, c.ID, status, recycled) }); err != nil {
		return nil, storeFailure("update contract", err)
	}
	res.Changes = append(res.Changes, fmt.Sprintf("contract %s -> %s (recycled=%t)", c.Status, status, recycled))
	c.Status, c.Recycled = status, recycled
	return c, nil
}

func itemFromGenesis(id uuid.UUID, r *provenance.Record) *model.Item {
	it := &model.Item{ID: id, SellerID: r.ActorID}
	it.Title, _ = r.Metadata["title"].(string)
	it.Description, _ = r.Metadata["description"].(string)
	it.Category, _ = r.Metadata["category"].(string)
	it.Unit, _ = r.Metadata["unit"].(string)
	it.Location, _ = r.Metadata["location"].(string)
	it.Quantity, _ = number(r.Metadata["quantity"])
	it.Price, _ = number(r.Metadata["price"])
	it.CreatedAt = r.Timestamp
	return it
}

func contractFromSale(item *model.Item, r *provenance.Record) *model.Contract {
	c := &model.Contract{ItemID: item.ID, BuyerID: r.ActorID, SellerID: item.SellerID}
	if raw, ok := r.Metadata["contract_id"].(string); ok {
		if id, err := uuid.Parse(raw); err == nil {
			c.ID = id
		}
	}
	c.Quantity, _ = number(r.Metadata["quantity"])
	c.TotalPrice, _ = number(r.Metadata["total_price"])
	return c
}
