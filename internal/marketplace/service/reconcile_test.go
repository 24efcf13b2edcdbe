package service

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/WasteLedger/internal/marketplace/model"
	"github.com/jmerrifield20/WasteLedger/internal/marketplace/repository"
	"github.com/jmerrifield20/WasteLedger/internal/provenance"
)

// downLedger fails every append as an unreachable store would.
type downLedger struct{ *provenance.Service }

func (downLedger) Append(context.Context, string, provenance.Action, string, string, provenance.Metadata) (*provenance.Record, error) {
	return nil, fmt.Errorf("%w: connection refused", provenance.ErrStoreUnavailable)
}

func TestTransition_ledgerFailureLeavesStatus(t *testing.T) {
	f := newFixture()
	item := f.createItem(t)
	f.ctrl.ledger = downLedger{f.ledger}

	err := f.try(item.ID, EventApprove, admin)
	if !errors.Is(err, provenance.ErrStoreUnavailable) {
		t.Fatalf("err = %v, want ErrStoreUnavailable", err)
	}
	if s := f.itemStatus(t, item.ID); s != model.ItemStatusPending {
		t.Errorf("status = %q after failed append, want pending", s)
	}
}

// flakyItems fails UpdateStatus while broken is set.
type flakyItems struct {
	*repository.MemoryItemRepository
	broken bool
}

func (r *flakyItems) UpdateStatus(ctx context.Context, id uuid.UUID, st model.ItemStatus) error {
	if r.broken {
		return errors.New("write timeout")
	}
	return r.MemoryItemRepository.UpdateStatus(ctx, id, st)
}

// flakyContracts fails Create and UpdateState while broken is set.
type flakyContracts struct {
	*repository.MemoryContractRepository
	broken bool
}

func (r *flakyContracts) Create(ctx context.Context, c *model.Contract) error {
	if r.broken {
		return errors.New("write timeout")
	}
	return r.MemoryContractRepository.Create(ctx, c)
}

func (r *flakyContracts) UpdateState(ctx context.Context, id uuid.UUID, st model.ContractStatus, recycled bool) error {
	if r.broken {
		return errors.New("write timeout")
	}
	return r.MemoryContractRepository.UpdateState(ctx, id, st, recycled)
}

func newFlakyFixture() (*fixture, *flakyItems, *flakyContracts) {
	f := newFixture()
	items := &flakyItems{MemoryItemRepository: f.items}
	contracts := &flakyContracts{MemoryContractRepository: f.contracts}
	f.ctrl = NewLifecycleController(items, contracts, f.ledger, zap.NewNop())
	return f, items, contracts
}

func TestReconcile_repairsLostItemStatus(t *testing.T) {
	f, items, _ := newFlakyFixture()
	item := f.createItem(t)

	items.broken = true
	err := f.try(item.ID, EventApprove, admin)
	if !errors.Is(err, provenance.ErrStoreUnavailable) {
		t.Fatalf("err = %v, want ErrStoreUnavailable", err)
	}
	items.broken = false

	if n := f.chainLen(t, item); n != 2 {
		t.Fatalf("chain length = %d, want 2 (append precedes status write)", n)
	}
	if s := f.itemStatus(t, item.ID); s != model.ItemStatusPending {
		t.Fatalf("status = %q, want pending before reconcile", s)
	}

	res, err := f.ctrl.Reconcile(ctx, item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Changes) != 1 || res.Item.Status != model.ItemStatusApproved {
		t.Errorf("Reconcile = %+v, want item moved to approved", res)
	}
	if s := f.itemStatus(t, item.ID); s != model.ItemStatusApproved {
		t.Errorf("stored status = %q, want approved", s)
	}

	again, err := f.ctrl.Reconcile(ctx, item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(again.Changes) != 0 {
		t.Errorf("second Reconcile changed %v, want no changes", again.Changes)
	}
}

func TestReconcile_recreatesLostContract(t *testing.T) {
	f, _, contracts := newFlakyFixture()
	item := f.createItem(t)
	f.do(t, item.ID, EventApprove, admin, nil)

	contracts.broken = true
	if err := f.try(item.ID, EventSell, buyer); !errors.Is(err, provenance.ErrStoreUnavailable) {
		t.Fatalf("sell err = %v, want ErrStoreUnavailable", err)
	}
	contracts.broken = false

	res, err := f.ctrl.Reconcile(ctx, item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Item.Status != model.ItemStatusSold {
		t.Errorf("item status = %q, want sold", res.Item.Status)
	}
	if res.Contract == nil || res.Contract.BuyerID != buyer.ID || res.Contract.Quantity != 100 {
		t.Fatalf("contract = %+v, want buyer-1 contract for 100", res.Contract)
	}

	recs, _ := f.ledger.ListBySubject(ctx, item.SubjectID())
	if recs[2].Metadata["contract_id"] != res.Contract.ID.String() {
		t.Errorf("recreated contract id %s does not match SOLD record %v", res.Contract.ID, recs[2].Metadata["contract_id"])
	}

	// The contract is usable afterwards.
	f.do(t, res.Contract.ID, EventConfirmPayment, buyer, nil)
}

func TestReconcile_advancesContract(t *testing.T) {
	f, _, contracts := newFlakyFixture()
	item := f.createItem(t)
	f.do(t, item.ID, EventApprove, admin, nil)
	cid := f.do(t, item.ID, EventSell, buyer, nil).Contract.ID
	f.do(t, cid, EventConfirmPayment, buyer, nil)

	contracts.broken = true
	if err := f.try(cid, EventCollect, worker); err == nil {
		t.Fatal("collect succeeded with broken contract store")
	}
	contracts.broken = false

	res, err := f.ctrl.Reconcile(ctx, item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Contract.Status != model.ContractStatusCollected {
		t.Errorf("contract status = %q, want collected", res.Contract.Status)
	}
}

func TestReconcile_refusesBrokenChain(t *testing.T) {
	f := newFixture()
	item := f.createItem(t)
	f.ctrl.ledger = brokenLedger{f.ledger}

	if _, err := f.ctrl.Reconcile(ctx, item.ID); !errors.Is(err, ErrChainBroken) {
		t.Fatalf("err = %v, want ErrChainBroken", err)
	}
}

func TestReconcile_unknownItem(t *testing.T) {
	f := newFixture()
	if _, err := f.ctrl.Reconcile(ctx, uuid.New()); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

// brokenLedger reports every chain as broken at index 0.
type brokenLedger struct{ *provenance.Service }

func (brokenLedger) VerifyChain(_ context.Context, subjectID string) (*provenance.VerificationResult, error) {
	idx := 0
	return &provenance.VerificationResult{SubjectID: subjectID, BrokenAtIndex: &idx, Reason: "tampered"}, nil
}

func (f *fixture) count(t *testing.T, item *model.Item, action provenance.Action) int {
	t.Helper()
	recs, err := f.ledger.ListBySubject(ctx, item.SubjectID())
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	for _, r := range recs {
		if r.Action == action {
			n++
		}
	}
	return n
}

func TestTransition_retryAfterLostItemStatus(t *testing.T) {
	f, items, _ := newFlakyFixture()
	item := f.createItem(t)

	items.broken = true
	if err := f.try(item.ID, EventApprove, admin); !errors.Is(err, provenance.ErrStoreUnavailable) {
		t.Fatalf("err = %v, want ErrStoreUnavailable", err)
	}
	items.broken = false

	res := f.do(t, item.ID, EventApprove, admin, nil)
	if res.NewStatus != string(model.ItemStatusApproved) {
		t.Errorf("new status = %q, want approved", res.NewStatus)
	}
	if res.Record == nil || res.Record.Action != provenance.ActionApproved {
		t.Errorf("record = %+v, want the existing APPROVED record", res.Record)
	}
	if n := f.count(t, item, provenance.ActionApproved); n != 1 {
		t.Errorf("APPROVED records = %d, want 1", n)
	}
	if n := f.chainLen(t, item); n != 2 {
		t.Errorf("chain length = %d, want 2", n)
	}
	if s := f.itemStatus(t, item.ID); s != model.ItemStatusApproved {
		t.Errorf("stored status = %q, want approved", s)
	}
}

func TestTransition_retryAfterLostContractState(t *testing.T) {
	f, _, contracts := newFlakyFixture()
	item := f.createItem(t)
	f.do(t, item.ID, EventApprove, admin, nil)
	cid := f.do(t, item.ID, EventSell, buyer, nil).Contract.ID
	f.do(t, cid, EventConfirmPayment, buyer, nil)

	contracts.broken = true
	if err := f.try(cid, EventCollect, worker); err == nil {
		t.Fatal("collect succeeded with broken contract store")
	}
	contracts.broken = false

	res := f.do(t, cid, EventCollect, worker, nil)
	if res.NewStatus != string(model.ContractStatusCollected) {
		t.Errorf("new status = %q, want collected", res.NewStatus)
	}
	if n := f.count(t, item, provenance.ActionCollected); n != 1 {
		t.Errorf("COLLECTED records = %d, want 1", n)
	}

	// The next event proceeds from the repaired state.
	f.do(t, cid, EventDispatch, worker, nil)
	if n := f.chainLen(t, item); n != 5 {
		t.Errorf("chain length = %d, want 5", n)
	}
}

func TestTransition_otherEventCompletesLostWrite(t *testing.T) {
	f, items, _ := newFlakyFixture()
	item := f.createItem(t)

	items.broken = true
	if err := f.try(item.ID, EventApprove, admin); err == nil {
		t.Fatal("approve succeeded with broken item store")
	}
	items.broken = false

	// A sale by a buyer sees the approval the ledger already holds.
	res := f.do(t, item.ID, EventSell, buyer, nil)
	if res.Contract == nil || res.NewStatus != string(model.ItemStatusSold) {
		t.Fatalf("sell = %+v, want sold with contract", res)
	}
	if n := f.count(t, item, provenance.ActionApproved); n != 1 {
		t.Errorf("APPROVED records = %d, want 1", n)
	}
}

func TestSell_secondBuyerAfterLostItemStatus(t *testing.T) {
	f, items, _ := newFlakyFixture()
	item := f.createItem(t)
	f.do(t, item.ID, EventApprove, admin, nil)

	items.broken = true
	if err := f.try(item.ID, EventSell, buyer); err == nil {
		t.Fatal("sell succeeded with broken item store")
	}
	items.broken = false

	other := model.Actor{ID: "buyer-2", Role: model.RoleBuyer}
	if err := f.try(item.ID, EventSell, other); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second buyer err = %v, want ErrInvalidTransition", err)
	}
	if n := f.count(t, item, provenance.ActionSold); n != 1 {
		t.Errorf("SOLD records = %d, want 1", n)
	}
	c, err := f.contracts.GetByItemID(ctx, item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if c.BuyerID != buyer.ID {
		t.Errorf("contract buyer = %q, want %q", c.BuyerID, buyer.ID)
	}
	if s := f.itemStatus(t, item.ID); s != model.ItemStatusSold {
		t.Errorf("stored status = %q, want sold", s)
	}
}

func TestSell_retryAfterLostContract(t *testing.T) {
	f, _, contracts := newFlakyFixture()
	item := f.createItem(t)
	f.do(t, item.ID, EventApprove, admin, nil)

	contracts.broken = true
	if err := f.try(item.ID, EventSell, buyer); err == nil {
		t.Fatal("sell succeeded with broken contract store")
	}
	contracts.broken = false

	res := f.do(t, item.ID, EventSell, buyer, nil)
	if res.Contract == nil || res.Contract.BuyerID != buyer.ID {
		t.Fatalf("contract = %+v, want buyer-1 contract", res.Contract)
	}
	if n := f.count(t, item, provenance.ActionSold); n != 1 {
		t.Errorf("SOLD records = %d, want 1", n)
	}
}

func TestContractEvent_recoversLostContract(t *testing.T) {
	f, _, contracts := newFlakyFixture()
	item := f.createItem(t)
	f.do(t, item.ID, EventApprove, admin, nil)

	contracts.broken = true
	if err := f.try(item.ID, EventSell, buyer); err == nil {
		t.Fatal("sell succeeded with broken contract store")
	}
	contracts.broken = false

	res := f.do(t, item.ID, EventConfirmPayment, buyer, nil)
	if res.NewStatus != string(model.ContractStatusConfirmed) {
		t.Errorf("new status = %q, want confirmed", res.NewStatus)
	}
	if s := f.itemStatus(t, item.ID); s != model.ItemStatusSold {
		t.Errorf("item status = %q, want sold", s)
	}
}

func TestSell_refusesWhenContractExists(t *testing.T) {
	f := newFixture()
	item := f.createItem(t)
	f.do(t, item.ID, EventApprove, admin, nil)
	if err := f.contracts.Create(ctx, &model.Contract{ID: uuid.New(), ItemID: item.ID, BuyerID: "buyer-0", SellerID: seller.ID, Status: model.ContractStatusPending}); err != nil {
		t.Fatal(err)
	}

	if err := f.try(item.ID, EventSell, buyer); !errors.Is(err, repository.ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}
	if n := f.count(t, item, provenance.ActionSold); n != 0 {
		t.Errorf("SOLD records = %d, want 0", n)
	}
}

func TestTransition_lostWriteOnBrokenChainRefused(t *testing.T) {
	f, items, _ := newFlakyFixture()
	item := f.createItem(t)

	items.broken = true
	if err := f.try(item.ID, EventApprove, admin); err == nil {
		t.Fatal("approve succeeded with broken item store")
	}
	items.broken = false
	f.ctrl.ledger = brokenLedger{f.ledger}

	if err := f.try(item.ID, EventApprove, admin); !errors.Is(err, ErrChainBroken) {
		t.Fatalf("err = %v, want ErrChainBroken", err)
	}
	if s := f.itemStatus(t, item.ID); s != model.ItemStatusPending {
		t.Errorf("stored status = %q, want pending", s)
	}
}
