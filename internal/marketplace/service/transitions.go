package service

import (
	"slices"

	"github.com/jmerrifield20/WasteLedger/internal/marketplace/model"
	"github.com/jmerrifield20/WasteLedger/internal/provenance"
)

// Event names a lifecycle transition a caller may request.
type Event string

const (
	EventReviewSubmit   Event = "review_submit"
	EventApprove        Event = "approve"
	EventReject         Event = "reject"
	EventSell           Event = "sell"
	EventConfirmPayment Event = "confirm_payment"
	EventCollect        Event = "collect"
	EventDispatch       Event = "dispatch"
	EventDeliver        Event = "deliver"
	EventRecycle        Event = "recycle"
	EventRemanufacture  Event = "remanufacture"
)

type targetKind int

const (
	targetItem targetKind = iota
	targetContract
)

// edge is one row of the lifecycle table. action is empty for transitions
// that are not recorded on the ledger.
type edge struct {
	event  Event
	kind   targetKind
	from   string
	to     string
	roles  []model.Role
	action provenance.Action

	// guard is an extra state condition on the contract.
	guard func(c *model.Contract) bool
	// recycled is the contract's Recycled flag after the transition.
	recycled bool
}

var edges = []edge{
	{event: EventReviewSubmit, kind: targetItem, from: string(model.ItemStatusPending), to: string(model.ItemStatusPending),
		roles: []model.Role{model.RoleSeller}, action: provenance.ActionSubmittedForReview},
	{event: EventApprove, kind: targetItem, from: string(model.ItemStatusPending), to: string(model.ItemStatusApproved),
		roles: []model.Role{model.RoleAdmin}, action: provenance.ActionApproved},
	{event: EventReject, kind: targetItem, from: string(model.ItemStatusPending), to: string(model.ItemStatusRejected),
		roles: []model.Role{model.RoleAdmin}, action: provenance.ActionRejected},
	{event: EventSell, kind: targetItem, from: string(model.ItemStatusApproved), to: string(model.ItemStatusSold),
		roles: []model.Role{model.RoleBuyer}, action: provenance.ActionSold},

	{event: EventConfirmPayment, kind: targetContract, from: string(model.ContractStatusPending), to: string(model.ContractStatusConfirmed),
		roles: []model.Role{model.RoleBuyer, model.RoleAdmin}},
	{event: EventCollect, kind: targetContract, from: string(model.ContractStatusConfirmed), to: string(model.ContractStatusCollected),
		roles: []model.Role{model.RoleWasteWorker}, action: provenance.ActionCollected},
	{event: EventDispatch, kind: targetContract, from: string(model.ContractStatusCollected), to: string(model.ContractStatusInTransit),
		roles: []model.Role{model.RoleSeller, model.RoleWasteWorker}, action: provenance.ActionInTransit},
	{event: EventDeliver, kind: targetContract, from: string(model.ContractStatusInTransit), to: string(model.ContractStatusDelivered),
		roles: []model.Role{model.RoleBuyer}, action: provenance.ActionDelivered},
	{event: EventRecycle, kind: targetContract, from: string(model.ContractStatusDelivered), to: string(model.ContractStatusDelivered),
		roles: []model.Role{model.RoleBuyer}, action: provenance.ActionRecycled,
		guard: func(c *model.Contract) bool { return !c.Recycled }, recycled: true},
	{event: EventRemanufacture, kind: targetContract, from: string(model.ContractStatusDelivered), to: string(model.ContractStatusCompleted),
		roles: []model.Role{model.RoleBuyer}, action: provenance.ActionRemanufactured,
		guard: func(c *model.Contract) bool { return c.Recycled }, recycled: true},
}

func lookupEdge(ev Event) (edge, bool) {
	for _, e := range edges {
		if e.event == ev {
			return e, true
		}
	}
	return edge{}, false
}

func (e edge) allows(role model.Role) bool {
	return slices.Contains(e.roles, role)
}

func (e edge) enabled(status string, c *model.Contract) bool {
	if e.from != status {
		return false
	}
	return e.guard == nil || c == nil || e.guard(c)
}

// allowedEvents lists the events enabled from the given state.
func allowedEvents(kind targetKind, status string, c *model.Contract) []string {
	out := []string{}
	for _, e := range edges {
		if e.kind == kind && e.enabled(status, c) {
			out = append(out, string(e.event))
		}
	}
	return out
}

// Events returns every transition event name in table order.
func Events() []Event {
	out := make([]Event, 0, len(edges))
	for _, e := range edges {
		out = append(out, e.event)
	}
	return out
}

// ownsTarget reports whether the actor's identity fits the edge: sellers
// act on their own items, buyers on their own contracts, and nobody buys
// their own listing.
func ownsTarget(ev Event, actor model.Actor, item *model.Item, c *model.Contract) bool {
	switch ev {
	case EventReviewSubmit:
		return actor.ID == item.SellerID
	case EventSell:
		return actor.ID != item.SellerID
	case EventConfirmPayment:
		return actor.Role == model.RoleAdmin || actor.ID == c.BuyerID
	case EventDispatch:
		return actor.Role == model.RoleWasteWorker || actor.ID == c.SellerID
	case EventDeliver, EventRecycle, EventRemanufacture:
		return actor.ID == c.BuyerID
	}
	return true
}
