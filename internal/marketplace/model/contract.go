package model

import (
	"time"

	"github.com/google/uuid"
)

// ContractStatus represents the fulfilment state of a purchase contract.
type ContractStatus string

const (
	ContractStatusPending   ContractStatus = "pending"
	ContractStatusConfirmed ContractStatus = "confirmed"
	ContractStatusCollected ContractStatus = "collected"
	ContractStatusInTransit ContractStatus = "in_transit"
	ContractStatusDelivered ContractStatus = "delivered"
	ContractStatusCompleted ContractStatus = "completed"
)

// Contract is the purchase agreement created when an item is sold. Its
// ledger records are appended to the item's chain.
type Contract struct {
	ID         uuid.UUID      `json:"id"          db:"id"`
	ItemID     uuid.UUID      `json:"item_id"     db:"item_id"`
	BuyerID    string         `json:"buyer_id"    db:"buyer_id"`
	SellerID   string         `json:"seller_id"   db:"seller_id"`
	Quantity   float64        `json:"quantity"    db:"quantity"`
	TotalPrice float64        `json:"total_price" db:"total_price"`
	Status     ContractStatus `json:"status"      db:"status"`
	Recycled   bool           `json:"recycled"    db:"recycled"`
	CreatedAt  time.Time      `json:"created_at"  db:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"  db:"updated_at"`
}

// contractRank orders contract statuses along the fulfilment path.
var contractRank = map[ContractStatus]int{
	ContractStatusPending:   0,
	ContractStatusConfirmed: 1,
	ContractStatusCollected: 2,
	ContractStatusInTransit: 3,
	ContractStatusDelivered: 4,
	ContractStatusCompleted: 5,
}

// Before reports whether s comes strictly earlier than other on the
// fulfilment path.
func (s ContractStatus) Before(other ContractStatus) bool {
	return contractRank[s] < contractRank[other]
}
