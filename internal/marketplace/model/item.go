package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrValidation is wrapped by every request validation failure.
var ErrValidation = errors.New("validation failed")

// ItemStatus represents the marketplace state of a waste listing.
type ItemStatus string

const (
	ItemStatusPending  ItemStatus = "pending"
	ItemStatusApproved ItemStatus = "approved"
	ItemStatusRejected ItemStatus = "rejected"
	ItemStatusSold     ItemStatus = "sold"
)

// Item is a tradable waste listing. Its ID, rendered as a string, is the
// subject of its provenance chain.
type Item struct {
	ID          uuid.UUID  `json:"id"          db:"id"`
	SellerID    string     `json:"seller_id"   db:"seller_id"`
	Title       string     `json:"title"       db:"title"`
	Description string     `json:"description" db:"description"`
	Category    string     `json:"category"    db:"category"`
	Quantity    float64    `json:"quantity"    db:"quantity"`
	Unit        string     `json:"unit"        db:"unit"`
	Price       float64    `json:"price"       db:"price"` // asking price for the whole quantity
	Location    string     `json:"location"    db:"location"`
	Status      ItemStatus `json:"status"      db:"status"`
	CreatedAt   time.Time  `json:"created_at"  db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"  db:"updated_at"`
}

// SubjectID returns the provenance subject identity of the item.
func (i *Item) SubjectID() string { return i.ID.String() }

// UnitPrice is the price per unit of quantity.
func (i *Item) UnitPrice() float64 {
	if i.Quantity == 0 {
		return 0
	}
	return i.Price / i.Quantity
}

// CreateItemRequest is the payload for listing a new item.
type CreateItemRequest struct {
	Title       string  `json:"title"       binding:"required"`
	Description string  `json:"description"`
	Category    string  `json:"category"    binding:"required"`
	Quantity    float64 `json:"quantity"    binding:"required"`
	Unit        string  `json:"unit"`
	Price       float64 `json:"price"`
	Location    string  `json:"location"`
}

// Validate checks the request and fills defaults.
func (r *CreateItemRequest) Validate() error {
	r.Title = strings.TrimSpace(r.Title)
	r.Category = strings.TrimSpace(r.Category)
	switch {
	case r.Title == "":
		return fmt.Errorf("%w: title is required", ErrValidation)
	case r.Category == "":
		return fmt.Errorf("%w: category is required", ErrValidation)
	case r.Quantity <= 0:
		return fmt.Errorf("%w: quantity must be positive", ErrValidation)
	case r.Price < 0:
		return fmt.Errorf("%w: price must not be negative", ErrValidation)
	}
	if r.Unit == "" {
		r.Unit = "kg"
	}
	return nil
}
