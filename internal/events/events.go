// Package events hands domain events raised by lifecycle transitions to a
// notification transport. Delivery to end users happens downstream.
package events

import (
	"context"
	"time"
)

// TypeListingApproved is raised after an item passes admin review.
const TypeListingApproved = "listing.approved"

// Event is a domain event emitted after a successful transition.
type Event struct {
	Type       string         `json:"type"`
	SubjectID  string         `json:"subject_id"`
	Action     string         `json:"action"`
	ActorID    string         `json:"actor_id"`
	RecordHash string         `json:"record_hash"`
	OccurredAt time.Time      `json:"occurred_at"`
	Data       map[string]any `json:"data,omitempty"`
}

// Publisher delivers events to a transport.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}
