package provenance

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GenesisHash is the sentinel PreviousHash carried by the first record of
// every subject's chain. It appears exactly once per subject.
const GenesisHash = "GENESIS_BLOCK"

// Action is a lifecycle event recorded on a subject's chain.
type Action string

const (
	ActionCreated            Action = "CREATED"
	ActionSubmittedForReview Action = "SUBMITTED_FOR_REVIEW"
	ActionApproved           Action = "APPROVED"
	ActionRejected           Action = "REJECTED"
	ActionSold               Action = "SOLD"
	ActionCollected          Action = "COLLECTED"
	ActionInTransit          Action = "IN_TRANSIT"
	ActionDelivered          Action = "DELIVERED"
	ActionRecycled           Action = "RECYCLED"
	ActionRemanufactured     Action = "REMANUFACTURED"
)

// Actions lists the closed action enumeration in lifecycle order.
var Actions = []Action{
	ActionCreated,
	ActionSubmittedForReview,
	ActionApproved,
	ActionRejected,
	ActionSold,
	ActionCollected,
	ActionInTransit,
	ActionDelivered,
	ActionRecycled,
	ActionRemanufactured,
}

// Valid reports whether a belongs to the closed action enumeration.
func (a Action) Valid() bool {
	for _, known := range Actions {
		if a == known {
			return true
		}
	}
	return false
}

// ParseAction converts s into an Action, rejecting anything outside the enumeration.
func ParseAction(s string) (Action, error) {
	a := Action(s)
	if !a.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
	}
	return a, nil
}

// Metadata is the open key/value bag attached to a record. It is opaque to
// the chain logic but included verbatim (canonicalised) in the digest.
type Metadata map[string]any

// Record is a single immutable entry in a subject's provenance chain.
type Record struct {
	ID           uuid.UUID `json:"id"`
	SubjectID    string    `json:"subject_id"`
	Action       Action    `json:"action"`
	ActorID      string    `json:"actor_id"`
	ActorRole    string    `json:"actor_role"` // snapshot of the role at append time
	Narrative    string    `json:"narrative"`
	Metadata     Metadata  `json:"metadata"`
	PreviousHash string    `json:"previous_hash"`
	Hash         string    `json:"hash"`
	Timestamp    time.Time `json:"timestamp"`
}

// Clone returns a copy of r that shares no state with it. Metadata is copied
// through its canonical JSON form, so nested maps and slices are copied too.
func (r *Record) Clone() *Record {
	cp := *r
	if r.Metadata != nil {
		md, err := CanonicalMetadata(r.Metadata)
		if err != nil {
			// Not JSON-encodable; Digest rejects it anyway.
			md = make(Metadata, len(r.Metadata))
			for k, v := range r.Metadata {
				md[k] = v
			}
		}
		cp.Metadata = md
	}
	return &cp
}

var narratives = map[Action]string{
	ActionCreated:            "Waste listing initialized on the ledger.",
	ActionSubmittedForReview: "Listing submitted for quality check.",
	ActionApproved:           "Listing verified and approved by Admin.",
	ActionRejected:           "Listing rejected by Admin.",
	ActionSold:               "Deal concluded. Ownership transfer initiated.",
	ActionCollected:          "Material collected from generation site.",
	ActionInTransit:          "Material is on the way to recycling facility.",
	ActionDelivered:          "Material delivered to Buyer.",
	ActionRecycled:           "Material processed into raw recyclables.",
	ActionRemanufactured:     "Material remanufactured into new products.",
}

const defaultNarrative = "Status updated."

// Narrative returns the human-readable description for an action performed
// by an actor holding role. It is a pure function of its inputs, so
// verification can detect a rewritten role snapshot.
func Narrative(action Action, role string) string {
	text, ok := narratives[action]
	if !ok {
		text = defaultNarrative
	}
	if role != "" {
		text += " Recorded by " + role + "."
	}
	return text
}
