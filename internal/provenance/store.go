package provenance

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrStoreUnavailable is wrapped by every persistence failure, including
	// store calls that exceed their deadline.
	ErrStoreUnavailable = errors.New("provenance store unavailable")

	// ErrChainConflict is returned by a Store when a record's PreviousHash is
	// already claimed by another record of the same subject.
	ErrChainConflict = errors.New("provenance chain conflict")

	// ErrUnknownAction is returned for actions outside the closed enumeration.
	ErrUnknownAction = errors.New("unknown provenance action")

	// ErrInvalidMetadata is returned when metadata cannot be canonicalised.
	ErrInvalidMetadata = errors.New("invalid provenance metadata")

	// ErrInvalidRecord is returned when required record fields are missing.
	ErrInvalidRecord = errors.New("invalid provenance record")
)

// Store is durable, ordered, append-only storage of records grouped by subject.
// There is deliberately no update or delete operation.
type Store interface {
	// Append persists a fully formed record and returns its storage identity.
	// It does not validate chain linkage.
	Append(ctx context.Context, rec *Record) (uuid.UUID, error)

	// ListBySubject returns the subject's records ordered by timestamp
	// ascending; an empty slice when there are none.
	ListBySubject(ctx context.Context, subjectID string) ([]*Record, error)

	// LatestForSubject returns the record with the greatest timestamp, or
	// nil when the subject has no records.
	LatestForSubject(ctx context.Context, subjectID string) (*Record, error)
}

// SubjectLister is implemented by stores that can enumerate subjects with
// recent activity. The integrity auditor uses it when available.
type SubjectLister interface {
	ListSubjects(ctx context.Context, since time.Time, limit int) ([]string, error)
}

// RecentLister is implemented by stores that can return the newest records
// across all subjects. It backs the public activity feed.
type RecentLister interface {
	ListRecent(ctx context.Context, limit int) ([]*Record, error)
}
