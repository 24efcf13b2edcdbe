package provenance

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// TimestampLayout is the ISO-8601 form fed into the digest. Timestamps are
// UTC with exactly millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// digestInput fixes the field order of the canonical byte sequence.
type digestInput struct {
	ListingID    string   `json:"listingId"`
	Action       Action   `json:"action"`
	ActorID      string   `json:"actorId"`
	Timestamp    string   `json:"timestamp"`
	PreviousHash string   `json:"previousHash"`
	MetaData     Metadata `json:"metaData"`
}

// NormalizeTimestamp converts t to the representation the chain stores:
// UTC, truncated to milliseconds.
func NormalizeTimestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// CanonicalMetadata returns m in canonical form: nil becomes an empty map and
// every number is re-decoded as a json.Number so that its literal text, not a
// platform float, feeds the digest. Map keys are sorted by encoding/json at
// every depth when the result is marshalled.
func CanonicalMetadata(m Metadata) (Metadata, error) {
	if len(m) == 0 {
		return Metadata{}, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out Metadata
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	return out, nil
}

// Digest computes the SHA-256 hash, as lowercase hex, over a record's
// semantic fields. Absent metadata hashes the same as an empty object.
func Digest(subjectID string, action Action, actorID string, ts time.Time, previousHash string, metadata Metadata) (string, error) {
	md, err := CanonicalMetadata(metadata)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(digestInput{
		ListingID:    subjectID,
		Action:       action,
		ActorID:      actorID,
		Timestamp:    NormalizeTimestamp(ts).Format(TimestampLayout),
		PreviousHash: previousHash,
		MetaData:     md,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

// hashRecord recomputes the digest of a stored record.
func hashRecord(r *Record) (string, error) {
	return Digest(r.SubjectID, r.Action, r.ActorID, r.Timestamp, r.PreviousHash, r.Metadata)
}
