package provenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/jmerrifield20/WasteLedger/internal/keylock"
	"github.com/jmerrifield20/WasteLedger/internal/metrics"
)

const (
	// DefaultStoreTimeout bounds every individual store call.
	DefaultStoreTimeout = 5 * time.Second

	// DefaultMaxAppendRetries is how many times Append re-reads the tail after
	// losing a race to another writer.
	DefaultMaxAppendRetries = 3
)

// VerificationResult is the outcome of walking one subject's chain.
// A broken chain is reported here, never as an error.
type VerificationResult struct {
	SubjectID     string `json:"subject_id"`
	Valid         bool   `json:"valid"`
	BrokenAtIndex *int   `json:"broken_at_index,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Length        int    `json:"length"`
}

// Chain is the timeline projection of a subject's records.
type Chain struct {
	SubjectID     string    `json:"subject_id"`
	Records       []*Record `json:"records"`
	IsVerified    bool      `json:"is_verified"`
	BrokenAtIndex *int      `json:"broken_at_index,omitempty"`
}

// Service is the only writer of provenance records. It serialises appends per
// subject, links each record to the current tail and verifies chains on read.
type Service struct {
	store        Store
	logger       *zap.Logger
	tracer       trace.Tracer
	locks        keylock.Map
	storeTimeout time.Duration
	maxRetries   int
	now          func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithStoreTimeout sets the per-call store deadline.
func WithStoreTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.storeTimeout = d
		}
	}
}

// WithMaxAppendRetries sets how many chain conflicts Append absorbs.
func WithMaxAppendRetries(n int) Option {
	return func(s *Service) {
		if n >= 0 {
			s.maxRetries = n
		}
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a Service on top of store.
func NewService(store Store, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store:        store,
		logger:       logger,
		tracer:       otel.Tracer("github.com/jmerrifield20/WasteLedger/internal/provenance"),
		storeTimeout: DefaultStoreTimeout,
		maxRetries:   DefaultMaxAppendRetries,
		now:          time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Store returns the underlying store.
func (s *Service) Store() Store { return s.store }

// Append links a new record to the subject's chain and persists it.
// Failures are returned to the caller; nothing is retried silently except a
// lost race against another writer, which re-reads the tail.
func (s *Service) Append(ctx context.Context, subjectID string, action Action, actorID, actorRole string, metadata Metadata) (*Record, error) {
	ctx, span := s.tracer.Start(ctx, "provenance.Append", trace.WithAttributes(
		attribute.String("subject_id", subjectID),
		attribute.String("action", string(action)),
	))
	defer span.End()

	rec, err := s.append(ctx, subjectID, action, actorID, actorRole, metadata)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.RecordLedgerAppendFailure(failureReason(err))
		return nil, err
	}
	metrics.RecordLedgerAppend(string(action))
	return rec, nil
}

func (s *Service) append(ctx context.Context, subjectID string, action Action, actorID, actorRole string, metadata Metadata) (*Record, error) {
	if subjectID == "" {
		return nil, fmt.Errorf("%w: subject id is required", ErrInvalidRecord)
	}
	if actorID == "" {
		return nil, fmt.Errorf("%w: actor id is required", ErrInvalidRecord)
	}
	if !action.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	md, err := CanonicalMetadata(metadata)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(subjectID)
	defer unlock()

	for attempt := 0; ; attempt++ {
		rec, err := s.tryAppend(ctx, subjectID, action, actorID, actorRole, md)
		if err == nil {
			s.logger.Info("provenance record appended",
				zap.String("subject_id", subjectID),
				zap.String("action", string(action)),
				zap.String("actor_id", actorID),
				zap.String("hash", rec.Hash),
			)
			return rec, nil
		}
		if !errors.Is(err, ErrChainConflict) || attempt >= s.maxRetries {
			s.logger.Error("provenance append failed",
				zap.String("subject_id", subjectID),
				zap.String("action", string(action)),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			return nil, err
		}
		s.logger.Warn("provenance chain conflict, retrying with fresh tail",
			zap.String("subject_id", subjectID),
			zap.Int("attempt", attempt+1),
		)
	}
}

func (s *Service) tryAppend(ctx context.Context, subjectID string, action Action, actorID, actorRole string, md Metadata) (*Record, error) {
	tail, err := s.latest(ctx, subjectID)
	if err != nil {
		return nil, err
	}

	prevHash := GenesisHash
	ts := NormalizeTimestamp(s.now())
	if tail != nil {
		prevHash = tail.Hash
		if !ts.After(tail.Timestamp) {
			ts = tail.Timestamp.Add(time.Millisecond)
		}
	}

	hash, err := Digest(subjectID, action, actorID, ts, prevHash, md)
	if err != nil {
		return nil, err
	}
	rec := &Record{
		SubjectID:    subjectID,
		Action:       action,
		ActorID:      actorID,
		ActorRole:    actorRole,
		Narrative:    Narrative(action, actorRole),
		Metadata:     md,
		PreviousHash: prevHash,
		Hash:         hash,
		Timestamp:    ts,
	}

	sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	id, err := s.store.Append(sctx, rec)
	if err != nil {
		return nil, storeErr(sctx, err)
	}
	rec.ID = id
	return rec, nil
}

func (s *Service) latest(ctx context.Context, subjectID string) (*Record, error) {
	sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	tail, err := s.store.LatestForSubject(sctx, subjectID)
	if err != nil {
		return nil, storeErr(sctx, err)
	}
	return tail, nil
}

// ListBySubject returns the subject's records in chain order.
func (s *Service) ListBySubject(ctx context.Context, subjectID string) ([]*Record, error) {
	sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	recs, err := s.store.ListBySubject(sctx, subjectID)
	if err != nil {
		return nil, storeErr(sctx, err)
	}
	return recs, nil
}

// ListRecent returns the newest records across all subjects, newest first.
func (s *Service) ListRecent(ctx context.Context, limit int) ([]*Record, error) {
	rl, ok := s.store.(RecentLister)
	if !ok {
		return nil, fmt.Errorf("%w: store cannot list recent records", ErrStoreUnavailable)
	}
	sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	recs, err := rl.ListRecent(sctx, limit)
	if err != nil {
		return nil, storeErr(sctx, err)
	}
	return recs, nil
}

// VerifyChain walks the subject's chain and reports the first broken record.
// It is read-only; the returned error is reserved for store failures.
func (s *Service) VerifyChain(ctx context.Context, subjectID string) (*VerificationResult, error) {
	ctx, span := s.tracer.Start(ctx, "provenance.VerifyChain", trace.WithAttributes(
		attribute.String("subject_id", subjectID),
	))
	defer span.End()

	recs, err := s.ListBySubject(ctx, subjectID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	res := verify(subjectID, recs)
	metrics.RecordVerification(res.Valid)
	span.SetAttributes(
		attribute.Bool("valid", res.Valid),
		attribute.Int("length", res.Length),
	)
	if !res.Valid {
		s.logger.Warn("provenance chain broken",
			zap.String("subject_id", subjectID),
			zap.Int("broken_at_index", *res.BrokenAtIndex),
			zap.String("reason", res.Reason),
		)
	}
	return res, nil
}

// GetChain returns the subject's records together with their verification state.
func (s *Service) GetChain(ctx context.Context, subjectID string) (*Chain, error) {
	recs, err := s.ListBySubject(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	res := verify(subjectID, recs)
	metrics.RecordVerification(res.Valid)
	return &Chain{
		SubjectID:     subjectID,
		Records:       recs,
		IsVerified:    res.Valid,
		BrokenAtIndex: res.BrokenAtIndex,
	}, nil
}

func verify(subjectID string, recs []*Record) *VerificationResult {
	res := &VerificationResult{SubjectID: subjectID, Valid: true, Length: len(recs)}
	broken := func(i int, reason string) *VerificationResult {
		res.Valid = false
		res.BrokenAtIndex = &i
		res.Reason = reason
		return res
	}

	for i, r := range recs {
		if i == 0 {
			if r.PreviousHash != GenesisHash {
				return broken(i, "first record does not start from the genesis sentinel")
			}
		} else if r.PreviousHash != recs[i-1].Hash {
			return broken(i, "previous hash does not match the preceding record")
		}

		want, err := hashRecord(r)
		if err != nil {
			return broken(i, "metadata cannot be canonicalised")
		}
		if r.Hash != want {
			return broken(i, "stored hash does not match record contents")
		}
		if r.Narrative != Narrative(r.Action, r.ActorRole) {
			return broken(i, "narrative does not match action and actor role")
		}
	}
	return res
}

// storeErr classifies a store failure. A context that expired while the
// store was working surfaces as ErrStoreUnavailable.
func storeErr(ctx context.Context, err error) error {
	if errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrChainConflict) ||
		errors.Is(err, ErrInvalidRecord) || errors.Is(err, ErrInvalidMetadata) {
		return err
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, ctx.Err())
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrChainConflict):
		return "conflict"
	case errors.Is(err, ErrStoreUnavailable):
		return "unavailable"
	default:
		return "invalid"
	}
}
