package provenance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const recordColumns = `id, subject_id, action, actor_id, actor_role, narrative,
	metadata, previous_hash, hash, recorded_at`

// PostgresStore persists provenance records in the provenance_records table.
// The metadata column is JSON (not JSONB) so the canonical text is returned
// byte-for-byte and numbers keep their literal form.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// Append implements Store. The UNIQUE (subject_id, previous_hash) constraint
// turns a concurrent fork into ErrChainConflict.
func (s *PostgresStore) Append(ctx context.Context, rec *Record) (uuid.UUID, error) {
	if rec == nil {
		return uuid.Nil, fmt.Errorf("%w: nil record", ErrInvalidRecord)
	}
	md, err := json.Marshal(orEmpty(rec.Metadata))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}

	id := rec.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO provenance_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		id, rec.SubjectID, string(rec.Action), rec.ActorID, rec.ActorRole,
		rec.Narrative, string(md), rec.PreviousHash, rec.Hash, rec.Timestamp,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return uuid.Nil, fmt.Errorf("%w: subject %s already links to %s", ErrChainConflict, rec.SubjectID, rec.PreviousHash)
		}
		return uuid.Nil, fmt.Errorf("%w: insert record: %w", ErrStoreUnavailable, err)
	}

	s.logger.Debug("provenance record stored",
		zap.String("subject_id", rec.SubjectID),
		zap.String("action", string(rec.Action)),
		zap.String("hash", rec.Hash),
	)
	return id, nil
}

// ListBySubject implements Store.
func (s *PostgresStore) ListBySubject(ctx context.Context, subjectID string) ([]*Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM provenance_records
		 WHERE subject_id = $1 ORDER BY recorded_at ASC`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("%w: query records: %w", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	out := []*Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate records: %w", ErrStoreUnavailable, err)
	}
	return out, nil
}

// LatestForSubject implements Store.
func (s *PostgresStore) LatestForSubject(ctx context.Context, subjectID string) (*Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM provenance_records
		 WHERE subject_id = $1 ORDER BY recorded_at DESC LIMIT 1`, subjectID)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListSubjects implements SubjectLister.
func (s *PostgresStore) ListSubjects(ctx context.Context, since time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT subject_id FROM provenance_records
		WHERE recorded_at >= $1
		GROUP BY subject_id
		ORDER BY MAX(recorded_at) DESC
		LIMIT $2`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list subjects: %w", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var subjects []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: scan subject: %w", ErrStoreUnavailable, err)
		}
		subjects = append(subjects, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate subjects: %w", ErrStoreUnavailable, err)
	}
	return subjects, nil
}

// ListRecent implements RecentLister.
func (s *PostgresStore) ListRecent(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM provenance_records
		 ORDER BY recorded_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: query recent records: %w", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	out := []*Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate recent records: %w", ErrStoreUnavailable, err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (*Record, error) {
	var (
		rec    Record
		action string
		md     []byte
	)
	if err := row.Scan(
		&rec.ID, &rec.SubjectID, &action, &rec.ActorID, &rec.ActorRole,
		&rec.Narrative, &md, &rec.PreviousHash, &rec.Hash, &rec.Timestamp,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: scan record: %w", ErrStoreUnavailable, err)
	}
	rec.Action = Action(action)
	rec.Timestamp = rec.Timestamp.UTC()

	dec := json.NewDecoder(bytes.NewReader(md))
	dec.UseNumber()
	if err := dec.Decode(&rec.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata of record %s: %w", rec.ID, err)
	}
	return &rec, nil
}

func orEmpty(m Metadata) Metadata {
	if m == nil {
		return Metadata{}
	}
	return m
}
