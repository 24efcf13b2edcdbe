package provenance_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap"

	"github.com/jmerrifield20/WasteLedger/internal/provenance"
)

// startPostgres boots a throwaway Postgres with the schema applied. The test
// is skipped in -short mode or when no container runtime is reachable.
func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Postgres integration test in -short mode")
	}
	bg := context.Background()

	container, err := postgres.Run(bg, "postgres:16-alpine",
		postgres.WithDatabase("wasteledger"),
		postgres.WithUsername("wasteledger"),
		postgres.WithPassword("wasteledger"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(bg) })

	dsn, err := container.ConnectionString(bg, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	pool, err := pgxpool.New(bg, dsn)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	t.Cleanup(pool.Close)

	schema, err := os.ReadFile(filepath.Join("..", "..", "migrations", "001_init.up.sql"))
	if err != nil {
		t.Fatalf("read schema: %v", err)
	}
	if _, err := pool.Exec(bg, string(schema)); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return pool
}

func TestPostgresStore_roundTripAndVerify(t *testing.T) {
	pool := startPostgres(t)
	store := provenance.NewPostgresStore(pool, zap.NewNop())
	svc := provenance.NewService(store, zap.NewNop())

	subject := uuid.NewString()
	md := provenance.Metadata{"price": 12.5, "qty": 3, "nested": map[string]any{"b": 1, "a": "x"}}
	for _, a := range []provenance.Action{provenance.ActionCreated, provenance.ActionSubmittedForReview, provenance.ActionApproved} {
		if _, err := svc.Append(ctx, subject, a, "actor-1", "admin", md); err != nil {
			t.Fatalf("Append(%s): %v", a, err)
		}
	}

	res, err := svc.VerifyChain(ctx, subject)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid || res.Length != 3 {
		t.Fatalf("VerifyChain = %+v, want valid chain of 3", res)
	}

	subjects, err := store.ListSubjects(ctx, time.Now().Add(-time.Hour), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(subjects) != 1 || subjects[0] != subject {
		t.Errorf("ListSubjects = %v, want [%s]", subjects, subject)
	}
}

func TestPostgresStore_rejectsFork(t *testing.T) {
	pool := startPostgres(t)
	store := provenance.NewPostgresStore(pool, zap.NewNop())

	rec := &provenance.Record{
		SubjectID:    "item-fork",
		Action:       provenance.ActionCreated,
		ActorID:      "seller-1",
		Narrative:    provenance.Narrative(provenance.ActionCreated, ""),
		PreviousHash: provenance.GenesisHash,
		Hash:         "a3f1c2d4e5b6a7980112233445566778899aabbccddeeff00112233445566778",
		Timestamp:    provenance.NormalizeTimestamp(time.Now()),
	}
	if _, err := store.Append(ctx, rec); err != nil {
		t.Fatal(err)
	}
	_, err := store.Append(ctx, rec)
	if !errors.Is(err, provenance.ErrChainConflict) {
		t.Fatalf("second genesis err = %v, want ErrChainConflict", err)
	}
}

func TestPostgresStore_updatesRejected(t *testing.T) {
	pool := startPostgres(t)
	svc := provenance.NewService(provenance.NewPostgresStore(pool, zap.NewNop()), zap.NewNop())
	rec, err := svc.Append(ctx, "item-immutable", provenance.ActionCreated, "seller-1", "seller", nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := pool.Exec(ctx, `UPDATE provenance_records SET actor_id = 'mallory' WHERE id = $1`, rec.ID); err == nil {
		t.Error("UPDATE on provenance_records succeeded")
	}
	if _, err := pool.Exec(ctx, `DELETE FROM provenance_records WHERE id = $1`, rec.ID); err == nil {
		t.Error("DELETE on provenance_records succeeded")
	}
}
