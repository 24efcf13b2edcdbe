package provenance

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

// buildChain appends a five-record chain for item-1 and returns the store so
// tests can reach into its internals.
func buildChain(t *testing.T) (*Service, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	svc := NewService(store, zap.NewNop())
	steps := []struct {
		action Action
		actor  string
		role   string
	}{
		{ActionCreated, "seller-1", "seller"},
		{ActionSubmittedForReview, "seller-1", "seller"},
		{ActionApproved, "admin-1", "admin"},
		{ActionSold, "buyer-1", "buyer"},
		{ActionCollected, "worker-1", "waste_worker"},
	}
	for _, s := range steps {
		if _, err := svc.Append(context.Background(), "item-1", s.action, s.actor, s.role, Metadata{"step": string(s.action)}); err != nil {
			t.Fatalf("Append(%s): %v", s.action, err)
		}
	}
	return svc, store
}

func flipLast(h string) string {
	if h[len(h)-1] == '0' {
		return h[:len(h)-1] + "1"
	}
	return h[:len(h)-1] + "0"
}

func TestVerifyChain_detectsFieldTampering(t *testing.T) {
	const target = 2

	cases := []struct {
		name   string
		mutate func(r *Record)
	}{
		{"subject", func(r *Record) { r.SubjectID = "item-2" }},
		{"action", func(r *Record) { r.Action = ActionRejected }},
		{"actor", func(r *Record) { r.ActorID = "mallory" }},
		{"actor role", func(r *Record) { r.ActorRole = "buyer" }},
		{"narrative", func(r *Record) { r.Narrative = "Nothing to see here." }},
		{"metadata value", func(r *Record) { r.Metadata["step"] = "forged" }},
		{"metadata added key", func(r *Record) { r.Metadata["extra"] = true }},
		{"previous hash", func(r *Record) { r.PreviousHash = GenesisHash }},
		{"hash", func(r *Record) { r.Hash = flipLast(r.Hash) }},
		{"timestamp", func(r *Record) { r.Timestamp = r.Timestamp.Add(-time.Millisecond) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, store := buildChain(t)
			tc.mutate(store.chains["item-1"][target])

			res, err := svc.VerifyChain(context.Background(), "item-1")
			if err != nil {
				t.Fatal(err)
			}
			if res.Valid {
				t.Fatal("tampered chain reported valid")
			}
			if res.BrokenAtIndex == nil || *res.BrokenAtIndex != target {
				t.Errorf("BrokenAtIndex = %v, want %d (reason %q)", res.BrokenAtIndex, target, res.Reason)
			}
		})
	}
}

func TestVerifyChain_detectsTamperedGenesis(t *testing.T) {
	svc, store := buildChain(t)
	store.chains["item-1"][0].PreviousHash = "0000"

	res, err := svc.VerifyChain(context.Background(), "item-1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Valid || res.BrokenAtIndex == nil || *res.BrokenAtIndex != 0 {
		t.Errorf("VerifyChain = %+v, want broken at 0", res)
	}
}

func TestVerifyChain_detectsReordering(t *testing.T) {
	svc, store := buildChain(t)
	chain := store.chains["item-1"]
	chain[1], chain[2] = chain[2], chain[1]

	res, err := svc.VerifyChain(context.Background(), "item-1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Valid || res.BrokenAtIndex == nil || *res.BrokenAtIndex != 1 {
		t.Errorf("VerifyChain = %+v, want broken at 1", res)
	}
}

func TestVerifyChain_detectsDeletion(t *testing.T) {
	svc, store := buildChain(t)
	chain := store.chains["item-1"]
	store.chains["item-1"] = append(chain[:1:1], chain[2:]...)

	res, err := svc.VerifyChain(context.Background(), "item-1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Valid || res.BrokenAtIndex == nil || *res.BrokenAtIndex != 1 {
		t.Errorf("VerifyChain = %+v, want broken at 1", res)
	}
}

func TestVerifyChain_isReadOnly(t *testing.T) {
	svc, store := buildChain(t)
	before := len(store.chains["item-1"])
	for i := 0; i < 3; i++ {
		res, err := svc.VerifyChain(context.Background(), "item-1")
		if err != nil || !res.Valid {
			t.Fatalf("VerifyChain #%d = %+v, %v", i, res, err)
		}
	}
	if after := len(store.chains["item-1"]); after != before {
		t.Errorf("VerifyChain changed record count %d -> %d", before, after)
	}
}
