package events

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestWebhookPublisher_signedDelivery(t *testing.T) {
	var (
		mu       sync.Mutex
		gotBody  []byte
		gotSig   string
		received atomic.Int32
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotBody, gotSig = body, r.Header.Get(SignatureHeader)
		mu.Unlock()
		received.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p, err := NewWebhookPublisher(srv.URL, "s3cret", zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	ev := Event{Type: TypeListingApproved, SubjectID: "item-1", Action: "APPROVED", ActorID: "admin-1", OccurredAt: time.Now().UTC()}
	if err := p.Publish(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	p.Close()

	if received.Load() != 1 {
		t.Fatalf("deliveries = %d, want 1", received.Load())
	}
	mu.Lock()
	defer mu.Unlock()
	if err := VerifySignature(gotBody, "s3cret", gotSig); err != nil {
		t.Errorf("signature: %v", err)
	}
	if err := VerifySignature(gotBody, "wrong", gotSig); err == nil {
		t.Error("signature verified with the wrong secret")
	}
	var decoded Event
	if err := json.Unmarshal(gotBody, &decoded); err != nil || decoded.SubjectID != "item-1" {
		t.Errorf("body = %s (%v)", gotBody, err)
	}
}

func TestWebhookPublisher_retriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p, err := NewWebhookPublisher(srv.URL, "", zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	p.delays = []time.Duration{0, time.Millisecond, time.Millisecond}

	if err := p.Publish(context.Background(), Event{Type: TypeListingApproved, SubjectID: "item-2"}); err != nil {
		t.Fatal(err)
	}
	p.Close()

	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestWebhookPublisher_cancelledCallerStillDelivers(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	p, err := NewWebhookPublisher(srv.URL, "", zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := p.Publish(ctx, Event{Type: TypeListingApproved, SubjectID: "item-3"}); err != nil {
		t.Fatal(err)
	}
	cancel()
	p.Close()

	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestNewWebhookPublisher_invalidURL(t *testing.T) {
	for _, u := range []string{"", "ftp://example.com/hook", "not a url", "http://"} {
		if _, err := NewWebhookPublisher(u, "", zap.NewNop()); err == nil {
			t.Errorf("NewWebhookPublisher(%q) succeeded, want error", u)
		}
	}
}
