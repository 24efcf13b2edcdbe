package client_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/WasteLedger/internal/identity"
	"github.com/jmerrifield20/WasteLedger/internal/marketplace/handler"
	"github.com/jmerrifield20/WasteLedger/internal/marketplace/repository"
	"github.com/jmerrifield20/WasteLedger/internal/marketplace/service"
	"github.com/jmerrifield20/WasteLedger/internal/provenance"
	"github.com/jmerrifield20/WasteLedger/pkg/client"
)

// ── Test server ─────────────────────────────────────────────────────────

func startServer(t *testing.T) (*httptest.Server, *identity.TokenIssuer) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	tokens, err := identity.NewTokenIssuer("client-test-secret-client-test-secret", "wasteledger-test", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	ledger := provenance.NewService(provenance.NewMemoryStore(), zap.NewNop())
	ctrl := service.NewLifecycleController(repository.NewMemoryItemRepository(), repository.NewMemoryContractRepository(), ledger, zap.NewNop())

	r := gin.New()
	v1 := r.Group("/api/v1")
	handler.NewMarketplaceHandler(ctrl, tokens, zap.NewNop()).Register(v1)
	handler.NewProvenanceHandler(ledger, zap.NewNop()).Register(v1)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, tokens
}

func clientFor(t *testing.T, srv *httptest.Server, tokens *identity.TokenIssuer, userID, role string) *client.Client {
	t.Helper()
	tok, err := tokens.Issue(userID, userID+"@example.com", role)
	if err != nil {
		t.Fatal(err)
	}
	return client.MustNew(srv.URL, client.WithBearerToken(tok))
}

// ── Tests ───────────────────────────────────────────────────────────────

func TestNew_invalidBaseURL(t *testing.T) {
	if _, err := client.New("not a url"); err == nil {
		t.Error("expected error for invalid base URL")
	}
}

func TestNew_invalidTimeout(t *testing.T) {
	if _, err := client.New("http://localhost:8080", client.WithTimeout(0)); err == nil {
		t.Error("expected error for zero timeout")
	}
}

func TestClient_lifecycleRoundTrip(t *testing.T) {
	srv, tokens := startServer(t)
	ctx := context.Background()
	seller := clientFor(t, srv, tokens, "seller-1", "seller")
	admin := clientFor(t, srv, tokens, "admin-1", "admin")
	buyer := clientFor(t, srv, tokens, "buyer-1", "buyer")

	created, err := seller.CreateItem(ctx, client.CreateItemRequest{
		Title:    "Cardboard bales",
		Category: "paper",
		Quantity: 200,
		Price:    80,
	})
	if err != nil {
		t.Fatalf("CreateItem: %v", err)
	}
	if created.Record.Action != "CREATED" {
		t.Errorf("genesis action = %q", created.Record.Action)
	}
	itemID := created.Item.ID

	if _, err := admin.Transition(ctx, itemID, "approve", nil); err != nil {
		t.Fatalf("approve: %v", err)
	}
	sold, err := buyer.Transition(ctx, itemID, "sell", map[string]any{"quantity": 50})
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if sold.Contract == nil || sold.Contract.Quantity != 50 || sold.Contract.TotalPrice != 20 {
		t.Fatalf("contract = %+v, want 50 units for 20", sold.Contract)
	}

	contract, err := buyer.GetContract(ctx, sold.Contract.ID)
	if err != nil {
		t.Fatal(err)
	}
	if contract.Status != "pending" {
		t.Errorf("contract status = %q", contract.Status)
	}

	item, err := buyer.GetItem(ctx, itemID)
	if err != nil {
		t.Fatal(err)
	}
	if item.Status != "sold" {
		t.Errorf("item status = %q", item.Status)
	}

	items, err := buyer.ListItems(ctx, "sold", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Errorf("ListItems(sold) = %d items, want 1", len(items))
	}

	anon := client.MustNew(srv.URL)
	chain, err := anon.GetChain(ctx, itemID)
	if err != nil {
		t.Fatal(err)
	}
	if len(chain.Records) != 3 || !chain.IsVerified {
		t.Errorf("chain = %d records verified=%t, want 3 verified", len(chain.Records), chain.IsVerified)
	}
	v, err := anon.VerifyChain(ctx, itemID)
	if err != nil {
		t.Fatal(err)
	}
	if !v.Valid || v.Length != 3 {
		t.Errorf("verification = %+v", v)
	}

	changes, err := admin.Reconcile(ctx, itemID)
	if err != nil {
		t.Fatal(err)
	}
	if len(changes) != 0 {
		t.Errorf("Reconcile changes = %v, want none", changes)
	}
}

func TestClient_invalidTransitionError(t *testing.T) {
	srv, tokens := startServer(t)
	ctx := context.Background()
	seller := clientFor(t, srv, tokens, "seller-1", "seller")
	buyer := clientFor(t, srv, tokens, "buyer-1", "buyer")

	created, err := seller.CreateItem(ctx, client.CreateItemRequest{Title: "Glass cullet", Category: "glass", Quantity: 10})
	if err != nil {
		t.Fatal(err)
	}

	_, err = buyer.Transition(ctx, created.Item.ID, "sell", nil)
	if !errors.Is(err, client.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.CurrentStatus != "pending" || len(apiErr.AllowedEvents) != 3 {
		t.Errorf("api error = %+v", apiErr)
	}

	_, err = buyer.Transition(ctx, created.Item.ID, "approve", nil)
	if !errors.Is(err, client.ErrForbidden) {
		t.Errorf("err = %v, want ErrForbidden", err)
	}
}

func TestClient_unauthorizedAndNotFound(t *testing.T) {
	srv, tokens := startServer(t)
	ctx := context.Background()

	_, err := client.MustNew(srv.URL).CreateItem(ctx, client.CreateItemRequest{Title: "x", Category: "y", Quantity: 1})
	if !errors.Is(err, client.ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}

	buyer := clientFor(t, srv, tokens, "buyer-1", "buyer")
	_, err = buyer.GetItem(ctx, "00000000-0000-0000-0000-000000000001")
	if !errors.Is(err, client.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestClient_unavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"code":"store_unavailable","error":"ledger store unavailable, retry later"}`))
	}))
	defer srv.Close()

	_, err := client.MustNew(srv.URL).VerifyChain(context.Background(), "item-1")
	if !errors.Is(err, client.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestClient_purchasesAndRecentFeed(t *testing.T) {
	srv, tokens := startServer(t)
	ctx := context.Background()
	seller := clientFor(t, srv, tokens, "seller-1", "seller")
	admin := clientFor(t, srv, tokens, "admin-1", "admin")
	buyer := clientFor(t, srv, tokens, "buyer-1", "buyer")
	stranger := clientFor(t, srv, tokens, "buyer-2", "buyer")

	created, err := seller.CreateItem(ctx, client.CreateItemRequest{Title: "Glass cullet", Category: "glass", Quantity: 10, Price: 30})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := admin.Transition(ctx, created.Item.ID, "approve", nil); err != nil {
		t.Fatal(err)
	}
	sold, err := buyer.Transition(ctx, created.Item.ID, "sell", nil)
	if err != nil {
		t.Fatal(err)
	}

	mine, err := buyer.ListMyContracts(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(mine) != 1 || mine[0].ID != sold.Contract.ID {
		t.Errorf("ListMyContracts = %+v, want %s", mine, sold.Contract.ID)
	}

	if _, err := stranger.GetContract(ctx, sold.Contract.ID); !errors.Is(err, client.ErrForbidden) {
		t.Errorf("stranger GetContract err = %v, want ErrForbidden", err)
	}

	recent, err := client.MustNew(srv.URL).RecentProvenance(ctx, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 3 {
		t.Fatalf("RecentProvenance = %d records, want 3", len(recent))
	}
	if recent[0].Action != "SOLD" {
		t.Errorf("newest record = %+v, want SOLD", recent[0])
	}
}
