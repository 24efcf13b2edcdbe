package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Sentinel errors matched by *APIError with errors.Is.
var (
	ErrNotFound          = errors.New("not found")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrUnavailable       = errors.New("ledger store unavailable")
)

// APIError is a non-2xx response from the ledger API.
type APIError struct {
	StatusCode    int      `json:"-"`
	Code          string   `json:"code"`
	Message       string   `json:"error"`
	CurrentStatus string   `json:"current_status,omitempty"`
	AllowedEvents []string `json:"allowed_events,omitempty"`
}

func (e *APIError) Error() string {
	if e.CurrentStatus != "" {
		return fmt.Sprintf("%d %s: %s (allowed: %v)", e.StatusCode, e.Code, e.Message, e.AllowedEvents)
	}
	return fmt.Sprintf("%d %s: %s", e.StatusCode, e.Code, e.Message)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	case ErrForbidden:
		return e.StatusCode == http.StatusForbidden
	case ErrInvalidTransition:
		return e.Code == "invalid_transition"
	case ErrUnavailable:
		return e.StatusCode == http.StatusServiceUnavailable
	}
	return false
}

// Record is one provenance record.
type Record struct {
	ID           string         `json:"id"`
	SubjectID    string         `json:"subject_id"`
	Action       string         `json:"action"`
	ActorID      string         `json:"actor_id"`
	ActorRole    string         `json:"actor_role"`
	Narrative    string         `json:"narrative"`
	Metadata     map[string]any `json:"metadata"`
	PreviousHash string         `json:"previous_hash"`
	Hash         string         `json:"hash"`
	Timestamp    time.Time      `json:"timestamp"`
}

// Chain is a subject's timeline with its verification state.
type Chain struct {
	SubjectID     string    `json:"subject_id"`
	Records       []*Record `json:"records"`
	IsVerified    bool      `json:"is_verified"`
	BrokenAtIndex *int      `json:"broken_at_index,omitempty"`
}

// Verification is the result of verifying a chain.
type Verification struct {
	SubjectID     string `json:"subject_id"`
	Valid         bool   `json:"valid"`
	BrokenAtIndex *int   `json:"broken_at_index,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Length        int    `json:"length"`
}

// Item is a waste listing.
type Item struct {
	ID          string    `json:"id"`
	SellerID    string    `json:"seller_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Category    string    `json:"category"`
	Quantity    float64   `json:"quantity"`
	Unit        string    `json:"unit"`
	Price       float64   `json:"price"`
	Location    string    `json:"location"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Contract is a purchase contract created by a sale.
type Contract struct {
	ID         string    `json:"id"`
	ItemID     string    `json:"item_id"`
	BuyerID    string    `json:"buyer_id"`
	SellerID   string    `json:"seller_id"`
	Quantity   float64   `json:"quantity"`
	TotalPrice float64   `json:"total_price"`
	Status     string    `json:"status"`
	Recycled   bool      `json:"recycled"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// CreateItemRequest is the payload for CreateItem.
type CreateItemRequest struct {
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Category    string  `json:"category"`
	Quantity    float64 `json:"quantity"`
	Unit        string  `json:"unit,omitempty"`
	Price       float64 `json:"price"`
	Location    string  `json:"location,omitempty"`
}

// CreateItemResult holds the new item and its genesis record.
type CreateItemResult struct {
	Item   *Item   `json:"item"`
	Record *Record `json:"record"`
}

// TransitionResult is returned by Transition. Record is nil for transitions
// that are not written to the ledger.
type TransitionResult struct {
	NewStatus string    `json:"new_status"`
	Record    *Record   `json:"record,omitempty"`
	Item      *Item     `json:"item,omitempty"`
	Contract  *Contract `json:"contract,omitempty"`
}

// Client talks to a ledgerd instance.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	bearerToken string
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithBearerToken attaches a user token to every request.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		return nil
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("timeout must be positive, got %s", d)
		}
		c.httpClient.Timeout = d
		return nil
	}
}

// New creates a Client for the ledgerd instance at baseURL.
//
//	c, err := client.New("http://localhost:8080",
//	    client.WithBearerToken(token),
//	)
func New(baseURL string, opts ...Option) (*Client, error) {
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", baseURL, err)
	}
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(baseURL string, opts ...Option) *Client {
	c, err := New(baseURL, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// CreateItem lists a new item. Requires a seller token.
func (c *Client) CreateItem(ctx context.Context, req CreateItemRequest) (*CreateItemResult, error) {
	var out CreateItemResult
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/items", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetItem fetches an item by ID.
func (c *Client) GetItem(ctx context.Context, id string) (*Item, error) {
	var out Item
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/items/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListItems lists items, optionally filtered by status.
func (c *Client) ListItems(ctx context.Context, status string, limit int) ([]*Item, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/v1/items"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Items []*Item `json:"items"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// GetContract fetches a contract by ID.
func (c *Client) GetContract(ctx context.Context, id string) (*Contract, error) {
	var out Contract
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/contracts/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Transition applies a lifecycle event to an item or contract as the token's
// holder.
func (c *Client) Transition(ctx context.Context, targetID, event string, metadata map[string]any) (*TransitionResult, error) {
	body := map[string]any{"target_id": targetID, "event": event}
	if metadata != nil {
		body["metadata"] = metadata
	}
	var out TransitionResult
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/transitions", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Reconcile asks the server to realign an item's status with its chain.
// Requires an admin token.
func (c *Client) Reconcile(ctx context.Context, itemID string) ([]string, error) {
	var out struct {
		Changes []string `json:"changes"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/items/"+url.PathEscape(itemID)+"/reconcile", nil, &out); err != nil {
		return nil, err
	}
	return out.Changes, nil
}

// GetChain fetches a subject's timeline.
func (c *Client) GetChain(ctx context.Context, subjectID string) (*Chain, error) {
	var out Chain
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/provenance/"+url.PathEscape(subjectID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListMyContracts returns the contracts the caller has bought, newest first.
func (c *Client) ListMyContracts(ctx context.Context, limit int) ([]*Contract, error) {
	path := "/api/v1/contracts/mine"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Contracts []*Contract `json:"contracts"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Contracts, nil
}

// RecentProvenance returns the newest records across all items. It needs no
// token.
func (c *Client) RecentProvenance(ctx context.Context, limit int) ([]*Record, error) {
	path := "/api/v1/provenance"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Records []*Record `json:"records"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

// VerifyChain asks the server to verify a subject's chain. A broken chain is
// reported in the result, not as an error.
func (c *Client) VerifyChain(ctx context.Context, subjectID string) (*Verification, error) {
	var out Verification
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/provenance/"+url.PathEscape(subjectID)+"/verify", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, reqBody, respBody any) error {
	var rdr io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	body, err := c.do(req)
	if err != nil {
		return err
	}
	if respBody == nil {
		return nil
	}
	if err := json.Unmarshal(body, respBody); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(body, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = string(body)
		}
		return nil, apiErr
	}
	return body, nil
}
