package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jmerrifield20/WasteLedger/internal/marketplace/model"
)

// MemoryItemRepository is an in-memory item store for tests and the
// memory storage driver.
type MemoryItemRepository struct {
	mu    sync.RWMutex
	items map[uuid.UUID]model.Item
}

// NewMemoryItemRepository creates an empty MemoryItemRepository.
func NewMemoryItemRepository() *MemoryItemRepository {
	return &MemoryItemRepository{items: make(map[uuid.UUID]model.Item)}
}

func (r *MemoryItemRepository) Create(_ context.Context, item *model.Item) error {
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	if item.Status == "" {
		item.Status = model.ItemStatusPending
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[item.ID] = *item
	return nil
}

func (r *MemoryItemRepository) GetByID(_ context.Context, id uuid.UUID) (*model.Item, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	it, ok := r.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &it, nil
}

func (r *MemoryItemRepository) UpdateStatus(_ context.Context, id uuid.UUID, status model.ItemStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok := r.items[id]
	if !ok {
		return ErrNotFound
	}
	it.Status = status
	it.UpdatedAt = time.Now().UTC()
	r.items[id] = it
	return nil
}

func (r *MemoryItemRepository) List(_ context.Context, sellerID string, status model.ItemStatus, limit, offset int) ([]*model.Item, error) {
	if limit <= 0 {
		limit = 50
	}
	r.mu.RLock()
	out := []*model.Item{}
	for _, it := range r.items {
		if sellerID != "" && it.SellerID != sellerID {
			continue
		}
		if status != "" && it.Status != status {
			continue
		}
		it := it
		out = append(out, &it)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return []*model.Item{}, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MemoryContractRepository is an in-memory contract store.
type MemoryContractRepository struct {
	mu        sync.RWMutex
	contracts map[uuid.UUID]model.Contract
	byItem    map[uuid.UUID]uuid.UUID
}

// NewMemoryContractRepository creates an empty MemoryContractRepository.
func NewMemoryContractRepository() *MemoryContractRepository {
	return &MemoryContractRepository{
		contracts: make(map[uuid.UUID]model.Contract),
		byItem:    make(map[uuid.UUID]uuid.UUID),
	}
}

func (r *MemoryContractRepository) Create(_ context.Context, c *model.Contract) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byItem[c.ItemID]; exists {
		return ErrDuplicate
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = model.ContractStatusPending
	}
	r.contracts[c.ID] = *c
	r.byItem[c.ItemID] = c.ID
	return nil
}

func (r *MemoryContractRepository) GetByID(_ context.Context, id uuid.UUID) (*model.Contract, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contracts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (r *MemoryContractRepository) GetByItemID(_ context.Context, itemID uuid.UUID) (*model.Contract, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byItem[itemID]
	if !ok {
		return nil, ErrNotFound
	}
	c := r.contracts[id]
	return &c, nil
}

func (r *MemoryContractRepository) UpdateState(_ context.Context, id uuid.UUID, status model.ContractStatus, recycled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.contracts[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	c.Recycled = recycled
	c.UpdatedAt = time.Now().UTC()
	r.contracts[id] = c
	return nil
}

func (r *MemoryContractRepository) ListByBuyer(_ context.Context, buyerID string, limit, offset int) ([]*model.Contract, error) {
	if limit <= 0 {
		limit = 50
	}
	r.mu.RLock()
	out := []*model.Contract{}
	for _, c := range r.contracts {
		if c.BuyerID != buyerID {
			continue
		}
		c := c
		out = append(out, &c)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return []*model.Contract{}, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
