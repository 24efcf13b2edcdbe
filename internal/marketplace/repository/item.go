package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmerrifield20/WasteLedger/internal/marketplace/model"
)

const itemColumns = `id, seller_id, title, description, category, quantity,
	unit, price, location, status, created_at, updated_at`

// ItemRepository provides persistence for waste listings against PostgreSQL.
type ItemRepository struct {
	db *pgxpool.Pool
}

// NewItemRepository creates a new ItemRepository.
func NewItemRepository(db *pgxpool.Pool) *ItemRepository {
	return &ItemRepository{db: db}
}

// Create inserts a new item. The caller assigns the ID so the provenance
// genesis record can be written first.
func (r *ItemRepository) Create(ctx context.Context, item *model.Item) error {
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	if item.Status == "" {
		item.Status = model.ItemStatusPending
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO items (`+itemColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		item.ID, item.SellerID, item.Title, item.Description, item.Category,
		item.Quantity, item.Unit, item.Price, item.Location, item.Status,
		item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert item: %w", err)
	}
	return nil
}

// GetByID retrieves an item by its UUID.
func (r *ItemRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Item, error) {
	row := r.db.QueryRow(ctx, `SELECT `+itemColumns+` FROM items WHERE id = $1`, id)
	item, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return item, err
}

// UpdateStatus sets the status of an item.
func (r *ItemRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status model.ItemStatus) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE items SET status = $1, updated_at = $2 WHERE id = $3`,
		status, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update item status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns items, optionally filtered by seller and status, newest first.
func (r *ItemRepository) List(ctx context.Context, sellerID string, status model.ItemStatus, limit, offset int) ([]*model.Item, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+itemColumns+` FROM items
		WHERE ($1 = '' OR seller_id = $1)
		  AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`,
		sellerID, string(status), limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	items := []*model.Item{}
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func scanItem(row pgx.Row) (*model.Item, error) {
	var it model.Item
	var status string
	if err := row.Scan(
		&it.ID, &it.SellerID, &it.Title, &it.Description, &it.Category,
		&it.Quantity, &it.Unit, &it.Price, &it.Location, &status,
		&it.CreatedAt, &it.UpdatedAt,
	); err != nil {
		return nil, err
	}
	it.Status = model.ItemStatus(status)
	return &it, nil
}
