package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmerrifield20/WasteLedger/internal/marketplace/model"
)

const contractColumns = `id, item_id, buyer_id, seller_id, quantity,
	total_price, status, recycled, created_at, updated_at`

// ContractRepository provides persistence for purchase contracts against PostgreSQL.
type ContractRepository struct {
	db *pgxpool.Pool
}

// NewContractRepository creates a new ContractRepository.
func NewContractRepository(db *pgxpool.Pool) *ContractRepository {
	return &ContractRepository{db: db}
}

// Create inserts a new contract. Returns ErrDuplicate if the item already
// has one.
func (r *ContractRepository) Create(ctx context.Context, c *model.Contract) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = model.ContractStatusPending
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO contracts (`+contractColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		c.ID, c.ItemID, c.BuyerID, c.SellerID, c.Quantity,
		c.TotalPrice, c.Status, c.Recycled, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicate
		}
		return fmt.Errorf("insert contract: %w", err)
	}
	return nil
}

// GetByID retrieves a contract by its UUID.
func (r *ContractRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Contract, error) {
	return r.scanOne(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id = $1`, id)
}

// GetByItemID retrieves the contract for an item.
func (r *ContractRepository) GetByItemID(ctx context.Context, itemID uuid.UUID) (*model.Contract, error) {
	return r.scanOne(ctx, `SELECT `+contractColumns+` FROM contracts WHERE item_id = $1`, itemID)
}

// UpdateState writes the contract's status and recycled flag.
func (r *ContractRepository) UpdateState(ctx context.Context, id uuid.UUID, status model.ContractStatus, recycled bool) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE contracts SET status = $1, recycled = $2, updated_at = $3 WHERE id = $4`,
		status, recycled, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update contract: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByBuyer returns the buyer's contracts, newest first.
func (r *ContractRepository) ListByBuyer(ctx context.Context, buyerID string, limit, offset int) ([]*model.Contract, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+contractColumns+` FROM contracts
		 WHERE buyer_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		buyerID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list contracts: %w", err)
	}
	defer rows.Close()

	out := []*model.Contract{}
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contracts: %w", err)
	}
	return out, nil
}

func (r *ContractRepository) scanOne(ctx context.Context, query string, args ...any) (*model.Contract, error) {
	c, err := scanContract(r.db.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

func scanContract(row pgx.Row) (*model.Contract, error) {
	var c model.Contract
	var status string
	err := row.Scan(
		&c.ID, &c.ItemID, &c.BuyerID, &c.SellerID, &c.Quantity,
		&c.TotalPrice, &status, &c.Recycled, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan contract: %w", err)
	}
	c.Status = model.ContractStatus(status)
	return &c, nil
}
