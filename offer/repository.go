package offer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PGRepository implements Store backed by the offers table.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed offer store.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const offerColumns = `
	id, title, product_title, product_image_url, product_description,
	original_price::text, discounted_price::text, changes, eligibility
`

// All returns active offers ordered by position.
func (r *PGRepository) All(ctx context.Context) ([]Offer, error) {
	query := `SELECT ` + offerColumns + ` FROM offers WHERE active ORDER BY position ASC, id ASC`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("offer: query offers: %w", err)
	}
	defer rows.Close()

	offers := make([]Offer, 0, 4)
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("offer: scan offer: %w", err)
		}
		offers = append(offers, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("offer: iterate offers: %w", err)
	}
	return offers, nil
}

// Find returns the active offer with the given id.
func (r *PGRepository) Find(ctx context.Context, id int64) (Offer, error) {
	query := `SELECT ` + offerColumns + ` FROM offers WHERE id = $1 AND active`

	o, err := scanOffer(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Offer{}, ErrNotFound
		}
		return Offer{}, fmt.Errorf("offer: get offer by id: %w", err)
	}
	return o, nil
}

// Upsert stores an offer, replacing any existing row with the same id.
func (r *PGRepository) Upsert(ctx context.Context, o Offer, position int) error {
	if err := o.Validate(); err != nil {
		return err
	}
	changes, err := json.Marshal(o.Changes)
	if err != nil {
		return fmt.Errorf("offer: encode changes: %w", err)
	}
	description := o.ProductDescription
	if description == nil {
		description = []string{}
	}

	const upsertSQL = `
		INSERT INTO offers (id, position, title, product_title, product_image_url, product_description,
			original_price, discounted_price, changes, eligibility)
		VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8::numeric, $9::jsonb, $10)
		ON CONFLICT (id) DO UPDATE SET
			position = EXCLUDED.position,
			active = TRUE,
			title = EXCLUDED.title,
			product_title = EXCLUDED.product_title,
			product_image_url = EXCLUDED.product_image_url,
			product_description = EXCLUDED.product_description,
			original_price = EXCLUDED.original_price,
			discounted_price = EXCLUDED.discounted_price,
			changes = EXCLUDED.changes,
			eligibility = EXCLUDED.eligibility,
			updated_at = now()
	`
	if _, err := r.pool.Exec(ctx, upsertSQL,
		o.ID, position, o.Title, o.ProductTitle, o.ProductImageURL, description,
		o.OriginalPrice.String(), o.DiscountedPrice.String(), string(changes), o.Eligibility,
	); err != nil {
		return fmt.Errorf("offer: upsert offer %d: %w", o.ID, err)
	}
	return nil
}

func scanOffer(row pgx.Row) (Offer, error) {
	var (
		o          Offer
		original   string
		discounted string
		changes    []byte
	)
	err := row.Scan(
		&o.ID,
		&o.Title,
		&o.ProductTitle,
		&o.ProductImageURL,
		&o.ProductDescription,
		&original,
		&discounted,
		&changes,
		&o.Eligibility,
	)
	if err != nil {
		return Offer{}, err
	}

	if o.OriginalPrice, err = decimal.NewFromString(original); err != nil {
		return Offer{}, fmt.Errorf("original price: %w", err)
	}
	if o.DiscountedPrice, err = decimal.NewFromString(discounted); err != nil {
		return Offer{}, fmt.Errorf("discounted price: %w", err)
	}
	if err := json.Unmarshal(changes, &o.Changes); err != nil {
		return Offer{}, fmt.Errorf("changes: %w", err)
	}
	return o, nil
}
