package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the catalog integrity oracles. Each query returns rows only on violation.
func All() []Oracle {
	return []Oracle{
		{
			Name: "C1_changes_not_empty",
			SQL:  `SELECT id FROM offers WHERE jsonb_array_length(changes) = 0`,
		},
		{
			Name: "C2_change_quantity_positive",
			SQL: `SELECT o.id, c FROM offers o, jsonb_array_elements(o.changes) c
                  WHERE COALESCE((c->>'quantity')::int, 0) < 1`,
		},
		{
			Name: "C3_percentage_discount_bounded",
			SQL: `SELECT o.id, c FROM offers o, jsonb_array_elements(o.changes) c
                  WHERE c->'discount'->>'valueType' = 'percentage'
                    AND ((c->'discount'->>'value')::numeric <= 0 OR (c->'discount'->>'value')::numeric > 100)`,
		},
		{
			Name: "C4_prices_non_negative",
			SQL:  `SELECT id FROM offers WHERE original_price < 0 OR discounted_price < 0`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
