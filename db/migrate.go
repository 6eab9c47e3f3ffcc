package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"upsellflow/migrations"
)

// Migrate applies the embedded schema. Every statement is idempotent, so it runs on
// each startup.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	all, err := migrations.All()
	if err != nil {
		return err
	}
	sql := strings.TrimSpace(all)
	if sql == "" {
		return fmt.Errorf("db: no migrations to apply")
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("db: acquire conn: %w", err)
	}
	defer conn.Release()

	res := conn.Conn().PgConn().Exec(ctx, sql)
	if _, err := res.ReadAll(); err != nil {
		return fmt.Errorf("db: apply migrations: %w", err)
	}
	return nil
}
