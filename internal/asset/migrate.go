package asset

import (
	"context"
	_ "embed"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

//go:embed schema.sql
var bootstrapDDL string

// Bootstrap applies the asset registry's own DDL. Real deployments may
// run this via an external migration tool instead; calling it twice is
// harmless since every statement is idempotent (CREATE TABLE IF NOT
// EXISTS).
func Bootstrap(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, bootstrapDDL); err != nil {
		return errors.Wrap(err, "asset: bootstrap schema")
	}
	return nil
}
