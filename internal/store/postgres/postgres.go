// Package postgres implements the store contracts on a pgx connection pool.
package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// pool abstracts the subset of pgxpool.Pool used by the stores for easier
// testing.
type pool interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// schemaEnsurer is implemented by every store in this package.
type schemaEnsurer interface {
	EnsureSchema(ctx context.Context) error
}

// EnsureSchemas creates every table the given stores need.
func EnsureSchemas(ctx context.Context, stores ...schemaEnsurer) error {
	for _, s := range stores {
		if s == nil {
			continue
		}
		if err := s.EnsureSchema(ctx); err != nil {
			return err
		}
	}
	return nil
}
