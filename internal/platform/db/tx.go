package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Beginner starts transactions; satisfied by *pgxpool.Pool and *pgx.Conn.
type Beginner interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// ErrNoPool is returned when WithTx is called without a connection source.
var ErrNoPool = errors.New("platform/db: pool not configured")

// WithTx executes fn within a RepeatableRead transaction. Errors returned by
// fn are passed through unwrapped so callers can classify them.
func WithTx(ctx context.Context, db Beginner, fn func(pgx.Tx) error) error {
	if db == nil {
		return ErrNoPool
	}
	tx, err := db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("platform/db: begin tx: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("platform/db: commit tx: %w", err)
	}

	return nil
}
