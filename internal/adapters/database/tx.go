package database

import (
	"context"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/jmoiron/sqlx"
	"github.com/zatekoja/claimvalidation/internal/domain/repositories"
	"github.com/zatekoja/claimvalidation/internal/infrastructure/clients/postgres"
	"github.com/zatekoja/claimvalidation/internal/infrastructure/observability"
	apperrors "github.com/zatekoja/claimvalidation/pkg/errors"
)

var dialect = goqu.Dialect("postgres")

type txKey struct{}

// executor returns the transaction carried by ctx, or the pool when there is none.
func executor(ctx context.Context, db *sqlx.DB) sqlx.ExtContext {
	if tx, ok := ctx.Value(txKey{}).(*sqlx.Tx); ok {
		return tx
	}
	return db
}

// TxManager implements repositories.TxManager on a Postgres connection pool.
type TxManager struct {
	client *postgres.Client
}

// NewTxManager creates a new transaction manager
func NewTxManager(client *postgres.Client) repositories.TxManager {
	return &TxManager{client: client}
}

// WithinTx runs fn in a transaction. A nested call joins the outer transaction.
func (m *TxManager) WithinTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if _, ok := ctx.Value(txKey{}).(*sqlx.Tx); ok {
		return fn(ctx)
	}

	tx, err := m.client.DB().BeginTxx(ctx, nil)
	if err != nil {
		return apperrors.NewInternalError("failed to begin transaction", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			observability.LoggerFromContext(ctx).Error().Err(rbErr).Msg("failed to roll back transaction")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return apperrors.NewInternalError("failed to commit transaction", err)
	}
	return nil
}
