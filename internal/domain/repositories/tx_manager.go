package repositories

import "context"

// TxManager runs fn inside a single database transaction. Repository calls
// made with the ctx passed to fn join that transaction. The transaction is
// rolled back when fn returns an error.
type TxManager interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}
