package revert

import (
	"context"
	"fmt"
)

type transactionKey struct{}

// NewContext returns a context carrying tx. Mutation code reached through
// this context records steps with RecordStep instead of receiving tx directly.
func NewContext(ctx context.Context, tx *Transaction) context.Context {
	return context.WithValue(ctx, transactionKey{}, tx)
}

// FromContext returns the transaction bound to ctx
func FromContext(ctx context.Context) (*Transaction, bool) {
	tx, ok := ctx.Value(transactionKey{}).(*Transaction)
	return tx, ok && tx != nil
}

// RecordStep adds a step to the transaction bound to ctx
func RecordStep(ctx context.Context, step Step) error {
	tx, err := openTransaction(ctx)
	if err != nil {
		return err
	}
	return tx.AddStep(step)
}

// openTransaction returns the bound transaction if it still accepts steps
func openTransaction(ctx context.Context) (*Transaction, error) {
	tx, ok := FromContext(ctx)
	if !ok {
		return nil, ErrNoTransaction
	}
	if state := tx.State(); state != StateOpen {
		return nil, fmt.Errorf("%w: %s is %s", ErrTransactionClosed, tx.identity, state)
	}
	return tx, nil
}
