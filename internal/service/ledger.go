package service

import (
	"context"

	apperrors "github.com/theheadmen/smmbroker/internal/errors"
)

// Ledger moves spendable balance. Every call is one atomic store statement,
// so concurrent debits for the same user can never both pass on a stale balance.
type Ledger struct {
	store LedgerStore
}

func NewLedger(store LedgerStore) *Ledger {
	return &Ledger{store: store}
}

// TryDebit takes amount or fails with ErrInsufficientFunds leaving the balance untouched.
func (l *Ledger) TryDebit(ctx context.Context, userID uint, amount int64) error {
	if amount <= 0 {
		return apperrors.ErrInvalidAmount
	}
	return l.store.AdjustBalance(ctx, userID, -amount)
}

func (l *Ledger) Credit(ctx context.Context, userID uint, amount int64) error {
	if amount <= 0 {
		return apperrors.ErrInvalidAmount
	}
	return l.store.AdjustBalance(ctx, userID, amount)
}

// Adjust applies a signed staff correction. Negative deltas fail closed like TryDebit.
func (l *Ledger) Adjust(ctx context.Context, userID uint, delta int64) error {
	if delta == 0 {
		return apperrors.ErrInvalidAmount
	}
	return l.store.AdjustBalance(ctx, userID, delta)
}
