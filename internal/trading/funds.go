package trading

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	apperrors "paper-trader/internal/errors"
	"paper-trader/internal/logging"
	"paper-trader/internal/models"
	"paper-trader/internal/store"
)

// Ledger tracks each user's cash. Accounts are opened lazily at the initial
// balance the first time they are touched.
type Ledger struct {
	store   store.Store
	initial decimal.Decimal
	enforce bool
	now     func() time.Time
	logger  zerolog.Logger
}

// NewLedger creates a ledger. When enforce is false debits never fail and
// balances may go negative.
func NewLedger(st store.Store, initial decimal.Decimal, enforce bool, logger zerolog.Logger) *Ledger {
	return &Ledger{
		store:   st,
		initial: initial,
		enforce: enforce,
		now:     time.Now,
		logger:  logging.WithComponent(logger, "ledger"),
	}
}

// Account returns the user's account as seen through repo.
func (l *Ledger) Account(ctx context.Context, repo store.Repository, userID string) (*models.Account, error) {
	acct, err := repo.GetAccount(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return &models.Account{UserID: userID, Equity: l.initial, UpdatedAt: l.now()}, nil
	}
	if err != nil {
		return nil, apperrors.Wrapf(err, "loading account %s", userID)
	}
	return acct, nil
}

// accountForUpdate creates the account row before reading it so that a
// locking read inside tx covers a user's first cash movement too.
func (l *Ledger) accountForUpdate(ctx context.Context, tx store.Repository, userID string) (*models.Account, error) {
	fresh := &models.Account{UserID: userID, Equity: l.initial, UpdatedAt: l.now()}
	if err := tx.EnsureAccount(ctx, fresh); err != nil {
		return nil, apperrors.Wrapf(err, "opening account %s", userID)
	}
	return l.Account(ctx, tx, userID)
}

// Balance returns the user's available cash.
func (l *Ledger) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	acct, err := l.Account(ctx, l.store, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return acct.Equity, nil
}

// CheckAndDebit removes amount from the account inside tx, failing with
// INSUFFICIENT_BALANCE when the ledger is enforced and cash is short.
func (l *Ledger) CheckAndDebit(ctx context.Context, tx store.Repository, userID string, amount decimal.Decimal) error {
	acct, err := l.accountForUpdate(ctx, tx, userID)
	if err != nil {
		return err
	}
	if l.enforce && acct.Equity.LessThan(amount) {
		return insufficientBalance(amount, acct.Equity)
	}
	return l.save(ctx, tx, acct, acct.Equity.Sub(amount))
}

// Credit adds amount to the account inside tx.
func (l *Ledger) Credit(ctx context.Context, tx store.Repository, userID string, amount decimal.Decimal) error {
	acct, err := l.accountForUpdate(ctx, tx, userID)
	if err != nil {
		return err
	}
	return l.save(ctx, tx, acct, acct.Equity.Add(amount))
}

// Deposit adds funds to the account and returns the updated balance.
func (l *Ledger) Deposit(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, apperrors.NewValidationError("amount", amount, "must be greater than zero")
	}
	var balance decimal.Decimal
	err := l.store.WithTx(ctx, func(tx store.Repository) error {
		if err := l.Credit(ctx, tx, userID, amount); err != nil {
			return err
		}
		acct, err := tx.GetAccount(ctx, userID)
		if err != nil {
			return err
		}
		balance = acct.Equity
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	log := logging.WithUser(l.logger, userID)
	log.Info().Str("amount", amount.StringFixed(2)).Msg("Funds added")
	return balance, nil
}

// Withdraw removes funds from the account. Withdrawals are always checked
// against the balance, whether or not order debits are enforced.
func (l *Ledger) Withdraw(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, apperrors.NewValidationError("amount", amount, "must be greater than zero")
	}
	var balance decimal.Decimal
	err := l.store.WithTx(ctx, func(tx store.Repository) error {
		acct, err := l.accountForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}
		if acct.Equity.LessThan(amount) {
			return insufficientBalance(amount, acct.Equity)
		}
		balance = acct.Equity.Sub(amount)
		return l.save(ctx, tx, acct, balance)
	})
	if err != nil {
		return decimal.Zero, err
	}
	log := logging.WithUser(l.logger, userID)
	log.Info().Str("amount", amount.StringFixed(2)).Msg("Funds withdrawn")
	return balance, nil
}

func (l *Ledger) save(ctx context.Context, tx store.Repository, acct *models.Account, equity decimal.Decimal) error {
	acct.Equity = equity
	acct.UpdatedAt = l.now()
	return tx.SaveAccount(ctx, acct)
}

func insufficientBalance(required, available decimal.Decimal) error {
	return apperrors.New(apperrors.CodeInsufficientBalance, "insufficient balance: required %s, available %s",
		required.StringFixed(2), available.StringFixed(2))
}
