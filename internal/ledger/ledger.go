// Package ledger is the internal balance store. Every balance mutation runs
// in one serializable database transaction and writes exactly one matching
// ledger_transactions row per touched account.
package ledger

import (
	"context"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/voltgrid/coordinator/internal/database"
	apperrors "github.com/voltgrid/coordinator/internal/errors"
	"github.com/voltgrid/coordinator/internal/model"
	"github.com/voltgrid/coordinator/internal/repository"
)

// Service is the surface other components depend on; *Ledger implements it.
type Service interface {
	Credit(ctx context.Context, userID string, amountSats int64, txType model.TransactionType, description string, relatedSessionID *string) error
	Debit(ctx context.Context, userID string, amountSats int64, txType model.TransactionType, description string, relatedSessionID *string) error
	Transfer(ctx context.Context, fromUserID, toUserID string, amountSats, commissionSats int64, description string, relatedSessionID *string) error
	Payout(ctx context.Context, toUserID string, earningSats, commissionSats int64, description string, relatedSessionID *string) error
	GetBalance(ctx context.Context, userID string) (int64, error)
	ListTransactions(ctx context.Context, userID string, page, size int) ([]model.LedgerTransaction, int64, error)
}

type Ledger struct {
	db       *database.DB
	userRepo repository.UserRepository
	txRepo   repository.TransactionRepository
	houseID  string
}

var _ Service = (*Ledger)(nil)

func New(db *database.DB, userRepo repository.UserRepository, txRepo repository.TransactionRepository, houseUserID string) *Ledger {
	return &Ledger{
		db:       db,
		userRepo: userRepo,
		txRepo:   txRepo,
		houseID:  houseUserID,
	}
}

// HouseUserID exposes the commission account for balance-conservation checks.
func (l *Ledger) HouseUserID() string {
	return l.houseID
}

func (l *Ledger) Credit(ctx context.Context, userID string, amountSats int64, txType model.TransactionType, description string, relatedSessionID *string) error {
	if amountSats <= 0 {
		return apperrors.ValidationError("credit amount must be positive")
	}
	return l.db.WithSerializableTx(ctx, func(tx *sqlx.Tx) error {
		return l.apply(ctx, tx, userID, amountSats, 0, txType, description, relatedSessionID)
	})
}

func (l *Ledger) Debit(ctx context.Context, userID string, amountSats int64, txType model.TransactionType, description string, relatedSessionID *string) error {
	if amountSats <= 0 {
		return apperrors.ValidationError("debit amount must be positive")
	}
	return l.db.WithSerializableTx(ctx, func(tx *sqlx.Tx) error {
		return l.apply(ctx, tx, userID, -amountSats, 0, txType, description, relatedSessionID)
	})
}

// Transfer settles a session: one debit on the payer and two credits, payee
// and house, all-or-nothing. amountSats is the gross amount; commissionSats
// is the house cut taken out of it.
func (l *Ledger) Transfer(ctx context.Context, fromUserID, toUserID string, amountSats, commissionSats int64, description string, relatedSessionID *string) error {
	if amountSats <= 0 {
		return apperrors.ValidationError("transfer amount must be positive")
	}
	if commissionSats < 0 || commissionSats > amountSats {
		return apperrors.ValidationError("commission out of range")
	}
	return l.db.WithSerializableTx(ctx, func(tx *sqlx.Tx) error {
		if err := l.apply(ctx, tx, fromUserID, -amountSats, 0, model.TxTypeSessionPayment, description, relatedSessionID); err != nil {
			return err
		}
		earning := amountSats - commissionSats
		if err := l.apply(ctx, tx, toUserID, earning, commissionSats, model.TxTypeNodeEarning, description, relatedSessionID); err != nil {
			return err
		}
		if commissionSats > 0 {
			if err := l.apply(ctx, tx, l.houseID, commissionSats, 0, model.TxTypeCommission, description, relatedSessionID); err != nil {
				return err
			}
		}
		return nil
	})
}

// Payout credits a node owner and the house without debiting anyone, used
// when the user side was settled externally over Lightning.
func (l *Ledger) Payout(ctx context.Context, toUserID string, earningSats, commissionSats int64, description string, relatedSessionID *string) error {
	if earningSats <= 0 {
		return apperrors.ValidationError("payout amount must be positive")
	}
	return l.db.WithSerializableTx(ctx, func(tx *sqlx.Tx) error {
		if err := l.apply(ctx, tx, toUserID, earningSats, commissionSats, model.TxTypeNodeEarning, description, relatedSessionID); err != nil {
			return err
		}
		if commissionSats > 0 {
			if err := l.apply(ctx, tx, l.houseID, commissionSats, 0, model.TxTypeCommission, description, relatedSessionID); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *Ledger) GetBalance(ctx context.Context, userID string) (int64, error) {
	user, err := l.userRepo.FindByID(ctx, userID)
	if err != nil {
		return 0, apperrors.Database(err)
	}
	if user == nil {
		return 0, apperrors.NotFound("user")
	}
	return user.BalanceSats, nil
}

func (l *Ledger) ListTransactions(ctx context.Context, userID string, page, size int) ([]model.LedgerTransaction, int64, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 100 {
		size = 20
	}
	txs, err := l.txRepo.ListByUser(ctx, userID, size, (page-1)*size)
	if err != nil {
		return nil, 0, apperrors.Database(err)
	}
	total, err := l.txRepo.CountByUser(ctx, userID)
	if err != nil {
		return nil, 0, apperrors.Database(err)
	}
	return txs, total, nil
}

// apply mutates one balance inside tx and records the matching row. The
// users.balance_sats CHECK constraint backstops the explicit overdraw check
// under serializable isolation.
func (l *Ledger) apply(ctx context.Context, tx *sqlx.Tx, userID string, amountSats, feeSats int64, txType model.TransactionType, description string, relatedSessionID *string) error {
	users := l.userRepo.WithTx(tx)

	if amountSats < 0 {
		user, err := users.FindByID(ctx, userID)
		if err != nil {
			return apperrors.Database(err)
		}
		if user == nil {
			return apperrors.NotFound("user")
		}
		if user.BalanceSats < -amountSats {
			return apperrors.InsufficientFunds(-amountSats, user.BalanceSats)
		}
	}

	balance, err := users.AdjustBalance(ctx, userID, amountSats)
	if err != nil {
		if isCheckViolation(err) {
			return apperrors.InsufficientFunds(-amountSats, 0)
		}
		return apperrors.Database(err)
	}

	if _, err := l.txRepo.WithTx(tx).Insert(ctx, model.LedgerTransaction{
		UserID:           userID,
		Type:             txType,
		AmountSats:       amountSats,
		FeeSats:          feeSats,
		BalanceAfter:     balance,
		Description:      description,
		RelatedSessionID: relatedSessionID,
	}); err != nil {
		return apperrors.Database(err)
	}

	log.Debug().
		Str("userId", userID).
		Str("type", string(txType)).
		Int64("amountSats", amountSats).
		Int64("balanceAfter", balance).
		Msg("ledger entry")

	return nil
}

func isCheckViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "balance_sats")
}
