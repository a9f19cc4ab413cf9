package repository

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"

	"github.com/voltgrid/coordinator/internal/model"
)

type TransactionRepository interface {
	Insert(ctx context.Context, tx model.LedgerTransaction) (*model.LedgerTransaction, error)
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]model.LedgerTransaction, error)
	CountByUser(ctx context.Context, userID string) (int64, error)
	SumByUser(ctx context.Context, userID string) (int64, error)
	// HasEntry reports whether a transaction of the given type already exists
	// for a session; settlement recovery uses it as an idempotency marker.
	HasEntry(ctx context.Context, sessionID string, txType model.TransactionType) (bool, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) TransactionRepository
}

type txDB interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type transactionRepo struct {
	db txDB
}

func NewTransactionRepository(db *sqlx.DB) TransactionRepository {
	return &transactionRepo{db: db}
}

func (r *transactionRepo) WithTx(tx *sqlx.Tx) TransactionRepository {
	return &transactionRepo{db: tx}
}

func (r *transactionRepo) Insert(ctx context.Context, t model.LedgerTransaction) (*model.LedgerTransaction, error) {
	var out model.LedgerTransaction
	err := r.db.GetContext(ctx, &out, `
		INSERT INTO ledger_transactions (user_id, type, amount_sats, fee_sats, balance_after, description, related_session_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING *
	`, t.UserID, t.Type, t.AmountSats, t.FeeSats, t.BalanceAfter, t.Description, t.RelatedSessionID)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *transactionRepo) ListByUser(ctx context.Context, userID string, limit, offset int) ([]model.LedgerTransaction, error) {
	var txs []model.LedgerTransaction
	err := r.db.SelectContext(ctx, &txs, `
		SELECT * FROM ledger_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	return txs, err
}

func (r *transactionRepo) CountByUser(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := r.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM ledger_transactions WHERE user_id = $1
	`, userID)
	return count, err
}

func (r *transactionRepo) SumByUser(ctx context.Context, userID string) (int64, error) {
	var sum int64
	err := r.db.GetContext(ctx, &sum, `
		SELECT COALESCE(SUM(amount_sats), 0) FROM ledger_transactions WHERE user_id = $1
	`, userID)
	return sum, err
}

func (r *transactionRepo) HasEntry(ctx context.Context, sessionID string, txType model.TransactionType) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM ledger_transactions
			WHERE related_session_id = $1 AND type = $2
		)
	`, sessionID, txType)
	return exists, err
}
