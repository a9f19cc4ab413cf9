package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/voltgrid/coordinator/internal/model"
)

type InvoiceRepository interface {
	FindByHash(ctx context.Context, paymentHash string) (*model.Invoice, error)
	ListPending(ctx context.Context) ([]model.Invoice, error)
	Create(ctx context.Context, params model.CreateInvoiceParams) (*model.Invoice, error)
	// MarkPaid only succeeds for the caller that flips a pending row.
	MarkPaid(ctx context.Context, paymentHash string, at time.Time) (bool, error)
	MarkExpired(ctx context.Context, paymentHash string) error
	DeleteExpired(ctx context.Context) (int64, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) InvoiceRepository
}

type invoiceDB interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type invoiceRepo struct {
	db invoiceDB
}

func NewInvoiceRepository(db *sqlx.DB) InvoiceRepository {
	return &invoiceRepo{db: db}
}

func (r *invoiceRepo) WithTx(tx *sqlx.Tx) InvoiceRepository {
	return &invoiceRepo{db: tx}
}

func (r *invoiceRepo) FindByHash(ctx context.Context, paymentHash string) (*model.Invoice, error) {
	var invoice model.Invoice
	err := r.db.GetContext(ctx, &invoice, `
		SELECT * FROM invoices WHERE payment_hash = $1
	`, paymentHash)
	return HandleNotFound(&invoice, err)
}

func (r *invoiceRepo) ListPending(ctx context.Context) ([]model.Invoice, error) {
	var invoices []model.Invoice
	err := r.db.SelectContext(ctx, &invoices, `
		SELECT * FROM invoices WHERE status = 'pending' ORDER BY created_at
	`)
	return invoices, err
}

func (r *invoiceRepo) Create(ctx context.Context, params model.CreateInvoiceParams) (*model.Invoice, error) {
	var invoice model.Invoice
	err := r.db.GetContext(ctx, &invoice, `
		INSERT INTO invoices (payment_hash, bolt11, amount_sats, purpose, related_id, user_id, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING *
	`, params.PaymentHash, params.Bolt11, params.AmountSats, params.Purpose,
		params.RelatedID, params.UserID, params.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &invoice, nil
}

func (r *invoiceRepo) MarkPaid(ctx context.Context, paymentHash string, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE invoices SET status = 'paid', paid_at = $2
		WHERE payment_hash = $1 AND status = 'pending'
	`, paymentHash, at)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (r *invoiceRepo) MarkExpired(ctx context.Context, paymentHash string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE invoices SET status = 'expired'
		WHERE payment_hash = $1 AND status = 'pending'
	`, paymentHash)
	return err
}

func (r *invoiceRepo) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM invoices
		WHERE status = 'expired' AND expires_at < NOW() - INTERVAL '24 hours'
	`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
