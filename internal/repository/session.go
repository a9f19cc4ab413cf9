package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/voltgrid/coordinator/internal/model"
)

type SessionRepository interface {
	FindByID(ctx context.Context, id string) (*model.Session, error)
	FindByPaymentReference(ctx context.Context, paymentHash string) (*model.Session, error)
	ListByState(ctx context.Context, states ...model.SessionState) ([]model.Session, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]model.Session, error)
	Create(ctx context.Context, params model.CreateSessionParams) (*model.Session, error)
	// MarkPaid is the exactly-once gate for PaymentObserved: only the caller
	// that flips paid_at from NULL sees true.
	MarkPaid(ctx context.Context, id string, at time.Time) (bool, error)
	// UnmarkPaid reverts a paid flag whose follow-up debit failed.
	UnmarkPaid(ctx context.Context, id string) error
	MarkStarting(ctx context.Context, id string) error
	// MarkActive sets started_at and the immutable expires_at in one statement.
	MarkActive(ctx context.Context, id string, startedAt, expiresAt time.Time) error
	MarkState(ctx context.Context, id string, state model.SessionState) error
	// MarkEnded finalizes the session; refundSats records what went back to the user.
	MarkEnded(ctx context.Context, id string, state model.SessionState, refundSats int64, at time.Time) error
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) SessionRepository
}

type sessionDB interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type sessionRepo struct {
	db sessionDB
}

func NewSessionRepository(db *sqlx.DB) SessionRepository {
	return &sessionRepo{db: db}
}

func (r *sessionRepo) WithTx(tx *sqlx.Tx) SessionRepository {
	return &sessionRepo{db: tx}
}

func (r *sessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		SELECT * FROM sessions WHERE id = $1
	`, id)
	return HandleNotFound(&session, err)
}

func (r *sessionRepo) FindByPaymentReference(ctx context.Context, paymentHash string) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		SELECT * FROM sessions WHERE payment_reference = $1
	`, paymentHash)
	return HandleNotFound(&session, err)
}

func (r *sessionRepo) ListByState(ctx context.Context, states ...model.SessionState) ([]model.Session, error) {
	query, args, err := sqlx.In(`
		SELECT * FROM sessions WHERE state IN (?) ORDER BY created_at
	`, states)
	if err != nil {
		return nil, err
	}
	var sessions []model.Session
	err = r.db.SelectContext(ctx, &sessions, sqlx.Rebind(sqlx.DOLLAR, query), args...)
	return sessions, err
}

func (r *sessionRepo) ListByUser(ctx context.Context, userID string, limit int) ([]model.Session, error) {
	var sessions []model.Session
	err := r.db.SelectContext(ctx, &sessions, `
		SELECT * FROM sessions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	return sessions, err
}

func (r *sessionRepo) Create(ctx context.Context, params model.CreateSessionParams) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		INSERT INTO sessions (id, user_id, node_id, model, hf_repo, context_length,
			minutes_purchased, amount_sats, payment_method, payment_reference)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING *
	`, params.ID, params.UserID, params.NodeID, params.Model, params.HFRepo,
		params.ContextLength, params.MinutesPurchased, params.AmountSats,
		params.PaymentMethod, params.PaymentReference)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *sessionRepo) MarkPaid(ctx context.Context, id string, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET paid_at = $2
		WHERE id = $1 AND paid_at IS NULL AND state = 'pending_payment'
	`, id, at)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (r *sessionRepo) UnmarkPaid(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET paid_at = NULL
		WHERE id = $1 AND state = 'pending_payment'
	`, id)
	return err
}

func (r *sessionRepo) MarkStarting(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET state = 'starting'
		WHERE id = $1 AND state = 'pending_payment'
	`, id)
	return err
}

func (r *sessionRepo) MarkActive(ctx context.Context, id string, startedAt, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET
			state = 'active',
			started_at = $2,
			expires_at = $3
		WHERE id = $1 AND state = 'starting' AND started_at IS NULL
	`, id, startedAt, expiresAt)
	return err
}

func (r *sessionRepo) MarkState(ctx context.Context, id string, state model.SessionState) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET state = $2 WHERE id = $1
	`, id, state)
	return err
}

func (r *sessionRepo) MarkEnded(ctx context.Context, id string, state model.SessionState, refundSats int64, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET
			state = $2,
			refund_sats = refund_sats + $3,
			ended_at = COALESCE(ended_at, $4)
		WHERE id = $1
	`, id, state, refundSats, at)
	return err
}
