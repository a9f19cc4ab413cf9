package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/voltgrid/coordinator/internal/model"
)

type NodeRepository interface {
	FindByID(ctx context.Context, id string) (*model.Node, error)
	FindByFingerprint(ctx context.Context, ownerUserID, fingerprint string) (*model.Node, error)
	ListAll(ctx context.Context) ([]model.Node, error)
	ListByStatus(ctx context.Context, status model.NodeStatus) ([]model.Node, error)
	ListByOwner(ctx context.Context, ownerUserID string) ([]model.Node, error)
	Create(ctx context.Context, params model.CreateNodeParams) (*model.Node, error)
	UpdateHeartbeat(ctx context.Context, id string, load float64, hardware model.Hardware, models []model.ModelDescriptor, at time.Time) error
	// TryReserve flips online -> busy and records the holder. Returns false if
	// the node was not online-idle. This is the only path into busy.
	TryReserve(ctx context.Context, id, sessionID string) (bool, error)
	// Release reverses a reservation held by sessionID; a no-op for any other holder.
	Release(ctx context.Context, id, sessionID string) error
	MarkOffline(ctx context.Context, staleBefore time.Time) ([]model.Node, error)
	RecordSettlement(ctx context.Context, id string, earnedSats, tokensGenerated int64, completed bool) error
	AddTokensGenerated(ctx context.Context, id string, tokens int64) error
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) NodeRepository
}

type nodeDB interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type nodeRepo struct {
	db nodeDB
}

func NewNodeRepository(db *sqlx.DB) NodeRepository {
	return &nodeRepo{db: db}
}

func (r *nodeRepo) WithTx(tx *sqlx.Tx) NodeRepository {
	return &nodeRepo{db: tx}
}

func (r *nodeRepo) FindByID(ctx context.Context, id string) (*model.Node, error) {
	var node model.Node
	err := r.db.GetContext(ctx, &node, `
		SELECT * FROM nodes WHERE id = $1
	`, id)
	return HandleNotFound(&node, err)
}

func (r *nodeRepo) FindByFingerprint(ctx context.Context, ownerUserID, fingerprint string) (*model.Node, error) {
	var node model.Node
	err := r.db.GetContext(ctx, &node, `
		SELECT * FROM nodes
		WHERE owner_user_id = $1 AND hardware_fingerprint = $2
	`, ownerUserID, fingerprint)
	return HandleNotFound(&node, err)
}

func (r *nodeRepo) ListAll(ctx context.Context) ([]model.Node, error) {
	var nodes []model.Node
	err := r.db.SelectContext(ctx, &nodes, `
		SELECT * FROM nodes ORDER BY created_at
	`)
	return nodes, err
}

func (r *nodeRepo) ListByStatus(ctx context.Context, status model.NodeStatus) ([]model.Node, error) {
	var nodes []model.Node
	err := r.db.SelectContext(ctx, &nodes, `
		SELECT * FROM nodes WHERE status = $1 ORDER BY load, created_at
	`, status)
	return nodes, err
}

func (r *nodeRepo) ListByOwner(ctx context.Context, ownerUserID string) ([]model.Node, error) {
	var nodes []model.Node
	err := r.db.SelectContext(ctx, &nodes, `
		SELECT * FROM nodes WHERE owner_user_id = $1 ORDER BY created_at
	`, ownerUserID)
	return nodes, err
}

func (r *nodeRepo) Create(ctx context.Context, params model.CreateNodeParams) (*model.Node, error) {
	var node model.Node
	err := r.db.GetContext(ctx, &node, `
		INSERT INTO nodes (id, owner_user_id, name, hardware, models, price_per_minute_sats, hardware_fingerprint, endpoint)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING *
	`, params.ID, params.OwnerUserID, params.Name,
		model.HardwareJSON(params.Hardware), model.ModelListJSON(params.Models),
		params.PricePerMinuteSats, params.HardwareFingerprint, params.Endpoint)
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func (r *nodeRepo) UpdateHeartbeat(ctx context.Context, id string, load float64, hardware model.Hardware, models []model.ModelDescriptor, at time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE nodes SET
			load = $2,
			hardware = $3,
			models = $4,
			last_heartbeat_at = $5,
			status = CASE WHEN status = 'offline' THEN 'online' ELSE status END
		WHERE id = $1
	`, id, load, model.HardwareJSON(hardware), model.ModelListJSON(models), at)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (r *nodeRepo) TryReserve(ctx context.Context, id, sessionID string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE nodes SET
			status = 'busy',
			current_session_id = $2
		WHERE id = $1 AND status = 'online' AND current_session_id IS NULL
	`, id, sessionID)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (r *nodeRepo) Release(ctx context.Context, id, sessionID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE nodes SET
			status = CASE WHEN status = 'busy' THEN 'online' ELSE status END,
			current_session_id = NULL
		WHERE id = $1 AND current_session_id = $2
	`, id, sessionID)
	return err
}

func (r *nodeRepo) MarkOffline(ctx context.Context, staleBefore time.Time) ([]model.Node, error) {
	var nodes []model.Node
	err := r.db.SelectContext(ctx, &nodes, `
		UPDATE nodes SET status = 'offline'
		WHERE status IN ('online', 'busy') AND last_heartbeat_at < $1
		RETURNING *
	`, staleBefore)
	return nodes, err
}

func (r *nodeRepo) RecordSettlement(ctx context.Context, id string, earnedSats, tokensGenerated int64, completed bool) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE nodes SET
			total_earned_sats = total_earned_sats + $2,
			total_tokens_generated = total_tokens_generated + $3,
			total_sessions = total_sessions + 1,
			completed_sessions = completed_sessions + CASE WHEN $4 THEN 1 ELSE 0 END,
			failed_sessions = failed_sessions + CASE WHEN $4 THEN 0 ELSE 1 END
		WHERE id = $1
	`, id, earnedSats, tokensGenerated, completed)
	return err
}

func (r *nodeRepo) AddTokensGenerated(ctx context.Context, id string, tokens int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE nodes SET total_tokens_generated = total_tokens_generated + $2
		WHERE id = $1
	`, id, tokens)
	return err
}
