// Package registry tracks known compute nodes: capabilities, price,
// liveness, and the single session allowed to occupy each node. The node row
// in Postgres is authoritative; Redis mirrors liveness data for cheap reads.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	apperrors "github.com/voltgrid/coordinator/internal/errors"
	"github.com/voltgrid/coordinator/internal/ledger"
	"github.com/voltgrid/coordinator/internal/model"
	redisclient "github.com/voltgrid/coordinator/internal/redis"
	"github.com/voltgrid/coordinator/internal/repository"
)

type Registry struct {
	nodeRepo         repository.NodeRepository
	sessionRepo      repository.SessionRepository
	ledger           ledger.Service
	redis            *redisclient.Client
	registrationFee  int64
	heartbeatTimeout time.Duration
	now              func() time.Time
}

func New(
	nodeRepo repository.NodeRepository,
	sessionRepo repository.SessionRepository,
	ldgr ledger.Service,
	redis *redisclient.Client,
	registrationFeeSats int64,
	heartbeatTimeout time.Duration,
) *Registry {
	return &Registry{
		nodeRepo:         nodeRepo,
		sessionRepo:      sessionRepo,
		ledger:           ldgr,
		redis:            redis,
		registrationFee:  registrationFeeSats,
		heartbeatTimeout: heartbeatTimeout,
		now:              func() time.Time { return time.Now().UTC() },
	}
}

type RegisterParams struct {
	OwnerUserID        string
	Name               string
	Hardware           model.Hardware
	Models             []model.ModelDescriptor
	PricePerMinuteSats int64
	Endpoint           string
}

type RegisterResult struct {
	NodeID          string `json:"nodeId"`
	RegistrationFee int64  `json:"registrationFee"`
}

// RegisterNode admits a new node after charging the one-time fee. The fee is
// debited first; a failed insert refunds it so the owner is never charged for
// a node that does not exist.
func (r *Registry) RegisterNode(ctx context.Context, params RegisterParams) (*RegisterResult, error) {
	if params.PricePerMinuteSats <= 0 {
		return nil, apperrors.InvalidInput("pricePerMinuteSats", "must be positive")
	}
	if len(params.Models) == 0 {
		return nil, apperrors.MissingRequired("models")
	}
	if params.Name == "" {
		return nil, apperrors.MissingRequired("name")
	}

	fingerprint := params.Hardware.Fingerprint()
	existing, err := r.nodeRepo.FindByFingerprint(ctx, params.OwnerUserID, fingerprint)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if existing != nil {
		return nil, apperrors.AlreadyExists("node with this hardware")
	}

	if err := r.ledger.Debit(ctx, params.OwnerUserID, r.registrationFee, model.TxTypeWithdrawal, "Node registration fee", nil); err != nil {
		return nil, err
	}

	nodeID := "node-" + uuid.NewString()[:8]
	model.SortModels(params.Models)

	node, err := r.nodeRepo.Create(ctx, model.CreateNodeParams{
		ID:                  nodeID,
		OwnerUserID:         params.OwnerUserID,
		Name:                params.Name,
		Hardware:            params.Hardware,
		Models:              params.Models,
		PricePerMinuteSats:  params.PricePerMinuteSats,
		HardwareFingerprint: fingerprint,
		Endpoint:            params.Endpoint,
	})
	if err != nil {
		if refundErr := r.ledger.Credit(ctx, params.OwnerUserID, r.registrationFee, model.TxTypeRefund, "Node registration failed", nil); refundErr != nil {
			log.Error().Err(refundErr).Str("ownerUserId", params.OwnerUserID).Msg("failed to refund registration fee")
		}
		return nil, apperrors.Database(err)
	}

	r.mirrorLiveness(ctx, node.ID, 0, r.now())

	log.Info().
		Str("nodeId", node.ID).
		Str("ownerUserId", params.OwnerUserID).
		Int64("pricePerMinuteSats", params.PricePerMinuteSats).
		Int("models", len(params.Models)).
		Msg("node registered")

	return &RegisterResult{NodeID: node.ID, RegistrationFee: r.registrationFee}, nil
}

type HeartbeatParams struct {
	NodeID   string
	Load     float64
	Hardware model.Hardware
	Models   []model.ModelDescriptor
}

// Heartbeat refreshes liveness and capability data. A heartbeat from an
// offline node re-admits it as online.
func (r *Registry) Heartbeat(ctx context.Context, params HeartbeatParams) error {
	now := r.now()
	model.SortModels(params.Models)
	err := r.nodeRepo.UpdateHeartbeat(ctx, params.NodeID, params.Load, params.Hardware, params.Models, now)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.NotFound("node")
		}
		return apperrors.Database(err)
	}
	r.mirrorLiveness(ctx, params.NodeID, params.Load, now)
	return nil
}

type AvailableNode struct {
	Node              model.Node `json:"node"`
	BusyUntilEstimate *time.Time `json:"busyUntilEstimate,omitempty"`
}

type AvailableSnapshot struct {
	OnlineIdle []model.Node    `json:"onlineIdle"`
	OnlineBusy []AvailableNode `json:"onlineBusy"`
}

// ListAvailable is a read-only snapshot. Nodes mid-transition appear busy.
func (r *Registry) ListAvailable(ctx context.Context) (*AvailableSnapshot, error) {
	snapshot := &AvailableSnapshot{OnlineIdle: []model.Node{}, OnlineBusy: []AvailableNode{}}
	now := r.now()

	idle, err := r.nodeRepo.ListByStatus(ctx, model.NodeStatusOnline)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	for _, n := range idle {
		if n.Online(now, r.heartbeatTimeout) {
			snapshot.OnlineIdle = append(snapshot.OnlineIdle, n)
		}
	}

	busy, err := r.nodeRepo.ListByStatus(ctx, model.NodeStatusBusy)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	for _, n := range busy {
		if !n.Online(now, r.heartbeatTimeout) {
			continue
		}
		entry := AvailableNode{Node: n}
		if n.CurrentSessionID != nil {
			if sess, err := r.sessionRepo.FindByID(ctx, *n.CurrentSessionID); err == nil && sess != nil && sess.ExpiresAt != nil {
				entry.BusyUntilEstimate = sess.ExpiresAt
			}
		}
		snapshot.OnlineBusy = append(snapshot.OnlineBusy, entry)
	}

	return snapshot, nil
}

// TryReserve atomically moves a node from online to busy on behalf of a
// session. This is the only path into busy; the loser of a race sees NodeBusy
// before any payment is charged.
func (r *Registry) TryReserve(ctx context.Context, nodeID, sessionID string) error {
	node, err := r.nodeRepo.FindByID(ctx, nodeID)
	if err != nil {
		return apperrors.Database(err)
	}
	if node == nil {
		return apperrors.NotFound("node")
	}
	if !node.Online(r.now(), r.heartbeatTimeout) {
		return apperrors.NodeUnavailable(nodeID)
	}

	ok, err := r.nodeRepo.TryReserve(ctx, nodeID, sessionID)
	if err != nil {
		return apperrors.Database(err)
	}
	if !ok {
		return apperrors.NodeBusy(nodeID)
	}

	log.Info().Str("nodeId", nodeID).Str("sessionId", sessionID).Msg("node reserved")
	return nil
}

// Release reverses a reservation. A no-op when the node is held by a
// different session, so duplicated cleanup paths are safe.
func (r *Registry) Release(ctx context.Context, nodeID, sessionID string) error {
	if err := r.nodeRepo.Release(ctx, nodeID, sessionID); err != nil {
		return apperrors.Database(err)
	}
	log.Info().Str("nodeId", nodeID).Str("sessionId", sessionID).Msg("node released")
	return nil
}

// SweepStale marks silent nodes offline and returns those that were holding a
// session so the caller can fail the sessions over.
func (r *Registry) SweepStale(ctx context.Context) ([]model.Node, error) {
	cutoff := r.now().Add(-r.heartbeatTimeout)
	stale, err := r.nodeRepo.MarkOffline(ctx, cutoff)
	if err != nil {
		return nil, apperrors.Database(err)
	}

	var holding []model.Node
	for _, n := range stale {
		log.Warn().Str("nodeId", n.ID).Time("lastHeartbeatAt", n.LastHeartbeatAt).Msg("node timed out")
		if n.CurrentSessionID != nil {
			holding = append(holding, n)
		}
	}
	return holding, nil
}

func (r *Registry) FindNode(ctx context.Context, nodeID string) (*model.Node, error) {
	node, err := r.nodeRepo.FindByID(ctx, nodeID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if node == nil {
		return nil, apperrors.NotFound("node")
	}
	return node, nil
}

func (r *Registry) mirrorLiveness(ctx context.Context, nodeID string, load float64, at time.Time) {
	if r.redis == nil {
		return
	}
	key := redisclient.NodeKey(nodeID)
	if err := r.redis.HSet(ctx, key,
		"last_heartbeat", at.Unix(),
		"load", fmt.Sprintf("%.3f", load),
	).Err(); err != nil {
		log.Warn().Err(err).Str("nodeId", nodeID).Msg("failed to mirror node liveness")
		return
	}
	r.redis.Expire(ctx, key, 2*r.heartbeatTimeout)
}
