package service

import (
	"context"
	"sort"
	"time"

	apperrors "github.com/voltgrid/coordinator/internal/errors"
	"github.com/voltgrid/coordinator/internal/model"
	"github.com/voltgrid/coordinator/internal/registry"
	"github.com/voltgrid/coordinator/internal/repository"
)

// MarketplaceService serves the public discovery surface and owner/admin
// statistics over the registry's snapshots.
type MarketplaceService struct {
	registry *registry.Registry
	nodeRepo repository.NodeRepository
	sessRepo repository.SessionRepository
	userRepo repository.UserRepository
}

func NewMarketplaceService(
	reg *registry.Registry,
	nodeRepo repository.NodeRepository,
	sessRepo repository.SessionRepository,
	userRepo repository.UserRepository,
) *MarketplaceService {
	return &MarketplaceService{
		registry: reg,
		nodeRepo: nodeRepo,
		sessRepo: sessRepo,
		userRepo: userRepo,
	}
}

type AvailableModel struct {
	model.ModelDescriptor
	NodeID             string `json:"nodeId"`
	PricePerMinuteSats int64  `json:"pricePerMinuteSats"`
}

type ModelsAvailableResult struct {
	Models           []AvailableModel `json:"models"`
	BusyModels       []AvailableModel `json:"busyModels"`
	TotalNodesOnline int              `json:"totalNodesOnline"`
}

func (s *MarketplaceService) ModelsAvailable(ctx context.Context) (*ModelsAvailableResult, error) {
	snapshot, err := s.registry.ListAvailable(ctx)
	if err != nil {
		return nil, err
	}

	result := &ModelsAvailableResult{
		Models:           []AvailableModel{},
		BusyModels:       []AvailableModel{},
		TotalNodesOnline: len(snapshot.OnlineIdle) + len(snapshot.OnlineBusy),
	}
	for _, n := range snapshot.OnlineIdle {
		for _, m := range n.Models {
			result.Models = append(result.Models, AvailableModel{
				ModelDescriptor:    m,
				NodeID:             n.ID,
				PricePerMinuteSats: n.PricePerMinuteSats,
			})
		}
	}
	for _, entry := range snapshot.OnlineBusy {
		for _, m := range entry.Node.Models {
			result.BusyModels = append(result.BusyModels, AvailableModel{
				ModelDescriptor:    m,
				NodeID:             entry.Node.ID,
				PricePerMinuteSats: entry.Node.PricePerMinuteSats,
			})
		}
	}

	sort.Slice(result.Models, func(i, j int) bool { return result.Models[i].ID < result.Models[j].ID })
	sort.Slice(result.BusyModels, func(i, j int) bool { return result.BusyModels[i].ID < result.BusyModels[j].ID })
	return result, nil
}

func (s *MarketplaceService) NodesOnline(ctx context.Context) (*registry.AvailableSnapshot, error) {
	return s.registry.ListAvailable(ctx)
}

type NodeStats struct {
	NodeID               string    `json:"nodeId"`
	TotalSessions        int64     `json:"totalSessions"`
	CompletedSessions    int64     `json:"completedSessions"`
	FailedSessions       int64     `json:"failedSessions"`
	TotalTokensGenerated int64     `json:"totalTokensGenerated"`
	TotalEarnedSats      int64     `json:"totalEarnedSats"`
	FirstOnlineAt        time.Time `json:"firstOnlineAt"`
	LastHeartbeatAt      time.Time `json:"lastHeartbeatAt"`
	Status               string    `json:"status"`
}

// NodeStatsFor returns one node's counters to its owner (or an admin).
func (s *MarketplaceService) NodeStatsFor(ctx context.Context, requester *model.User, nodeID string) (*NodeStats, error) {
	node, err := s.nodeRepo.FindByID(ctx, nodeID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if node == nil {
		return nil, apperrors.NotFound("node")
	}
	if node.OwnerUserID != requester.ID && !requester.IsAdmin {
		return nil, apperrors.Forbidden("not the node owner")
	}

	return &NodeStats{
		NodeID:               node.ID,
		TotalSessions:        node.TotalSessions,
		CompletedSessions:    node.CompletedSessions,
		FailedSessions:       node.FailedSessions,
		TotalTokensGenerated: node.TotalTokensGenerated,
		TotalEarnedSats:      node.TotalEarnedSats,
		FirstOnlineAt:        node.FirstOnlineAt,
		LastHeartbeatAt:      node.LastHeartbeatAt,
		Status:               string(node.Status),
	}, nil
}

type PlatformStats struct {
	TotalNodes       int   `json:"totalNodes"`
	NodesOnline      int   `json:"nodesOnline"`
	ActiveSessions   int   `json:"activeSessions"`
	HouseBalanceSats int64 `json:"houseBalanceSats"`
}

// AdminListNodes returns every registered node, including offline ones.
func (s *MarketplaceService) AdminListNodes(ctx context.Context, requester *model.User) ([]model.Node, error) {
	if !requester.IsAdmin {
		return nil, apperrors.Forbidden("admin only")
	}
	nodes, err := s.nodeRepo.ListAll(ctx)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	return nodes, nil
}

func (s *MarketplaceService) AdminStats(ctx context.Context, requester *model.User, houseUserID string) (*PlatformStats, error) {
	if !requester.IsAdmin {
		return nil, apperrors.Forbidden("admin only")
	}

	nodes, err := s.nodeRepo.ListAll(ctx)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	online := 0
	for _, n := range nodes {
		if n.Status != model.NodeStatusOffline {
			online++
		}
	}

	active, err := s.sessRepo.ListByState(ctx, model.SessionStateActive)
	if err != nil {
		return nil, apperrors.Database(err)
	}

	house, err := s.userRepo.FindByID(ctx, houseUserID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	var houseBalance int64
	if house != nil {
		houseBalance = house.BalanceSats
	}

	return &PlatformStats{
		TotalNodes:       len(nodes),
		NodesOnline:      online,
		ActiveSessions:   len(active),
		HouseBalanceSats: houseBalance,
	}, nil
}
