package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/voltgrid/coordinator/internal/audit"
	apperrors "github.com/voltgrid/coordinator/internal/errors"
	"github.com/voltgrid/coordinator/internal/middleware"
	"github.com/voltgrid/coordinator/internal/model"
	"github.com/voltgrid/coordinator/internal/registry"
	"github.com/voltgrid/coordinator/internal/service"
)

type NodesHandler struct {
	registry    *registry.Registry
	marketplace *service.MarketplaceService
	houseUserID string
}

func NewNodesHandler(reg *registry.Registry, marketplace *service.MarketplaceService, houseUserID string) *NodesHandler {
	return &NodesHandler{registry: reg, marketplace: marketplace, houseUserID: houseUserID}
}

func (h *NodesHandler) ModelsAvailable(w http.ResponseWriter, r *http.Request) {
	result, err := h.marketplace.ModelsAvailable(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *NodesHandler) NodesOnline(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.marketplace.NodesOnline(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

type registerNodeRequest struct {
	Name               string                  `json:"name"`
	Hardware           model.Hardware          `json:"hardware"`
	Models             []model.ModelDescriptor `json:"models"`
	PricePerMinuteSats int64                   `json:"pricePerMinuteSats"`
	Endpoint           string                  `json:"endpoint"`
}

func (h *NodesHandler) RegisterNode(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())

	var body registerNodeRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Endpoint == "" {
		writeError(w, apperrors.MissingRequired("endpoint"))
		return
	}

	result, err := h.registry.RegisterNode(r.Context(), registry.RegisterParams{
		OwnerUserID:        user.ID,
		Name:               body.Name,
		Hardware:           body.Hardware,
		Models:             body.Models,
		PricePerMinuteSats: body.PricePerMinuteSats,
		Endpoint:           body.Endpoint,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{Type: audit.EventNodeRegister, UserID: user.ID, NodeID: result.NodeID})
	writeJSON(w, http.StatusCreated, result)
}

type heartbeatRequest struct {
	NodeID   string                  `json:"nodeId"`
	Load     float64                 `json:"load"`
	Hardware model.Hardware          `json:"hardware"`
	Models   []model.ModelDescriptor `json:"models"`
}

func (h *NodesHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var body heartbeatRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.NodeID == "" {
		writeError(w, apperrors.MissingRequired("nodeId"))
		return
	}

	if err := h.registry.Heartbeat(r.Context(), registry.HeartbeatParams{
		NodeID:   body.NodeID,
		Load:     body.Load,
		Hardware: body.Hardware,
		Models:   body.Models,
	}); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *NodesHandler) NodeStats(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	nodeID := chi.URLParam(r, "id")

	stats, err := h.marketplace.NodeStatsFor(r.Context(), user, nodeID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *NodesHandler) AdminNodes(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())

	nodes, err := h.marketplace.AdminListNodes(r.Context(), user)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes})
}

func (h *NodesHandler) AdminStats(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())

	stats, err := h.marketplace.AdminStats(r.Context(), user, h.houseUserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
