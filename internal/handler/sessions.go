package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/voltgrid/coordinator/internal/audit"
	"github.com/voltgrid/coordinator/internal/bridge"
	apperrors "github.com/voltgrid/coordinator/internal/errors"
	"github.com/voltgrid/coordinator/internal/middleware"
	"github.com/voltgrid/coordinator/internal/model"
	"github.com/voltgrid/coordinator/internal/noderpc"
	"github.com/voltgrid/coordinator/internal/orchestrator"
	"github.com/voltgrid/coordinator/internal/repository"
	"github.com/voltgrid/coordinator/internal/service"
	"github.com/voltgrid/coordinator/internal/util"
)

type SessionsHandler struct {
	orch        *orchestrator.Orchestrator
	bridge      *bridge.Bridge
	payments    *service.PaymentService
	sessionRepo repository.SessionRepository
}

func NewSessionsHandler(
	orch *orchestrator.Orchestrator,
	br *bridge.Bridge,
	payments *service.PaymentService,
	sessionRepo repository.SessionRepository,
) *SessionsHandler {
	return &SessionsHandler{
		orch:        orch,
		bridge:      br,
		payments:    payments,
		sessionRepo: sessionRepo,
	}
}

type newSessionRequest struct {
	Model         string `json:"model"`
	NodeID        string `json:"nodeId"`
	Minutes       int    `json:"minutes"`
	ContextLength int    `json:"contextLength"`
	HFRepo        string `json:"hfRepo,omitempty"`
	PaymentMethod string `json:"paymentMethod,omitempty"`
}

func (h *SessionsHandler) NewSession(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())

	var body newSessionRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.NodeID == "" {
		writeError(w, apperrors.MissingRequired("nodeId"))
		return
	}
	if body.HFRepo != "" && !util.ValidHFRepo(body.HFRepo) {
		writeError(w, apperrors.InvalidInput("hfRepo", "expected owner/name[:quant]"))
		return
	}
	if body.HFRepo == "" && !util.ValidModelID(body.Model) {
		writeError(w, apperrors.MissingRequired("model"))
		return
	}

	method := model.PaymentMethodLightning
	if body.PaymentMethod == string(model.PaymentMethodWallet) {
		method = model.PaymentMethodWallet
	}

	result, err := h.orch.NewSession(r.Context(), orchestrator.NewSessionParams{
		UserID:        user.ID,
		NodeID:        body.NodeID,
		Model:         body.Model,
		HFRepo:        body.HFRepo,
		ContextLength: body.ContextLength,
		Minutes:       body.Minutes,
		PaymentMethod: method,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:      audit.EventSessionCreate,
		UserID:    user.ID,
		SessionID: result.Session.ID,
		NodeID:    body.NodeID,
		Details:   map[string]interface{}{"amount_sats": result.Session.AmountSats},
	})

	resp := map[string]any{
		"sessionId":  result.Session.ID,
		"amountSats": result.Session.AmountSats,
		"state":      result.Session.State,
	}
	if result.Invoice != nil {
		resp["invoice"] = result.Invoice.Bolt11
		resp["paymentHash"] = result.Invoice.PaymentHash
		resp["invoiceExpiresAt"] = result.Invoice.ExpiresAt.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *SessionsHandler) CheckPayment(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	sessionID := chi.URLParam(r, "id")

	paid, err := h.payments.CheckSessionPayment(r.Context(), user.ID, sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paid": paid})
}

type chatMessageRequest struct {
	Prompt   string                 `json:"prompt"`
	Sampling noderpc.SamplingParams `json:"sampling"`
}

// ChatMessage is the inbound leg of the push channel: a prompt for the
// session's node. Tokens stream back over the events channel.
func (h *SessionsHandler) ChatMessage(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	sessionID := chi.URLParam(r, "id")

	var body chatMessageRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}

	if err := h.bridge.HandleChatMessage(r.Context(), user.ID, sessionID, bridge.ChatParams{
		Prompt:   body.Prompt,
		Sampling: body.Sampling,
	}); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

func (h *SessionsHandler) EndSession(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	sessionID := chi.URLParam(r, "id")

	session, err := h.sessionRepo.FindByID(r.Context(), sessionID)
	if err != nil {
		writeError(w, apperrors.Database(err))
		return
	}
	if session == nil || session.UserID != user.ID {
		writeError(w, apperrors.NotFound("session"))
		return
	}

	switch session.State {
	case model.SessionStatePendingPayment:
		h.orch.Dispatch(sessionID, orchestrator.Event{Type: orchestrator.EventCancelRequested})
	case model.SessionStateActive:
		h.orch.Dispatch(sessionID, orchestrator.Event{Type: orchestrator.EventEndRequested})
	default:
		writeError(w, apperrors.SessionNotActive())
		return
	}

	audit.LogFromRequest(r, audit.Event{Type: audit.EventSessionEnd, UserID: user.ID, SessionID: sessionID})
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

// ResumeSession revalidates an active session after a client reconnect and
// returns what the session_started frame carried.
func (h *SessionsHandler) ResumeSession(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	sessionID := chi.URLParam(r, "id")

	session, err := h.sessionRepo.FindByID(r.Context(), sessionID)
	if err != nil {
		writeError(w, apperrors.Database(err))
		return
	}
	if session == nil || session.UserID != user.ID {
		writeError(w, apperrors.NotFound("session"))
		return
	}
	if session.State != model.SessionStateActive {
		writeError(w, apperrors.SessionNotActive())
		return
	}
	now := time.Now().UTC()
	if session.Expired(now) {
		writeError(w, apperrors.SessionExpired())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId":        session.ID,
		"nodeId":           session.NodeID,
		"model":            session.Model,
		"expiresAt":        session.ExpiresAt.Format(time.RFC3339),
		"remainingSeconds": session.RemainingSeconds(now),
		"generationBusy":   h.bridge.InFlight(session.ID),
	})
}

func (h *SessionsHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())

	sessions, err := h.sessionRepo.ListByUser(r.Context(), user.ID, 50)
	if err != nil {
		writeError(w, apperrors.Database(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}
