package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/voltgrid/coordinator/internal/audit"
	apperrors "github.com/voltgrid/coordinator/internal/errors"
	"github.com/voltgrid/coordinator/internal/ledger"
	"github.com/voltgrid/coordinator/internal/middleware"
	"github.com/voltgrid/coordinator/internal/orchestrator"
	"github.com/voltgrid/coordinator/internal/service"
)

type WalletHandler struct {
	payments *service.PaymentService
	ledger   ledger.Service
	orch     *orchestrator.Orchestrator
}

func NewWalletHandler(payments *service.PaymentService, ldgr ledger.Service, orch *orchestrator.Orchestrator) *WalletHandler {
	return &WalletHandler{payments: payments, ledger: ldgr, orch: orch}
}

func (h *WalletHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())

	var body struct {
		AmountSats int64 `json:"amount"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}

	result, err := h.payments.CreateDeposit(r.Context(), user.ID, body.AmountSats)
	if err != nil {
		writeError(w, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:    audit.EventDepositCreate,
		UserID:  user.ID,
		Details: map[string]interface{}{"amount_sats": body.AmountSats},
	})
	writeJSON(w, http.StatusCreated, result)
}

func (h *WalletHandler) CheckDeposit(w http.ResponseWriter, r *http.Request) {
	paymentHash := chi.URLParam(r, "hash")

	status, err := h.payments.CheckInvoice(r.Context(), paymentHash)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}

func (h *WalletHandler) PaySession(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())

	var body struct {
		SessionID string `json:"sessionId"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.SessionID == "" {
		writeError(w, apperrors.MissingRequired("sessionId"))
		return
	}

	session, err := h.orch.PayWithWallet(r.Context(), body.SessionID, user.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	balance, err := h.ledger.GetBalance(r.Context(), user.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"amountPaid": session.AmountSats,
		"newBalance": balance,
	})
}

func (h *WalletHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	size, _ := strconv.Atoi(r.URL.Query().Get("size"))

	txs, total, err := h.ledger.ListTransactions(r.Context(), user.ID, page, size)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"transactions": txs,
		"total":        total,
	})
}

func (h *WalletHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())

	var body struct {
		Bolt11     string `json:"bolt11"`
		AmountSats int64  `json:"amount"`
		MaxFeeSats int64  `json:"maxFeeSats"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Bolt11 == "" {
		writeError(w, apperrors.MissingRequired("bolt11"))
		return
	}

	result, err := h.payments.Withdraw(r.Context(), user.ID, body.Bolt11, body.AmountSats, body.MaxFeeSats)
	if err != nil {
		writeError(w, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:    audit.EventWithdrawal,
		UserID:  user.ID,
		Details: map[string]interface{}{"amount_sats": body.AmountSats, "fee_paid_sats": result.FeePaidSats},
	})
	writeJSON(w, http.StatusOK, result)
}
