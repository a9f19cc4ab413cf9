package handler

import (
	"net/http"

	"github.com/voltgrid/coordinator/internal/audit"
	apperrors "github.com/voltgrid/coordinator/internal/errors"
	"github.com/voltgrid/coordinator/internal/middleware"
	"github.com/voltgrid/coordinator/internal/service"
)

type AuthHandler struct {
	auth *service.AuthService
}

func NewAuthHandler(auth *service.AuthService) *AuthHandler {
	return &AuthHandler{auth: auth}
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var params service.RegisterParams
	if err := decodeJSON(r, &params); err != nil {
		writeError(w, err)
		return
	}

	user, err := h.auth.Register(r.Context(), params)
	if err != nil {
		writeError(w, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{Type: audit.EventAccountCreate, UserID: user.ID})
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":       user.ID,
		"username": user.Username,
	})
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Username == "" || body.Password == "" {
		writeError(w, apperrors.MissingRequired("username and password"))
		return
	}

	result, err := h.auth.Login(r.Context(), body.Username, body.Password)
	if err != nil {
		audit.LogFromRequest(r, audit.Event{Type: audit.EventLoginFailure, Details: map[string]interface{}{"username": body.Username}})
		writeError(w, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{Type: audit.EventLoginSuccess})
	writeJSON(w, http.StatusOK, result)
}

func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"id":          user.ID,
		"username":    user.Username,
		"email":       user.Email,
		"isAdmin":     user.IsAdmin,
		"balanceSats": user.BalanceSats,
		"createdAt":   user.CreatedAt,
	})
}
