package api

import (
	"errors"
	"net/http"

	"github.com/technosupport/ts-mediagw/internal/auth"
)

type AuthHandler struct {
	Service *auth.Service
}

func NewAuthHandler(svc *auth.Service) *AuthHandler {
	return &AuthHandler{Service: svc}
}

// POST /v2/auth/token
func (h *AuthHandler) Token(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GrantType    string `json:"grant_type"`
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	}
	if err := readJSON(w, r, &req); err != nil {
		badRequest(w, r, "invalid request body")
		return
	}
	if req.GrantType != "" && req.GrantType != "client_credentials" {
		badRequest(w, r, "unsupported grant_type")
		return
	}
	if req.ClientID == "" || req.ClientSecret == "" {
		badRequest(w, r, "client_id and client_secret are required")
		return
	}

	pair, err := h.Service.IssueTokens(r.Context(), req.ClientID, req.ClientSecret)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidCredentials),
			errors.Is(err, auth.ErrClientInactive),
			errors.Is(err, auth.ErrClientExpired):
			WriteError(w, r, http.StatusUnauthorized, CodeInvalidCredentials, "invalid client credentials", nil)
		default:
			serverError(w, r, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// POST /v2/auth/token/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := readJSON(w, r, &req); err != nil || req.RefreshToken == "" {
		badRequest(w, r, "refresh_token is required")
		return
	}

	pair, err := h.Service.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidRefreshToken),
			errors.Is(err, auth.ErrClientInactive):
			WriteError(w, r, http.StatusUnauthorized, CodeInvalidRefreshToken, "refresh token is invalid or expired", nil)
		default:
			serverError(w, r, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// POST /v2/auth/token/revoke
func (h *AuthHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := readJSON(w, r, &req); err != nil || req.RefreshToken == "" {
		badRequest(w, r, "refresh_token is required")
		return
	}

	if err := h.Service.RevokeRefreshToken(r.Context(), req.RefreshToken); err != nil {
		serverError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
