package handlers

import (
	"context"
	"net/http"

	"github.com/quarrylabs/quarry/internal/adapters/http/dto"
	"github.com/quarrylabs/quarry/internal/adapters/http/middleware"
	"github.com/quarrylabs/quarry/internal/auth"
	"github.com/quarrylabs/quarry/internal/domain/models"
)

// LoginProvider exchanges password credentials at the identity provider.
type LoginProvider interface {
	Login(ctx context.Context, username, password string) (*auth.TokenPair, error)
}

// AuthHandler serves login and token verification. Both endpoints are
// mounted outside the auth middleware.
type AuthHandler struct {
	idp      LoginProvider
	verifier middleware.TokenVerifier
	resolver middleware.PrincipalResolver
}

func NewAuthHandler(idp LoginProvider, verifier middleware.TokenVerifier, resolver middleware.PrincipalResolver) *AuthHandler {
	return &AuthHandler{idp: idp, verifier: verifier, resolver: resolver}
}

// Login implements POST /api/auth/login: password exchange at the IdP, then
// verification of the issued token and principal resolution, so a successful
// login always leaves a usable principal row behind.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[dto.LoginRequest](r, w)
	if !ok {
		return
	}

	pair, err := h.idp.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		respondError(w, r, err)
		return
	}

	claims, err := h.verifier.Verify(r.Context(), pair.AccessToken)
	if err != nil {
		respondError(w, r, err)
		return
	}
	principal, err := h.resolver.Resolve(r.Context(), claims)
	if err != nil {
		respondError(w, r, err)
		return
	}

	respondJSON(w, dto.LoginResponse{
		AccessToken:  pair.AccessToken,
		TokenType:    pair.TokenType,
		ExpiresIn:    int(pair.ExpiresIn),
		RefreshToken: pair.RefreshToken,
		User:         (&dto.UserResponse{}).FromModel(principal),
	}, http.StatusOK)
}

// Verify implements POST /api/auth/verify. Always 200; validity is in the
// body so clients can distinguish "invalid token" from transport failure.
func (h *AuthHandler) Verify(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[dto.VerifyRequest](r, w)
	if !ok {
		return
	}

	claims, err := h.verifier.Verify(r.Context(), req.Token)
	if err != nil {
		respondJSON(w, dto.VerifyResponse{Valid: false}, http.StatusOK)
		return
	}

	var user *dto.UserResponse
	if principal, err := h.resolver.Resolve(r.Context(), claims); err == nil {
		user = (&dto.UserResponse{}).FromModel(principal)
	}
	respondJSON(w, dto.VerifyResponse{Valid: true, User: user}, http.StatusOK)
}

// requirePrincipal pulls the authenticated principal or writes a 401.
func requirePrincipal(w http.ResponseWriter, r *http.Request) (*models.Principal, bool) {
	principal := middleware.GetPrincipal(r.Context())
	if principal == nil {
		respondError(w, r, authMissingError())
		return nil, false
	}
	return principal, true
}
