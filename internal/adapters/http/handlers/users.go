package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/quarrylabs/quarry/internal/adapters/http/dto"
	"github.com/quarrylabs/quarry/internal/application/services"
	"github.com/quarrylabs/quarry/internal/domain"
)

// UsersHandler serves the caller's own profile and the admin user listing.
type UsersHandler struct {
	principals *services.PrincipalService
}

func NewUsersHandler(principals *services.PrincipalService) *UsersHandler {
	return &UsersHandler{principals: principals}
}

func authMissingError() error {
	return domain.NewAuth(domain.CodeInvalidCredential, "authentication required")
}

// Me implements GET /api/users/me.
func (h *UsersHandler) Me(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	respondJSON(w, (&dto.UserResponse{}).FromModel(principal), http.StatusOK)
}

// UpdateMe implements PUT /api/users/me.
func (h *UsersHandler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	req, ok := decodeJSON[dto.UpdateProfileRequest](r, w)
	if !ok {
		return
	}

	updated, err := h.principals.UpdateProfile(r.Context(), principal.ID, req.DisplayName, req.Email)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, (&dto.UserResponse{}).FromModel(updated), http.StatusOK)
}

// List implements GET /api/users (admin only).
func (h *UsersHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", 20)
	offset := parseIntQuery(r, "offset", 0)

	principals, err := h.principals.List(r.Context(), limit, offset)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, dto.UserListResponse{
		Users:  dto.FromPrincipalModelList(principals),
		Limit:  limit,
		Offset: offset,
	}, http.StatusOK)
}

// Get implements GET /api/users/{id} (admin only).
func (h *UsersHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUserID(w, r)
	if !ok {
		return
	}
	principal, err := h.principals.GetByID(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, (&dto.UserResponse{}).FromModel(principal), http.StatusOK)
}

// Delete implements DELETE /api/users/{id} (admin only, soft deactivation).
func (h *UsersHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUserID(w, r)
	if !ok {
		return
	}
	if err := h.principals.Deactivate(r.Context(), id); err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseUserID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		respondError(w, r, domain.NewValidation("INVALID_INPUT", "invalid user id"))
		return 0, false
	}
	return id, true
}
