package handlers

import (
	"net/http"

	"github.com/quarrylabs/quarry/internal/adapters/http/dto"
	"github.com/quarrylabs/quarry/internal/ports"
)

// ModelsHandler serves the registry snapshot.
type ModelsHandler struct {
	router ports.ModelRouter
}

func NewModelsHandler(router ports.ModelRouter) *ModelsHandler {
	return &ModelsHandler{router: router}
}

// List implements GET /api/llm/models.
func (h *ModelsHandler) List(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, dto.ModelListResponse{
		Models: dto.FromModelDescriptorList(h.router.ListModels()),
	}, http.StatusOK)
}
