package dto

import (
	"github.com/quarrylabs/quarry/internal/domain/models"
)

// ModelResponse is the flattened descriptor served by /api/llm/models.
type ModelResponse struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"`
	ContextWindow int    `json:"context_window"`
	Streaming     bool   `json:"streaming"`
	Tools         bool   `json:"tools"`
	Reasoning     bool   `json:"reasoning"`
	Status        string `json:"status"`
}

// ModelListResponse represents the registry snapshot
type ModelListResponse struct {
	Models []*ModelResponse `json:"models"`
}

// FromModelDescriptorList converts registry descriptors to response DTOs
func FromModelDescriptorList(descriptors []*models.ModelDescriptor) []*ModelResponse {
	responses := make([]*ModelResponse, len(descriptors))
	for i, d := range descriptors {
		responses[i] = &ModelResponse{
			Name:          d.Name,
			Provider:      d.Provider,
			ContextWindow: d.ContextWindow,
			Streaming:     d.Streaming,
			Tools:         d.Tools,
			Reasoning:     d.Reasoning,
			Status:        string(d.Status),
		}
	}
	return responses
}
