package dto

import (
	"time"

	"github.com/quarrylabs/quarry/internal/domain/models"
)

// UserResponse represents a principal in API responses
type UserResponse struct {
	ID          int64     `json:"id"`
	Subject     string    `json:"subject"`
	Email       string    `json:"email,omitempty"`
	DisplayName string    `json:"display_name,omitempty"`
	Role        string    `json:"role"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// UpdateProfileRequest lets a user change their own display name and email.
type UpdateProfileRequest struct {
	DisplayName string `json:"display_name,omitempty"`
	Email       string `json:"email,omitempty"`
}

// UserListResponse represents a page of users
type UserListResponse struct {
	Users  []*UserResponse `json:"users"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
}

// FromModel converts a domain model to a response DTO
func (r *UserResponse) FromModel(p *models.Principal) *UserResponse {
	return &UserResponse{
		ID:          p.ID,
		Subject:     p.Subject,
		Email:       p.Email,
		DisplayName: p.DisplayName,
		Role:        string(p.Role),
		Active:      p.Active,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

// FromPrincipalModelList converts a list of domain models to response DTOs
func FromPrincipalModelList(principals []*models.Principal) []*UserResponse {
	responses := make([]*UserResponse, len(principals))
	for i, p := range principals {
		responses[i] = (&UserResponse{}).FromModel(p)
	}
	return responses
}
