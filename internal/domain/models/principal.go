package models

import (
	"time"
)

type PrincipalRole string

const (
	PrincipalRoleAdmin PrincipalRole = "admin"
	PrincipalRoleUser  PrincipalRole = "user"
)

// rolePrecedence is the order in which issuer roles are considered when a
// token carries more than one recognized role.
var rolePrecedence = []PrincipalRole{PrincipalRoleAdmin, PrincipalRoleUser}

// Principal is the local mirror of an authenticated identity. The issuer
// subject is the stable external key; ID is a local surrogate used as the
// foreign key by conversations.
type Principal struct {
	ID          int64         `json:"id"`
	Subject     string        `json:"subject"`
	Email       string        `json:"email"`
	DisplayName string        `json:"display_name"`
	Role        PrincipalRole `json:"role"`
	Active      bool          `json:"active"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

func NewPrincipal(subject, email, displayName string, role PrincipalRole) *Principal {
	now := time.Now().UTC()
	return &Principal{
		Subject:     subject,
		Email:       email,
		DisplayName: displayName,
		Role:        role,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// RoleFromClaims maps issuer roles to the stored role using the fixed
// precedence admin > user. Unrecognized roles are ignored.
func RoleFromClaims(roles []string) PrincipalRole {
	for _, want := range rolePrecedence {
		for _, got := range roles {
			if got == string(want) {
				return want
			}
		}
	}
	return PrincipalRoleUser
}

func (p *Principal) IsAdmin() bool {
	return p.Role == PrincipalRoleAdmin
}

// Deactivate soft-disables the principal. Principals are never hard-deleted.
func (p *Principal) Deactivate() {
	p.Active = false
	p.UpdatedAt = time.Now().UTC()
}
