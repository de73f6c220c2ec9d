package auth

import (
	"github.com/golang-jwt/jwt/v5"
)

// RealmAccess mirrors the Keycloak-style roles container.
type RealmAccess struct {
	Roles []string `json:"roles"`
}

// Claims is the verified identity extracted from a bearer token.
type Claims struct {
	Email             string      `json:"email,omitempty"`
	PreferredUsername string      `json:"preferred_username,omitempty"`
	Name              string      `json:"name,omitempty"`
	RealmAccess       RealmAccess `json:"realm_access,omitempty"`
	jwt.RegisteredClaims
}

// DisplayName picks the most human-friendly name the issuer provided.
func (c *Claims) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	if c.PreferredUsername != "" {
		return c.PreferredUsername
	}
	return c.Email
}

func (c *Claims) Roles() []string {
	return c.RealmAccess.Roles
}
