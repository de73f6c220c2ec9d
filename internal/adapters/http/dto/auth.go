package dto

// LoginRequest is the password-grant login body.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse mirrors the IdP token response plus the resolved user.
type LoginResponse struct {
	AccessToken  string        `json:"access_token"`
	TokenType    string        `json:"token_type"`
	ExpiresIn    int           `json:"expires_in"`
	RefreshToken string        `json:"refresh_token,omitempty"`
	User         *UserResponse `json:"user"`
}

// VerifyRequest carries a token to check.
type VerifyRequest struct {
	Token string `json:"token"`
}

// VerifyResponse reports validity; always 200 so clients can poll it.
type VerifyResponse struct {
	Valid bool          `json:"valid"`
	User  *UserResponse `json:"user,omitempty"`
}
