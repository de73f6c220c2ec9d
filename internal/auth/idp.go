package auth

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/quarrylabs/quarry/internal/domain"
)

// TokenPair is the credential set returned by a password-grant login.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// PasswordGrant exchanges username/password credentials at the
// identity provider's token endpoint (resource owner password flow).
type PasswordGrant struct {
	conf       *oauth2.Config
	httpClient *http.Client
}

func NewPasswordGrant(tokenURL, clientID, clientSecret string, httpClient *http.Client) *PasswordGrant {
	return &PasswordGrant{
		conf: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
		},
		httpClient: httpClient,
	}
}

// Login performs the password exchange. Rejected credentials map to an
// auth error, transport failures to a retryable unavailable error.
func (p *PasswordGrant) Login(ctx context.Context, username, password string) (*TokenPair, error) {
	if p.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	}

	tok, err := p.conf.PasswordCredentialsToken(ctx, username, password)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil &&
			retrieveErr.Response.StatusCode >= 400 && retrieveErr.Response.StatusCode < 500 {
			return nil, domain.NewAuth(domain.CodeInvalidCredential, "username or password rejected").Wrap(err)
		}
		return nil, domain.NewUnavailable(domain.CodeIDPUnreachable, "identity provider token endpoint unreachable").Wrap(err)
	}

	pair := &TokenPair{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.Type(),
	}
	if !tok.Expiry.IsZero() {
		pair.ExpiresIn = int64(time.Until(tok.Expiry).Seconds())
	}
	return pair, nil
}
