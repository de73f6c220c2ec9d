package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/quarrylabs/quarry/internal/domain"
)

// Config holds the issuer trust parameters for token verification.
type Config struct {
	JWKSURL  string
	Issuer   string
	Audience string
	Leeway   time.Duration
}

// Verifier validates bearer tokens against the configured issuer's
// published signing keys.
type Verifier struct {
	keys     *KeyCache
	issuer   string
	audience string
	leeway   time.Duration
}

func NewVerifier(cfg Config, httpClient *http.Client) *Verifier {
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = 10 * time.Second
	}
	return &Verifier{
		keys:     NewKeyCache(cfg.JWKSURL, httpClient),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		leeway:   leeway,
	}
}

// Verify parses and validates tokenString, checking signature,
// expiry, not-before, issuer and audience. On success it returns the
// token's claims.
func (v *Verifier) Verify(ctx context.Context, tokenString string) (*Claims, error) {
	claims := &Claims{}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token header missing kid")
		}
		return v.keys.Key(ctx, kid)
	}

	_, err := jwt.ParseWithClaims(tokenString, claims, keyFunc,
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithLeeway(v.leeway),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, v.mapError(err)
	}

	if claims.Subject == "" {
		return nil, domain.NewAuth(domain.CodeInvalidCredential, "token has no subject")
	}
	return claims, nil
}

func (v *Verifier) mapError(err error) error {
	switch {
	case errors.Is(err, errIDPUnreachable):
		return domain.NewUnavailable(domain.CodeIDPUnreachable,
			"identity provider signing keys could not be fetched").Wrap(err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return domain.NewAuth(domain.CodeCredentialExpired, "credential has expired").Wrap(err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return domain.NewAuth(domain.CodeCredentialRejected, "credential issued by an untrusted issuer").Wrap(err)
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return domain.NewAuth(domain.CodeCredentialRejected, "credential not intended for this service").Wrap(err)
	default:
		return domain.NewAuth(domain.CodeInvalidCredential,
			fmt.Sprintf("credential could not be verified: %v", sanitizeJWTError(err))).Wrap(err)
	}
}

// sanitizeJWTError keeps the library's category without echoing raw
// token material back to the caller.
func sanitizeJWTError(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "malformed token"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "invalid signature"
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return "token not yet valid"
	case errors.Is(err, errUnknownKeyID):
		return "unrecognized signing key"
	default:
		return "validation failed"
	}
}
