package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"
)

// errIDPUnreachable marks key-fetch failures so the verifier can
// distinguish an unreachable issuer from an untrusted token.
var errIDPUnreachable = errors.New("identity provider unreachable")

// errUnknownKeyID is returned when a token references a key id the
// issuer does not publish, even after a refresh.
var errUnknownKeyID = errors.New("unknown signing key id")

const defaultMinRefreshInterval = 30 * time.Second

type jwksDocument struct {
	Keys []jwksKey `json:"keys"`
}

type jwksKey struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Use string `json:"use,omitempty"`
	Alg string `json:"alg,omitempty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// KeyCache fetches and caches the issuer's JSON Web Key Set. Keys are
// refreshed lazily when a token references an unknown kid, rate-limited
// so a flood of bad tokens cannot hammer the issuer.
type KeyCache struct {
	jwksURL    string
	httpClient *http.Client
	minRefresh time.Duration

	mu          sync.RWMutex
	keys        map[string]*rsa.PublicKey
	lastRefresh time.Time
}

func NewKeyCache(jwksURL string, httpClient *http.Client) *KeyCache {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &KeyCache{
		jwksURL:    jwksURL,
		httpClient: httpClient,
		minRefresh: defaultMinRefreshInterval,
		keys:       make(map[string]*rsa.PublicKey),
	}
}

// Key returns the RSA public key for kid, refreshing the set once if
// the kid is not cached and the refresh interval allows it.
func (c *KeyCache) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	c.mu.RLock()
	key, ok := c.keys[kid]
	populated := len(c.keys) > 0
	c.mu.RUnlock()
	if ok {
		return key, nil
	}

	if err := c.Refresh(ctx); err != nil {
		if !populated {
			return nil, err
		}
		// Stale keys are still usable; only the unknown kid fails.
		return nil, fmt.Errorf("%w: %s", errUnknownKeyID, kid)
	}

	c.mu.RLock()
	key, ok = c.keys[kid]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnknownKeyID, kid)
	}
	return key, nil
}

// Refresh fetches the key set unless a refresh ran within the minimum
// interval. Concurrent callers share a single fetch.
func (c *KeyCache) Refresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if time.Since(c.lastRefresh) < c.minRefresh {
		return nil
	}

	keys, err := c.fetch(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", errIDPUnreachable, err)
	}

	c.keys = keys
	c.lastRefresh = time.Now()
	return nil
}

func (c *KeyCache) fetch(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jwksURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("jwks endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	var doc jwksDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding jwks document: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		pub, err := parseRSAKey(k)
		if err != nil {
			return nil, fmt.Errorf("parsing jwks key %q: %w", k.Kid, err)
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return nil, errors.New("jwks document contains no usable RSA keys")
	}
	return keys, nil
}

func parseRSAKey(k jwksKey) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("exponent: %w", err)
	}

	e := 0
	for _, b := range eBytes {
		e = e<<8 | int(b)
	}
	if e <= 0 {
		return nil, errors.New("exponent must be positive")
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: e,
	}, nil
}
