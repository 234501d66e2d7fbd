// Package auth implements the JWT bearer authentication provider described
// in spec §4 "authentication.providers": bearer tokens validated against a
// polled JWKS, with the decoded claims made available to the gateway for
// field-level checks.
package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// HeaderConfig names the inbound header carrying the bearer token and the
// prefix to strip before parsing.
type HeaderConfig struct {
	Name        string
	ValuePrefix string
}

// ProviderConfig configures one JWT provider.
type ProviderConfig struct {
	Name         string
	JWKSURL      string
	Issuer       string
	Audience     string
	PollInterval time.Duration
	Header       HeaderConfig
}

func (c ProviderConfig) headerName() string {
	if c.Header.Name != "" {
		return c.Header.Name
	}
	return "Authorization"
}

func (c ProviderConfig) valuePrefix() string {
	if c.Header.ValuePrefix != "" {
		return c.Header.ValuePrefix
	}
	return "Bearer "
}

// jwk is one entry of a JSON Web Key Set, restricted to the RSA fields this
// gateway understands (RS256/RS384/RS512).
type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwkSet struct {
	Keys []jwk `json:"keys"`
}

// Provider validates bearer tokens against a JWKS that refreshes on a
// fixed poll interval.
type Provider struct {
	cfg        ProviderConfig
	httpClient *http.Client

	mu      sync.RWMutex
	keys    map[string]*rsa.PublicKey
	lastOK  time.Time
	stopped chan struct{}
}

// NewProvider returns a Provider for cfg. Call Start to begin polling; the
// provider is unusable (Authenticate always fails) until the first
// successful poll completes.
func NewProvider(cfg ProviderConfig, httpClient *http.Client) *Provider {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Minute
	}
	return &Provider{cfg: cfg, httpClient: httpClient, keys: make(map[string]*rsa.PublicKey)}
}

// Start fetches the JWKS once synchronously, then continues polling every
// PollInterval until ctx is cancelled. The initial fetch's error is
// returned so callers can fail startup the way a fatal build error would.
func (p *Provider) Start(ctx context.Context) error {
	if err := p.refresh(ctx); err != nil {
		return fmt.Errorf("auth provider %q: initial JWKS fetch failed: %w", p.cfg.Name, err)
	}

	p.stopped = make(chan struct{})
	go func() {
		ticker := time.NewTicker(p.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				close(p.stopped)
				return
			case <-ticker.C:
				// A poll failure leaves the last-known-good key set in
				// place; Healthy() does not check how old that set is.
				_ = p.refresh(ctx)
			}
		}
	}()
	return nil
}

func (p *Provider) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.JWKSURL, nil)
	if err != nil {
		return err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var set jwkSet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("failed to decode JWKS: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		pub, err := parseRSAPublicKey(k.N, k.E)
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}

	p.mu.Lock()
	p.keys = keys
	p.lastOK = time.Now()
	p.mu.Unlock()
	return nil
}

func parseRSAPublicKey(nEnc, eEnc string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(nEnc)
	if err != nil {
		return nil, fmt.Errorf("invalid modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(eEnc)
	if err != nil {
		return nil, fmt.Errorf("invalid exponent: %w", err)
	}

	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes)
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

// Healthy reports whether a JWKS fetch has ever succeeded, matching the
// gateway's /health check ("all authentication providers have a current
// JWKS").
func (p *Provider) Healthy() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !p.lastOK.IsZero()
}

// Claims is the decoded, provider-agnostic claims bag exposed to the
// gateway for field-level checks.
type Claims map[string]interface{}

// ExtractToken pulls the bearer token out of header using this provider's
// configured header name and value prefix.
func (p *Provider) ExtractToken(header http.Header) (string, bool) {
	raw := header.Get(p.cfg.headerName())
	if raw == "" {
		return "", false
	}
	prefix := p.cfg.valuePrefix()
	if prefix != "" {
		if !strings.HasPrefix(raw, prefix) {
			return "", false
		}
		return strings.TrimPrefix(raw, prefix), true
	}
	return raw, true
}

// Authenticate validates token and returns its claims.
func (p *Provider) Authenticate(token string) (Claims, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		p.mu.RLock()
		key, ok := p.keys[kid]
		p.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("unknown signing key %q", kid)
		}
		return key, nil
	},
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
		jwt.WithIssuer(p.cfg.Issuer),
		jwt.WithAudience(p.cfg.Audience),
	)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("token is invalid")
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type %T", parsed.Claims)
	}
	return Claims(claims), nil
}

// Registry holds every configured provider and authenticates an inbound
// request against whichever one recognizes its bearer header.
type Registry struct {
	providers []*Provider
}

// NewRegistry returns a Registry over providers, tried in order.
func NewRegistry(providers []*Provider) *Registry {
	return &Registry{providers: providers}
}

// Authenticate tries each provider in order, returning the first that
// both extracts a token and validates it. If no provider's header is
// present, ok is false and no error is returned: anonymous access is a
// routing decision for the caller, not an auth failure.
func (r *Registry) Authenticate(header http.Header) (Claims, bool, error) {
	var lastErr error
	for _, p := range r.providers {
		token, found := p.ExtractToken(header)
		if !found {
			continue
		}
		claims, err := p.Authenticate(token)
		if err != nil {
			lastErr = err
			continue
		}
		return claims, true, nil
	}
	if lastErr != nil {
		return nil, false, lastErr
	}
	return nil, false, nil
}

// Healthy reports whether every provider in the registry has a current
// JWKS.
func (r *Registry) Healthy() bool {
	for _, p := range r.providers {
		if !p.Healthy() {
			return false
		}
	}
	return true
}
