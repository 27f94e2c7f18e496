package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// Config controls JWT access token validation.
type Config struct {
	Issuer    string
	Audiences []string
	// AllowedAlgs defaults to RS256. "none" is never allowed.
	AllowedAlgs []string
	// Leeway is the clock skew tolerance for time-based claims.
	Leeway         time.Duration
	RequiredScopes []string
	// AnyScope accepts a token carrying at least one required scope instead
	// of all of them.
	AnyScope bool
	// SkipTypeCheck accepts tokens without the RFC 9068 "at+jwt" typ header.
	SkipTypeCheck bool
}

// Option configures optional aspects of token validation.
type Option func(*Config)

// WithRequiredScopes requires all of the provided scopes to be present in the
// space-delimited "scope" claim.
func WithRequiredScopes(scopes ...string) Option {
	return func(c *Config) {
		c.RequiredScopes = append([]string(nil), scopes...)
		c.AnyScope = false
	}
}

// WithAnyRequiredScope requires at least one of the provided scopes to be present.
func WithAnyRequiredScope(scopes ...string) Option {
	return func(c *Config) {
		c.RequiredScopes = append([]string(nil), scopes...)
		c.AnyScope = true
	}
}

// WithAllowedAlgs restricts allowed JWS algorithms.
func WithAllowedAlgs(algs ...string) Option {
	return func(c *Config) { c.AllowedAlgs = append([]string(nil), algs...) }
}

// WithLeeway sets clock skew tolerance for time-based claims.
func WithLeeway(d time.Duration) Option {
	return func(c *Config) { c.Leeway = d }
}

// WithoutTypeCheck accepts plain JWTs that do not carry typ=at+jwt.
func WithoutTypeCheck() Option {
	return func(c *Config) { c.SkipTypeCheck = true }
}

func newConfig(issuer string, audiences []string, opts []Option) (*Config, error) {
	if issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if len(audiences) == 0 {
		return nil, errors.New("at least one audience is required")
	}
	cfg := &Config{
		Issuer:      issuer,
		Audiences:   append([]string(nil), audiences...),
		AllowedAlgs: []string{"RS256"},
		Leeway:      60 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	cfg.AllowedAlgs = slices.DeleteFunc(cfg.AllowedAlgs, func(a string) bool { return strings.EqualFold(a, "none") })
	if len(cfg.AllowedAlgs) == 0 {
		return nil, errors.New("no usable signing algorithms")
	}
	return cfg, nil
}

// NewFromDiscovery returns an Authenticator for tokens issued by issuer. The
// JWKS location comes from the issuer's OpenID configuration.
func NewFromDiscovery(ctx context.Context, issuer string, audiences []string, opts ...Option) (Authenticator, error) {
	cfg, err := newConfig(issuer, audiences, opts)
	if err != nil {
		return nil, err
	}
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("discovery incomplete: missing jwks_uri")
	}
	return newFromJWKS(ctx, cfg, meta.JwksURI)
}

// NewFromJWKS returns an Authenticator that verifies signatures against the
// key set served at jwksURL.
func NewFromJWKS(ctx context.Context, issuer string, audiences []string, jwksURL string, opts ...Option) (Authenticator, error) {
	cfg, err := newConfig(issuer, audiences, opts)
	if err != nil {
		return nil, err
	}
	if jwksURL == "" {
		return nil, errors.New("jwks url is required")
	}
	return newFromJWKS(ctx, cfg, jwksURL)
}

// NewWithKeyfunc returns an Authenticator that resolves verification keys
// with kf, for deployments that manage keys themselves.
func NewWithKeyfunc(issuer string, audiences []string, kf jwt.Keyfunc, opts ...Option) (Authenticator, error) {
	cfg, err := newConfig(issuer, audiences, opts)
	if err != nil {
		return nil, err
	}
	if kf == nil {
		return nil, errors.New("keyfunc is required")
	}
	return &jwtAuthenticator{cfg: cfg, keyfunc: kf}, nil
}

func newFromJWKS(ctx context.Context, cfg *Config, jwksURL string) (*jwtAuthenticator, error) {
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	return &jwtAuthenticator{cfg: cfg, keyfunc: kf.Keyfunc}, nil
}

type jwtAuthenticator struct {
	cfg     *Config
	keyfunc jwt.Keyfunc
}

func (a *jwtAuthenticator) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods(a.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(a.cfg.Issuer),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(a.cfg.Leeway),
	)
	parsed, err := parser.Parse(tok, a.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}
	if !a.cfg.SkipTypeCheck {
		if typ, _ := parsed.Header["typ"].(string); !strings.EqualFold(typ, "at+jwt") && !strings.EqualFold(typ, "application/at+jwt") {
			return nil, fmt.Errorf("%w: invalid typ; want at+jwt", ErrUnauthorized)
		}
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid claims type", ErrUnauthorized)
	}
	aud, err := claims.GetAudience()
	if err != nil || !slices.ContainsFunc(aud, func(s string) bool { return slices.Contains(a.cfg.Audiences, s) }) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}
	if !hasScopes(claims, a.cfg.RequiredScopes, a.cfg.AnyScope) {
		return nil, ErrInsufficientScope
	}
	sub, _ := claims.GetSubject()
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	return &userInfo{sub: sub, claims: claims}, nil
}

func hasScopes(claims jwt.MapClaims, required []string, anyOf bool) bool {
	if len(required) == 0 {
		return true
	}
	scopeStr, _ := claims["scope"].(string)
	have := strings.Fields(scopeStr)
	if anyOf {
		return slices.ContainsFunc(required, func(s string) bool { return slices.Contains(have, s) })
	}
	for _, want := range required {
		if !slices.Contains(have, want) {
			return false
		}
	}
	return true
}

type userInfo struct {
	sub    string
	claims map[string]any
}

func (u *userInfo) UserID() string { return u.sub }

func (u *userInfo) Claims(ref any) error {
	b, err := json.Marshal(u.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}
