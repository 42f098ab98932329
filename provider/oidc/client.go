// Package oidc implements session.IdentityClient against an identity
// platform that signs ID tokens verifiable over JWKS and refreshes sessions
// with a refresh-token grant.
package oidc

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/golang-jwt/jwt/v5"
	goerrors "github.com/goliatone/go-errors"
	"github.com/sendbeam/go-session"
)

// DefaultRefreshLeeway is how long before expiry a cached token is
// considered stale.
const DefaultRefreshLeeway = time.Minute

// Config configures the identity client.
type Config struct {
	// Issuer is the expected iss claim.
	Issuer string

	// Audience is the expected aud claim; usually the platform project id.
	Audience string

	// JWKSURL publishes the platform signing keys.
	JWKSURL string

	// TokenURL is the refresh-token grant endpoint.
	TokenURL string

	// ClientID identifies this application to the token endpoint.
	ClientID string

	// Keyfunc overrides JWKS-based key resolution (useful for tests).
	Keyfunc jwt.Keyfunc

	// HTTPClient is used for JWKS fetches and refresh grants.
	HTTPClient *http.Client

	// RefreshLeeway overrides DefaultRefreshLeeway.
	RefreshLeeway time.Duration

	Logger session.Logger
}

// Validate checks the config before a client is constructed.
func (c Config) Validate() error {
	fields := []*validation.FieldRules{
		validation.Field(&c.Issuer, validation.Required),
		validation.Field(&c.TokenURL, validation.Required, is.URL),
	}
	if c.Keyfunc == nil {
		fields = append(fields, validation.Field(&c.JWKSURL, validation.Required, is.URL))
	}
	return validation.ValidateStruct(&c, fields...)
}

// Client holds the identity session: the validated ID token, its refresh
// token, and the principal decoded from the token claims. Session-change
// subscribers are notified whenever the session starts, rotates to a new
// principal, or ends.
type Client struct {
	config  Config
	http    *http.Client
	keyfunc jwt.Keyfunc
	jwks    *keyfunc.JWKS
	leeway  time.Duration
	logger  session.Logger

	mu           sync.Mutex
	idToken      string
	refreshToken string
	expiry       time.Time
	principal    *principal

	subMu   sync.Mutex
	subs    map[int]func(session.Principal)
	nextSub int
}

var _ session.IdentityClient = (*Client)(nil)

// New creates an identity client. When no Keyfunc override is given the
// platform JWKS is fetched and kept fresh in the background; call Close on
// teardown.
func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryValidation, "invalid identity client config")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}

	leeway := cfg.RefreshLeeway
	if leeway <= 0 {
		leeway = DefaultRefreshLeeway
	}

	c := &Client{
		config: cfg,
		http:   httpClient,
		leeway: leeway,
		logger: logger,
		subs:   map[int]func(session.Principal){},
	}

	if cfg.Keyfunc != nil {
		c.keyfunc = cfg.Keyfunc
		return c, nil
	}

	jwks, err := keyfunc.Get(cfg.JWKSURL, keyfunc.Options{
		Client:          httpClient,
		RefreshInterval: time.Hour,
		RefreshErrorHandler: func(err error) {
			logger.Error("jwks refresh failed: %v", err)
		},
	})
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryOperation, "unable to fetch identity platform JWKS")
	}

	c.jwks = jwks
	c.keyfunc = jwks.Keyfunc
	return c, nil
}

// Close stops the background JWKS refresh.
func (c *Client) Close() {
	if c.jwks != nil {
		c.jwks.EndBackground()
	}
}

type principal struct {
	uid   string
	email string
}

func (p principal) ID() string    { return p.uid }
func (p principal) Email() string { return p.email }

type idClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
}

// SetSession installs tokens obtained from the platform login flow, then
// notifies session-change subscribers with the decoded principal.
func (c *Client) SetSession(idToken, refreshToken string) error {
	claims, err := c.validateToken(idToken)
	if err != nil {
		return err
	}

	p := &principal{uid: claims.Subject, email: claims.Email}

	c.mu.Lock()
	c.idToken = idToken
	c.refreshToken = refreshToken
	c.expiry = expiryFromClaims(claims)
	c.principal = p
	c.mu.Unlock()

	c.notify(p)
	return nil
}

// OnSessionChange implements session.IdentityClient. The callback is
// delivered immediately with the current session state, then on every
// change.
func (c *Client) OnSessionChange(fn func(session.Principal)) func() {
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.subMu.Unlock()

	fn(c.currentPrincipal())

	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

// Token implements session.IdentityClient. A cached ID token is returned
// while fresh; otherwise, or when forceRefresh is set, a refresh grant is
// performed against the token endpoint.
func (c *Client) Token(ctx context.Context, forceRefresh bool) (string, error) {
	c.mu.Lock()
	idToken := c.idToken
	refreshToken := c.refreshToken
	expiry := c.expiry
	c.mu.Unlock()

	if idToken == "" {
		return "", goerrors.New("no identity session", goerrors.CategoryAuth).
			WithCode(goerrors.CodeUnauthorized)
	}

	if !forceRefresh && time.Now().Add(c.leeway).Before(expiry) {
		return idToken, nil
	}

	return c.refreshGrant(ctx, refreshToken)
}

// SignOut implements session.IdentityClient: the session ends locally and
// subscribers are notified with a nil principal.
func (c *Client) SignOut(ctx context.Context) error {
	c.mu.Lock()
	hadSession := c.idToken != ""
	c.idToken = ""
	c.refreshToken = ""
	c.expiry = time.Time{}
	c.principal = nil
	c.mu.Unlock()

	if hadSession {
		c.notify(nil)
	}
	return nil
}

func (c *Client) refreshGrant(ctx context.Context, refreshToken string) (string, error) {
	if refreshToken == "" {
		return "", goerrors.New("no refresh token available", goerrors.CategoryAuth).
			WithCode(goerrors.CodeUnauthorized)
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	if c.config.ClientID != "" {
		form.Set("client_id", c.config.ClientID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", goerrors.Wrap(err, goerrors.CategoryInternal, "unable to build refresh request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := c.http.Do(req)
	if err != nil {
		return "", goerrors.Wrap(err, goerrors.CategoryOperation, "token refresh request failed")
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return "", goerrors.Wrap(err, goerrors.CategoryOperation, "unable to read refresh response")
	}

	if res.StatusCode != http.StatusOK {
		return "", goerrors.New("token refresh rejected", goerrors.CategoryAuth).
			WithCode(goerrors.CodeUnauthorized).
			WithMetadata(map[string]any{"status": res.StatusCode})
	}

	var grant struct {
		IDToken      string `json:"id_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(body, &grant); err != nil {
		return "", goerrors.Wrap(err, goerrors.CategoryOperation, "undecodable refresh response")
	}

	claims, err := c.validateToken(grant.IDToken)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.idToken = grant.IDToken
	if grant.RefreshToken != "" {
		c.refreshToken = grant.RefreshToken
	}
	c.expiry = expiryFromClaims(claims)
	c.principal = &principal{uid: claims.Subject, email: claims.Email}
	c.mu.Unlock()

	return grant.IDToken, nil
}

func (c *Client) validateToken(tokenString string) (*idClaims, error) {
	if tokenString == "" {
		return nil, goerrors.New("empty identity token", goerrors.CategoryAuth).
			WithCode(goerrors.CodeUnauthorized)
	}

	parserOptions := make([]jwt.ParserOption, 0, 2)
	if c.config.Issuer != "" {
		parserOptions = append(parserOptions, jwt.WithIssuer(c.config.Issuer))
	}
	if c.config.Audience != "" {
		parserOptions = append(parserOptions, jwt.WithAudience(c.config.Audience))
	}

	token, err := jwt.ParseWithClaims(tokenString, &idClaims{}, c.keyfunc, parserOptions...)
	if err != nil {
		return nil, normalizeTokenError(err)
	}

	claims, ok := token.Claims.(*idClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, goerrors.New("identity token missing subject", goerrors.CategoryAuth).
			WithCode(goerrors.CodeUnauthorized)
	}

	return claims, nil
}

func (c *Client) currentPrincipal() session.Principal {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.principal == nil {
		return nil
	}
	return *c.principal
}

func (c *Client) notify(p *principal) {
	c.subMu.Lock()
	fns := make([]func(session.Principal), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subMu.Unlock()

	for _, fn := range fns {
		if p == nil {
			fn(nil)
		} else {
			fn(*p)
		}
	}
}

func expiryFromClaims(claims *idClaims) time.Time {
	if claims.ExpiresAt != nil {
		return claims.ExpiresAt.Time
	}
	return time.Time{}
}

func normalizeTokenError(err error) error {
	message := "invalid identity token"
	if stderrors.Is(err, jwt.ErrTokenExpired) {
		message = "identity token expired"
	}

	return goerrors.Wrap(err, goerrors.CategoryAuth, message).WithCode(goerrors.CodeUnauthorized)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
