// Package backend implements the session.BackendClient contract over HTTP:
// the sync endpoint that materializes/validates an application user, the
// logout endpoint that invalidates the server-side session cookie, and the
// product-activation endpoint.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	goerrors "github.com/goliatone/go-errors"
	"github.com/sendbeam/go-session"
)

const (
	// DefaultSyncPath is the backend sync route.
	DefaultSyncPath = "/api/auth/sync"
	// DefaultLogoutPath clears the server-side session cookie.
	DefaultLogoutPath = "/api/auth/logout"
	// DefaultActivatePath activates a product membership.
	DefaultActivatePath = "/api/products/activate"
	// DefaultTimeout bounds each one-shot request. Retry policy, if any,
	// belongs to the calling UI, not this client.
	DefaultTimeout = 15 * time.Second
)

// Config configures the backend HTTP client.
type Config struct {
	// BaseURL is the backend origin, e.g. https://app.example.com.
	BaseURL string

	// SyncPath, LogoutPath, and ActivatePath override the default routes.
	SyncPath     string
	LogoutPath   string
	ActivatePath string

	// HTTPClient is an optional custom client, e.g. one carrying a cookie
	// jar shared with the hosting application.
	HTTPClient *http.Client

	Timeout time.Duration

	Logger session.Logger
}

// Validate checks the config before a client is constructed.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.BaseURL, validation.Required, is.URL),
	)
}

// Client talks to the backend session endpoints.
type Client struct {
	baseURL      string
	syncPath     string
	logoutPath   string
	activatePath string
	http         *http.Client
	logger       session.Logger
}

var _ session.BackendClient = (*Client)(nil)

// NewClient creates a backend client for the configured origin.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryValidation, "invalid backend client config")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		syncPath:     pathOrDefault(cfg.SyncPath, DefaultSyncPath),
		logoutPath:   pathOrDefault(cfg.LogoutPath, DefaultLogoutPath),
		activatePath: pathOrDefault(cfg.ActivatePath, DefaultActivatePath),
		http:         httpClient,
		logger:       cfg.Logger,
	}, nil
}

type syncRequest struct {
	Token       string `json:"token"`
	AllowCreate bool   `json:"allowCreate,omitempty"`
}

type syncResponse struct {
	Success           bool          `json:"success"`
	User              *session.User `json:"user,omitempty"`
	Error             string        `json:"error,omitempty"`
	Code              string        `json:"code,omitempty"`
	CurrentProduct    string        `json:"currentProduct,omitempty"`
	AvailableProducts []string      `json:"availableProducts,omitempty"`
}

type activateRequest struct {
	Product string `json:"product"`
}

type statusResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

// Sync implements session.BackendClient. Distinguished backend codes are
// normalized into the session package's structured errors so callers branch
// on text codes, never on message content.
func (c *Client) Sync(ctx context.Context, token string, allowCreate bool) (*session.User, error) {
	status, body, err := c.post(ctx, c.syncPath, syncRequest{Token: token, AllowCreate: allowCreate})
	if err != nil {
		return nil, transportError("sync", err)
	}

	// a 404 is a not-found answer even when the body is empty or undecodable
	if status == http.StatusNotFound {
		var decoded syncResponse
		_ = json.Unmarshal(body, &decoded)
		return nil, notFoundError(decoded.Error)
	}

	var decoded syncResponse
	if derr := json.Unmarshal(body, &decoded); derr != nil {
		return nil, decodeError("sync", status, derr)
	}

	switch {
	case decoded.Code == "USER_NOT_FOUND":
		return nil, notFoundError(decoded.Error)

	case decoded.Code == "PRODUCT_NOT_ENABLED":
		return nil, session.NewProductNotEnabledError(decoded.CurrentProduct, decoded.AvailableProducts)

	case status != http.StatusOK || !decoded.Success:
		return nil, backendError("sync", status, decoded.Code, decoded.Error)

	case decoded.User == nil:
		return nil, backendError("sync", status, decoded.Code, "response missing user payload")
	}

	return decoded.User, nil
}

// Logout implements session.BackendClient. The caller treats failures as
// log-and-continue; we only normalize them here.
func (c *Client) Logout(ctx context.Context) error {
	status, body, err := c.post(ctx, c.logoutPath, nil)
	if err != nil {
		return transportError("logout", err)
	}

	if status != http.StatusOK && status != http.StatusNoContent {
		var decoded statusResponse
		_ = json.Unmarshal(body, &decoded)
		return backendError("logout", status, decoded.Code, decoded.Error)
	}

	return nil
}

// ActivateProduct implements session.BackendClient.
func (c *Client) ActivateProduct(ctx context.Context, product string) error {
	if product == "" {
		return goerrors.New("product is required", goerrors.CategoryBadInput)
	}

	status, body, err := c.post(ctx, c.activatePath, activateRequest{Product: product})
	if err != nil {
		return transportError("activate", err)
	}

	var decoded statusResponse
	if derr := json.Unmarshal(body, &decoded); derr != nil {
		return decodeError("activate", status, derr)
	}

	if status != http.StatusOK || !decoded.Success {
		return backendError("activate", status, decoded.Code, decoded.Error)
	}

	return nil
}

func (c *Client) post(ctx context.Context, path string, payload any) (int, []byte, error) {
	var reader io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return res.StatusCode, nil, err
	}

	if c.logger != nil {
		c.logger.Debug("backend %s -> %d", path, res.StatusCode)
	}

	return res.StatusCode, body, nil
}

func pathOrDefault(path, def string) string {
	if strings.TrimSpace(path) == "" {
		return def
	}
	if !strings.HasPrefix(path, "/") {
		return "/" + path
	}
	return path
}

func transportError(operation string, err error) error {
	clone := session.ErrSyncFailed.Clone()
	if clone == nil {
		return err
	}
	clone.Source = err
	return clone.WithMetadata(map[string]any{
		"operation": operation,
		"cause":     err.Error(),
	})
}

func decodeError(operation string, status int, err error) error {
	clone := session.ErrSyncFailed.Clone()
	if clone == nil {
		return err
	}
	clone.Source = err
	return clone.WithMetadata(map[string]any{
		"operation": operation,
		"status":    status,
		"cause":     "undecodable response body",
	})
}

func notFoundError(description string) error {
	clone := session.ErrUserNotFound.Clone()
	if clone == nil {
		return session.ErrUserNotFound
	}
	if description != "" {
		clone.WithMetadata(map[string]any{"description": description})
	}
	return clone
}

func backendError(operation string, status int, code, description string) error {
	clone := session.ErrSyncFailed.Clone()
	if clone == nil {
		return session.ErrSyncFailed
	}

	meta := map[string]any{
		"operation": operation,
		"status":    status,
	}
	if code != "" {
		meta["code"] = code
	}
	if description != "" {
		meta["description"] = description
	}

	return clone.WithMetadata(meta)
}
